package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"github.com/upb/agent-governance/services"
	"github.com/upb/agent-governance/services/audit"
	"github.com/upb/agent-governance/services/ceiling"
	"go.uber.org/zap"
)

// Service manages memory instances and their access rules. Every rule
// addition passes through the sensitivity ceiling first; a rejected rule is
// audited but never persisted.
type Service struct {
	memoryRepo   repositories.MemoryRepository
	ceiling      *ceiling.Checker
	auditService *audit.AuditService
	logger       *zap.Logger
}

// NewService creates a memory service
func NewService(memoryRepo repositories.MemoryRepository, ceilingChecker *ceiling.Checker, auditService *audit.AuditService, logger *zap.Logger) *Service {
	return &Service{
		memoryRepo:   memoryRepo,
		ceiling:      ceilingChecker,
		auditService: auditService,
		logger:       logger,
	}
}

// validSensitivities guards creation; sensitivity is immutable afterwards
var validSensitivities = map[models.Sensitivity]bool{
	models.SensitivityPublic:       true,
	models.SensitivityInternal:     true,
	models.SensitivityConfidential: true,
	models.SensitivityRestricted:   true,
}

// Create persists a new memory instance at the given sensitivity tier
func (s *Service) Create(ctx context.Context, name string, sensitivity models.Sensitivity, createdBy string) (*models.MemoryInstance, error) {
	if name == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "memory name is required", nil)
	}
	if !validSensitivities[sensitivity] {
		return nil, services.ErrInvalidSensitivity
	}

	memory := models.NewMemoryInstance(name, sensitivity, createdBy)
	if err := s.memoryRepo.Create(ctx, memory); err != nil {
		return nil, services.WrapInternal("failed to create memory instance", err)
	}
	return memory, nil
}

// Get retrieves a memory instance by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.MemoryInstance, error) {
	memory, err := s.memoryRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrMemoryNotFound
		}
		return nil, services.WrapInternal("failed to get memory instance", err)
	}
	return memory, nil
}

// List retrieves memory instances with pagination
func (s *Service) List(ctx context.Context, limit, offset int) ([]*models.MemoryInstance, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	memories, err := s.memoryRepo.List(ctx, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list memory instances", err)
	}
	return memories, nil
}

// Delete removes a memory instance; its access rules cascade with it
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.memoryRepo.Delete(ctx, id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrMemoryNotFound
		}
		return services.WrapInternal("failed to delete memory instance", err)
	}
	return nil
}

// AccessRuleInput describes a manual access rule to add to a memory
type AccessRuleInput struct {
	PrincipalType models.PrincipalType `json:"principal_type"`
	PrincipalID   uuid.UUID            `json:"principal_id"`
	PrincipalName string               `json:"principal_name"`
	Role          models.MemoryRole    `json:"role"`
	Reason        string               `json:"reason,omitempty"`
	ExpiresAt     *time.Time           `json:"expires_at,omitempty"`
}

// AddAccessRule adds a manual access rule after the sensitivity ceiling
// check. A ceiling rejection is audited with its reason and returned
// unchanged; no rule row is written.
func (s *Service) AddAccessRule(ctx context.Context, actor string, memoryID uuid.UUID, input AccessRuleInput) (*models.MemoryAccessRule, error) {
	if !input.Role.Valid() {
		return nil, services.ErrInvalidMemoryRole
	}

	memory, err := s.Get(ctx, memoryID)
	if err != nil {
		return nil, err
	}

	if err := s.ceiling.Check(memory.Sensitivity, input.PrincipalType, models.GrantTypeManual); err != nil {
		s.recordRule(actor, models.AuditActionAccessRuleRejected, memoryID, &models.MemoryAccessRule{
			MemoryID:      memoryID,
			PrincipalType: input.PrincipalType,
			PrincipalID:   input.PrincipalID,
			PrincipalName: input.PrincipalName,
			Role:          input.Role,
			GrantType:     models.GrantTypeManual,
		}, ceiling.Reason(err))
		return nil, err
	}

	rule := &models.MemoryAccessRule{
		ID:            uuid.New(),
		MemoryID:      memoryID,
		PrincipalType: input.PrincipalType,
		PrincipalID:   input.PrincipalID,
		PrincipalName: input.PrincipalName,
		Role:          input.Role,
		GrantType:     models.GrantTypeManual,
		GrantedBy:     actor,
		GrantedAt:     time.Now(),
		Reason:        input.Reason,
		ExpiresAt:     input.ExpiresAt,
	}

	if err := s.memoryRepo.AddAccessRule(ctx, rule); err != nil {
		return nil, services.WrapInternal("failed to add access rule", err)
	}

	s.recordRule(actor, models.AuditActionAccessRuleAdded, memoryID, rule, "access rule added")
	return rule, nil
}

// RemoveAccessRule deletes a manual access rule outright. Rules created by
// the grant lifecycle are revoked through their grant, not removed here.
func (s *Service) RemoveAccessRule(ctx context.Context, actor string, memoryID, ruleID uuid.UUID) error {
	rule, err := s.memoryRepo.GetAccessRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrAccessRuleNotFound
		}
		return services.WrapInternal("failed to get access rule", err)
	}
	if rule.MemoryID != memoryID {
		return services.ErrAccessRuleNotFound
	}
	if rule.GrantType == models.GrantTypePolicy {
		return services.NewDomainError(services.ErrorTypeValidation, "policy-created rules are revoked through their grant", nil)
	}

	if err := s.memoryRepo.RemoveAccessRule(ctx, ruleID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrAccessRuleNotFound
		}
		return services.WrapInternal("failed to remove access rule", err)
	}

	s.recordRule(actor, models.AuditActionAccessRuleRemoved, memoryID, rule, "access rule removed")
	return nil
}

// ListAccessRules retrieves all access rules on a memory, including expired
// and revoked ones; history stays visible.
func (s *Service) ListAccessRules(ctx context.Context, memoryID uuid.UUID) ([]*models.MemoryAccessRule, error) {
	if _, err := s.Get(ctx, memoryID); err != nil {
		return nil, err
	}
	rules, err := s.memoryRepo.ListAccessRules(ctx, memoryID)
	if err != nil {
		return nil, services.WrapInternal("failed to list access rules", err)
	}
	return rules, nil
}

// ListEffectiveRules retrieves only the rules currently conferring access:
// not revoked and not past expiry.
func (s *Service) ListEffectiveRules(ctx context.Context, memoryID uuid.UUID) ([]*models.MemoryAccessRule, error) {
	rules, err := s.ListAccessRules(ctx, memoryID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	effective := rules[:0:0]
	for _, rule := range rules {
		if rule.IsEffective(now) {
			effective = append(effective, rule)
		}
	}
	return effective, nil
}

// CheckAccess reports whether the principal currently holds at least the
// required role on the memory. Expired and revoked rules never count.
func (s *Service) CheckAccess(ctx context.Context, memoryID, principalID uuid.UUID, required models.MemoryRole) (bool, error) {
	if !required.Valid() {
		return false, services.ErrInvalidMemoryRole
	}

	rules, err := s.ListAccessRules(ctx, memoryID)
	if err != nil {
		return false, err
	}

	now := time.Now()
	for _, rule := range rules {
		if rule.PrincipalID == principalID && rule.IsEffective(now) && rule.Role.AtLeast(required) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) recordRule(actor string, action models.AuditAction, memoryID uuid.UUID, rule *models.MemoryAccessRule, detail string) {
	if s.auditService == nil {
		return
	}
	_ = s.auditService.RecordAccessRule(actor, action, memoryID, rule, detail)
}
