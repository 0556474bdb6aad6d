package policy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"github.com/upb/agent-governance/services"
	"github.com/upb/agent-governance/services/audit"
	"go.uber.org/zap"
)

// Store owns policy, rule, and attachment persistence and the policy
// lifecycle (draft -> active -> archived). Authoring errors are rejected at
// save time; a policy that fails validation never reaches active status.
type Store struct {
	policyRepo   repositories.PolicyRepository
	txManager    repositories.TransactionManager
	cache        *PolicyCache
	auditService *audit.AuditService
	logger       *zap.Logger
}

// NewStore creates a new policy Store instance. The transaction manager may
// be nil, in which case multi-row writes run without a wrapping transaction.
func NewStore(policyRepo repositories.PolicyRepository, txManager repositories.TransactionManager, cache *PolicyCache, auditService *audit.AuditService, logger *zap.Logger) *Store {
	return &Store{
		policyRepo:   policyRepo,
		txManager:    txManager,
		cache:        cache,
		auditService: auditService,
		logger:       logger,
	}
}

// inTx runs fn inside a transaction when a manager is configured. The
// repositories pick the transaction up from the context.
func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txManager == nil {
		return fn(ctx)
	}
	return s.txManager.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		return fn(txCtx)
	})
}

// Create persists a new draft policy after validating its rules
func (s *Store) Create(ctx context.Context, actor string, policy *models.Policy) error {
	if policy.ID == uuid.Nil {
		policy.ID = uuid.New()
	}
	policy.Status = models.PolicyStatusDraft
	policy.Version = 1
	now := time.Now()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	if err := s.prepareRules(policy); err != nil {
		return err
	}

	if err := s.inTx(ctx, func(ctx context.Context) error {
		return s.policyRepo.Create(ctx, policy)
	}); err != nil {
		return services.WrapInternal("failed to create policy", err)
	}

	s.recordChange(actor, models.AuditActionPolicyCreated, policy, "policy created as draft")
	return nil
}

// Get retrieves a policy by ID
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	policy, err := s.policyRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrPolicyNotFound
		}
		return nil, services.WrapInternal("failed to get policy", err)
	}
	return policy, nil
}

// GetByCode retrieves a policy by its human-facing code
func (s *Store) GetByCode(ctx context.Context, code string) (*models.Policy, error) {
	policy, err := s.policyRepo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrPolicyNotFound
		}
		return nil, services.WrapInternal("failed to get policy", err)
	}
	return policy, nil
}

// List retrieves policies matching the filter
func (s *Store) List(ctx context.Context, filter repositories.PolicyFilter) ([]*models.Policy, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	policies, err := s.policyRepo.List(ctx, filter)
	if err != nil {
		return nil, services.WrapInternal("failed to list policies", err)
	}
	return policies, nil
}

// Update replaces a policy's editable fields and rule set, bumping its
// version. An active policy must still satisfy activation validation after
// the update.
func (s *Store) Update(ctx context.Context, actor string, id uuid.UUID, update *models.Policy) (*models.Policy, error) {
	policy, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if policy.Status == models.PolicyStatusArchived {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "archived policies cannot be edited", nil)
	}

	policy.Name = update.Name
	policy.PolicyType = update.PolicyType
	policy.Scope = update.Scope
	policy.Rules = update.Rules
	policy.Version++
	policy.UpdatedAt = time.Now()

	if err := s.prepareRules(policy); err != nil {
		return nil, err
	}
	if policy.Status == models.PolicyStatusActive {
		if err := policy.ValidateForActivation(); err != nil {
			return nil, services.NewDomainError(services.ErrorTypeValidation, err.Error(), err)
		}
	}

	if err := s.inTx(ctx, func(ctx context.Context) error {
		return s.policyRepo.Update(ctx, policy)
	}); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrPolicyNotFound
		}
		return nil, services.WrapInternal("failed to update policy", err)
	}

	s.cache.InvalidatePolicy(policy.ID)
	s.recordChange(actor, models.AuditActionPolicyUpdated, policy, "policy updated")
	return policy, nil
}

// Activate transitions a draft policy to active. Activation is refused for
// policies without rules or with invalid rules; inert policies never
// participate in evaluation half-formed.
func (s *Store) Activate(ctx context.Context, actor string, id uuid.UUID) (*models.Policy, error) {
	policy, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if policy.Status == models.PolicyStatusActive {
		return policy, nil
	}
	if policy.Status == models.PolicyStatusArchived {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "archived policies cannot be activated", nil)
	}
	if err := policy.ValidateForActivation(); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, err.Error(), err)
	}

	policy.Status = models.PolicyStatusActive
	policy.Version++
	policy.UpdatedAt = time.Now()

	if err := s.inTx(ctx, func(ctx context.Context) error {
		return s.policyRepo.Update(ctx, policy)
	}); err != nil {
		return nil, services.WrapInternal("failed to activate policy", err)
	}

	s.cache.InvalidatePolicy(policy.ID)
	s.recordChange(actor, models.AuditActionPolicyActivated, policy, "policy activated")
	return policy, nil
}

// Archive transitions a policy to archived; its rules stop participating in
// evaluation on the next cache refresh of any attached target.
func (s *Store) Archive(ctx context.Context, actor string, id uuid.UUID) (*models.Policy, error) {
	policy, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if policy.Status == models.PolicyStatusArchived {
		return policy, nil
	}

	policy.Status = models.PolicyStatusArchived
	policy.Version++
	policy.UpdatedAt = time.Now()

	if err := s.inTx(ctx, func(ctx context.Context) error {
		return s.policyRepo.Update(ctx, policy)
	}); err != nil {
		return nil, services.WrapInternal("failed to archive policy", err)
	}

	s.cache.InvalidatePolicy(policy.ID)
	s.recordChange(actor, models.AuditActionPolicyArchived, policy, "policy archived")
	return policy, nil
}

// Delete removes a policy together with its rules and attachments
func (s *Store) Delete(ctx context.Context, actor string, id uuid.UUID) error {
	policy, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.policyRepo.Delete(ctx, id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrPolicyNotFound
		}
		return services.WrapInternal("failed to delete policy", err)
	}

	s.cache.InvalidatePolicy(id)
	s.recordChange(actor, models.AuditActionPolicyDeleted, policy, "policy deleted")
	return nil
}

// Attach binds a policy to a target; the target's cached policy set is
// invalidated so the next evaluation sees it.
func (s *Store) Attach(ctx context.Context, actor string, policyID uuid.UUID, targetType models.TargetType, targetID uuid.UUID) (*models.PolicyAttachment, error) {
	policy, err := s.Get(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if targetType.SpecificityRank() == 0 {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "unknown attachment target type", nil)
	}

	attachment := &models.PolicyAttachment{
		ID:         uuid.New(),
		PolicyID:   policyID,
		TargetType: targetType,
		TargetID:   targetID,
		AttachedBy: actor,
		AttachedAt: time.Now(),
	}

	if err := s.policyRepo.AddAttachment(ctx, attachment); err != nil {
		return nil, services.WrapInternal("failed to attach policy", err)
	}

	s.cache.Invalidate(CacheKey{TargetType: targetType, TargetID: targetID})
	s.recordChange(actor, models.AuditActionPolicyAttached, policy, "policy attached to "+string(targetType))
	return attachment, nil
}

// Detach removes one attachment from a policy
func (s *Store) Detach(ctx context.Context, actor string, policyID, attachmentID uuid.UUID) error {
	policy, err := s.Get(ctx, policyID)
	if err != nil {
		return err
	}

	var target *models.PolicyAttachment
	for i := range policy.Attachments {
		if policy.Attachments[i].ID == attachmentID {
			target = &policy.Attachments[i]
			break
		}
	}
	if target == nil {
		return services.ErrAttachmentNotFound
	}

	if err := s.policyRepo.RemoveAttachment(ctx, attachmentID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrAttachmentNotFound
		}
		return services.WrapInternal("failed to detach policy", err)
	}

	s.cache.Invalidate(CacheKey{TargetType: target.TargetType, TargetID: target.TargetID})
	s.recordChange(actor, models.AuditActionPolicyDetached, policy, "policy detached from "+string(target.TargetType))
	return nil
}

// prepareRules assigns identities and insertion sequence numbers and rejects
// structurally invalid rules before they can be persisted.
func (s *Store) prepareRules(policy *models.Policy) error {
	for i := range policy.Rules {
		rule := &policy.Rules[i]
		if rule.ID == uuid.Nil {
			rule.ID = uuid.New()
		}
		rule.PolicyID = policy.ID
		rule.Sequence = i + 1

		if err := rule.Validate(); err != nil {
			return services.NewDomainError(services.ErrorTypeValidation, err.Error(), err)
		}
	}
	return nil
}

func (s *Store) recordChange(actor string, action models.AuditAction, policy *models.Policy, detail string) {
	if s.auditService != nil {
		_ = s.auditService.RecordPolicyChange(actor, action, policy, detail)
	}
}
