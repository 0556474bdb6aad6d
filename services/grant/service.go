package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/agent-governance/internal/observability"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"github.com/upb/agent-governance/services"
	"github.com/upb/agent-governance/services/audit"
	"github.com/upb/agent-governance/services/ceiling"
	"github.com/upb/agent-governance/services/policy"
	"go.uber.org/zap"
)

// PolicyEvaluator resolves access requests to decisions
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, req policy.EvaluationRequest) (*policy.Decision, error)
}

// AccessRequest is one just-in-time access request from an agent
type AccessRequest struct {
	AccountID   uuid.UUID `json:"account_id"`
	AccountName string    `json:"account_name"`
	AgentID     uuid.UUID `json:"agent_id"`
	AgentName   string    `json:"agent_name"`

	Permissions []string            `json:"permissions"`
	Scope       map[string][]string `json:"scope,omitempty"`
	Reason      string              `json:"reason"`
	TaskContext string              `json:"task_context,omitempty"`

	PrincipalType models.PrincipalType `json:"principal_type"`
	PrincipalRole string               `json:"principal_role,omitempty"`
	MemoryRole    models.MemoryRole    `json:"memory_role,omitempty"`

	Target  policy.TargetRef   `json:"target"`
	Scopes  policy.ScopeChain  `json:"scopes"`
	Metrics map[string]float64 `json:"metrics,omitempty"`

	RequestID string `json:"request_id,omitempty"`
}

// Service drives the JIT grant lifecycle: requested grants resolve through
// the ceiling check and the policy evaluator into active, pending-approval,
// or denied; active grants later expire or are revoked. All transitions go
// through the optimistic version check so concurrent transitions on the same
// grant serialize; the loser receives a stale-version error.
type Service struct {
	grantRepo    repositories.GrantRepository
	memoryRepo   repositories.MemoryRepository
	txManager    repositories.TransactionManager
	evaluator    PolicyEvaluator
	ceiling      *ceiling.Checker
	auditService *audit.AuditService
	metrics      *observability.Metrics
	logger       *zap.Logger
	defaultTTL   time.Duration
}

// NewService creates a grant lifecycle service. The transaction manager may
// be nil, in which case grant and rule writes run without a wrapping
// transaction.
func NewService(grantRepo repositories.GrantRepository, memoryRepo repositories.MemoryRepository, txManager repositories.TransactionManager, evaluator PolicyEvaluator, ceilingChecker *ceiling.Checker, auditService *audit.AuditService, metrics *observability.Metrics, logger *zap.Logger, defaultTTL time.Duration) *Service {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Service{
		grantRepo:    grantRepo,
		memoryRepo:   memoryRepo,
		txManager:    txManager,
		evaluator:    evaluator,
		ceiling:      ceilingChecker,
		auditService: auditService,
		metrics:      metrics,
		logger:       logger,
		defaultTTL:   defaultTTL,
	}
}

// inTx runs fn inside a transaction when a manager is configured. The
// repositories pick the transaction up from the context, so a grant
// transition and its memory rule side effect commit or roll back together.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txManager == nil {
		return fn(ctx)
	}
	return s.txManager.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		return fn(txCtx)
	})
}

// RequestAccess resolves an access request into a persisted grant. The
// sensitivity ceiling is checked before policy evaluation: a ceiling
// violation denies the grant terminally and is returned as a distinct error
// alongside the persisted record, so callers can tell it apart from a policy
// deny. A policy deny also persists as a denied grant but returns no error.
func (s *Service) RequestAccess(ctx context.Context, req AccessRequest) (*models.JitGrant, error) {
	if len(req.Permissions) == 0 {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "at least one permission is required", nil)
	}

	grant := models.NewJitGrant(req.AccountID, req.AccountName, req.AgentID, req.AgentName, req.Permissions, req.Reason)
	grant.Scope = req.Scope
	grant.TaskContext = req.TaskContext
	grant.TargetType = req.Target.Type
	grant.TargetID = req.Target.ID
	grant.Sensitivity = req.Target.Sensitivity

	if req.Target.Type == models.TargetMemory {
		if err := s.ceiling.Check(req.Target.Sensitivity, req.PrincipalType, models.GrantTypePolicy); err != nil {
			if err := s.persistResolved(ctx, grant, models.GrantStatusDenied, func(g *models.JitGrant) {
				g.RevokeReason = ceiling.Reason(err)
			}); err != nil {
				return nil, err
			}
			s.recordTransition("ceiling-checker", grant, models.AuditActionGrantDenied, grant.RevokeReason)
			return grant, err
		}
	}

	decision, err := s.evaluator.Evaluate(ctx, policy.EvaluationRequest{
		Actor:         req.AgentName,
		ActorID:       req.AgentID,
		AccountID:     req.AccountID,
		AgentID:       req.AgentID,
		Permissions:   req.Permissions,
		PrincipalRole: req.PrincipalRole,
		Target:        req.Target,
		Scopes:        req.Scopes,
		Metrics:       req.Metrics,
		RequestID:     req.RequestID,
	})
	if err != nil {
		return nil, services.WrapInternal("failed to evaluate access request", err)
	}

	grant.PolicyName = decision.PolicyName

	switch decision.Effect {
	case models.EffectAllow:
		now := time.Now()
		expiresAt := now.Add(s.ttlFor(decision.TTLMinutes))
		if err := s.inTx(ctx, func(ctx context.Context) error {
			if err := s.persistResolved(ctx, grant, models.GrantStatusActive, func(g *models.JitGrant) {
				g.ApprovalMethod = models.ApprovalAutoPolicy
				g.ApprovedBy = decision.PolicyCode
				g.TTLMinutes = decision.TTLMinutes
				g.GrantedAt = &now
				g.ExpiresAt = &expiresAt
			}); err != nil {
				return err
			}
			return s.appendAccessRule(ctx, grant, req)
		}); err != nil {
			return nil, err
		}
		s.recordTransition(req.AgentName, grant, models.AuditActionGrantRequested, "auto-granted by policy "+decision.PolicyCode)

	case models.EffectRequireApproval, models.EffectEscalate:
		if err := s.persistResolved(ctx, grant, models.GrantStatusPendingApproval, func(g *models.JitGrant) {
			g.ApprovalChain = decision.ApprovalChain
			g.TTLMinutes = decision.TTLMinutes
		}); err != nil {
			return nil, err
		}
		s.recordTransition(req.AgentName, grant, models.AuditActionGrantRequested, "pending approval per policy "+decision.PolicyCode)

	default:
		if err := s.persistResolved(ctx, grant, models.GrantStatusDenied, func(g *models.JitGrant) {
			g.RevokeReason = decision.Reason
		}); err != nil {
			return nil, err
		}
		s.recordTransition(req.AgentName, grant, models.AuditActionGrantDenied, decision.Reason)
	}

	return grant, nil
}

// Approve transitions a pending-approval grant to active. The approver must
// match the grant's approval chain; any single chain member suffices. The
// method records whether a human or an automated policy chain approved.
func (s *Service) Approve(ctx context.Context, grantID uuid.UUID, approver, approverRole string, method models.ApprovalMethod) (*models.JitGrant, error) {
	grant, err := s.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if err := s.checkTransition(grant, models.GrantStatusActive); err != nil {
		return nil, err
	}
	if !inApprovalChain(grant.ApprovalChain, approver, approverRole) {
		return nil, services.ErrNotApprover
	}

	if method != models.ApprovalPolicyEngine {
		method = models.ApprovalHuman
	}

	now := time.Now()
	expiresAt := now.Add(s.ttlFor(grant.TTLMinutes))

	from := grant.Status
	grant.Status = models.GrantStatusActive
	grant.ApprovedBy = approver
	grant.ApprovalMethod = method
	grant.GrantedAt = &now
	grant.ExpiresAt = &expiresAt

	if err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.commitTransition(ctx, grant, from); err != nil {
			return err
		}
		if grant.TargetType == models.TargetMemory {
			return s.appendRuleForGrant(ctx, grant, models.PrincipalAgent, models.MemoryRoleUser)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.recordTransition(approver, grant, models.AuditActionGrantApproved, "approved by "+approver)
	return grant, nil
}

// Deny transitions a pending-approval grant to denied. Denial is terminal;
// the agent must submit a fresh request to try again.
func (s *Service) Deny(ctx context.Context, grantID uuid.UUID, approver, approverRole, reason string) (*models.JitGrant, error) {
	grant, err := s.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if err := s.checkTransition(grant, models.GrantStatusDenied); err != nil {
		return nil, err
	}
	if !inApprovalChain(grant.ApprovalChain, approver, approverRole) {
		return nil, services.ErrNotApprover
	}

	from := grant.Status
	grant.Status = models.GrantStatusDenied
	grant.RevokeReason = reason

	if err := s.commitTransition(ctx, grant, from); err != nil {
		return nil, err
	}

	s.recordTransition(approver, grant, models.AuditActionGrantDenied, reason)
	return grant, nil
}

// Revoke transitions an active grant to revoked and stamps revoked_at on
// every memory access rule the grant created; those rules stop conferring
// access immediately but stay on record.
func (s *Service) Revoke(ctx context.Context, grantID uuid.UUID, actor, reason string) (*models.JitGrant, error) {
	grant, err := s.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if err := s.checkTransition(grant, models.GrantStatusRevoked); err != nil {
		return nil, err
	}

	now := time.Now()
	from := grant.Status
	grant.Status = models.GrantStatusRevoked
	grant.RevokeReason = reason
	grant.RevokedAt = &now

	if err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.commitTransition(ctx, grant, from); err != nil {
			return err
		}
		if err := s.memoryRepo.RevokeAccessRulesByGrant(ctx, grant.ID, now); err != nil {
			return services.WrapInternal("failed to revoke memory access rules", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.recordTransition(actor, grant, models.AuditActionGrantRevoked, reason)
	return grant, nil
}

// Expire transitions an active grant to expired. Already-expired grants are
// a no-op so repeated sweeps stay idempotent; a concurrent revocation wins
// the version race and surfaces here as a stale-version error.
func (s *Service) Expire(ctx context.Context, grant *models.JitGrant) error {
	if grant.Status == models.GrantStatusExpired {
		return nil
	}
	if err := s.checkTransition(grant, models.GrantStatusExpired); err != nil {
		return err
	}

	from := grant.Status
	grant.Status = models.GrantStatusExpired

	if err := s.commitTransition(ctx, grant, from); err != nil {
		return err
	}

	detail := "expired"
	if grant.ExpiresAt != nil {
		detail = fmt.Sprintf("expired at %s", grant.ExpiresAt.Format(time.RFC3339))
	}
	s.recordTransition("expiry-scheduler", grant, models.AuditActionGrantExpired, detail)
	return nil
}

// ExpireDue expires every active grant whose expiry is at or before asOf,
// up to limit. Grants that lose the version race to a concurrent revocation
// are skipped, not errors. Returns the number of grants expired.
func (s *Service) ExpireDue(ctx context.Context, asOf time.Time, limit int) (int, error) {
	due, err := s.grantRepo.ListDueForExpiry(ctx, asOf, limit)
	if err != nil {
		return 0, services.WrapInternal("failed to list grants due for expiry", err)
	}

	expired := 0
	for _, grant := range due {
		if err := s.Expire(ctx, grant); err != nil {
			if errors.Is(err, services.ErrStaleVersion) || services.IsInvalidTransition(err) {
				s.logger.Debug("grant transitioned concurrently, skipping expiry",
					zap.String("grant_id", grant.ID.String()))
				continue
			}
			return expired, err
		}
		expired++
	}

	return expired, nil
}

// Get retrieves a grant by ID
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.JitGrant, error) {
	grant, err := s.grantRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrGrantNotFound
		}
		return nil, services.WrapInternal("failed to get grant", err)
	}
	return grant, nil
}

// List retrieves grants matching the filter
func (s *Service) List(ctx context.Context, filter repositories.GrantFilter) ([]*models.JitGrant, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	grants, err := s.grantRepo.List(ctx, filter)
	if err != nil {
		return nil, services.WrapInternal("failed to list grants", err)
	}
	return grants, nil
}

// persistResolved moves a transient requested grant into its first persisted
// state and creates the row.
func (s *Service) persistResolved(ctx context.Context, grant *models.JitGrant, to models.GrantStatus, apply func(*models.JitGrant)) error {
	from := grant.Status
	grant.Status = to
	apply(grant)

	if err := grant.Validate(); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation, err.Error(), err)
	}
	if err := s.grantRepo.Create(ctx, grant); err != nil {
		return services.WrapInternal("failed to create grant", err)
	}

	s.metrics.IncrementTransition(string(from), string(to))
	return nil
}

// checkTransition validates the state machine edge before any mutation
func (s *Service) checkTransition(grant *models.JitGrant, to models.GrantStatus) error {
	if grant.Status.IsTerminal() {
		return services.ErrGrantTerminal
	}
	if !models.CanTransition(grant.Status, to) {
		return services.ErrInvalidTransition
	}
	return nil
}

// commitTransition persists an in-place transition under the optimistic
// version check. On conflict the grant's state in memory is unreliable and
// the caller must re-fetch.
func (s *Service) commitTransition(ctx context.Context, grant *models.JitGrant, from models.GrantStatus) error {
	expected := grant.Version
	grant.Version++

	if err := s.grantRepo.UpdateWithVersion(ctx, grant, expected); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			return services.ErrStaleVersion
		}
		return services.WrapInternal("failed to persist grant transition", err)
	}

	s.metrics.IncrementTransition(string(from), string(grant.Status))
	return nil
}

// appendAccessRule creates the memory access rule backing an auto-granted
// memory-scoped grant. Non-memory targets have no rule side effect.
func (s *Service) appendAccessRule(ctx context.Context, grant *models.JitGrant, req AccessRequest) error {
	if grant.TargetType != models.TargetMemory {
		return nil
	}

	principalType := req.PrincipalType
	if principalType == "" {
		principalType = models.PrincipalAgent
	}
	role := req.MemoryRole
	if role == "" {
		role = models.MemoryRoleUser
	}

	return s.appendRuleForGrant(ctx, grant, principalType, role)
}

// appendRuleForGrant inserts the grant's access rule. When the grant elevates
// the principal over a role they already hold effectively, the rule records
// the role it escalated from.
func (s *Service) appendRuleForGrant(ctx context.Context, grant *models.JitGrant, principalType models.PrincipalType, role models.MemoryRole) error {
	rule := s.buildAccessRule(grant, principalType, role)
	if prior := s.priorRole(ctx, grant.TargetID, grant.AgentID); prior != nil && *prior != role && role.AtLeast(*prior) {
		rule.EscalatedFrom = prior
	}
	if err := s.memoryRepo.AddAccessRule(ctx, rule); err != nil {
		return services.WrapInternal("failed to append memory access rule", err)
	}
	return nil
}

// priorRole returns the principal's current highest effective role on the
// memory. A failed lookup leaves the escalation annotation unset.
func (s *Service) priorRole(ctx context.Context, memoryID, principalID uuid.UUID) *models.MemoryRole {
	rules, err := s.memoryRepo.ListAccessRules(ctx, memoryID)
	if err != nil {
		return nil
	}

	now := time.Now()
	var best *models.MemoryRole
	for _, rule := range rules {
		if rule.PrincipalID != principalID || !rule.IsEffective(now) {
			continue
		}
		if best == nil || rule.Role.AtLeast(*best) {
			r := rule.Role
			best = &r
		}
	}
	return best
}

func (s *Service) buildAccessRule(grant *models.JitGrant, principalType models.PrincipalType, role models.MemoryRole) *models.MemoryAccessRule {
	grantID := grant.ID
	return &models.MemoryAccessRule{
		ID:            uuid.New(),
		MemoryID:      grant.TargetID,
		PrincipalType: principalType,
		PrincipalID:   grant.AgentID,
		PrincipalName: grant.AgentName,
		Role:          role,
		GrantType:     models.GrantTypePolicy,
		GrantID:       &grantID,
		GrantedBy:     grant.PolicyName,
		GrantedAt:     time.Now(),
		Reason:        grant.Reason,
		ExpiresAt:     grant.ExpiresAt,
	}
}

// ttlFor resolves a rule-supplied TTL in minutes, falling back to the
// configured default.
func (s *Service) ttlFor(ttlMinutes *int) time.Duration {
	if ttlMinutes != nil && *ttlMinutes > 0 {
		return time.Duration(*ttlMinutes) * time.Minute
	}
	return s.defaultTTL
}

// inApprovalChain reports whether the approver satisfies the any-of chain,
// matching either their identity or their role.
func inApprovalChain(chain []string, approver, approverRole string) bool {
	for _, entry := range chain {
		if entry == approver || (approverRole != "" && entry == approverRole) {
			return true
		}
	}
	return false
}

// recordTransition writes the transition to the audit trail; the transition
// itself never blocks on audit capacity.
func (s *Service) recordTransition(actor string, grant *models.JitGrant, action models.AuditAction, detail string) {
	if s.auditService == nil {
		return
	}
	_ = s.auditService.RecordGrantTransition(actor, grant, action, detail)
}
