package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/upb/agent-governance/internal/observability"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"github.com/upb/agent-governance/services/audit"
	"go.uber.org/zap"
)

// TargetRef identifies the resource an access request is evaluated against
type TargetRef struct {
	Type        models.TargetType  `json:"type"`
	ID          uuid.UUID          `json:"id"`
	Sensitivity models.Sensitivity `json:"sensitivity,omitempty"`
}

// ScopeChain carries the enclosing scopes of the target. Policies attached at
// any level of the chain participate in evaluation alongside those attached
// to the target directly.
type ScopeChain struct {
	TeamID         *uuid.UUID `json:"team_id,omitempty"`
	WorkspaceID    *uuid.UUID `json:"workspace_id,omitempty"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
}

// EvaluationRequest represents one access request to resolve
type EvaluationRequest struct {
	Actor         string             `json:"actor"`
	ActorID       uuid.UUID          `json:"actor_id"`
	AccountID     uuid.UUID          `json:"account_id"`
	AgentID       uuid.UUID          `json:"agent_id"`
	Permissions   []string           `json:"permissions"`
	PrincipalRole string             `json:"principal_role,omitempty"`
	Target        TargetRef          `json:"target"`
	Scopes        ScopeChain         `json:"scopes"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	RequestID     string             `json:"request_id,omitempty"`
}

// Decision is the evaluator's verdict on a request
type Decision struct {
	Effect        models.Effect `json:"effect"`
	PolicyID      uuid.UUID     `json:"policy_id,omitempty"`
	PolicyCode    string        `json:"policy_code,omitempty"`
	PolicyName    string        `json:"policy_name,omitempty"`
	RuleID        uuid.UUID     `json:"rule_id,omitempty"`
	ApprovalChain []string      `json:"approval_chain,omitempty"`
	TTLMinutes    *int          `json:"ttl_minutes,omitempty"`
	Reason        string        `json:"reason"`
}

// candidate is one matching rule together with the policy it belongs to and
// the scope level the policy was attached at.
type candidate struct {
	rule        *models.PolicyRule
	policy      *models.Policy
	specificity int
}

// Evaluator resolves access requests against the active policies attached to
// the target and its enclosing scopes. It is side-effect-free over its inputs
// and safe for concurrent use; audit entries are its only output besides the
// decision.
type Evaluator struct {
	policyRepo   repositories.PolicyRepository
	cache        *PolicyCache
	auditService *audit.AuditService
	metrics      *observability.Metrics
	logger       *zap.Logger
}

// NewEvaluator creates a new Evaluator instance
func NewEvaluator(policyRepo repositories.PolicyRepository, cache *PolicyCache, auditService *audit.AuditService, metrics *observability.Metrics, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		policyRepo:   policyRepo,
		cache:        cache,
		auditService: auditService,
		metrics:      metrics,
		logger:       logger,
	}
}

// Evaluate resolves a request to a Decision. When no rule matches, the
// decision is deny (fail-closed), not an error; errors are reserved for
// infrastructure failures loading policies.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluationRequest) (*Decision, error) {
	start := time.Now()

	candidates, err := e.collectCandidates(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to collect policy candidates: %w", err)
	}

	decision := e.decide(candidates)

	e.metrics.IncrementDecision(string(decision.Effect))
	e.metrics.ObserveEvaluateLatency(time.Since(start))

	e.recordDecision(req, decision)

	e.logger.Debug("policy decision",
		zap.String("actor", req.Actor),
		zap.String("effect", string(decision.Effect)),
		zap.String("policy_code", decision.PolicyCode),
		zap.Strings("permissions", req.Permissions))

	return decision, nil
}

// collectCandidates loads the active policies attached to the target and its
// enclosing scopes and filters their rules down to those whose condition
// matches the request.
func (e *Evaluator) collectCandidates(ctx context.Context, req EvaluationRequest) ([]candidate, error) {
	var candidates []candidate

	for _, attachment := range e.scopeLevels(req) {
		policies, err := e.getAttachedPolicies(ctx, attachment.targetType, attachment.targetID)
		if err != nil {
			return nil, err
		}

		specificity := attachment.targetType.SpecificityRank()
		for _, p := range policies {
			if !p.IsActive() {
				continue
			}
			for i := range p.Rules {
				rule := &p.Rules[i]
				matched, err := matchCondition(rule.Condition, req)
				if err != nil {
					// Malformed conditions never match and never crash the
					// evaluator; the audit entry is the policy author's signal.
					e.logger.Warn("malformed rule condition treated as non-matching",
						zap.String("policy_code", p.Code),
						zap.String("rule_id", rule.ID.String()),
						zap.Error(err))
					if e.auditService != nil {
						_ = e.auditService.RecordMalformedCondition(p.Code, rule.ID, err.Error())
					}
					continue
				}
				if matched {
					candidates = append(candidates, candidate{rule: rule, policy: p, specificity: specificity})
				}
			}
		}
	}

	return candidates, nil
}

type scopeLevel struct {
	targetType models.TargetType
	targetID   uuid.UUID
}

// scopeLevels lists the attachment points to query: the target itself, then
// team, workspace, organization.
func (e *Evaluator) scopeLevels(req EvaluationRequest) []scopeLevel {
	levels := []scopeLevel{{targetType: req.Target.Type, targetID: req.Target.ID}}

	if req.Scopes.TeamID != nil && req.Target.Type != models.TargetTeam {
		levels = append(levels, scopeLevel{targetType: models.TargetTeam, targetID: *req.Scopes.TeamID})
	}
	if req.Scopes.WorkspaceID != nil && req.Target.Type != models.TargetWorkspace {
		levels = append(levels, scopeLevel{targetType: models.TargetWorkspace, targetID: *req.Scopes.WorkspaceID})
	}
	if req.Scopes.OrganizationID != nil && req.Target.Type != models.TargetOrganization {
		levels = append(levels, scopeLevel{targetType: models.TargetOrganization, targetID: *req.Scopes.OrganizationID})
	}

	return levels
}

// getAttachedPolicies fetches active attached policies with caching
func (e *Evaluator) getAttachedPolicies(ctx context.Context, targetType models.TargetType, targetID uuid.UUID) ([]*models.Policy, error) {
	key := CacheKey{TargetType: targetType, TargetID: targetID}

	if cached := e.cache.GetPolicies(key); cached != nil {
		return cached, nil
	}

	policies, err := e.policyRepo.GetAttachedActive(ctx, targetType, targetID)
	if err != nil {
		return nil, err
	}

	e.cache.SetPolicies(key, policies)
	return policies, nil
}

// decide orders the candidates and takes the first. Order: priority ascending,
// then scope specificity descending, then more restrictive effect first (deny
// beats allow at an exact tie, fail-closed), then insertion sequence.
func (e *Evaluator) decide(candidates []candidate) *Decision {
	if len(candidates) == 0 {
		return &Decision{
			Effect: models.EffectDeny,
			Reason: "No active policy rule matches the request",
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.rule.Priority != cj.rule.Priority {
			return ci.rule.Priority < cj.rule.Priority
		}
		if ci.specificity != cj.specificity {
			return ci.specificity > cj.specificity
		}
		if ri, rj := effectRestrictiveness(ci.rule.Effect), effectRestrictiveness(cj.rule.Effect); ri != rj {
			return ri < rj
		}
		return ci.rule.Sequence < cj.rule.Sequence
	})

	winner := candidates[0]
	return &Decision{
		Effect:        winner.rule.Effect,
		PolicyID:      winner.policy.ID,
		PolicyCode:    winner.policy.Code,
		PolicyName:    winner.policy.Name,
		RuleID:        winner.rule.ID,
		ApprovalChain: winner.rule.ApprovalChain,
		TTLMinutes:    winner.rule.TTLMinutes,
		Reason:        fmt.Sprintf("Matched rule of policy %s (%s)", winner.policy.Code, winner.rule.Effect),
	}
}

// effectRestrictiveness orders effects for the fail-closed tie-break: a deny
// wins over any other effect at equal priority and specificity.
func effectRestrictiveness(effect models.Effect) int {
	switch effect {
	case models.EffectDeny:
		return 0
	case models.EffectEscalate:
		return 1
	case models.EffectRequireApproval:
		return 2
	case models.EffectAllow:
		return 3
	}
	return 4
}

// matchCondition evaluates a rule condition against the request. An error
// marks the condition malformed; callers treat that as non-matching.
func matchCondition(cond models.RuleCondition, req EvaluationRequest) (bool, error) {
	switch cond.Kind {
	case models.ConditionPermissionIn:
		for _, requested := range req.Permissions {
			for _, v := range cond.Values {
				if requested == v {
					return true, nil
				}
			}
		}
		return false, nil

	case models.ConditionSensitivityIn:
		if req.Target.Sensitivity == "" {
			return false, nil
		}
		for _, v := range cond.Values {
			if string(req.Target.Sensitivity) == v {
				return true, nil
			}
		}
		return false, nil

	case models.ConditionPrincipalRoleIn:
		if req.PrincipalRole == "" {
			return false, nil
		}
		for _, v := range cond.Values {
			if req.PrincipalRole == v {
				return true, nil
			}
		}
		return false, nil

	case models.ConditionMetricThreshold:
		value, ok := req.Metrics[cond.Metric]
		if !ok {
			// Absent metrics are non-matching, not malformed: execution
			// policies only fire when the runtime reports the metric.
			return false, nil
		}
		switch cond.Op {
		case models.OpGreaterThan:
			return value > cond.Value, nil
		case models.OpGreaterOrEqual:
			return value >= cond.Value, nil
		case models.OpLessThan:
			return value < cond.Value, nil
		case models.OpLessOrEqual:
			return value <= cond.Value, nil
		case models.OpEqual:
			return value == cond.Value, nil
		default:
			return false, fmt.Errorf("unknown threshold operator %q", cond.Op)
		}

	default:
		return false, fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
}

// recordDecision writes the decision to the audit trail. Failures are already
// counted by the audit service; the decision itself never blocks on them.
func (e *Evaluator) recordDecision(req EvaluationRequest, decision *Decision) {
	if e.auditService == nil {
		return
	}

	_ = e.auditService.RecordDecision(req.Actor, req.ActorID, req.Target.Type, req.Target.ID, decision.Effect, decision.Reason, map[string]interface{}{
		"account_id":  req.AccountID,
		"agent_id":    req.AgentID,
		"permissions": req.Permissions,
		"policy_code": decision.PolicyCode,
		"request_id":  req.RequestID,
	})
}
