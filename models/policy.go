package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PolicyType represents the governance category a policy belongs to
type PolicyType string

const (
	PolicyTypeAuthorization PolicyType = "authorization"
	PolicyTypeAccess        PolicyType = "access"
	PolicyTypeExecution     PolicyType = "execution"
	PolicyTypeDataHandling  PolicyType = "data-handling"
	PolicyTypeEscalation    PolicyType = "escalation"
)

// PolicyScope represents the organizational level a policy is authored at
type PolicyScope string

const (
	ScopeOrganization PolicyScope = "organization"
	ScopeWorkspace    PolicyScope = "workspace"
	ScopeTeam         PolicyScope = "team"
	ScopeAgent        PolicyScope = "agent"
)

// PolicyStatus represents the lifecycle state of a policy
type PolicyStatus string

const (
	PolicyStatusDraft    PolicyStatus = "draft"
	PolicyStatusActive   PolicyStatus = "active"
	PolicyStatusArchived PolicyStatus = "archived"
)

// Effect is the outcome a rule produces when its condition matches
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require-approval"
	EffectEscalate        Effect = "escalate"
)

// RequiresApproval reports whether the effect opens an approval workflow
func (e Effect) RequiresApproval() bool {
	return e == EffectRequireApproval || e == EffectEscalate
}

// TargetType identifies what kind of resource a policy attaches to
type TargetType string

const (
	TargetAgent        TargetType = "agent"
	TargetTeam         TargetType = "team"
	TargetWorkspace    TargetType = "workspace"
	TargetOrganization TargetType = "organization"
	TargetMemory       TargetType = "memory"
)

// SpecificityRank orders target types by scope specificity. Higher rank wins
// ties during evaluation: a policy attached directly to an agent or memory
// beats one inherited from the enclosing team, workspace, or organization.
func (t TargetType) SpecificityRank() int {
	switch t {
	case TargetAgent, TargetMemory:
		return 4
	case TargetTeam:
		return 3
	case TargetWorkspace:
		return 2
	case TargetOrganization:
		return 1
	}
	return 0
}

// Policy is an ordered rule set governing access to platform resources.
// Only active policies attached to a resource participate in evaluation.
type Policy struct {
	ID          uuid.UUID          `json:"id" db:"id"`
	Code        string             `json:"code" db:"code"` // human-facing identifier, e.g. JIT-AUTO-001
	Name        string             `json:"name" db:"name"`
	PolicyType  PolicyType         `json:"policy_type" db:"policy_type"`
	Scope       PolicyScope        `json:"scope" db:"scope"`
	Rules       []PolicyRule       `json:"rules"`
	Attachments []PolicyAttachment `json:"attachments,omitempty"`
	Status      PolicyStatus       `json:"status" db:"status"`
	Version     int                `json:"version" db:"version"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Policy model
func (Policy) TableName() string {
	return "policies"
}

// NewPolicy creates a new draft policy at version 1
func NewPolicy(code, name string, policyType PolicyType, scope PolicyScope) *Policy {
	now := time.Now()
	return &Policy{
		ID:         uuid.New(),
		Code:       code,
		Name:       name,
		PolicyType: policyType,
		Scope:      scope,
		Status:     PolicyStatusDraft,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// PolicyRule is one predicate/effect pair within a policy. Rules are evaluated
// in priority order (lower number first); Sequence preserves insertion order
// for the final tie-break.
type PolicyRule struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	PolicyID      uuid.UUID     `json:"policy_id" db:"policy_id"`
	Description   string        `json:"description" db:"description"` // documentation only, never evaluated
	Condition     RuleCondition `json:"condition" db:"condition"`
	Effect        Effect        `json:"effect" db:"effect"`
	ApprovalChain []string      `json:"approval_chain,omitempty" db:"approval_chain"`
	TTLMinutes    *int          `json:"ttl_minutes,omitempty" db:"ttl_minutes"`
	Priority      int           `json:"priority" db:"priority"`
	Sequence      int           `json:"sequence" db:"sequence"`
}

// Validate checks structural rule invariants. Rules with an approval effect
// must declare who can approve them, and the condition must be complete for
// its kind.
func (r *PolicyRule) Validate() error {
	switch r.Effect {
	case EffectAllow, EffectDeny, EffectRequireApproval, EffectEscalate:
	default:
		return fmt.Errorf("unknown effect %q", r.Effect)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.Effect.RequiresApproval() && len(r.ApprovalChain) == 0 {
		return fmt.Errorf("rule %s: effect %q requires a non-empty approval chain", r.ID, r.Effect)
	}
	if r.TTLMinutes != nil && *r.TTLMinutes <= 0 {
		return fmt.Errorf("rule %s: ttl_minutes must be positive", r.ID)
	}
	return nil
}

// ValidateForActivation checks the invariants a policy must satisfy before it
// may transition to active. Draft policies may be structurally incomplete;
// active ones may not.
func (p *Policy) ValidateForActivation() error {
	if len(p.Rules) == 0 {
		return fmt.Errorf("policy %s: at least one rule is required before activation", p.Code)
	}
	for i := range p.Rules {
		if err := p.Rules[i].Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", p.Code, err)
		}
	}
	return nil
}

// IsActive reports whether the policy participates in evaluation
func (p *Policy) IsActive() bool {
	return p.Status == PolicyStatusActive
}

// PolicyAttachment binds a policy to a concrete resource. A policy may be
// attached to many resources, and a resource may carry many policies.
type PolicyAttachment struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	PolicyID   uuid.UUID  `json:"policy_id" db:"policy_id"`
	TargetType TargetType `json:"target_type" db:"target_type"`
	TargetID   uuid.UUID  `json:"target_id" db:"target_id"`
	AttachedBy string     `json:"attached_by" db:"attached_by"`
	AttachedAt time.Time  `json:"attached_at" db:"attached_at"`
}

// TableName returns the table name for the PolicyAttachment model
func (PolicyAttachment) TableName() string {
	return "policy_attachments"
}
