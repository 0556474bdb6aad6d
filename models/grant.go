package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GrantStatus represents the lifecycle state of a JIT grant
type GrantStatus string

const (
	// GrantStatusRequested exists only while the evaluator is resolving the
	// request; persisted grants always start in one of the three states below.
	GrantStatusRequested       GrantStatus = "requested"
	GrantStatusActive          GrantStatus = "active"
	GrantStatusPendingApproval GrantStatus = "pending-approval"
	GrantStatusDenied          GrantStatus = "denied"
	GrantStatusExpired         GrantStatus = "expired"
	GrantStatusRevoked         GrantStatus = "revoked"
)

// IsTerminal reports whether the status admits no further transitions
func (s GrantStatus) IsTerminal() bool {
	return s == GrantStatusDenied || s == GrantStatusExpired || s == GrantStatusRevoked
}

// ApprovalMethod records how a grant reached the active state
type ApprovalMethod string

const (
	ApprovalAutoPolicy   ApprovalMethod = "auto-policy"
	ApprovalHuman        ApprovalMethod = "human"
	ApprovalPolicyEngine ApprovalMethod = "policy-engine"
)

// JitGrant is one request-to-access lifecycle instance: a time-bounded
// elevation of permission created on demand rather than standing. Status is
// mutated exclusively by the grant lifecycle service; Version backs the
// optimistic concurrency check that serializes transitions per grant.
type JitGrant struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	AccountID   uuid.UUID  `json:"account_id" db:"account_id"`
	AccountName string     `json:"account_name" db:"account_name"`
	AgentID     uuid.UUID  `json:"agent_id" db:"agent_id"`
	AgentName   string     `json:"agent_name" db:"agent_name"`

	Permissions []string            `json:"permissions" db:"permissions"`
	Scope       map[string][]string `json:"scope,omitempty" db:"scope"` // permission -> affected resource ids
	Reason      string              `json:"reason" db:"reason"`

	// Target carries the resource the request was evaluated against so grant
	// side effects (memory access rows) and audit keying stay resolvable.
	TargetType  TargetType  `json:"target_type" db:"target_type"`
	TargetID    uuid.UUID   `json:"target_id" db:"target_id"`
	Sensitivity Sensitivity `json:"sensitivity,omitempty" db:"sensitivity"`

	Status         GrantStatus    `json:"status" db:"status"`
	PolicyName     string         `json:"policy_name" db:"policy_name"`
	TTLMinutes     *int           `json:"ttl_minutes,omitempty" db:"ttl_minutes"` // from the deciding rule, if any
	ApprovalChain  []string       `json:"approval_chain,omitempty" db:"approval_chain"`
	ApprovedBy     string         `json:"approved_by,omitempty" db:"approved_by"`
	ApprovalMethod ApprovalMethod `json:"approval_method,omitempty" db:"approval_method"`
	TaskContext    string         `json:"task_context,omitempty" db:"task_context"`
	RevokeReason   string         `json:"revoke_reason,omitempty" db:"revoke_reason"`

	RequestedAt time.Time  `json:"requested_at" db:"requested_at"`
	GrantedAt   *time.Time `json:"granted_at,omitempty" db:"granted_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`

	Version int `json:"version" db:"version"`
}

// TableName returns the table name for the JitGrant model
func (JitGrant) TableName() string {
	return "jit_grants"
}

// NewJitGrant creates a grant in the transient requested state; the lifecycle
// service resolves it to active, pending-approval, or denied before persisting.
func NewJitGrant(accountID uuid.UUID, accountName string, agentID uuid.UUID, agentName string, permissions []string, reason string) *JitGrant {
	return &JitGrant{
		ID:          uuid.New(),
		AccountID:   accountID,
		AccountName: accountName,
		AgentID:     agentID,
		AgentName:   agentName,
		Permissions: permissions,
		Reason:      reason,
		Status:      GrantStatusRequested,
		RequestedAt: time.Now(),
		Version:     1,
	}
}

// grantEdges enumerates the allowed state machine transitions.
// requested is transient and therefore a valid source for its three outcomes.
var grantEdges = map[GrantStatus][]GrantStatus{
	GrantStatusRequested:       {GrantStatusActive, GrantStatusPendingApproval, GrantStatusDenied},
	GrantStatusActive:          {GrantStatusExpired, GrantStatusRevoked},
	GrantStatusPendingApproval: {GrantStatusActive, GrantStatusDenied},
}

// CanTransition reports whether from -> to is an allowed edge
func CanTransition(from, to GrantStatus) bool {
	for _, next := range grantEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks grant field invariants
func (g *JitGrant) Validate() error {
	if len(g.Permissions) == 0 {
		return fmt.Errorf("grant %s: at least one permission is required", g.ID)
	}
	if g.GrantedAt != nil && g.ExpiresAt != nil && !g.ExpiresAt.After(*g.GrantedAt) {
		return fmt.Errorf("grant %s: expires_at must be after granted_at", g.ID)
	}
	return nil
}

// IsEffective reports whether the grant currently confers access. Revocation
// is checked before expiry so a revoked grant never reads as merely expired.
func (g *JitGrant) IsEffective(now time.Time) bool {
	if g.Status != GrantStatusActive {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	return true
}
