package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionPolicyDecision     AuditAction = "policy_decision"
	AuditActionPolicyCreated      AuditAction = "policy_created"
	AuditActionPolicyUpdated      AuditAction = "policy_updated"
	AuditActionPolicyActivated    AuditAction = "policy_activated"
	AuditActionPolicyArchived     AuditAction = "policy_archived"
	AuditActionPolicyDeleted      AuditAction = "policy_deleted"
	AuditActionPolicyAttached     AuditAction = "policy_attached"
	AuditActionPolicyDetached     AuditAction = "policy_detached"
	AuditActionConditionMalformed AuditAction = "condition_malformed"

	AuditActionGrantRequested AuditAction = "grant_requested"
	AuditActionGrantApproved  AuditAction = "grant_approved"
	AuditActionGrantDenied    AuditAction = "grant_denied"
	AuditActionGrantRevoked   AuditAction = "grant_revoked"
	AuditActionGrantExpired   AuditAction = "grant_expired"

	AuditActionAccessRuleAdded    AuditAction = "access_rule_added"
	AuditActionAccessRuleRemoved  AuditAction = "access_rule_removed"
	AuditActionAccessRuleRejected AuditAction = "access_rule_rejected"
	AuditActionAccessChecked      AuditAction = "access_checked"
)

// AuditEntry is an immutable, append-only record of one policy decision,
// grant transition, or resource access event. Entries are never mutated or
// deleted after creation; retention is an external concern.
type AuditEntry struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	Actor      string          `json:"actor" db:"actor"`
	ActorID    *uuid.UUID      `json:"actor_id,omitempty" db:"actor_id"`
	Action     AuditAction     `json:"action" db:"action"`
	TargetType string          `json:"target_type" db:"target_type"`
	TargetID   *uuid.UUID      `json:"target_id,omitempty" db:"target_id"`
	Outcome    string          `json:"outcome" db:"outcome"`
	Detail     string          `json:"detail,omitempty" db:"detail"`
	Metadata   json.RawMessage `json:"metadata,omitempty" db:"metadata"` // JSONB for flexible context
	RequestID  string          `json:"request_id,omitempty" db:"request_id"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditEntry model
func (AuditEntry) TableName() string {
	return "audit_entries"
}

// NewAuditEntry creates a new audit entry stamped at the current time
func NewAuditEntry(actor string, action AuditAction, targetType string) *AuditEntry {
	return &AuditEntry{
		ID:         uuid.New(),
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		Timestamp:  time.Now(),
	}
}

// WithActorID sets the acting principal's ID
func (a *AuditEntry) WithActorID(id uuid.UUID) *AuditEntry {
	a.ActorID = &id
	return a
}

// WithTarget sets the target resource ID
func (a *AuditEntry) WithTarget(id uuid.UUID) *AuditEntry {
	a.TargetID = &id
	return a
}

// WithOutcome sets the outcome and its human-readable detail. Detail strings
// propagate unchanged to the audit trail and the UI; callers must not replace
// them with generic messages.
func (a *AuditEntry) WithOutcome(outcome, detail string) *AuditEntry {
	a.Outcome = outcome
	a.Detail = detail
	return a
}

// WithMetadata attaches structured context to the entry
func (a *AuditEntry) WithMetadata(metadata interface{}) *AuditEntry {
	if data, err := json.Marshal(metadata); err == nil {
		a.Metadata = data
	}
	return a
}

// WithRequestID tags the entry with the originating request
func (a *AuditEntry) WithRequestID(requestID string) *AuditEntry {
	a.RequestID = requestID
	return a
}
