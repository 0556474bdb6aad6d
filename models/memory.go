package models

import (
	"time"

	"github.com/google/uuid"
)

// Sensitivity is the confidentiality tier of a memory instance. It governs
// the hard ceiling on which principal and grant types may hold access.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

// PrincipalType identifies what kind of principal an access rule grants to
type PrincipalType string

const (
	PrincipalUser  PrincipalType = "user"
	PrincipalAgent PrincipalType = "agent"
	PrincipalTeam  PrincipalType = "team"
	PrincipalRole  PrincipalType = "role"
)

// MemoryRole is the privilege level of an access rule, ordered low to high
type MemoryRole string

const (
	MemoryRoleViewer MemoryRole = "viewer"
	MemoryRoleUser   MemoryRole = "user"
	MemoryRoleEditor MemoryRole = "editor"
	MemoryRoleAdmin  MemoryRole = "admin"
)

var memoryRoleRank = map[MemoryRole]int{
	MemoryRoleViewer: 1,
	MemoryRoleUser:   2,
	MemoryRoleEditor: 3,
	MemoryRoleAdmin:  4,
}

// AtLeast reports whether the role's privilege is >= required
func (r MemoryRole) AtLeast(required MemoryRole) bool {
	return memoryRoleRank[r] >= memoryRoleRank[required]
}

// Valid reports whether the role is one of the known privilege levels
func (r MemoryRole) Valid() bool {
	_, ok := memoryRoleRank[r]
	return ok
}

// GrantType records how an access rule came to exist
type GrantType string

const (
	GrantTypeManual GrantType = "manual" // created by a human administrative action
	GrantTypePolicy GrantType = "policy" // created by the JIT grant lifecycle
)

// MemoryInstance is a memory resource owned by the platform. Access rules are
// managed independently of the memory's own content lifecycle; deleting the
// memory cascades to its rules.
type MemoryInstance struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	Sensitivity Sensitivity `json:"sensitivity" db:"sensitivity"`
	CreatedBy   string      `json:"created_by" db:"created_by"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the MemoryInstance model
func (MemoryInstance) TableName() string {
	return "memory_instances"
}

// NewMemoryInstance creates a memory at the given sensitivity tier
func NewMemoryInstance(name string, sensitivity Sensitivity, createdBy string) *MemoryInstance {
	now := time.Now()
	return &MemoryInstance{
		ID:          uuid.New(),
		Name:        name,
		Sensitivity: sensitivity,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// MemoryAccessRule is one access-control entry on a memory instance. An
// ExpiresAt implies a temporary (JIT) grant; GrantID links back to the
// lifecycle record when the rule was created by the grant service. Expired or
// revoked rules are kept for history but excluded from effective access.
type MemoryAccessRule struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	MemoryID      uuid.UUID     `json:"memory_id" db:"memory_id"`
	PrincipalType PrincipalType `json:"principal_type" db:"principal_type"`
	PrincipalID   uuid.UUID     `json:"principal_id" db:"principal_id"`
	PrincipalName string        `json:"principal_name" db:"principal_name"`
	Role          MemoryRole    `json:"role" db:"role"`
	GrantType     GrantType     `json:"grant_type" db:"grant_type"`
	GrantID       *uuid.UUID    `json:"grant_id,omitempty" db:"grant_id"`
	GrantedBy     string        `json:"granted_by" db:"granted_by"`
	GrantedAt     time.Time     `json:"granted_at" db:"granted_at"`
	Reason        string        `json:"reason,omitempty" db:"reason"`
	EscalatedFrom *MemoryRole   `json:"escalated_from,omitempty" db:"escalated_from"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt     *time.Time    `json:"revoked_at,omitempty" db:"revoked_at"`
}

// TableName returns the table name for the MemoryAccessRule model
func (MemoryAccessRule) TableName() string {
	return "memory_access_rules"
}

// IsEffective reports whether the rule currently confers access:
// not revoked, and not past its expiry when one is set.
func (r *MemoryAccessRule) IsEffective(now time.Time) bool {
	if r.RevokedAt != nil {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}
