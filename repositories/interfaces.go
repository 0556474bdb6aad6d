package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/agent-governance/models"
)

// Sentinel errors returned by repository implementations. Services map these
// onto the domain error taxonomy; handlers never see them directly.
var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic-concurrency update
	// matched zero rows because the expected version was stale
	ErrVersionConflict = errors.New("version conflict")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PolicyFilter narrows policy list queries
type PolicyFilter struct {
	Type   *models.PolicyType
	Status *models.PolicyStatus
	Limit  int
	Offset int
}

// PolicyRepository handles policy, rule, and attachment persistence
type PolicyRepository interface {
	// Create persists a policy together with its rules
	Create(ctx context.Context, policy *models.Policy) error

	// GetByID retrieves a policy with its rules and attachments
	GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error)

	// GetByCode retrieves a policy by its human-facing code
	GetByCode(ctx context.Context, code string) (*models.Policy, error)

	// List retrieves policies matching the filter, rules included
	List(ctx context.Context, filter PolicyFilter) ([]*models.Policy, error)

	// GetAttachedActive retrieves the active policies attached to a target,
	// rules included. Draft and archived policies never appear here.
	GetAttachedActive(ctx context.Context, targetType models.TargetType, targetID uuid.UUID) ([]*models.Policy, error)

	// Update replaces a policy's row and rule set at its new version
	Update(ctx context.Context, policy *models.Policy) error

	// Delete removes a policy, its rules, and its attachments
	Delete(ctx context.Context, id uuid.UUID) error

	// AddAttachment binds the policy to a target resource
	AddAttachment(ctx context.Context, attachment *models.PolicyAttachment) error

	// RemoveAttachment removes one attachment by ID
	RemoveAttachment(ctx context.Context, attachmentID uuid.UUID) error

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) PolicyRepository
}

// GrantFilter narrows grant list queries
type GrantFilter struct {
	AccountID *uuid.UUID
	AgentID   *uuid.UUID
	Statuses  []models.GrantStatus
	Limit     int
	Offset    int
}

// GrantRepository handles JIT grant persistence
type GrantRepository interface {
	// Create persists a new grant
	Create(ctx context.Context, grant *models.JitGrant) error

	// GetByID retrieves a grant by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.JitGrant, error)

	// List retrieves grants matching the filter, newest request first.
	// Backed by the (account_id, agent_id, status) index.
	List(ctx context.Context, filter GrantFilter) ([]*models.JitGrant, error)

	// ListDueForExpiry retrieves active grants with expires_at <= asOf,
	// oldest first. Backed by the expires_at index for the scheduler sweep.
	ListDueForExpiry(ctx context.Context, asOf time.Time, limit int) ([]*models.JitGrant, error)

	// UpdateWithVersion persists the grant if the stored row still carries
	// expectedVersion, incrementing to grant.Version. Returns
	// ErrVersionConflict when another transition committed first.
	UpdateWithVersion(ctx context.Context, grant *models.JitGrant, expectedVersion int) error

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) GrantRepository
}

// MemoryRepository handles memory instances and their access rules
type MemoryRepository interface {
	// Create persists a new memory instance
	Create(ctx context.Context, memory *models.MemoryInstance) error

	// GetByID retrieves a memory instance by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.MemoryInstance, error)

	// List retrieves memory instances with pagination
	List(ctx context.Context, limit, offset int) ([]*models.MemoryInstance, error)

	// Delete removes a memory instance and cascades to its access rules
	Delete(ctx context.Context, id uuid.UUID) error

	// AddAccessRule appends an access rule. Callers must have passed the
	// sensitivity ceiling check; the repository does not re-verify it.
	AddAccessRule(ctx context.Context, rule *models.MemoryAccessRule) error

	// GetAccessRule retrieves one access rule by ID
	GetAccessRule(ctx context.Context, ruleID uuid.UUID) (*models.MemoryAccessRule, error)

	// ListAccessRules retrieves all access rules on a memory, oldest first
	ListAccessRules(ctx context.Context, memoryID uuid.UUID) ([]*models.MemoryAccessRule, error)

	// RemoveAccessRule deletes a manual access rule outright
	RemoveAccessRule(ctx context.Context, ruleID uuid.UUID) error

	// RevokeAccessRulesByGrant stamps revoked_at on all rules created by the
	// grant. Rows are preserved for history; effective-access computations
	// exclude them from the revocation instant.
	RevokeAccessRulesByGrant(ctx context.Context, grantID uuid.UUID, revokedAt time.Time) error

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) MemoryRepository
}

// AuditFilter narrows audit list queries
type AuditFilter struct {
	Actor      string
	Action     *models.AuditAction
	TargetType string
	TargetID   *uuid.UUID
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// AuditRepository handles append-only audit persistence. There is no update
// or delete: entries are immutable after insertion.
type AuditRepository interface {
	// Insert appends a new audit entry
	Insert(ctx context.Context, entry *models.AuditEntry) error

	// GetByID retrieves an audit entry by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEntry, error)

	// List retrieves audit entries matching the filter, newest first
	List(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) AuditRepository
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Policies PolicyRepository
	Grants   GrantRepository
	Memories MemoryRepository
	Audit    AuditRepository
}
