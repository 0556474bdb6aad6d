package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"go.uber.org/zap"
)

// GrantRepository implements the repositories.GrantRepository interface
type GrantRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewGrantRepository creates a new grant repository
func NewGrantRepository(db *DB, logger *zap.Logger) repositories.GrantRepository {
	return &GrantRepository{
		db:     db,
		logger: logger,
	}
}

const grantColumns = `id, account_id, account_name, agent_id, agent_name,
	permissions, scope, reason, target_type, target_id, sensitivity,
	status, policy_name, ttl_minutes, approval_chain, approved_by,
	approval_method, task_context, revoke_reason,
	requested_at, granted_at, expires_at, revoked_at, version`

// Create persists a new grant
func (r *GrantRepository) Create(ctx context.Context, grant *models.JitGrant) error {
	query := `
		INSERT INTO jit_grants (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`

	scope, err := marshalScope(grant.Scope)
	if err != nil {
		return err
	}

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		grant.ID,
		grant.AccountID,
		grant.AccountName,
		grant.AgentID,
		grant.AgentName,
		pq.Array(grant.Permissions),
		scope,
		grant.Reason,
		grant.TargetType,
		grant.TargetID,
		grant.Sensitivity,
		grant.Status,
		grant.PolicyName,
		grant.TTLMinutes,
		pq.Array(grant.ApprovalChain),
		grant.ApprovedBy,
		grant.ApprovalMethod,
		grant.TaskContext,
		grant.RevokeReason,
		grant.RequestedAt,
		grant.GrantedAt,
		grant.ExpiresAt,
		grant.RevokedAt,
		grant.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}

	r.logger.Debug("grant created",
		zap.String("id", grant.ID.String()),
		zap.String("status", string(grant.Status)))
	return nil
}

// GetByID retrieves a grant by ID
func (r *GrantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.JitGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM jit_grants WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	grant, err := scanGrant(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	return grant, nil
}

// List retrieves grants matching the filter, newest request first
func (r *GrantRepository) List(ctx context.Context, filter repositories.GrantFilter) ([]*models.JitGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM jit_grants WHERE 1=1`

	args := []interface{}{}
	if filter.AccountID != nil {
		args = append(args, *filter.AccountID)
		query += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if filter.AgentID != nil {
		args = append(args, *filter.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query += " ORDER BY requested_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return r.queryGrants(ctx, query, args...)
}

// ListDueForExpiry retrieves active grants whose expiry has passed, oldest
// first. The partial index on expires_at keeps this cheap for the scheduler.
func (r *GrantRepository) ListDueForExpiry(ctx context.Context, asOf time.Time, limit int) ([]*models.JitGrant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM jit_grants
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`

	return r.queryGrants(ctx, query, asOf, limit)
}

// UpdateWithVersion persists the grant only if the stored row still carries
// expectedVersion. Zero rows affected means a concurrent transition won.
func (r *GrantRepository) UpdateWithVersion(ctx context.Context, grant *models.JitGrant, expectedVersion int) error {
	query := `
		UPDATE jit_grants
		SET status = $3,
		    scope = $4,
		    policy_name = $5,
		    ttl_minutes = $6,
		    approval_chain = $7,
		    approved_by = $8,
		    approval_method = $9,
		    revoke_reason = $10,
		    granted_at = $11,
		    expires_at = $12,
		    revoked_at = $13,
		    version = $14
		WHERE id = $1 AND version = $2
	`

	scope, err := marshalScope(grant.Scope)
	if err != nil {
		return err
	}

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		grant.ID,
		expectedVersion,
		grant.Status,
		scope,
		grant.PolicyName,
		grant.TTLMinutes,
		pq.Array(grant.ApprovalChain),
		grant.ApprovedBy,
		grant.ApprovalMethod,
		grant.RevokeReason,
		grant.GrantedAt,
		grant.ExpiresAt,
		grant.RevokedAt,
		grant.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repositories.ErrVersionConflict
	}

	r.logger.Debug("grant updated",
		zap.String("id", grant.ID.String()),
		zap.String("status", string(grant.Status)),
		zap.Int("version", grant.Version))
	return nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *GrantRepository) WithTx(tx repositories.Transaction) repositories.GrantRepository {
	return &GrantRepository{
		db:     r.db,
		logger: r.logger,
	}
}

func (r *GrantRepository) queryGrants(ctx context.Context, query string, args ...interface{}) ([]*models.JitGrant, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []*models.JitGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grant rows: %w", err)
	}

	return grants, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanGrant
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGrant(row rowScanner) (*models.JitGrant, error) {
	grant := &models.JitGrant{}
	var permissions, chain pq.StringArray
	var scope []byte
	var sensitivity, policyName, approvedBy, approvalMethod, taskContext, revokeReason sql.NullString

	err := row.Scan(
		&grant.ID,
		&grant.AccountID,
		&grant.AccountName,
		&grant.AgentID,
		&grant.AgentName,
		&permissions,
		&scope,
		&grant.Reason,
		&grant.TargetType,
		&grant.TargetID,
		&sensitivity,
		&grant.Status,
		&policyName,
		&grant.TTLMinutes,
		&chain,
		&approvedBy,
		&approvalMethod,
		&taskContext,
		&revokeReason,
		&grant.RequestedAt,
		&grant.GrantedAt,
		&grant.ExpiresAt,
		&grant.RevokedAt,
		&grant.Version,
	)
	if err != nil {
		return nil, err
	}

	grant.Permissions = permissions
	grant.ApprovalChain = chain
	grant.Sensitivity = models.Sensitivity(sensitivity.String)
	grant.PolicyName = policyName.String
	grant.ApprovedBy = approvedBy.String
	grant.ApprovalMethod = models.ApprovalMethod(approvalMethod.String)
	grant.TaskContext = taskContext.String
	grant.RevokeReason = revokeReason.String

	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &grant.Scope); err != nil {
			return nil, fmt.Errorf("failed to unmarshal grant scope: %w", err)
		}
	}

	return grant, nil
}

func marshalScope(scope map[string][]string) (interface{}, error) {
	if scope == nil {
		return nil, nil
	}
	data, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal grant scope: %w", err)
	}
	return data, nil
}
