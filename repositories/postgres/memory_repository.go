package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"go.uber.org/zap"
)

// MemoryRepository implements the repositories.MemoryRepository interface
type MemoryRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewMemoryRepository creates a new memory repository
func NewMemoryRepository(db *DB, logger *zap.Logger) repositories.MemoryRepository {
	return &MemoryRepository{
		db:     db,
		logger: logger,
	}
}

// Create persists a new memory instance
func (r *MemoryRepository) Create(ctx context.Context, memory *models.MemoryInstance) error {
	query := `
		INSERT INTO memory_instances (id, name, sensitivity, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		memory.ID,
		memory.Name,
		memory.Sensitivity,
		memory.CreatedBy,
		memory.CreatedAt,
		memory.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create memory instance: %w", err)
	}

	r.logger.Debug("memory instance created",
		zap.String("id", memory.ID.String()),
		zap.String("sensitivity", string(memory.Sensitivity)))
	return nil
}

// GetByID retrieves a memory instance by ID
func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.MemoryInstance, error) {
	query := `
		SELECT id, name, sensitivity, created_by, created_at, updated_at
		FROM memory_instances
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	memory := &models.MemoryInstance{}

	err := executor.QueryRowContext(ctx, query, id).Scan(
		&memory.ID,
		&memory.Name,
		&memory.Sensitivity,
		&memory.CreatedBy,
		&memory.CreatedAt,
		&memory.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get memory instance: %w", err)
	}

	return memory, nil
}

// List retrieves memory instances with pagination
func (r *MemoryRepository) List(ctx context.Context, limit, offset int) ([]*models.MemoryInstance, error) {
	query := `
		SELECT id, name, sensitivity, created_by, created_at, updated_at
		FROM memory_instances
		ORDER BY created_at DESC
	`

	args := []interface{}{}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory instances: %w", err)
	}
	defer rows.Close()

	var memories []*models.MemoryInstance
	for rows.Next() {
		memory := &models.MemoryInstance{}
		err := rows.Scan(
			&memory.ID,
			&memory.Name,
			&memory.Sensitivity,
			&memory.CreatedBy,
			&memory.CreatedAt,
			&memory.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory instance: %w", err)
		}
		memories = append(memories, memory)
	}

	return memories, rows.Err()
}

// Delete removes a memory instance; access rules cascade
func (r *MemoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, `DELETE FROM memory_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory instance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repositories.ErrNotFound
	}

	r.logger.Debug("memory instance deleted", zap.String("id", id.String()))
	return nil
}

// AddAccessRule appends an access rule
func (r *MemoryRepository) AddAccessRule(ctx context.Context, rule *models.MemoryAccessRule) error {
	query := `
		INSERT INTO memory_access_rules (
			id, memory_id, principal_type, principal_id, principal_name,
			role, grant_type, grant_id, granted_by, granted_at, reason,
			escalated_from, expires_at, revoked_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		rule.ID,
		rule.MemoryID,
		rule.PrincipalType,
		rule.PrincipalID,
		rule.PrincipalName,
		rule.Role,
		rule.GrantType,
		rule.GrantID,
		rule.GrantedBy,
		rule.GrantedAt,
		rule.Reason,
		rule.EscalatedFrom,
		rule.ExpiresAt,
		rule.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add access rule: %w", err)
	}

	r.logger.Debug("access rule added",
		zap.String("memory_id", rule.MemoryID.String()),
		zap.String("principal_id", rule.PrincipalID.String()),
		zap.String("role", string(rule.Role)))
	return nil
}

// GetAccessRule retrieves one access rule by ID
func (r *MemoryRepository) GetAccessRule(ctx context.Context, ruleID uuid.UUID) (*models.MemoryAccessRule, error) {
	query := accessRuleSelect + ` WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	rule, err := scanAccessRule(executor.QueryRowContext(ctx, query, ruleID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get access rule: %w", err)
	}

	return rule, nil
}

// ListAccessRules retrieves all access rules on a memory, oldest first
func (r *MemoryRepository) ListAccessRules(ctx context.Context, memoryID uuid.UUID) ([]*models.MemoryAccessRule, error) {
	query := accessRuleSelect + ` WHERE memory_id = $1 ORDER BY granted_at`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query access rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.MemoryAccessRule
	for rows.Next() {
		rule, err := scanAccessRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan access rule: %w", err)
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// RemoveAccessRule deletes a manual access rule outright
func (r *MemoryRepository) RemoveAccessRule(ctx context.Context, ruleID uuid.UUID) error {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, `DELETE FROM memory_access_rules WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to remove access rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repositories.ErrNotFound
	}

	return nil
}

// RevokeAccessRulesByGrant stamps revoked_at on every rule the grant created.
// Already-revoked rules keep their original timestamp so the operation is
// safe to repeat.
func (r *MemoryRepository) RevokeAccessRulesByGrant(ctx context.Context, grantID uuid.UUID, revokedAt time.Time) error {
	query := `
		UPDATE memory_access_rules
		SET revoked_at = $2
		WHERE grant_id = $1 AND revoked_at IS NULL
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, grantID, revokedAt)
	if err != nil {
		return fmt.Errorf("failed to revoke access rules: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	r.logger.Debug("access rules revoked by grant",
		zap.String("grant_id", grantID.String()),
		zap.Int64("rules", rowsAffected))
	return nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *MemoryRepository) WithTx(tx repositories.Transaction) repositories.MemoryRepository {
	return &MemoryRepository{
		db:     r.db,
		logger: r.logger,
	}
}

const accessRuleSelect = `
	SELECT id, memory_id, principal_type, principal_id, principal_name,
		role, grant_type, grant_id, granted_by, granted_at, reason,
		escalated_from, expires_at, revoked_at
	FROM memory_access_rules
`

func scanAccessRule(row rowScanner) (*models.MemoryAccessRule, error) {
	rule := &models.MemoryAccessRule{}
	var reason, escalatedFrom sql.NullString

	err := row.Scan(
		&rule.ID,
		&rule.MemoryID,
		&rule.PrincipalType,
		&rule.PrincipalID,
		&rule.PrincipalName,
		&rule.Role,
		&rule.GrantType,
		&rule.GrantID,
		&rule.GrantedBy,
		&rule.GrantedAt,
		&reason,
		&escalatedFrom,
		&rule.ExpiresAt,
		&rule.RevokedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Reason = reason.String
	if escalatedFrom.Valid {
		role := models.MemoryRole(escalatedFrom.String)
		rule.EscalatedFrom = &role
	}

	return rule, nil
}
