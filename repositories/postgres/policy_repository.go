package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"go.uber.org/zap"
)

// PolicyRepository implements the repositories.PolicyRepository interface
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB, logger *zap.Logger) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

// Create persists a policy together with its rules. Callers that need
// atomicity across the policy and rule inserts wrap the call in
// TransactionManager.InTransaction.
func (r *PolicyRepository) Create(ctx context.Context, policy *models.Policy) error {
	query := `
		INSERT INTO policies (id, code, name, policy_type, scope, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		policy.ID,
		policy.Code,
		policy.Name,
		policy.PolicyType,
		policy.Scope,
		policy.Status,
		policy.Version,
		policy.CreatedAt,
		policy.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}

	if err := r.insertRules(ctx, executor, policy.ID, policy.Rules); err != nil {
		return err
	}

	r.logger.Debug("policy created", zap.String("id", policy.ID.String()), zap.String("code", policy.Code))
	return nil
}

// GetByID retrieves a policy with its rules and attachments
func (r *PolicyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	return r.getOne(ctx, "id = $1", id)
}

// GetByCode retrieves a policy by its human-facing code
func (r *PolicyRepository) GetByCode(ctx context.Context, code string) (*models.Policy, error) {
	return r.getOne(ctx, "code = $1", code)
}

func (r *PolicyRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.Policy, error) {
	query := `
		SELECT id, code, name, policy_type, scope, status, version, created_at, updated_at
		FROM policies
		WHERE ` + where

	executor := GetExecutor(ctx, r.db)
	policy := &models.Policy{}

	err := executor.QueryRowContext(ctx, query, arg).Scan(
		&policy.ID,
		&policy.Code,
		&policy.Name,
		&policy.PolicyType,
		&policy.Scope,
		&policy.Status,
		&policy.Version,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	if err := r.loadRules(ctx, executor, policy); err != nil {
		return nil, err
	}
	if err := r.loadAttachments(ctx, executor, policy); err != nil {
		return nil, err
	}

	return policy, nil
}

// List retrieves policies matching the filter, rules included
func (r *PolicyRepository) List(ctx context.Context, filter repositories.PolicyFilter) ([]*models.Policy, error) {
	query := `
		SELECT id, code, name, policy_type, scope, status, version, created_at, updated_at
		FROM policies
		WHERE 1=1
	`

	args := []interface{}{}
	if filter.Type != nil {
		args = append(args, *filter.Type)
		query += fmt.Sprintf(" AND policy_type = $%d", len(args))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return r.queryPolicies(ctx, query, args...)
}

// GetAttachedActive retrieves the active policies attached to a target.
// Draft and archived policies are filtered out in the query itself so they
// can never leak into evaluation.
func (r *PolicyRepository) GetAttachedActive(ctx context.Context, targetType models.TargetType, targetID uuid.UUID) ([]*models.Policy, error) {
	query := `
		SELECT p.id, p.code, p.name, p.policy_type, p.scope, p.status, p.version, p.created_at, p.updated_at
		FROM policies p
		JOIN policy_attachments a ON a.policy_id = p.id
		WHERE a.target_type = $1
			AND a.target_id = $2
			AND p.status = 'active'
		ORDER BY p.created_at
	`

	return r.queryPolicies(ctx, query, targetType, targetID)
}

// Update replaces a policy's row and rule set at its new version
func (r *PolicyRepository) Update(ctx context.Context, policy *models.Policy) error {
	query := `
		UPDATE policies
		SET code = $2,
		    name = $3,
		    policy_type = $4,
		    scope = $5,
		    status = $6,
		    version = $7,
		    updated_at = $8
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		policy.ID,
		policy.Code,
		policy.Name,
		policy.PolicyType,
		policy.Scope,
		policy.Status,
		policy.Version,
		policy.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repositories.ErrNotFound
	}

	// Replace the rule set wholesale; rules have no identity outside their policy.
	if _, err := executor.ExecContext(ctx, `DELETE FROM policy_rules WHERE policy_id = $1`, policy.ID); err != nil {
		return fmt.Errorf("failed to clear policy rules: %w", err)
	}
	if err := r.insertRules(ctx, executor, policy.ID, policy.Rules); err != nil {
		return err
	}

	r.logger.Debug("policy updated",
		zap.String("id", policy.ID.String()),
		zap.Int("version", policy.Version))
	return nil
}

// Delete removes a policy; rules and attachments cascade
func (r *PolicyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repositories.ErrNotFound
	}

	r.logger.Debug("policy deleted", zap.String("id", id.String()))
	return nil
}

// AddAttachment binds the policy to a target resource
func (r *PolicyRepository) AddAttachment(ctx context.Context, attachment *models.PolicyAttachment) error {
	query := `
		INSERT INTO policy_attachments (id, policy_id, target_type, target_id, attached_by, attached_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		attachment.ID,
		attachment.PolicyID,
		attachment.TargetType,
		attachment.TargetID,
		attachment.AttachedBy,
		attachment.AttachedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add policy attachment: %w", err)
	}

	r.logger.Debug("policy attached",
		zap.String("policy_id", attachment.PolicyID.String()),
		zap.String("target_type", string(attachment.TargetType)),
		zap.String("target_id", attachment.TargetID.String()))
	return nil
}

// RemoveAttachment removes one attachment by ID
func (r *PolicyRepository) RemoveAttachment(ctx context.Context, attachmentID uuid.UUID) error {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, `DELETE FROM policy_attachments WHERE id = $1`, attachmentID)
	if err != nil {
		return fmt.Errorf("failed to remove policy attachment: %w", err)
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

// WithTx returns a new repository instance bound to the transaction
func (r *PolicyRepository) WithTx(tx repositories.Transaction) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     r.db,
		logger: r.logger,
	}
}

func (r *PolicyRepository) insertRules(ctx context.Context, executor Executor, policyID uuid.UUID, rules []models.PolicyRule) error {
	query := `
		INSERT INTO policy_rules (id, policy_id, description, condition, effect, approval_chain, ttl_minutes, priority, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	for i := range rules {
		rule := &rules[i]
		condition, err := rule.Condition.MarshalDB()
		if err != nil {
			return fmt.Errorf("failed to marshal rule condition: %w", err)
		}
		_, err = executor.ExecContext(ctx, query,
			rule.ID,
			policyID,
			rule.Description,
			condition,
			rule.Effect,
			pq.Array(rule.ApprovalChain),
			rule.TTLMinutes,
			rule.Priority,
			rule.Sequence,
		)
		if err != nil {
			return fmt.Errorf("failed to insert policy rule: %w", err)
		}
	}
	return nil
}

func (r *PolicyRepository) loadRules(ctx context.Context, executor Executor, policy *models.Policy) error {
	query := `
		SELECT id, policy_id, description, condition, effect, approval_chain, ttl_minutes, priority, sequence
		FROM policy_rules
		WHERE policy_id = $1
		ORDER BY sequence
	`

	rows, err := executor.QueryContext(ctx, query, policy.ID)
	if err != nil {
		return fmt.Errorf("failed to query policy rules: %w", err)
	}
	defer rows.Close()

	policy.Rules = nil
	for rows.Next() {
		var rule models.PolicyRule
		var condition []byte
		var chain pq.StringArray
		err := rows.Scan(
			&rule.ID,
			&rule.PolicyID,
			&rule.Description,
			&condition,
			&rule.Effect,
			&chain,
			&rule.TTLMinutes,
			&rule.Priority,
			&rule.Sequence,
		)
		if err != nil {
			return fmt.Errorf("failed to scan policy rule: %w", err)
		}
		if err := rule.Condition.UnmarshalDB(condition); err != nil {
			return fmt.Errorf("failed to unmarshal rule condition: %w", err)
		}
		rule.ApprovalChain = chain
		policy.Rules = append(policy.Rules, rule)
	}

	return rows.Err()
}

func (r *PolicyRepository) loadAttachments(ctx context.Context, executor Executor, policy *models.Policy) error {
	query := `
		SELECT id, policy_id, target_type, target_id, attached_by, attached_at
		FROM policy_attachments
		WHERE policy_id = $1
		ORDER BY attached_at
	`

	rows, err := executor.QueryContext(ctx, query, policy.ID)
	if err != nil {
		return fmt.Errorf("failed to query policy attachments: %w", err)
	}
	defer rows.Close()

	policy.Attachments = nil
	for rows.Next() {
		var attachment models.PolicyAttachment
		err := rows.Scan(
			&attachment.ID,
			&attachment.PolicyID,
			&attachment.TargetType,
			&attachment.TargetID,
			&attachment.AttachedBy,
			&attachment.AttachedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to scan policy attachment: %w", err)
		}
		policy.Attachments = append(policy.Attachments, attachment)
	}

	return rows.Err()
}

// queryPolicies is a helper method to query multiple policies with their rules
func (r *PolicyRepository) queryPolicies(ctx context.Context, query string, args ...interface{}) ([]*models.Policy, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.Policy
	for rows.Next() {
		policy := &models.Policy{}
		err := rows.Scan(
			&policy.ID,
			&policy.Code,
			&policy.Name,
			&policy.PolicyType,
			&policy.Scope,
			&policy.Status,
			&policy.Version,
			&policy.CreatedAt,
			&policy.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy rows: %w", err)
	}

	for _, policy := range policies {
		if err := r.loadRules(ctx, executor, policy); err != nil {
			return nil, err
		}
	}

	return policies, nil
}
