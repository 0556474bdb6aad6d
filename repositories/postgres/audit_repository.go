package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"go.uber.org/zap"
)

// AuditRepository implements the repositories.AuditRepository interface. The
// table is append-only; this type deliberately has no update or delete.
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends a new audit entry
func (r *AuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	query := `
		INSERT INTO audit_entries (id, actor, actor_id, action, target_type, target_id, outcome, detail, metadata, request_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		entry.ID,
		entry.Actor,
		entry.ActorID,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		entry.Outcome,
		entry.Detail,
		[]byte(entry.Metadata),
		entry.RequestID,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

// GetByID retrieves an audit entry by ID
func (r *AuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEntry, error) {
	query := auditSelect + ` WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	entry, err := scanAuditEntry(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}

	return entry, nil
}

// List retrieves audit entries matching the filter, newest first
func (r *AuditRepository) List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditEntry, error) {
	query := auditSelect + ` WHERE 1=1`

	args := []interface{}{}
	if filter.Actor != "" {
		args = append(args, filter.Actor)
		query += fmt.Sprintf(" AND actor = $%d", len(args))
	}
	if filter.Action != nil {
		args = append(args, *filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if filter.TargetType != "" {
		args = append(args, filter.TargetType)
		query += fmt.Sprintf(" AND target_type = $%d", len(args))
	}
	if filter.TargetID != nil {
		args = append(args, *filter.TargetID)
		query += fmt.Sprintf(" AND target_id = $%d", len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		query += fmt.Sprintf(" AND timestamp < $%d", len(args))
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// WithTx returns a new repository instance bound to the transaction
func (r *AuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	return &AuditRepository{
		db:     r.db,
		logger: r.logger,
	}
}

const auditSelect = `
	SELECT id, actor, actor_id, action, target_type, target_id, outcome, detail, metadata, request_id, timestamp
	FROM audit_entries
`

func scanAuditEntry(row rowScanner) (*models.AuditEntry, error) {
	entry := &models.AuditEntry{}
	var outcome, detail, requestID sql.NullString
	var metadata []byte

	err := row.Scan(
		&entry.ID,
		&entry.Actor,
		&entry.ActorID,
		&entry.Action,
		&entry.TargetType,
		&entry.TargetID,
		&outcome,
		&detail,
		&metadata,
		&requestID,
		&entry.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	entry.Outcome = outcome.String
	entry.Detail = detail.String
	entry.RequestID = requestID.String
	entry.Metadata = metadata

	return entry, nil
}
