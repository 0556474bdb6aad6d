package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/agent-governance/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Policies table
		CREATE TABLE IF NOT EXISTS policies (
			id UUID PRIMARY KEY,
			code VARCHAR(100) NOT NULL UNIQUE,
			name VARCHAR(255) NOT NULL,
			policy_type VARCHAR(50) NOT NULL,
			scope VARCHAR(50) NOT NULL,
			status VARCHAR(50) NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Policy rules table
		CREATE TABLE IF NOT EXISTS policy_rules (
			id UUID PRIMARY KEY,
			policy_id UUID NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
			description TEXT,
			condition JSONB NOT NULL,
			effect VARCHAR(50) NOT NULL,
			approval_chain TEXT[],
			ttl_minutes INTEGER,
			priority INTEGER NOT NULL DEFAULT 0,
			sequence INTEGER NOT NULL DEFAULT 0
		);

		-- Policy attachments table
		CREATE TABLE IF NOT EXISTS policy_attachments (
			id UUID PRIMARY KEY,
			policy_id UUID NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
			target_type VARCHAR(50) NOT NULL,
			target_id UUID NOT NULL,
			attached_by VARCHAR(255) NOT NULL,
			attached_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- JIT grants table
		CREATE TABLE IF NOT EXISTS jit_grants (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL,
			account_name VARCHAR(255) NOT NULL,
			agent_id UUID NOT NULL,
			agent_name VARCHAR(255) NOT NULL,
			permissions TEXT[] NOT NULL,
			scope JSONB,
			reason TEXT,
			target_type VARCHAR(50) NOT NULL,
			target_id UUID NOT NULL,
			sensitivity VARCHAR(50),
			status VARCHAR(50) NOT NULL,
			policy_name VARCHAR(255),
			ttl_minutes INTEGER,
			approval_chain TEXT[],
			approved_by VARCHAR(255),
			approval_method VARCHAR(50),
			task_context TEXT,
			revoke_reason TEXT,
			requested_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			granted_at TIMESTAMP,
			expires_at TIMESTAMP,
			revoked_at TIMESTAMP,
			version INTEGER NOT NULL DEFAULT 1
		);

		-- Memory instances table
		CREATE TABLE IF NOT EXISTS memory_instances (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			sensitivity VARCHAR(50) NOT NULL,
			created_by VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Memory access rules table
		CREATE TABLE IF NOT EXISTS memory_access_rules (
			id UUID PRIMARY KEY,
			memory_id UUID NOT NULL REFERENCES memory_instances(id) ON DELETE CASCADE,
			principal_type VARCHAR(50) NOT NULL,
			principal_id UUID NOT NULL,
			principal_name VARCHAR(255) NOT NULL,
			role VARCHAR(50) NOT NULL,
			grant_type VARCHAR(50) NOT NULL,
			grant_id UUID,
			granted_by VARCHAR(255) NOT NULL,
			granted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			reason TEXT,
			escalated_from VARCHAR(50),
			expires_at TIMESTAMP,
			revoked_at TIMESTAMP
		);

		-- Audit entries table (append-only)
		CREATE TABLE IF NOT EXISTS audit_entries (
			id UUID PRIMARY KEY,
			actor VARCHAR(255) NOT NULL,
			actor_id UUID,
			action VARCHAR(100) NOT NULL,
			target_type VARCHAR(100) NOT NULL,
			target_id UUID,
			outcome VARCHAR(100),
			detail TEXT,
			metadata JSONB,
			request_id VARCHAR(255),
			timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Indexes for performance
		CREATE INDEX IF NOT EXISTS idx_policy_rules_policy_id ON policy_rules(policy_id);
		CREATE INDEX IF NOT EXISTS idx_policy_attachments_policy_id ON policy_attachments(policy_id);
		CREATE INDEX IF NOT EXISTS idx_policy_attachments_target ON policy_attachments(target_type, target_id);

		CREATE INDEX IF NOT EXISTS idx_jit_grants_account_agent_status ON jit_grants(account_id, agent_id, status);
		CREATE INDEX IF NOT EXISTS idx_jit_grants_status ON jit_grants(status);
		CREATE INDEX IF NOT EXISTS idx_jit_grants_expires_at ON jit_grants(expires_at) WHERE status = 'active';

		CREATE INDEX IF NOT EXISTS idx_memory_access_rules_memory_id ON memory_access_rules(memory_id);
		CREATE INDEX IF NOT EXISTS idx_memory_access_rules_principal ON memory_access_rules(principal_type, principal_id);
		CREATE INDEX IF NOT EXISTS idx_memory_access_rules_grant_id ON memory_access_rules(grant_id);

		CREATE INDEX IF NOT EXISTS idx_audit_entries_target ON audit_entries(target_type, target_id);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_actor ON audit_entries(actor);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized")
	return nil
}
