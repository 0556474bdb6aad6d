package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/agent-governance/internal/observability"
	"github.com/upb/agent-governance/models"
	"github.com/upb/agent-governance/repositories"
	"github.com/upb/agent-governance/services"
	"go.uber.org/zap"
)

// AuditService handles asynchronous audit logging. Writes are decoupled from
// the request path: a full buffer drops the event (counted in metrics) rather
// than blocking or failing the decision that produced it.
type AuditService struct {
	auditRepo   repositories.AuditRepository
	logger      *zap.Logger
	metrics     *observability.Metrics
	eventChan   chan *models.AuditEntry
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	mu          sync.Mutex
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  1000,
		WorkerCount: 2,
	}
}

// NewAuditService creates a new AuditService instance
func NewAuditService(auditRepo repositories.AuditRepository, logger *zap.Logger, metrics *observability.Metrics, config Config) *AuditService {
	ctx, cancel := context.WithCancel(context.Background())

	return &AuditService{
		auditRepo:   auditRepo,
		logger:      logger,
		metrics:     metrics,
		eventChan:   make(chan *models.AuditEntry, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		ctx:         ctx,
		cancel:      cancel,
		started:     false,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	// Start worker goroutines
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop gracefully stops the audit service
// Waits for all pending events to be processed
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))

	// Close the event channel (no more events will be accepted)
	close(s.eventChan)

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record queues an entry asynchronously (non-blocking)
// Returns immediately; the entry is persisted in background
func (s *AuditService) Record(entry *models.AuditEntry) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.mu.Unlock()

	// Try to send entry to channel (non-blocking)
	select {
	case s.eventChan <- entry:
		return nil
	default:
		// Channel is full, count the drop and move on
		s.metrics.IncrementAuditDropped()
		s.logger.Warn("audit event channel full, dropping event",
			zap.String("action", string(entry.Action)),
			zap.String("actor", entry.Actor))
		return fmt.Errorf("audit event buffer full")
	}
}

// RecordBlocking queues an entry synchronously (blocking)
// Waits until the entry is queued or context is cancelled
func (s *AuditService) RecordBlocking(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.mu.Unlock()

	select {
	case s.eventChan <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("audit service stopped")
	}
}

// List retrieves audit entries matching the filter, newest first
func (s *AuditService) List(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.auditRepo.List(ctx, filter)
}

// Get retrieves one audit entry by ID
func (s *AuditService) Get(ctx context.Context, id uuid.UUID) (*models.AuditEntry, error) {
	entry, err := s.auditRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrAuditEntryNotFound
		}
		return nil, services.WrapInternal("failed to get audit entry", err)
	}
	return entry, nil
}

// worker processes entries from the channel
func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for entry := range s.eventChan {
		if err := s.persist(entry); err != nil {
			s.logger.Error("failed to persist audit entry",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("action", string(entry.Action)),
				zap.String("actor", entry.Actor))
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

// persist writes a single audit entry
func (s *AuditService) persist(entry *models.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.auditRepo.Insert(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
}

// Convenience methods for recording common events

// RecordDecision records a policy evaluation outcome
func (s *AuditService) RecordDecision(actor string, actorID uuid.UUID, targetType models.TargetType, targetID uuid.UUID, effect models.Effect, detail string, metadata interface{}) error {
	entry := models.NewAuditEntry(actor, models.AuditActionPolicyDecision, string(targetType)).
		WithActorID(actorID).
		WithTarget(targetID).
		WithOutcome(string(effect), detail).
		WithMetadata(metadata)

	return s.Record(entry)
}

// RecordMalformedCondition records a rule whose condition failed to evaluate.
// The rule is treated as non-matching; this entry is the operator's signal.
func (s *AuditService) RecordMalformedCondition(policyCode string, ruleID uuid.UUID, reason string) error {
	entry := models.NewAuditEntry("policy-evaluator", models.AuditActionConditionMalformed, "policy_rule").
		WithTarget(ruleID).
		WithOutcome("skipped", reason).
		WithMetadata(map[string]interface{}{"policy_code": policyCode})

	return s.Record(entry)
}

// RecordGrantTransition records a grant lifecycle transition
func (s *AuditService) RecordGrantTransition(actor string, grant *models.JitGrant, action models.AuditAction, detail string) error {
	entry := models.NewAuditEntry(actor, action, "jit_grant").
		WithTarget(grant.ID).
		WithOutcome(string(grant.Status), detail).
		WithMetadata(map[string]interface{}{
			"account_id":  grant.AccountID,
			"agent_id":    grant.AgentID,
			"permissions": grant.Permissions,
			"policy_name": grant.PolicyName,
			"version":     grant.Version,
		})

	return s.Record(entry)
}

// RecordPolicyChange records a policy management action
func (s *AuditService) RecordPolicyChange(actor string, action models.AuditAction, policy *models.Policy, detail string) error {
	entry := models.NewAuditEntry(actor, action, "policy").
		WithTarget(policy.ID).
		WithOutcome(string(policy.Status), detail).
		WithMetadata(map[string]interface{}{
			"code":    policy.Code,
			"version": policy.Version,
		})

	return s.Record(entry)
}

// RecordAccessRule records an access rule addition, removal, or rejection
func (s *AuditService) RecordAccessRule(actor string, action models.AuditAction, memoryID uuid.UUID, rule *models.MemoryAccessRule, detail string) error {
	outcome := "applied"
	if action == models.AuditActionAccessRuleRejected {
		outcome = "rejected"
	}

	entry := models.NewAuditEntry(actor, action, "memory").
		WithTarget(memoryID).
		WithOutcome(outcome, detail)

	if rule != nil {
		entry.WithMetadata(map[string]interface{}{
			"principal_type": rule.PrincipalType,
			"principal_id":   rule.PrincipalID,
			"role":           rule.Role,
			"grant_type":     rule.GrantType,
		})
	}

	return s.Record(entry)
}
