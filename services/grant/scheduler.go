package grant

import (
	"context"
	"sync"
	"time"

	"github.com/upb/agent-governance/internal/observability"
	"go.uber.org/zap"
)

// SchedulerConfig holds expiry scheduler configuration
type SchedulerConfig struct {
	SweepInterval time.Duration
	BatchSize     int
}

// DefaultSchedulerConfig returns the default scheduler configuration
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SweepInterval: time.Minute,
		BatchSize:     100,
	}
}

// Scheduler sweeps active grants past their expiry on a fixed interval.
// Sweeps are idempotent: a grant already expired, or revoked concurrently,
// is skipped without error, so overlapping or restarted schedulers never
// double-transition a grant.
type Scheduler struct {
	service  *Service
	metrics  *observability.Metrics
	logger   *zap.Logger
	interval time.Duration
	batch    int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewScheduler creates an expiry scheduler
func NewScheduler(service *Service, metrics *observability.Metrics, logger *zap.Logger, config SchedulerConfig) *Scheduler {
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		service:  service,
		metrics:  metrics,
		logger:   logger,
		interval: config.SweepInterval,
		batch:    config.BatchSize,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the sweep loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	s.wg.Add(1)
	go s.run()

	s.logger.Info("expiry scheduler started",
		zap.Duration("sweep_interval", s.interval),
		zap.Int("batch_size", s.batch))
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.started = false

	s.cancel()
	s.wg.Wait()

	s.logger.Info("expiry scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.ctx)
		}
	}
}

// Sweep expires all active grants due as of now, draining in batches until
// a batch comes back short. Errors end the sweep early; the next tick
// retries from wherever this one stopped.
func (s *Scheduler) Sweep(ctx context.Context) int {
	start := time.Now()
	total := 0

	for {
		expired, err := s.service.ExpireDue(ctx, time.Now(), s.batch)
		total += expired
		if err != nil {
			s.logger.Error("expiry sweep failed", zap.Error(err), zap.Int("expired", total))
			break
		}
		if expired < s.batch {
			break
		}
	}

	s.metrics.AddGrantsExpired(total)
	s.metrics.ObserveSweepLatency(time.Since(start))

	if total > 0 {
		s.logger.Info("expiry sweep completed",
			zap.Int("expired", total),
			zap.Duration("took", time.Since(start)))
	}

	return total
}
