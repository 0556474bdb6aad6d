package app

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/agent-governance/config"
	"github.com/upb/agent-governance/internal/observability"
	"github.com/upb/agent-governance/middleware"
	"github.com/upb/agent-governance/repositories"
	"github.com/upb/agent-governance/repositories/postgres"
	"github.com/upb/agent-governance/services/audit"
	"github.com/upb/agent-governance/services/ceiling"
	"github.com/upb/agent-governance/services/grant"
	"github.com/upb/agent-governance/services/memory"
	"github.com/upb/agent-governance/services/policy"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Policies  repositories.PolicyRepository
	Grants    repositories.GrantRepository
	Memories  repositories.MemoryRepository
	AuditLogs repositories.AuditRepository
	TxManager repositories.TransactionManager

	// Services
	Metrics       *observability.Metrics
	AuditService  *audit.AuditService
	PolicyCache   *policy.PolicyCache
	PolicyStore   *policy.Store
	Evaluator     *policy.Evaluator
	Ceiling       *ceiling.Checker
	GrantService  *grant.Service
	MemoryService *memory.Service
	Scheduler     *grant.Scheduler

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	cacheCleanupStop chan struct{}
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	deps.initServices(cfg)
	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the PostgreSQL database connection and factory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	// Test the connection
	if err := d.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := factory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	return nil
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories() error {
	repos := d.RepoFactory.NewRepositories()

	d.Policies = repos.Policies
	d.Grants = repos.Grants
	d.Memories = repos.Memories
	d.AuditLogs = repos.Audit
	d.TxManager = d.RepoFactory.GetTransactionManager()

	d.Logger.Info("repositories initialized")
	return nil
}

// initServices wires the governance services in dependency order: audit first
// since everything records through it, then the evaluator and ceiling checker,
// then the lifecycle services on top.
func (d *Dependencies) initServices(cfg *config.Config) {
	if cfg.Observability.MetricsEnabled {
		d.Metrics = observability.New()
	}

	d.AuditService = audit.NewAuditService(d.AuditLogs, d.Logger, d.Metrics, audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.WorkerCount,
	})

	d.PolicyCache = policy.NewPolicyCache(1000, 30*time.Second)
	d.PolicyStore = policy.NewStore(d.Policies, d.TxManager, d.PolicyCache, d.AuditService, d.Logger)
	d.Evaluator = policy.NewEvaluator(d.Policies, d.PolicyCache, d.AuditService, d.Metrics, d.Logger)
	d.Ceiling = ceiling.NewChecker(d.Metrics)

	d.GrantService = grant.NewService(
		d.Grants,
		d.Memories,
		d.TxManager,
		d.Evaluator,
		d.Ceiling,
		d.AuditService,
		d.Metrics,
		d.Logger,
		cfg.Grants.DefaultTTL(),
	)
	d.MemoryService = memory.NewService(d.Memories, d.Ceiling, d.AuditService, d.Logger)

	d.Scheduler = grant.NewScheduler(d.GrantService, d.Metrics, d.Logger, grant.SchedulerConfig{
		SweepInterval: cfg.Scheduler.SweepInterval,
		BatchSize:     cfg.Scheduler.BatchSize,
	})

	d.Logger.Info("services initialized")
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT secret not configured, protected routes will reject all tokens")
		d.AuthMiddleware = middleware.NewAuthMiddleware(&rejectAllValidator{}, d.Logger)
		return
	}

	validator := middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	d.Logger.Info("auth middleware initialized", zap.String("issuer", cfg.Auth.Issuer))
}

// rejectAllValidator rejects all tokens (used when no secret is configured)
type rejectAllValidator struct{}

func (*rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, fmt.Errorf("authentication not configured")
}

// Start brings up the background components: audit workers, the expiry
// scheduler, and the policy cache cleanup worker. Callers pair it with Close
// for graceful shutdown.
func (d *Dependencies) Start() error {
	if err := d.AuditService.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}
	d.Scheduler.Start()

	d.cacheCleanupStop = make(chan struct{})
	go d.PolicyCache.StartCleanupWorker(time.Minute, d.cacheCleanupStop)

	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.cacheCleanupStop != nil {
		close(d.cacheCleanupStop)
		d.cacheCleanupStop = nil
	}

	// Stop the scheduler before the audit pipeline so final expiries still
	// get recorded
	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}

	if d.AuditService != nil {
		if err := d.AuditService.Stop(d.Config.Audit.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
