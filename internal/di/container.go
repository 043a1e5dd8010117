// Package di provides dependency injection container for managing service lifecycle and dependencies.
package di

import (
	"context"
	"database/sql"
	"sync"

	"packplanner/internal/config"
	"packplanner/internal/database"
	"packplanner/internal/observability"
	"packplanner/internal/services"
	"packplanner/internal/services/reasoning"
	contextutils "packplanner/internal/utils"

	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// ServiceContainerInterface defines the interface for service containers
type ServiceContainerInterface interface {
	GetService(name string) (interface{}, error)
	GetCatalogService() (*services.CatalogService, error)
	GetPlanStore() (*services.PlanStoreService, error)
	GetSummaryStore() (*services.SummaryStoreService, error)
	GetHistoryService() (*services.HistoryService, error)
	GetOrchestrator() (*services.SessionOrchestrator, error)
	GetSummarizer() (*services.Summarizer, error)
	GetDatabase() *sql.DB
	GetConfig() *config.Config
	GetLogger() *observability.Logger
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ServiceContainer manages all service dependencies and lifecycle
type ServiceContainer struct {
	cfg           *config.Config
	logger        *observability.Logger
	meterProvider otelmetric.MeterProvider
	dbManager     *database.Manager
	db            *sql.DB
	services      map[string]interface{}
	mu            sync.RWMutex
	shutdownFuncs []func(context.Context) error
}

// NewServiceContainer creates a new dependency injection container.
// A nil meter provider uses the global one.
func NewServiceContainer(cfg *config.Config, logger *observability.Logger, meterProvider otelmetric.MeterProvider) *ServiceContainer {
	return &ServiceContainer{
		cfg:           cfg,
		logger:        logger,
		meterProvider: meterProvider,
		services:      make(map[string]interface{}),
	}
}

// Initialize sets up all services and their dependencies
func (sc *ServiceContainer) Initialize(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	// Initialize database
	sc.dbManager = database.NewManager(sc.logger)
	db, err := sc.dbManager.InitDBWithConfig(ctx, sc.cfg.Database)
	if err != nil {
		return contextutils.WrapError(err, "failed to initialize database")
	}
	sc.db = db
	sc.shutdownFuncs = append(sc.shutdownFuncs, func(_ context.Context) error {
		return db.Close()
	})

	if err := sc.initializeServices(ctx); err != nil {
		_ = sc.cleanup(ctx)
		return err
	}

	// Startup lifecycle services
	if err := sc.startupServices(ctx); err != nil {
		// Cleanup on failure
		_ = sc.cleanup(ctx)
		return contextutils.WrapError(err, "failed to startup services")
	}

	return nil
}

// GetService retrieves a service by name with type assertion
func (sc *ServiceContainer) GetService(name string) (interface{}, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	service, exists := sc.services[name]
	if !exists {
		return nil, contextutils.ErrorWithContextf("service %s not found", name)
	}
	return service, nil
}

// GetServiceAs performs type-safe service retrieval
func GetServiceAs[T any](sc *ServiceContainer, name string) (T, error) {
	var zero T
	service, err := sc.GetService(name)
	if err != nil {
		return zero, err
	}

	typed, ok := service.(T)
	if !ok {
		return zero, contextutils.ErrorWithContextf("service %s is not of expected type %T", name, zero)
	}
	return typed, nil
}

// GetCatalogService returns the question catalog
func (sc *ServiceContainer) GetCatalogService() (*services.CatalogService, error) {
	return GetServiceAs[*services.CatalogService](sc, "catalog")
}

// GetPlanStore returns the plan store
func (sc *ServiceContainer) GetPlanStore() (*services.PlanStoreService, error) {
	return GetServiceAs[*services.PlanStoreService](sc, "plans")
}

// GetSummaryStore returns the summary and alias map store
func (sc *ServiceContainer) GetSummaryStore() (*services.SummaryStoreService, error) {
	return GetServiceAs[*services.SummaryStoreService](sc, "summaries")
}

// GetHistoryService returns the attempt history service
func (sc *ServiceContainer) GetHistoryService() (*services.HistoryService, error) {
	return GetServiceAs[*services.HistoryService](sc, "history")
}

// GetOrchestrator returns the session orchestrator
func (sc *ServiceContainer) GetOrchestrator() (*services.SessionOrchestrator, error) {
	return GetServiceAs[*services.SessionOrchestrator](sc, "orchestrator")
}

// GetSummarizer returns the post-session summarizer
func (sc *ServiceContainer) GetSummarizer() (*services.Summarizer, error) {
	return GetServiceAs[*services.Summarizer](sc, "summarizer")
}

// GetDatabase returns the database instance
func (sc *ServiceContainer) GetDatabase() *sql.DB {
	return sc.db
}

// GetConfig returns the configuration
func (sc *ServiceContainer) GetConfig() *config.Config {
	return sc.cfg
}

// GetLogger returns the logger
func (sc *ServiceContainer) GetLogger() *observability.Logger {
	return sc.logger
}

// Shutdown gracefully shuts down all services
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.cleanup(ctx)
}

// startupServices starts all services that implement the Lifecycle interface
func (sc *ServiceContainer) startupServices(ctx context.Context) error {
	for name, service := range sc.services {
		if lifecycleService, ok := service.(interface{ Startup(context.Context) error }); ok {
			sc.logger.Info(ctx, "Starting service", map[string]interface{}{"service": name})
			if err := lifecycleService.Startup(ctx); err != nil {
				return contextutils.WrapErrorf(err, "failed to startup service %s", name)
			}
		}
	}
	return nil
}

// cleanup handles shutdown of all services
func (sc *ServiceContainer) cleanup(ctx context.Context) error {
	var errors []error

	for name := range sc.services {
		if lifecycleService, ok := sc.services[name].(interface{ Shutdown(context.Context) error }); ok {
			sc.logger.Info(ctx, "Shutting down service", map[string]interface{}{"service": name})
			if err := lifecycleService.Shutdown(ctx); err != nil {
				sc.logger.Error(ctx, "Failed to shutdown service", err, map[string]interface{}{"service": name})
				errors = append(errors, contextutils.WrapErrorf(err, "service %s shutdown failed", name))
			}
		}
	}

	// Shutdown resources in reverse order of initialization
	for i := len(sc.shutdownFuncs) - 1; i >= 0; i-- {
		if err := sc.shutdownFuncs[i](ctx); err != nil {
			errors = append(errors, err)
		}
	}
	sc.shutdownFuncs = nil

	if len(errors) > 0 {
		return contextutils.ErrorWithContextf("shutdown errors: %v", errors)
	}
	return nil
}

// newLocker builds the per-user planning lock selected by planner.lock_backend
func (sc *ServiceContainer) newLocker(ctx context.Context) (services.UserLocker, error) {
	switch sc.cfg.Planner.LockBackend {
	case "memory":
		sc.logger.Warn(ctx, "Using in-process planning lock; run a single instance only")
		return services.NewMemoryUserLocker(), nil
	case "redis":
		opts, err := redis.ParseURL(sc.cfg.Redis.URL)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrValidationFailed, "invalid redis url: %v", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, contextutils.WrapErrorf(contextutils.ErrServiceUnavailable, "redis ping failed: %v", err)
		}
		sc.shutdownFuncs = append(sc.shutdownFuncs, func(_ context.Context) error { return client.Close() })
		// The lease outlives the planning deadline so a live holder never loses it
		return services.NewRedisUserLocker(client, 2*sc.cfg.Planner.OuterDeadline, sc.logger), nil
	default:
		return services.NewPostgresUserLocker(sc.db, sc.logger), nil
	}
}

// newReasoningClient returns nil when the planner runs deterministic-only
func (sc *ServiceContainer) newReasoningClient(ctx context.Context) (reasoning.Client, error) {
	if !sc.cfg.Planner.LLMEnabled {
		sc.logger.Info(ctx, "Reasoning service disabled; plans and summaries are deterministic")
		return nil, nil
	}
	return reasoning.NewClient(ctx, &sc.cfg.Reasoning, sc.logger)
}

// initializeServices sets up all service dependencies
func (sc *ServiceContainer) initializeServices(ctx context.Context) error {
	metrics := observability.NewPlannerMetrics(sc.meterProvider)

	prompts, err := services.NewPromptTemplateManager()
	if err != nil {
		return contextutils.WrapError(err, "failed to load prompt templates")
	}
	client, err := sc.newReasoningClient(ctx)
	if err != nil {
		return err
	}
	locker, err := sc.newLocker(ctx)
	if err != nil {
		return err
	}

	// Storage services
	catalog := services.NewCatalogService(sc.db, sc.logger)
	plans := services.NewPlanStoreService(sc.db, sc.logger)
	summaries := services.NewSummaryStoreService(sc.db, sc.logger)
	history := services.NewHistoryService(sc.db, sc.logger)
	sc.services["catalog"] = catalog
	sc.services["plans"] = plans
	sc.services["summaries"] = summaries
	sc.services["history"] = history
	sc.services["locker"] = locker

	// Planning pipeline
	selector := services.NewCandidateSelector(catalog, plans, summaries, &sc.cfg.Planner, sc.logger)
	planner := services.NewLLMPlanner(client, prompts, sc.cfg, sc.logger)
	assembler := services.NewPackAssembler(catalog, services.PackRulesFromConfig(&sc.cfg.Planner), sc.logger)
	sc.services["orchestrator"] = services.NewSessionOrchestrator(plans, locker, selector, planner, assembler,
		metrics, &sc.cfg.Planner, sc.logger)

	sc.services["summarizer"] = services.NewSummarizer(plans, history, summaries, client, prompts, metrics, sc.cfg, sc.logger)
	return nil
}
