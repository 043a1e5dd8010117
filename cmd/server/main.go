// Package main provides the entry point for the pack planner HTTP service.
// It sets up observability, the service container, and the session routes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"packplanner/internal/config"
	"packplanner/internal/di"
	"packplanner/internal/handlers"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"
	"packplanner/internal/version"
)

// Application encapsulates the main application logic and can be tested
type Application struct {
	container di.ServiceContainerInterface
	server    *http.Server
}

// NewApplication creates a new application instance
func NewApplication(container di.ServiceContainerInterface) (*Application, error) {
	orchestrator, err := container.GetOrchestrator()
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to get session orchestrator")
	}

	cfg := container.GetConfig()
	router := handlers.NewRouter(cfg, orchestrator, container.GetDatabase(), container.GetLogger())

	return &Application{
		container: container,
		server: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until the server is shut down
func (a *Application) Run() error {
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return contextutils.WrapError(err, "server failed")
	}
	return nil
}

// Shutdown drains in-flight requests, then releases the container's resources
func (a *Application) Shutdown(ctx context.Context) error {
	if err := a.server.Shutdown(ctx); err != nil {
		return contextutils.WrapError(err, "http shutdown failed")
	}
	return a.container.Shutdown(ctx)
}

func main() {
	ctx := context.Background()

	// Setup graceful shutdown
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup observability (tracing/metrics/logging)
	tp, mp, logger, err := observability.SetupObservabilityWithLevel(&cfg.OpenTelemetry, "pack-planner", cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize observability: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if sp, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
			if err := sp.Shutdown(shutdownCtx); err != nil {
				logger.Warn(ctx, "Error shutting down tracer provider", map[string]interface{}{"error": err.Error(), "provider": "tracer"})
			}
		}
		if mp != nil {
			if err := mp.Shutdown(shutdownCtx); err != nil {
				logger.Warn(ctx, "Error shutting down meter provider", map[string]interface{}{"error": err.Error(), "provider": "meter"})
			}
		}
	}()

	logger.Info(ctx, "Starting pack planner service", map[string]interface{}{
		"port":         cfg.Server.Port,
		"logLevel":     cfg.Server.LogLevel,
		"llm_enabled":  cfg.Planner.LLMEnabled,
		"provider":     cfg.Reasoning.Provider,
		"lock_backend": cfg.Planner.LockBackend,
		"build":        version.Get("pack-planner").String(),
	})

	// Planner metrics use the global meter provider installed above
	container := di.NewServiceContainer(cfg, logger, nil)
	if err := container.Initialize(ctx); err != nil {
		logger.Error(ctx, "Failed to initialize services", err, nil)
		os.Exit(1)
	}

	app, err := NewApplication(container)
	if err != nil {
		logger.Error(ctx, "Failed to create application", err, nil)
		_ = container.Shutdown(ctx)
		os.Exit(1)
	}

	appErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "HTTP server listening", map[string]interface{}{"addr": app.server.Addr})
		if err := app.Run(); err != nil {
			appErr <- err
		}
	}()

	// Wait for shutdown signal or application error
	select {
	case sig := <-shutdownCh:
		logger.Info(ctx, "Received shutdown signal, shutting down gracefully", map[string]interface{}{"signal": sig.String()})
	case err := <-appErr:
		logger.Error(ctx, "Application failed", err, nil)
		_ = container.Shutdown(ctx)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Error during application shutdown", err, nil)
		os.Exit(1)
	}

	logger.Info(ctx, "Shutdown completed successfully", nil)
}
