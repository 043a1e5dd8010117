// Package main provides the entry point for the post-session summary worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"packplanner/internal/config"
	"packplanner/internal/di"
	"packplanner/internal/handlers"
	"packplanner/internal/observability"
	"packplanner/internal/version"
	"packplanner/internal/worker"
)

// fatalIfErr logs the error with context and panics with a consistent message
func fatalIfErr(ctx context.Context, logger *observability.Logger, msg string, err error, fields map[string]interface{}) {
	logger.Error(ctx, msg, err, fields)
	panic(msg + ": " + err.Error())
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.NewConfig()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Setup observability (tracing/metrics/logging)
	tp, mp, logger, err := observability.SetupObservabilityWithLevel(&cfg.OpenTelemetry, "pack-planner-worker", cfg.Server.LogLevel)
	if err != nil {
		panic("Failed to initialize observability: " + err.Error())
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

	logger.Info(ctx, "Starting summary worker service", map[string]interface{}{
		"port":        cfg.Server.WorkerPort,
		"logLevel":    cfg.Server.LogLevel,
		"instance":    cfg.Worker.Instance,
		"interval":    cfg.Worker.Interval.String(),
		"concurrency": cfg.Worker.Concurrency,
		"build":       version.Get("worker").String(),
	})

	container := di.NewServiceContainer(cfg, logger, nil)
	if err := container.Initialize(ctx); err != nil {
		fatalIfErr(ctx, logger, "Failed to initialize services", err, nil)
	}
	defer func() {
		if err := container.Shutdown(context.Background()); err != nil {
			logger.Warn(ctx, "Warning: failed to shutdown services", map[string]interface{}{"error": err.Error()})
		}
	}()

	summaries, err := container.GetSummaryStore()
	if err != nil {
		fatalIfErr(ctx, logger, "Failed to get summary store", err, nil)
	}
	summarizer, err := container.GetSummarizer()
	if err != nil {
		fatalIfErr(ctx, logger, "Failed to get summarizer", err, nil)
	}

	workerInstance := worker.NewWorker(summaries, summarizer, cfg.Worker, logger)
	workerDone := make(chan struct{})
	go func() {
		workerInstance.Start(ctx)
		close(workerDone)
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.WorkerPort,
		Handler:           handlers.NewWorkerRouter(cfg, workerInstance, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info(ctx, "Worker server starting", map[string]interface{}{"port": cfg.Server.WorkerPort})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalIfErr(ctx, logger, "Failed to start worker server", err, map[string]interface{}{"port": cfg.Server.WorkerPort})
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info(ctx, "Worker server shutting down", map[string]interface{}{"service": "worker"})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.WorkerShutdownTimeout)
	defer shutdownCancel()

	// Stop the run loop first; an in-flight run sees the cancelled context
	cancel()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn(ctx, "Worker did not stop before the shutdown timeout", map[string]interface{}{"service": "worker"})
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "Worker server forced to shutdown", map[string]interface{}{"error": err.Error(), "service": "worker"})
	}

	logger.Info(ctx, "Worker server exited", map[string]interface{}{"service": "worker"})
}
