package handlers

import (
	"context"
	"net/http"
	"strconv"

	"packplanner/internal/config"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"
	"packplanner/internal/worker"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// WorkerController is the part of the summary worker the admin endpoints drive
type WorkerController interface {
	GetStatus() worker.Status
	GetHistory() []worker.RunRecord
	GetInstance() string
	TriggerManualRun()
	Pause(ctx context.Context)
	Resume(ctx context.Context)
}

// WorkerAdminHandler handles worker administration endpoints
type WorkerAdminHandler struct {
	config *config.Config
	worker WorkerController
	logger *observability.Logger
}

// NewWorkerAdminHandlerWithLogger creates a new WorkerAdminHandler
func NewWorkerAdminHandlerWithLogger(cfg *config.Config, w WorkerController, logger *observability.Logger) *WorkerAdminHandler {
	return &WorkerAdminHandler{config: cfg, worker: w, logger: logger}
}

// GetWorkerDetails returns the worker status together with its recent runs
func (h *WorkerAdminHandler) GetWorkerDetails(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "get_worker_details")
	defer span.End()
	if h.worker == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}

	history := h.worker.GetHistory()
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil && limit >= 0 && limit < len(history) {
		history = history[len(history)-limit:]
	}
	span.SetAttributes(attribute.Int("worker.history_len", len(history)))

	c.JSON(http.StatusOK, gin.H{
		"instance": h.worker.GetInstance(),
		"status":   h.worker.GetStatus(),
		"history":  history,
	})
}

// GetWorkerStatus returns current worker status
func (h *WorkerAdminHandler) GetWorkerStatus(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "get_worker_status")
	defer span.End()
	if h.worker == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, h.worker.GetStatus())
}

// PauseWorker stops the worker from picking up completed sessions
func (h *WorkerAdminHandler) PauseWorker(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "pause_worker")
	defer span.End()
	if h.worker == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}
	h.worker.Pause(ctx)
	c.JSON(http.StatusOK, gin.H{"message": "Worker paused"})
}

// ResumeWorker lets a paused worker pick up completed sessions again
func (h *WorkerAdminHandler) ResumeWorker(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "resume_worker")
	defer span.End()
	if h.worker == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}
	h.worker.Resume(ctx)
	c.JSON(http.StatusOK, gin.H{"message": "Worker resumed"})
}

// TriggerWorkerRun triggers a manual worker run
func (h *WorkerAdminHandler) TriggerWorkerRun(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "trigger_worker_run")
	defer span.End()
	if h.worker == nil {
		HandleAppError(c, contextutils.ErrServiceUnavailable)
		return
	}
	h.worker.TriggerManualRun()
	c.JSON(http.StatusAccepted, gin.H{"message": "Worker run triggered"})
}

// GetConfigz returns the merged config as pretty-printed JSON with secrets masked
func (h *WorkerAdminHandler) GetConfigz(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "get_configz")
	defer span.End()
	c.IndentedJSON(http.StatusOK, redactedConfig(h.config))
}

func redactedConfig(cfg *config.Config) config.Config {
	if cfg == nil {
		return config.Config{}
	}
	out := *cfg
	out.Database.URL = contextutils.RedactURL(cfg.Database.URL)
	out.Redis.URL = contextutils.RedactURL(cfg.Redis.URL)
	if cfg.Reasoning.APIKey != "" {
		out.Reasoning.APIKey = contextutils.MaskAPIKey(cfg.Reasoning.APIKey)
	}
	if cfg.Server.SessionSecret != "" {
		out.Server.SessionSecret = "[REDACTED]"
	}
	if len(cfg.OpenTelemetry.Headers) > 0 {
		out.OpenTelemetry.Headers = make(map[string]string, len(cfg.OpenTelemetry.Headers))
		for k := range cfg.OpenTelemetry.Headers {
			out.OpenTelemetry.Headers[k] = "[REDACTED]"
		}
	}
	return out
}
