package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"packplanner/internal/models"
	"packplanner/internal/observability"
	"packplanner/internal/services"
	contextutils "packplanner/internal/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// IdempotencyKeyHeader carries the client's retry key for plan requests
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayedHeader is set on plan responses that returned an existing plan
const ReplayedHeader = "Idempotent-Replayed"

// PlanSessionRequest is the body of POST /v1/sessions/:session_id/plan
type PlanSessionRequest struct {
	LastSessionID string `json:"last_session_id"`
}

// PlanSessionResponse is returned by the plan endpoint
type PlanSessionResponse struct {
	Status           models.PlanStatus       `json:"status"`
	Pack             []models.PackItem       `json:"pack"`
	ConstraintReport models.ConstraintReport `json:"constraint_report"`
}

// PackResponse is returned by the pack endpoint
type PackResponse struct {
	Status models.PlanStatus `json:"status"`
	Pack   []models.PackItem `json:"pack"`
	Meta   models.PlanMeta   `json:"meta"`
}

// PlanHandler serves the session pack endpoints
type PlanHandler struct {
	orchestrator services.SessionOrchestratorInterface
	logger       *observability.Logger
}

// NewPlanHandler creates a new PlanHandler instance
func NewPlanHandler(orchestrator services.SessionOrchestratorInterface, logger *observability.Logger) *PlanHandler {
	return &PlanHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// PlanSession handles POST /v1/sessions/:session_id/plan
func (h *PlanHandler) PlanSession(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "plan_session")
	defer observability.FinishSpan(span, nil)

	userID, exists := GetUserIDFromSession(c)
	if !exists {
		HandleAppError(c, contextutils.ErrUnauthorized)
		return
	}
	sessionID := c.Param("session_id")
	span.SetAttributes(observability.AttributeUserID(userID), observability.AttributeSessionID(sessionID))

	var body PlanSessionRequest
	// An empty body means there is no previous session
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Warn(ctx, "Invalid plan request format", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		HandleValidationError(c, "request body", "", err.Error())
		return
	}

	key := c.GetHeader(IdempotencyKeyHeader)
	if key != "" {
		ctx = contextutils.WithRequestID(ctx, key)
	}
	result, err := h.orchestrator.PlanNext(ctx, services.PlanNextRequest{
		UserID:         userID,
		LastSessionID:  body.LastSessionID,
		NextSessionID:  sessionID,
		IdempotencyKey: key,
	})
	if err != nil {
		h.logger.Error(ctx, "Planning request failed", err, map[string]interface{}{
			"user_id":    userID,
			"session_id": sessionID,
		})
		HandleAppError(c, err)
		return
	}

	plan := result.Plan
	span.SetAttributes(
		attribute.Bool("plan.replayed", result.Replayed),
		attribute.Int("plan.sess_seq", plan.SessSeq),
		attribute.Bool("plan.fallback", plan.ConstraintReport.Meta.PlannerFallback),
	)
	if result.Replayed {
		c.Header(ReplayedHeader, "true")
	}
	c.JSON(http.StatusOK, PlanSessionResponse{
		Status:           plan.Status,
		Pack:             plan.Pack,
		ConstraintReport: plan.ConstraintReport,
	})
}

// GetPack handles GET /v1/sessions/:session_id/pack
func (h *PlanHandler) GetPack(c *gin.Context) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), "get_pack")
	defer observability.FinishSpan(span, nil)

	userID, exists := GetUserIDFromSession(c)
	if !exists {
		HandleAppError(c, contextutils.ErrUnauthorized)
		return
	}
	sessionID := c.Param("session_id")
	span.SetAttributes(observability.AttributeUserID(userID), observability.AttributeSessionID(sessionID))

	plan, err := h.orchestrator.FetchPack(ctx, userID, sessionID)
	if err != nil {
		HandleAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, PackResponse{
		Status: plan.Status,
		Pack:   plan.Pack,
		Meta:   plan.ConstraintReport.Meta,
	})
}

// MarkServed handles POST /v1/sessions/:session_id/served
func (h *PlanHandler) MarkServed(c *gin.Context) {
	h.transition(c, "mark_served", h.orchestrator.MarkServed)
}

// MarkCompleted handles POST /v1/sessions/:session_id/completed
func (h *PlanHandler) MarkCompleted(c *gin.Context) {
	h.transition(c, "mark_completed", h.orchestrator.MarkCompleted)
}

func (h *PlanHandler) transition(c *gin.Context, name string,
	apply func(ctx context.Context, userID int, sessionID string) (*models.SessionPackPlan, error),
) {
	ctx, span := observability.TraceHandlerFunction(c.Request.Context(), name)
	defer observability.FinishSpan(span, nil)

	userID, exists := GetUserIDFromSession(c)
	if !exists {
		HandleAppError(c, contextutils.ErrUnauthorized)
		return
	}
	sessionID := c.Param("session_id")
	span.SetAttributes(observability.AttributeUserID(userID), observability.AttributeSessionID(sessionID))

	plan, err := apply(ctx, userID, sessionID)
	if err != nil {
		h.logger.Warn(ctx, "Plan state transition failed", map[string]interface{}{
			"transition": name,
			"user_id":    userID,
			"session_id": sessionID,
			"error":      err.Error(),
		})
		HandleAppError(c, err)
		return
	}

	h.logger.Info(ctx, "Plan state changed", map[string]interface{}{
		"transition": name,
		"user_id":    userID,
		"session_id": sessionID,
		"status":     string(plan.Status),
	})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
