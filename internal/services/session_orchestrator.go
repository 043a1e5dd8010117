package services

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"packplanner/internal/config"
	"packplanner/internal/models"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// PlanNextRequest asks for the pack of the session after LastSessionID
type PlanNextRequest struct {
	UserID         int    `json:"user_id" validate:"required,gt=0"`
	LastSessionID  string `json:"last_session_id" validate:"omitempty,max=128"`
	NextSessionID  string `json:"next_session_id" validate:"required,max=128"`
	IdempotencyKey string `json:"-"`
}

// PlanNextResult is a plan and whether it was returned from an earlier request
type PlanNextResult struct {
	Plan     *models.SessionPackPlan
	Replayed bool
}

// SessionOrchestrator is the single entry point for planning and the plan state machine
type SessionOrchestrator struct {
	plans     PlanStore
	locker    UserLocker
	selector  *CandidateSelector
	planner   *LLMPlanner
	assembler *PackAssembler
	metrics   *observability.PlannerMetrics
	deadline  time.Duration
	logger    *observability.Logger
}

// NewSessionOrchestrator creates an orchestrator
func NewSessionOrchestrator(plans PlanStore, locker UserLocker, selector *CandidateSelector, planner *LLMPlanner,
	assembler *PackAssembler, metrics *observability.PlannerMetrics, cfg *config.PlannerConfig, logger *observability.Logger,
) *SessionOrchestrator {
	deadline := cfg.OuterDeadline
	if deadline <= 0 {
		deadline = config.DefaultPlanningOuterDeadline
	}
	return &SessionOrchestrator{
		plans:     plans,
		locker:    locker,
		selector:  selector,
		planner:   planner,
		assembler: assembler,
		metrics:   metrics,
		deadline:  deadline,
		logger:    logger,
	}
}

// requestFingerprint binds an idempotency key to the parameters it was first sent with
func requestFingerprint(req PlanNextRequest) string {
	sum := blake2b.Sum256([]byte(req.NextSessionID + "\x00" + req.LastSessionID))
	return hex.EncodeToString(sum[:])
}

func validatePlanNextRequest(req PlanNextRequest) error {
	if req.IdempotencyKey == "" {
		return contextutils.ErrIdempotencyKeyMissing
	}
	if _, err := uuid.Parse(req.IdempotencyKey); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrIdempotencyKeyMalformed, "idempotency key %q is not a UUID", req.IdempotencyKey)
	}
	if !contextutils.IsValidSessionID(req.NextSessionID) {
		return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "invalid session id %q", req.NextSessionID)
	}
	if req.LastSessionID != "" && !contextutils.IsValidSessionID(req.LastSessionID) {
		return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "invalid last session id %q", req.LastSessionID)
	}
	if req.LastSessionID == req.NextSessionID {
		return contextutils.WrapError(contextutils.ErrInvalidInput, "last and next session ids are the same")
	}
	return contextutils.ValidateStruct(req)
}

// replay returns the stored plan for a repeated request, or an error when the
// key is being reused for different parameters.
func replay(existing *models.SessionPackPlan, req PlanNextRequest, fingerprint string) (*PlanNextResult, error) {
	if existing.IdempotencyKey == req.IdempotencyKey && existing.RequestFingerprint != fingerprint {
		return nil, contextutils.WrapErrorf(contextutils.ErrIdempotencyKeyReused,
			"idempotency key was first used with different parameters for session %s", existing.SessionID)
	}
	return &PlanNextResult{Plan: existing, Replayed: true}, nil
}

// PlanNext returns the plan of req.NextSessionID, computing and persisting it
// at most once. Concurrent attempts for the same user get ErrPlanningConflict.
func (o *SessionOrchestrator) PlanNext(ctx context.Context, req PlanNextRequest) (result0 *PlanNextResult, err error) {
	ctx, span := observability.TracePlannerFunction(ctx, "plan_next",
		observability.AttributeUserID(req.UserID), observability.AttributeSessionID(req.NextSessionID))
	defer observability.FinishSpan(span, &err)

	if err := validatePlanNextRequest(req); err != nil {
		return nil, err
	}
	req.IdempotencyKey = normalizeIdempotencyKey(req.IdempotencyKey)
	fingerprint := requestFingerprint(req)

	if result, err := o.lookupExisting(ctx, req, fingerprint); result != nil || err != nil {
		return result, err
	}

	release, ok, err := o.locker.TryAcquireUserLock(ctx, req.UserID)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to acquire planning lock")
	}
	if !ok {
		return nil, contextutils.WrapErrorf(contextutils.ErrPlanningConflict, "planning already in progress for user %d", req.UserID)
	}
	defer release()

	// A concurrent request may have committed between the lookup and the lock
	if result, err := o.lookupExisting(ctx, req, fingerprint); result != nil || err != nil {
		return result, err
	}

	planCtx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	started := time.Now()
	plan, result, err := o.planAndStore(planCtx, req, fingerprint)
	if err != nil {
		if planCtx.Err() != nil && ctx.Err() == nil {
			o.logger.Error(ctx, "Planning exceeded outer deadline", err, map[string]interface{}{
				"user_id":    req.UserID,
				"session_id": req.NextSessionID,
				"deadline":   o.deadline.String(),
			})
			return nil, contextutils.WrapErrorf(contextutils.ErrTimeout, "planning exceeded %s: %v", o.deadline, err)
		}
		return nil, err
	}

	report := &plan.ConstraintReport
	relaxed := make([]string, 0, len(report.Relaxations))
	for _, r := range report.Relaxations {
		relaxed = append(relaxed, r.Constraint)
		o.logger.Info(ctx, "Soft constraint relaxed", map[string]interface{}{
			"user_id":    req.UserID,
			"session_id": plan.SessionID,
			"sess_seq":   plan.SessSeq,
			"constraint": r.Constraint,
			"reason":     r.Reason,
		})
	}
	o.metrics.RecordPlan(ctx, report.Meta.PlannerFallback, report.Meta.FallbackReason, relaxed,
		report.Meta.ExpansionRounds, float64(time.Since(started).Milliseconds()))

	o.logger.Info(ctx, "Session pack planned", map[string]interface{}{
		"user_id":          req.UserID,
		"session_id":       plan.SessionID,
		"sess_seq":         plan.SessSeq,
		"model":            report.Meta.Model,
		"planner_fallback": report.Meta.PlannerFallback,
		"retry_used":       report.Meta.RetryUsed,
		"outcome":          string(result.Outcome),
		"total_ms":         report.Meta.Timings.TotalMs,
	})
	return &PlanNextResult{Plan: plan}, nil
}

// planAndStore runs the pipeline with no transaction open and persists the
// result. Only the final insert touches row locks.
func (o *SessionOrchestrator) planAndStore(ctx context.Context, req PlanNextRequest, fingerprint string) (*models.SessionPackPlan, *PlanResult, error) {
	// The user lock serializes planning, so the plain read is the sequence
	// number to plan for. CreatePlan re-checks it under row locks.
	sessSeq, err := o.plans.NextSessSeq(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	built, result, err := o.build(ctx, req.UserID, sessSeq, req.NextSessionID)
	if err != nil {
		return nil, nil, err
	}
	built.LastSessionID = req.LastSessionID
	built.IdempotencyKey = req.IdempotencyKey
	built.RequestFingerprint = fingerprint

	plan, err := o.plans.CreatePlan(ctx, built)
	if err != nil {
		return nil, nil, err
	}
	return plan, result, nil
}

func normalizeIdempotencyKey(key string) string {
	if id, err := uuid.Parse(key); err == nil {
		return id.String()
	}
	return key
}

// lookupExisting resolves a request against stored plans. It returns nil, nil
// when the request must be planned.
func (o *SessionOrchestrator) lookupExisting(ctx context.Context, req PlanNextRequest, fingerprint string) (*PlanNextResult, error) {
	existing, err := o.plans.GetPlan(ctx, req.UserID, req.NextSessionID)
	switch {
	case err == nil:
		return replay(existing, req, fingerprint)
	case !errors.Is(err, contextutils.ErrPlanNotFound):
		return nil, err
	}

	bound, err := o.plans.GetPlanByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
	switch {
	case err == nil:
		return nil, contextutils.WrapErrorf(contextutils.ErrIdempotencyKeyReused,
			"idempotency key already used for session %s", bound.SessionID)
	case !errors.Is(err, contextutils.ErrPlanNotFound):
		return nil, err
	}
	return nil, nil
}

// build runs selector, planner and assembler for one sequence number
func (o *SessionOrchestrator) build(ctx context.Context, userID, sessSeq int, sessionID string) (*models.SessionPackPlan, *PlanResult, error) {
	started := time.Now()
	sel, err := o.selector.SelectPool(ctx, userID, sessSeq)
	if err != nil {
		return nil, nil, err
	}
	selected := time.Now()

	result, err := o.planner.Plan(ctx, sel)
	if err != nil {
		return nil, nil, err
	}
	planned := time.Now()

	assembled, err := o.assembler.Assemble(ctx, sessionID, result.Items, sel)
	if err != nil {
		return nil, nil, err
	}
	done := time.Now()

	report := assembled.Report
	report.Meta.Model = result.Model
	report.Meta.PlannerFallback = result.UsedFallback
	report.Meta.RetryUsed = result.RetryUsed
	report.Meta.FallbackReason = result.FallbackReason
	report.Meta.PoolSize = sel.Pool.PoolSize
	report.Meta.ExpansionRounds = sel.Pool.ExpansionRounds
	report.Meta.ColdStart = sel.Pool.ColdStart
	report.Meta.Timings = models.Timings{
		SelectMs:   selected.Sub(started).Milliseconds(),
		PlanMs:     planned.Sub(selected).Milliseconds(),
		AssembleMs: done.Sub(planned).Milliseconds(),
		TotalMs:    done.Sub(started).Milliseconds(),
	}

	return &models.SessionPackPlan{
		UserID:           userID,
		SessSeq:          sessSeq,
		SessionID:        sessionID,
		Pack:             assembled.Items,
		ConstraintReport: *report,
		Status:           models.PlanStatusPlanned,
	}, result, nil
}

// FetchPack returns a stored plan. While the user's planning lock is held and
// no row exists yet the plan is not ready rather than not found.
func (o *SessionOrchestrator) FetchPack(ctx context.Context, userID int, sessionID string) (result0 *models.SessionPackPlan, err error) {
	ctx, span := observability.TracePlannerFunction(ctx, "fetch_pack",
		observability.AttributeUserID(userID), observability.AttributeSessionID(sessionID))
	defer observability.FinishSpan(span, &err)

	plan, err := o.plans.GetPlan(ctx, userID, sessionID)
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, contextutils.ErrPlanNotFound) {
		return nil, err
	}
	locked, lockErr := o.locker.IsLocked(ctx, userID)
	if lockErr != nil {
		o.logger.Warn(ctx, "Failed to check planning lock", map[string]interface{}{"user_id": userID, "error": lockErr.Error()})
		return nil, err
	}
	if locked {
		return nil, contextutils.WrapErrorf(contextutils.ErrPlanNotReady, "plan for session %s is being computed", sessionID)
	}
	return nil, err
}

// MarkServed moves a plan from planned to served
func (o *SessionOrchestrator) MarkServed(ctx context.Context, userID int, sessionID string) (result0 *models.SessionPackPlan, err error) {
	ctx, span := observability.TracePlannerFunction(ctx, "mark_served",
		observability.AttributeUserID(userID), observability.AttributeSessionID(sessionID))
	defer observability.FinishSpan(span, &err)

	return o.plans.TransitionStatus(ctx, userID, sessionID, models.PlanStatusPlanned, models.PlanStatusServed)
}

// MarkCompleted moves a plan from served to completed. The summary worker picks it up from there.
func (o *SessionOrchestrator) MarkCompleted(ctx context.Context, userID int, sessionID string) (result0 *models.SessionPackPlan, err error) {
	ctx, span := observability.TracePlannerFunction(ctx, "mark_completed",
		observability.AttributeUserID(userID), observability.AttributeSessionID(sessionID))
	defer observability.FinishSpan(span, &err)

	return o.plans.TransitionStatus(ctx, userID, sessionID, models.PlanStatusServed, models.PlanStatusCompleted)
}

// DryRun plans the user's next session without taking the lock or persisting anything
func (o *SessionOrchestrator) DryRun(ctx context.Context, userID int) (result0 *models.SessionPackPlan, err error) {
	ctx, span := observability.TracePlannerFunction(ctx, "dry_run", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	sessSeq, err := o.plans.NextSessSeq(ctx, userID)
	if err != nil {
		return nil, err
	}
	planCtx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()
	plan, _, err := o.build(planCtx, userID, sessSeq, "dry-run")
	return plan, err
}

// SessionOrchestratorInterface is the planning surface the HTTP layer depends on
type SessionOrchestratorInterface interface {
	PlanNext(ctx context.Context, req PlanNextRequest) (*PlanNextResult, error)
	FetchPack(ctx context.Context, userID int, sessionID string) (*models.SessionPackPlan, error)
	MarkServed(ctx context.Context, userID int, sessionID string) (*models.SessionPackPlan, error)
	MarkCompleted(ctx context.Context, userID int, sessionID string) (*models.SessionPackPlan, error)
}

var _ SessionOrchestratorInterface = (*SessionOrchestrator)(nil)
