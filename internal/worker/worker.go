// Package worker contains the background worker that summarizes completed
// sessions. Each run scans for completed plans without a summary and hands
// them to the summarizer, spreading users over a bounded pool while keeping
// each user's sessions in order.
package worker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"packplanner/internal/config"
	"packplanner/internal/models"
	"packplanner/internal/observability"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// maxBackoff caps the per-user retry delay after repeated failures
const maxBackoff = time.Hour

// Status represents the current state of the worker
type Status struct {
	IsRunning       bool      `json:"is_running"`
	IsPaused        bool      `json:"is_paused"`
	CurrentActivity string    `json:"current_activity,omitempty"`
	LastRunStart    time.Time `json:"last_run_start"`
	LastRunFinish   time.Time `json:"last_run_finish"`
	LastRunError    string    `json:"last_run_error,omitempty"`
	TotalSummarized int       `json:"total_summarized"`
}

// RunRecord tracks individual worker runs
type RunRecord struct {
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	Status     string        `json:"status"` // Success, Failure
	Summarized int           `json:"summarized"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Details    string        `json:"details"`
}

// UserFailureInfo tracks failure information for exponential backoff
type UserFailureInfo struct {
	ConsecutiveFailures int
	LastFailureTime     time.Time
	NextRetryTime       time.Time
}

// PendingLister finds completed sessions that still need a summary
type PendingLister interface {
	ListPendingSummaries(ctx context.Context, limit int, skipUsers []int) ([]models.PlanRef, error)
}

// SessionSummarizer builds and stores the summary of one completed session
type SessionSummarizer interface {
	Summarize(ctx context.Context, userID int, sessionID string) (*models.SessionSummary, error)
}

// Worker summarizes completed sessions in the background
type Worker struct {
	pending    PendingLister
	summarizer SessionSummarizer
	instance   string
	cfg        config.WorkerConfig
	logger     *observability.Logger

	status        Status
	history       []RunRecord
	mu            sync.RWMutex
	manualTrigger chan bool

	// Track failures for exponential backoff
	userFailures map[int]*UserFailureInfo
	failureMu    sync.RWMutex

	// Time function for testing - defaults to time.Now
	timeNow func() time.Time
}

// NewWorker creates a new Worker instance
func NewWorker(pending PendingLister, summarizer SessionSummarizer, cfg config.WorkerConfig, logger *observability.Logger) *Worker {
	if cfg.Instance == "" {
		cfg.Instance = "default"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.WorkerCheckInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	return &Worker{
		pending:       pending,
		summarizer:    summarizer,
		instance:      cfg.Instance,
		cfg:           cfg,
		logger:        logger,
		status:        Status{CurrentActivity: "Initialized", IsPaused: cfg.StartPaused},
		history:       make([]RunRecord, 0, cfg.MaxHistory),
		manualTrigger: make(chan bool, 1),
		userFailures:  make(map[int]*UserFailureInfo),
		timeNow:       time.Now,
	}
}

// Start runs the worker loop until ctx is cancelled
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	w.status.IsRunning = true
	w.mu.Unlock()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info(ctx, "Worker started", map[string]interface{}{
		"instance":    w.instance,
		"interval":    w.cfg.Interval.String(),
		"concurrency": w.cfg.Concurrency,
		"paused":      w.GetStatus().IsPaused,
	})

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(context.Background(), "Worker shutting down", map[string]interface{}{
				"instance": w.instance,
			})
			w.mu.Lock()
			w.status.IsRunning = false
			w.mu.Unlock()
			return

		case <-ticker.C:
			w.run(ctx)

		case <-w.manualTrigger:
			w.logger.Info(ctx, "Worker triggered manually", map[string]interface{}{
				"instance": w.instance,
			})
			w.run(ctx)
		}
	}
}

// run executes a single worker cycle unless the worker is paused
func (w *Worker) run(ctx context.Context) {
	if w.GetStatus().IsPaused {
		w.updateActivity("Paused")
		return
	}
	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.Error(ctx, "Worker run failed", err, map[string]interface{}{
			"instance": w.instance,
		})
	}
}

// RunOnce summarizes one batch of pending sessions and records the run.
// Users are processed concurrently; one user's sessions go in sess_seq order
// and stop at the first failure so a later summary never precedes an earlier one.
func (w *Worker) RunOnce(ctx context.Context) (result0 RunRecord, err error) {
	ctx, span := observability.TraceWorkerFunction(ctx, "run_once",
		attribute.String("worker.instance", w.instance),
	)
	defer observability.FinishSpan(span, &err)

	record := RunRecord{StartTime: w.timeNow()}
	w.mu.Lock()
	w.status.LastRunStart = record.StartTime
	w.status.CurrentActivity = "Scanning for completed sessions"
	w.mu.Unlock()

	refs, err := w.pending.ListPendingSummaries(ctx, w.cfg.BatchSize, w.backedOffUsers())
	if err != nil {
		w.finishRun(&record, err)
		return record, err
	}

	byUser := map[int][]models.PlanRef{}
	var users []int
	for _, ref := range refs {
		if _, ok := byUser[ref.UserID]; !ok {
			users = append(users, ref.UserID)
		}
		byUser[ref.UserID] = append(byUser[ref.UserID], ref)
	}
	sort.Ints(users)

	var countMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, userID := range users {
		if !w.shouldRetryUser(userID) {
			countMu.Lock()
			record.Skipped += len(byUser[userID])
			countMu.Unlock()
			continue
		}
		sessions := byUser[userID]
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessSeq < sessions[j].SessSeq })
		g.Go(func() error {
			done, failed := w.summarizeUser(gctx, userID, sessions)
			countMu.Lock()
			record.Summarized += done
			record.Failed += failed
			record.Skipped += len(sessions) - done - failed
			countMu.Unlock()
			// Per-user failures are recorded and retried later, never fatal to the run
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("worker.pending", len(refs)),
		attribute.Int("worker.summarized", record.Summarized),
		attribute.Int("worker.failed", record.Failed),
	)
	record.Details = fmt.Sprintf("%d pending, %d summarized, %d failed, %d skipped",
		len(refs), record.Summarized, record.Failed, record.Skipped)
	if record.Failed > 0 {
		w.logger.Warn(ctx, "Worker run finished with failures", map[string]interface{}{
			"instance": w.instance,
			"details":  record.Details,
		})
	} else if len(refs) > 0 {
		w.logger.Info(ctx, "Worker run finished", map[string]interface{}{
			"instance": w.instance,
			"details":  record.Details,
		})
	}
	w.finishRun(&record, nil)
	return record, nil
}

// summarizeUser returns how many sessions were summarized and whether one failed
func (w *Worker) summarizeUser(ctx context.Context, userID int, sessions []models.PlanRef) (int, int) {
	done := 0
	for _, ref := range sessions {
		if ctx.Err() != nil {
			return done, 0
		}
		w.updateActivity(fmt.Sprintf("Summarizing session %s for user %d", ref.SessionID, userID))
		summary, err := w.summarizer.Summarize(ctx, userID, ref.SessionID)
		if err != nil {
			w.logger.Error(ctx, "Failed to summarize session", err, map[string]interface{}{
				"instance":   w.instance,
				"user_id":    userID,
				"session_id": ref.SessionID,
				"sess_seq":   ref.SessSeq,
			})
			w.recordUserFailure(ctx, userID)
			return done, 1
		}
		w.logger.Debug(ctx, "Session summarized", map[string]interface{}{
			"user_id":    userID,
			"session_id": ref.SessionID,
			"source":     summary.Source,
		})
		done++
	}
	w.recordUserSuccess(ctx, userID)
	return done, 0
}

func (w *Worker) finishRun(record *RunRecord, err error) {
	record.EndTime = w.timeNow()
	record.Duration = record.EndTime.Sub(record.StartTime)
	record.Status = "Success"
	if err != nil {
		record.Status = "Failure"
		record.Details = err.Error()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.LastRunFinish = record.EndTime
	w.status.LastRunError = ""
	if err != nil {
		w.status.LastRunError = err.Error()
	}
	w.status.TotalSummarized += record.Summarized
	w.status.CurrentActivity = "Idle"
	w.history = append(w.history, *record)
	if len(w.history) > w.cfg.MaxHistory {
		w.history = w.history[len(w.history)-w.cfg.MaxHistory:]
	}
}

// GetStatus returns the current worker status
func (w *Worker) GetStatus() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// GetHistory returns the worker's run history
func (w *Worker) GetHistory() []RunRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	// Return a copy to avoid race conditions
	history := make([]RunRecord, len(w.history))
	copy(history, w.history)
	return history
}

// GetInstance returns the worker instance name
func (w *Worker) GetInstance() string {
	return w.instance
}

// TriggerManualRun triggers a manual worker run
func (w *Worker) TriggerManualRun() {
	ctx := context.Background()
	select {
	case w.manualTrigger <- true:
		w.logger.Info(ctx, "Manual trigger sent to worker", map[string]interface{}{
			"instance": w.instance,
		})
	default:
		w.logger.Info(ctx, "Manual trigger already pending for worker", map[string]interface{}{
			"instance": w.instance,
		})
	}
}

// Pause stops the worker from processing until Resume
func (w *Worker) Pause(ctx context.Context) {
	w.mu.Lock()
	w.status.IsPaused = true
	w.mu.Unlock()
	w.logger.Info(ctx, "Worker paused", map[string]interface{}{"instance": w.instance})
}

// Resume lets a paused worker process again
func (w *Worker) Resume(ctx context.Context) {
	w.mu.Lock()
	w.status.IsPaused = false
	w.mu.Unlock()
	w.logger.Info(ctx, "Worker resumed", map[string]interface{}{"instance": w.instance})
}

func (w *Worker) updateActivity(activity string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.CurrentActivity = activity
}

// shouldRetryUser checks if enough time has passed since the last failure for exponential backoff
func (w *Worker) shouldRetryUser(userID int) bool {
	w.failureMu.RLock()
	defer w.failureMu.RUnlock()

	failure, exists := w.userFailures[userID]
	if !exists {
		return true
	}
	return w.timeNow().After(failure.NextRetryTime)
}

// backedOffUsers lists the users still waiting out a backoff, in id order
func (w *Worker) backedOffUsers() []int {
	w.failureMu.RLock()
	defer w.failureMu.RUnlock()

	now := w.timeNow()
	var users []int
	for userID, failure := range w.userFailures {
		if !now.After(failure.NextRetryTime) {
			users = append(users, userID)
		}
	}
	sort.Ints(users)
	return users
}

// recordUserFailure records a failure and calculates the next retry time with exponential backoff
func (w *Worker) recordUserFailure(ctx context.Context, userID int) {
	w.failureMu.Lock()
	defer w.failureMu.Unlock()

	failure, exists := w.userFailures[userID]
	if !exists {
		failure = &UserFailureInfo{}
		w.userFailures[userID] = failure
	}

	failure.ConsecutiveFailures++
	failure.LastFailureTime = w.timeNow()

	// 2^failures seconds, capped
	backoff := time.Duration(math.Pow(2, float64(failure.ConsecutiveFailures))) * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	failure.NextRetryTime = failure.LastFailureTime.Add(backoff)

	w.logger.Info(ctx, "Worker recorded user failure", map[string]interface{}{
		"instance":      w.instance,
		"user_id":       userID,
		"failure_count": failure.ConsecutiveFailures,
		"next_retry_in": backoff.String(),
	})
}

// recordUserSuccess clears the failure count for a user
func (w *Worker) recordUserSuccess(ctx context.Context, userID int) {
	w.failureMu.Lock()
	defer w.failureMu.Unlock()

	if failure, exists := w.userFailures[userID]; exists {
		w.logger.Info(ctx, "Worker user success after failures, resetting backoff", map[string]interface{}{
			"instance":          w.instance,
			"user_id":           userID,
			"previous_failures": failure.ConsecutiveFailures,
		})
		delete(w.userFailures, userID)
	}
}
