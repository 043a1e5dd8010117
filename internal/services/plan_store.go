package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"packplanner/internal/database"
	"packplanner/internal/models"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// PlanHistory is what the candidate selector needs to know about earlier plans
type PlanHistory struct {
	PriorPlans        int
	RecentQuestionIDs []int64
	// PairLastServed maps a pair key to the last sess_seq that served it
	PairLastServed map[string]int
}

// PlanStore persists session pack plans. It is the only writer of session_pack_plans.
type PlanStore interface {
	GetPlan(ctx context.Context, userID int, sessionID string) (*models.SessionPackPlan, error)
	GetPlanByIdempotencyKey(ctx context.Context, userID int, key string) (*models.SessionPackPlan, error)
	CreatePlan(ctx context.Context, plan *models.SessionPackPlan) (*models.SessionPackPlan, error)
	TransitionStatus(ctx context.Context, userID int, sessionID string, from, to models.PlanStatus) (*models.SessionPackPlan, error)
	GetPlanHistory(ctx context.Context, userID, beforeSeq, window int) (*PlanHistory, error)
	NextSessSeq(ctx context.Context, userID int) (int, error)
}

// PlanStoreService is the Postgres PlanStore
type PlanStoreService struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewPlanStoreService creates a Postgres plan store
func NewPlanStoreService(db *sql.DB, logger *observability.Logger) *PlanStoreService {
	return &PlanStoreService{db: db, logger: logger}
}

const planSelectFields = `id, user_id, session_id, COALESCE(last_session_id, ''), sess_seq, idempotency_key, request_fingerprint,
	pack, constraint_report, status, created_at, served_at, completed_at`

func scanPlan(row rowScanner) (*models.SessionPackPlan, error) {
	plan := &models.SessionPackPlan{}
	var packJSON, reportJSON []byte
	var status string
	var servedAt, completedAt sql.NullTime
	if err := row.Scan(&plan.ID, &plan.UserID, &plan.SessionID, &plan.LastSessionID, &plan.SessSeq,
		&plan.IdempotencyKey, &plan.RequestFingerprint, &packJSON, &reportJSON, &status,
		&plan.CreatedAt, &servedAt, &completedAt); err != nil {
		return nil, err
	}
	plan.Status = models.PlanStatus(status)
	if servedAt.Valid {
		t := servedAt.Time
		plan.ServedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		plan.CompletedAt = &t
	}
	if err := json.Unmarshal(packJSON, &plan.Pack); err != nil {
		return nil, contextutils.WrapErrorf(err, "failed to decode pack of plan %d", plan.ID)
	}
	if err := json.Unmarshal(reportJSON, &plan.ConstraintReport); err != nil {
		return nil, contextutils.WrapErrorf(err, "failed to decode constraint report of plan %d", plan.ID)
	}
	return plan, nil
}

func (s *PlanStoreService) getPlanByQuery(ctx context.Context, query string, args ...interface{}) (*models.SessionPackPlan, error) {
	plan, err := scanPlan(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contextutils.ErrPlanNotFound
		}
		return nil, contextutils.WrapError(err, "failed to load plan")
	}
	return plan, nil
}

// GetPlan loads the plan of one session, or ErrPlanNotFound
func (s *PlanStoreService) GetPlan(ctx context.Context, userID int, sessionID string) (result0 *models.SessionPackPlan, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_plan",
		observability.AttributeUserID(userID), observability.AttributeSessionID(sessionID))
	defer observability.FinishSpan(span, &err)

	query := fmt.Sprintf(`SELECT %s FROM session_pack_plans WHERE user_id = $1 AND session_id = $2`, planSelectFields)
	return s.getPlanByQuery(ctx, query, userID, sessionID)
}

// GetPlanByIdempotencyKey loads the plan a key was first used for, or ErrPlanNotFound
func (s *PlanStoreService) GetPlanByIdempotencyKey(ctx context.Context, userID int, key string) (result0 *models.SessionPackPlan, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_plan_by_idempotency_key", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	query := fmt.Sprintf(`SELECT %s FROM session_pack_plans WHERE user_id = $1 AND idempotency_key = $2::uuid`, planSelectFields)
	return s.getPlanByQuery(ctx, query, userID, key)
}

// CreatePlan inserts a plan computed for plan.SessSeq. The user's rows are
// locked immediately before the insert and the sequence number is checked
// against them; if another plan took it meanwhile, or a unique constraint
// fires, the plan is rejected as a conflict and never overwrites.
func (s *PlanStoreService) CreatePlan(ctx context.Context, plan *models.SessionPackPlan) (result0 *models.SessionPackPlan, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "create_plan",
		observability.AttributeUserID(plan.UserID), observability.AttributeSessSeq(plan.SessSeq))
	defer observability.FinishSpan(span, &err)

	userID := plan.UserID
	sessSeq := plan.SessSeq
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseTransaction, err.Error())
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn(ctx, "Failed to rollback transaction", map[string]interface{}{"error": rbErr.Error()})
			}
		}
	}()

	var maxSeq int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sess_seq), 0) FROM (
			SELECT sess_seq FROM session_pack_plans WHERE user_id = $1 FOR UPDATE
		) locked`, userID).Scan(&maxSeq)
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	if maxSeq+1 != sessSeq {
		return nil, contextutils.WrapErrorf(contextutils.ErrPlanningConflict,
			"plan for user %d was computed for sess_seq %d but the next is %d", userID, sessSeq, maxSeq+1)
	}
	plan.Status = models.PlanStatusPlanned

	packJSON, err := json.Marshal(plan.Pack)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to encode pack")
	}
	reportJSON, err := json.Marshal(plan.ConstraintReport)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to encode constraint report")
	}

	var lastSessionID sql.NullString
	if plan.LastSessionID != "" {
		lastSessionID = sql.NullString{String: plan.LastSessionID, Valid: true}
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO session_pack_plans (user_id, session_id, last_session_id, sess_seq, idempotency_key,
			request_fingerprint, pack, constraint_report, status)
		VALUES ($1, $2, $3, $4, $5::uuid, $6, $7, $8, $9)
		RETURNING id, created_at`,
		userID, plan.SessionID, lastSessionID, sessSeq, plan.IdempotencyKey, plan.RequestFingerprint,
		packJSON, reportJSON, string(plan.Status)).Scan(&plan.ID, &plan.CreatedAt)
	if err != nil {
		switch {
		case database.IsUniqueViolation(err, "session_pack_plans_user_idempotency_key"):
			return nil, contextutils.WrapError(contextutils.ErrIdempotencyKeyReused, "idempotency key already bound to another session")
		case database.IsUniqueViolation(err, ""):
			return nil, contextutils.WrapErrorf(contextutils.ErrPlanningConflict, "concurrent plan for user %d: %v", userID, err)
		}
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}

	if err = tx.Commit(); err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseTransaction, err.Error())
	}
	return plan, nil
}

// TransitionStatus moves a plan from one state to the next and stamps the
// matching timestamp. A plan in any other state is a transition conflict.
func (s *PlanStoreService) TransitionStatus(ctx context.Context, userID int, sessionID string, from, to models.PlanStatus) (result0 *models.SessionPackPlan, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "transition_plan_status",
		observability.AttributeUserID(userID), observability.AttributeSessionID(sessionID),
		attribute.String("plan.from", string(from)), attribute.String("plan.to", string(to)))
	defer observability.FinishSpan(span, &err)

	if next, ok := from.NextStatus(); !ok || next != to {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "no transition from %s to %s", from, to)
	}

	stampColumn := "served_at"
	if to == models.PlanStatusCompleted {
		stampColumn = "completed_at"
	}
	query := fmt.Sprintf(`
		UPDATE session_pack_plans SET status = $4, %s = NOW()
		WHERE user_id = $1 AND session_id = $2 AND status = $3
		RETURNING %s`, stampColumn, planSelectFields)

	plan, err := scanPlan(s.db.QueryRowContext(ctx, query, userID, sessionID, string(from), string(to)))
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}

	// Nothing updated: either the plan is missing or it is in another state
	current, getErr := s.GetPlan(ctx, userID, sessionID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, contextutils.WrapErrorf(contextutils.ErrStateTransitionConflict,
		"plan for session %s is %s, expected %s", sessionID, current.Status, from)
}

// GetPlanHistory summarizes the plans before beforeSeq: how many there are, the
// questions served in the last window sessions and when each pair was last served.
func (s *PlanStoreService) GetPlanHistory(ctx context.Context, userID, beforeSeq, window int) (result0 *PlanHistory, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_plan_history",
		observability.AttributeUserID(userID), observability.AttributeSessSeq(beforeSeq),
		attribute.Int("history.window", window))
	defer observability.FinishSpan(span, &err)

	history := &PlanHistory{PairLastServed: map[string]int{}}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_pack_plans WHERE user_id = $1 AND sess_seq < $2`,
		userID, beforeSeq).Scan(&history.PriorPlans); err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	if history.PriorPlans == 0 {
		return history, nil
	}

	if window > 0 {
		rows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT (item->>'question_id')::bigint
			FROM session_pack_plans p, jsonb_array_elements(p.pack) item
			WHERE p.user_id = $1 AND p.sess_seq < $2 AND p.sess_seq >= $2 - $3
			ORDER BY 1`, userID, beforeSeq, window)
		if err != nil {
			return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, contextutils.WrapError(err, "failed to scan served question id")
			}
			history.RecentQuestionIDs = append(history.RecentQuestionIDs, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT item->'why'->'pair'->>'subcategory', item->'why'->'pair'->>'type_of_question', MAX(p.sess_seq)
		FROM session_pack_plans p, jsonb_array_elements(p.pack) item
		WHERE p.user_id = $1 AND p.sess_seq < $2
		GROUP BY 1, 2`, userID, beforeSeq)
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var pair models.Pair
		var seq int
		if err := rows.Scan(&pair.Subcategory, &pair.TypeOfQuestion, &seq); err != nil {
			return nil, contextutils.WrapError(err, "failed to scan pair history")
		}
		history.PairLastServed[pair.Key()] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	return history, nil
}

// NextSessSeq returns the sequence number the next plan would receive, without reserving it
func (s *PlanStoreService) NextSessSeq(ctx context.Context, userID int) (result0 int, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "next_sess_seq", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	var maxSeq int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sess_seq), 0) FROM session_pack_plans WHERE user_id = $1`, userID).Scan(&maxSeq); err != nil {
		return 0, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	return maxSeq + 1, nil
}
