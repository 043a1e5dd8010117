package services

import (
	"context"
	"database/sql"

	"packplanner/internal/models"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"github.com/lib/pq"
)

// AttemptHistory is the read-only view of a user's answered questions
type AttemptHistory interface {
	GetSessionAttempts(ctx context.Context, userID, sessSeq int) ([]models.AttemptEvent, error)
}

// HistoryService reads attempt events from Postgres
type HistoryService struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewHistoryService creates an attempt history reader
func NewHistoryService(db *sql.DB, logger *observability.Logger) *HistoryService {
	return &HistoryService{db: db, logger: logger}
}

// GetSessionAttempts returns the attempts of one session in answer order
func (s *HistoryService) GetSessionAttempts(ctx context.Context, userID, sessSeq int) (result0 []models.AttemptEvent, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_session_attempts",
		observability.AttributeUserID(userID), observability.AttributeSessSeq(sessSeq))
	defer observability.FinishSpan(span, &err)

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, session_id, sess_seq, question_id, subcategory, type_of_question,
			core_concepts, concept_mentions, correct, time_taken_ms, created_at
		FROM attempt_events
		WHERE user_id = $1 AND sess_seq = $2
		ORDER BY created_at, id`, userID, sessSeq)
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn(ctx, "Failed to close rows", map[string]interface{}{"error": closeErr.Error()})
		}
	}()

	var events []models.AttemptEvent
	for rows.Next() {
		var e models.AttemptEvent
		var concepts, mentions pq.StringArray
		if err := rows.Scan(&e.UserID, &e.SessionID, &e.SessSeq, &e.QuestionID, &e.Pair.Subcategory,
			&e.Pair.TypeOfQuestion, &concepts, &mentions, &e.Correct, &e.TimeTakenMs, &e.CreatedAt); err != nil {
			return nil, contextutils.WrapError(err, "failed to scan attempt event")
		}
		e.CoreConcepts = []string(concepts)
		e.ConceptMentions = []string(mentions)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	return events, nil
}

// RecordAttempt stores one attempt event. Attempts normally arrive from the
// session runtime; this is used by the admin tool and integration tests.
func (s *HistoryService) RecordAttempt(ctx context.Context, e *models.AttemptEvent) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "record_attempt",
		observability.AttributeUserID(e.UserID), observability.AttributeSessionID(e.SessionID))
	defer observability.FinishSpan(span, &err)

	concepts := e.CoreConcepts
	if concepts == nil {
		concepts = []string{}
	}
	mentions := e.ConceptMentions
	if mentions == nil {
		mentions = []string{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attempt_events (user_id, session_id, sess_seq, question_id, subcategory, type_of_question,
			core_concepts, concept_mentions, correct, time_taken_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.UserID, e.SessionID, e.SessSeq, e.QuestionID, e.Pair.Subcategory, e.Pair.TypeOfQuestion,
		pq.Array(concepts), pq.Array(mentions), e.Correct, e.TimeTakenMs)
	if err != nil {
		return contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	return nil
}
