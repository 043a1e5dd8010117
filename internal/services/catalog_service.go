package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"packplanner/internal/models"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

// CandidateQuery describes one per-band slice of the candidate pool
type CandidateQuery struct {
	Band        models.DifficultyBand
	ExcludedIDs []int64
	Limit       int
	// Breadth interleaves pairs so the first rows span as many pairs as possible
	Breadth bool
	// Seed makes the sample order stable for a given user and session
	Seed string
}

// QuestionCatalog is the read-only view of the question catalog the planner needs
type QuestionCatalog interface {
	QueryActiveCandidates(ctx context.Context, q CandidateQuery) ([]models.Question, error)
	GetQuestionsByIDs(ctx context.Context, ids []int64) ([]models.Question, error)
	CountActiveByBand(ctx context.Context) (map[models.DifficultyBand]int, error)
}

// CatalogService reads questions from Postgres
type CatalogService struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewCatalogService creates a catalog reader
func NewCatalogService(db *sql.DB, logger *observability.Logger) *CatalogService {
	return &CatalogService{db: db, logger: logger}
}

const questionSelectFields = `id, stem, options, answer, difficulty_band, subcategory, type_of_question, core_concepts, pyq_frequency_score, is_active`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuestion(row rowScanner) (models.Question, error) {
	var q models.Question
	var optionsJSON []byte
	var band string
	var concepts pq.StringArray
	if err := row.Scan(&q.ID, &q.Stem, &optionsJSON, &q.Answer, &band, &q.Subcategory,
		&q.TypeOfQuestion, &concepts, &q.PYQFrequencyScore, &q.IsActive); err != nil {
		return q, err
	}
	q.DifficultyBand = models.DifficultyBand(band)
	q.CoreConcepts = []string(concepts)
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &q.Options); err != nil {
			return q, contextutils.WrapErrorf(err, "failed to decode options of question %d", q.ID)
		}
	}
	return q, nil
}

// QueryActiveCandidates returns up to q.Limit active questions of one band in a
// seeded, reproducible order, skipping excluded ids.
func (s *CatalogService) QueryActiveCandidates(ctx context.Context, q CandidateQuery) (result0 []models.Question, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "query_active_candidates",
		attribute.String("question.band", string(q.Band)),
		attribute.Int("query.limit", q.Limit),
		attribute.Bool("query.breadth", q.Breadth),
		attribute.Int("query.excluded", len(q.ExcludedIDs)),
	)
	defer observability.FinishSpan(span, &err)

	if !q.Band.Valid() {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown band %q", q.Band)
	}
	if q.Limit <= 0 {
		return nil, nil
	}
	excluded := q.ExcludedIDs
	if excluded == nil {
		excluded = []int64{}
	}

	var query string
	if q.Breadth {
		query = fmt.Sprintf(`
			SELECT %s FROM (
				SELECT %s,
					ROW_NUMBER() OVER (PARTITION BY subcategory, type_of_question ORDER BY md5(id::text || $3), id) AS pair_rank
				FROM questions
				WHERE is_active = TRUE AND difficulty_band = $1 AND NOT (id = ANY($2::bigint[]))
			) ranked
			ORDER BY pair_rank, md5(id::text || $3), id
			LIMIT $4`, questionSelectFields, questionSelectFields)
	} else {
		query = fmt.Sprintf(`
			SELECT %s FROM questions
			WHERE is_active = TRUE AND difficulty_band = $1 AND NOT (id = ANY($2::bigint[]))
			ORDER BY md5(id::text || $3), id
			LIMIT $4`, questionSelectFields)
	}

	rows, err := s.db.QueryContext(ctx, query, string(q.Band), pq.Array(excluded), q.Seed, q.Limit)
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn(ctx, "Failed to close rows", map[string]interface{}{"error": closeErr.Error()})
		}
	}()

	var out []models.Question
	for rows.Next() {
		question, scanErr := scanQuestion(rows)
		if scanErr != nil {
			return nil, contextutils.WrapError(scanErr, "failed to scan candidate question")
		}
		out = append(out, question)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	return out, nil
}

// GetQuestionsByIDs loads the given questions in one round trip. Inactive
// questions are returned too so callers can tell "missing" from "retired".
func (s *CatalogService) GetQuestionsByIDs(ctx context.Context, ids []int64) (result0 []models.Question, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_questions_by_ids", attribute.Int("question.count", len(ids)))
	defer observability.FinishSpan(span, &err)

	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM questions WHERE id = ANY($1::bigint[])`, questionSelectFields)
	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn(ctx, "Failed to close rows", map[string]interface{}{"error": closeErr.Error()})
		}
	}()

	out := make([]models.Question, 0, len(ids))
	for rows.Next() {
		question, scanErr := scanQuestion(rows)
		if scanErr != nil {
			return nil, contextutils.WrapError(scanErr, "failed to scan question")
		}
		out = append(out, question)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	return out, nil
}

// CountActiveByBand reports how many active questions each band holds
func (s *CatalogService) CountActiveByBand(ctx context.Context) (result0 map[models.DifficultyBand]int, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "count_active_by_band")
	defer observability.FinishSpan(span, &err)

	rows, err := s.db.QueryContext(ctx, `SELECT difficulty_band, COUNT(*) FROM questions WHERE is_active = TRUE GROUP BY difficulty_band`)
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.DifficultyBand]int, len(models.Bands))
	for _, b := range models.Bands {
		counts[b] = 0
	}
	for rows.Next() {
		var band string
		var n int
		if err := rows.Scan(&band, &n); err != nil {
			return nil, contextutils.WrapError(err, "failed to scan band count")
		}
		counts[models.DifficultyBand(band)] = n
	}
	return counts, rows.Err()
}
