package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"packplanner/internal/models"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"github.com/lib/pq"
)

// SummaryStore persists session summaries and concept alias maps. It is the
// only writer of session_summaries and concept_alias_maps.
type SummaryStore interface {
	// LatestSummaries returns up to limit summaries older than beforeSeq, newest first
	LatestSummaries(ctx context.Context, userID, beforeSeq, limit int) ([]models.SessionSummary, error)
	GetSummary(ctx context.Context, userID int, sessionID string) (*models.SessionSummary, error)
	GetAliasMap(ctx context.Context, userID int) (*models.ConceptAliasMap, error)
	// SaveSummary merges aliases into the stored map and upserts the summary atomically
	SaveSummary(ctx context.Context, summary *models.SessionSummary, aliases *models.ConceptAliasMap) error
	// ListPendingSummaries returns completed sessions that have no summary yet,
	// taking users in turn and leaving out skipUsers
	ListPendingSummaries(ctx context.Context, limit int, skipUsers []int) ([]models.PlanRef, error)
}

// SummaryStoreService is the Postgres SummaryStore
type SummaryStoreService struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewSummaryStoreService creates a Postgres summary store
func NewSummaryStoreService(db *sql.DB, logger *observability.Logger) *SummaryStoreService {
	return &SummaryStoreService{db: db, logger: logger}
}

func decodeSummary(raw []byte) (*models.SessionSummary, error) {
	summary := &models.SessionSummary{}
	if err := json.Unmarshal(raw, summary); err != nil {
		return nil, contextutils.WrapError(err, "failed to decode session summary")
	}
	return summary, nil
}

// LatestSummaries returns the newest summaries before beforeSeq
func (s *SummaryStoreService) LatestSummaries(ctx context.Context, userID, beforeSeq, limit int) (result0 []models.SessionSummary, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "latest_summaries",
		observability.AttributeUserID(userID), observability.AttributeSessSeq(beforeSeq))
	defer observability.FinishSpan(span, &err)

	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT summary FROM session_summaries
		WHERE user_id = $1 AND sess_seq < $2
		ORDER BY sess_seq DESC
		LIMIT $3`, userID, beforeSeq, limit)
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	defer func() { _ = rows.Close() }()

	var out []models.SessionSummary
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, contextutils.WrapError(err, "failed to scan session summary")
		}
		summary, err := decodeSummary(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *summary)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	return out, nil
}

// GetSummary loads the summary of one session, or ErrRecordNotFound
func (s *SummaryStoreService) GetSummary(ctx context.Context, userID int, sessionID string) (result0 *models.SessionSummary, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_summary",
		observability.AttributeUserID(userID), observability.AttributeSessionID(sessionID))
	defer observability.FinishSpan(span, &err)

	var raw []byte
	err = s.db.QueryRowContext(ctx, `SELECT summary FROM session_summaries WHERE user_id = $1 AND session_id = $2`,
		userID, sessionID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contextutils.ErrRecordNotFound
		}
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	return decodeSummary(raw)
}

func scanAliasMap(row rowScanner, userID int) (*models.ConceptAliasMap, error) {
	var raw []byte
	aliasMap := models.NewConceptAliasMap(userID)
	if err := row.Scan(&raw, &aliasMap.NextID); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &aliasMap.Aliases); err != nil {
			return nil, contextutils.WrapError(err, "failed to decode alias map")
		}
	}
	if aliasMap.Aliases == nil {
		aliasMap.Aliases = map[string]*models.Alias{}
	}
	return aliasMap, nil
}

// GetAliasMap loads the user's alias map, returning an empty map for new users
func (s *SummaryStoreService) GetAliasMap(ctx context.Context, userID int) (result0 *models.ConceptAliasMap, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_alias_map", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	aliasMap, err := scanAliasMap(s.db.QueryRowContext(ctx,
		`SELECT aliases, next_id FROM concept_alias_maps WHERE user_id = $1`, userID), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewConceptAliasMap(userID), nil
		}
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	return aliasMap, nil
}

// SaveSummary locks the user's alias map row, merges aliases into it, rewrites
// the summary's alias ids if the merge renamed any, and upserts the summary.
// Re-running for a session replaces that session's summary only.
func (s *SummaryStoreService) SaveSummary(ctx context.Context, summary *models.SessionSummary, aliases *models.ConceptAliasMap) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "save_summary",
		observability.AttributeUserID(summary.UserID), observability.AttributeSessionID(summary.SessionID))
	defer observability.FinishSpan(span, &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contextutils.WrapError(contextutils.ErrDatabaseTransaction, err.Error())
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn(ctx, "Failed to rollback transaction", map[string]interface{}{"error": rbErr.Error()})
			}
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO concept_alias_maps (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, summary.UserID); err != nil {
		return contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	stored, err := scanAliasMap(tx.QueryRowContext(ctx,
		`SELECT aliases, next_id FROM concept_alias_maps WHERE user_id = $1 FOR UPDATE`, summary.UserID), summary.UserID)
	if err != nil {
		return contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}

	renamed := stored.Merge(aliases)
	if len(renamed) > 0 {
		s.logger.Info(ctx, "Alias ids renamed during merge", map[string]interface{}{
			"user_id":    summary.UserID,
			"session_id": summary.SessionID,
			"renamed":    renamed,
		})
		applyAliasRenames(summary, renamed)
	}

	aliasJSON, err := json.Marshal(stored.Aliases)
	if err != nil {
		return contextutils.WrapError(err, "failed to encode alias map")
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE concept_alias_maps SET aliases = $2, next_id = $3, updated_at = NOW() WHERE user_id = $1`,
		summary.UserID, aliasJSON, stored.NextID); err != nil {
		return contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return contextutils.WrapError(err, "failed to encode summary")
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO session_summaries (user_id, session_id, sess_seq, summary, source, model, retry_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, session_id) DO UPDATE SET
			sess_seq = EXCLUDED.sess_seq,
			summary = EXCLUDED.summary,
			source = EXCLUDED.source,
			model = EXCLUDED.model,
			retry_used = EXCLUDED.retry_used,
			updated_at = NOW()`,
		summary.UserID, summary.SessionID, summary.SessSeq, summaryJSON, summary.Source, summary.Model, summary.RetryUsed); err != nil {
		return contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}

	if err = tx.Commit(); err != nil {
		return contextutils.WrapError(contextutils.ErrDatabaseTransaction, err.Error())
	}
	return nil
}

// ListPendingSummaries finds completed sessions still waiting for a summary.
// Each user's oldest session comes before any user's second, so one user with
// a long backlog cannot fill the batch. Users in skipUsers are left out.
func (s *SummaryStoreService) ListPendingSummaries(ctx context.Context, limit int, skipUsers []int) (result0 []models.PlanRef, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_pending_summaries")
	defer observability.FinishSpan(span, &err)

	skipped := make([]int64, 0, len(skipUsers))
	for _, id := range skipUsers {
		skipped = append(skipped, int64(id))
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, session_id, sess_seq FROM (
			SELECT p.user_id, p.session_id, p.sess_seq,
				ROW_NUMBER() OVER (PARTITION BY p.user_id ORDER BY p.sess_seq) AS user_rank
			FROM session_pack_plans p
			LEFT JOIN session_summaries s ON s.user_id = p.user_id AND s.session_id = p.session_id
			WHERE p.status = 'completed' AND s.session_id IS NULL
				AND NOT (p.user_id = ANY($2::bigint[]))
		) pending
		ORDER BY user_rank, user_id
		LIMIT $1`, limit, pq.Array(skipped))
	if err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	defer func() { _ = rows.Close() }()

	var refs []models.PlanRef
	for rows.Next() {
		var ref models.PlanRef
		if err := rows.Scan(&ref.UserID, &ref.SessionID, &ref.SessSeq); err != nil {
			return nil, contextutils.WrapError(err, "failed to scan pending summary")
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	return refs, nil
}

// applyAliasRenames rewrites alias ids in a summary after a merge folded them
// into other ids. Weights of ids that collapse onto one are summed.
func applyAliasRenames(summary *models.SessionSummary, renamed map[string]string) {
	if len(renamed) == 0 {
		return
	}
	rename := func(id string) string {
		if to, ok := renamed[id]; ok {
			return to
		}
		return id
	}
	for i := range summary.Dominance {
		weights := make(map[string]float64, len(summary.Dominance[i].Weights))
		for id, w := range summary.Dominance[i].Weights {
			weights[rename(id)] += w
		}
		summary.Dominance[i].Weights = weights
	}

	seen := make(map[string]int, len(summary.Readiness))
	readiness := summary.Readiness[:0]
	for _, r := range summary.Readiness {
		r.AliasID = rename(r.AliasID)
		key := r.Pair.Key() + "#" + r.AliasID
		if idx, dup := seen[key]; dup {
			// Keep the more pessimistic label when two concepts collapse
			if r.Label == models.ReadinessWeak {
				readiness[idx].Label = models.ReadinessWeak
			}
			continue
		}
		seen[key] = len(readiness)
		readiness = append(readiness, r)
	}
	summary.Readiness = readiness
}
