//go:build integration

package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"packplanner/internal/models"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dbHarness struct {
	db        *sql.DB
	catalog   *CatalogService
	plans     *PlanStoreService
	summaries *SummaryStoreService
	history   *HistoryService
	locker    *PostgresUserLocker
	orch      *SessionOrchestrator
}

func newDBHarness(t *testing.T) *dbHarness {
	db := SharedTestDBSetup(t)
	logger := testLogger()
	cfg := testPlannerConfig()
	h := &dbHarness{
		db:        db,
		catalog:   NewCatalogService(db, logger),
		plans:     NewPlanStoreService(db, logger),
		summaries: NewSummaryStoreService(db, logger),
		history:   NewHistoryService(db, logger),
		locker:    NewPostgresUserLocker(db, logger),
	}
	selector := NewCandidateSelector(h.catalog, h.plans, h.summaries, &cfg.Planner, logger)
	planner := NewLLMPlanner(nil, testPrompts(t), cfg, logger)
	assembler := NewPackAssembler(h.catalog, PackRulesFromConfig(&cfg.Planner), logger)
	h.orch = NewSessionOrchestrator(h.plans, h.locker, selector, planner, assembler,
		observability.NewPlannerMetrics(nil), &cfg.Planner, logger)
	return h
}

func TestCatalogService_Integration(t *testing.T) {
	h := newDBHarness(t)
	ctx := context.Background()
	questions := seedStandardCatalog(t, h.db, 20)

	counts, err := h.catalog.CountActiveByBand(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, counts[models.BandEasy])

	first := questions[0]
	got, err := h.catalog.QueryActiveCandidates(ctx, CandidateQuery{
		Band:        models.BandEasy,
		ExcludedIDs: []int64{first.ID},
		Limit:       5,
		Seed:        "1:1",
	})
	require.NoError(t, err)
	assert.Len(t, got, 5)
	for _, q := range got {
		assert.Equal(t, models.BandEasy, q.DifficultyBand)
		assert.NotEqual(t, first.ID, q.ID)
	}

	breadth, err := h.catalog.QueryActiveCandidates(ctx, CandidateQuery{Band: models.BandHard, Limit: 6, Breadth: true, Seed: "1:1"})
	require.NoError(t, err)
	pairs := map[models.Pair]bool{}
	for _, q := range breadth {
		pairs[q.Pair()] = true
	}
	assert.Len(t, pairs, 6, "breadth queries spread across pairs")

	hydrated, err := h.catalog.GetQuestionsByIDs(ctx, []int64{questions[1].ID, questions[0].ID})
	require.NoError(t, err)
	require.Len(t, hydrated, 2)
	assert.ElementsMatch(t, []int64{questions[0].ID, questions[1].ID}, []int64{hydrated[0].ID, hydrated[1].ID})
	for _, q := range hydrated {
		assert.Contains(t, q.CoreConcepts, "shared")
	}
}

func TestPlanLifecycle_Integration(t *testing.T) {
	h := newDBHarness(t)
	ctx := context.Background()
	seedStandardCatalog(t, h.db, 40)

	key := uuid.NewString()
	res, err := h.orch.PlanNext(ctx, PlanNextRequest{UserID: 1, NextSessionID: "s1", IdempotencyKey: key})
	require.NoError(t, err)
	plan := res.Plan
	assert.Equal(t, 1, plan.SessSeq)
	require.Len(t, plan.Pack, models.PackSize)

	again, err := h.orch.PlanNext(ctx, PlanNextRequest{UserID: 1, NextSessionID: "s1", IdempotencyKey: key})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, plan.ID, again.Plan.ID)
	assert.Equal(t, plan.QuestionIDs(), again.Plan.QuestionIDs())
	assert.Equal(t, plan.ConstraintReport.Meta.Model, again.Plan.ConstraintReport.Meta.Model)

	_, err = h.orch.PlanNext(ctx, PlanNextRequest{UserID: 1, NextSessionID: "s1", LastSessionID: "s0", IdempotencyKey: key})
	assert.True(t, errors.Is(err, contextutils.ErrIdempotencyKeyReused))

	_, err = h.orch.MarkServed(ctx, 1, "s1")
	require.NoError(t, err)
	_, err = h.orch.MarkServed(ctx, 1, "s1")
	assert.True(t, errors.Is(err, contextutils.ErrStateTransitionConflict))
	completed, err := h.orch.MarkCompleted(ctx, 1, "s1")
	require.NoError(t, err)
	assert.NotNil(t, completed.CompletedAt)

	pending, err := h.summaries.ListPendingSummaries(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s1", pending[0].SessionID)
	pending, err = h.summaries.ListPendingSummaries(ctx, 10, []int{1})
	require.NoError(t, err)
	assert.Empty(t, pending)

	history, err := h.plans.GetPlanHistory(ctx, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, history.PriorPlans)
	assert.ElementsMatch(t, plan.QuestionIDs(), history.RecentQuestionIDs)
	next, err := h.plans.NextSessSeq(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, next)
}

func TestPlanStore_DuplicateKeyAcrossSessions_Integration(t *testing.T) {
	h := newDBHarness(t)
	ctx := context.Background()
	seedStandardCatalog(t, h.db, 40)

	key := uuid.NewString()
	res, err := h.orch.PlanNext(ctx, PlanNextRequest{UserID: 1, NextSessionID: "s1", IdempotencyKey: key})
	require.NoError(t, err)

	// Bypass the orchestrator lookup to hit the unique constraint directly
	_, err = h.plans.CreatePlan(ctx, &models.SessionPackPlan{
		UserID:             1,
		SessionID:          "s2",
		SessSeq:            2,
		IdempotencyKey:     key,
		RequestFingerprint: "x",
		Pack:               res.Plan.Pack,
		ConstraintReport:   res.Plan.ConstraintReport,
	})
	assert.True(t, errors.Is(err, contextutils.ErrIdempotencyKeyReused))

	_, err = h.plans.CreatePlan(ctx, &models.SessionPackPlan{
		UserID:             1,
		SessionID:          "s1",
		SessSeq:            2,
		IdempotencyKey:     uuid.NewString(),
		RequestFingerprint: "x",
		Pack:               res.Plan.Pack,
		ConstraintReport:   res.Plan.ConstraintReport,
	})
	assert.True(t, errors.Is(err, contextutils.ErrPlanningConflict))

	// A plan computed for a sequence number that is no longer next is stale
	_, err = h.plans.CreatePlan(ctx, &models.SessionPackPlan{
		UserID:             1,
		SessionID:          "s3",
		SessSeq:            1,
		IdempotencyKey:     uuid.NewString(),
		RequestFingerprint: "x",
		Pack:               res.Plan.Pack,
		ConstraintReport:   res.Plan.ConstraintReport,
	})
	assert.True(t, errors.Is(err, contextutils.ErrPlanningConflict))
}

func TestSummaryStore_PendingTakesUsersInTurn_Integration(t *testing.T) {
	h := newDBHarness(t)
	ctx := context.Background()

	completed := func(userID, sessSeq int) {
		_, err := h.db.ExecContext(ctx, `
			INSERT INTO session_pack_plans (user_id, session_id, sess_seq, idempotency_key, request_fingerprint,
				pack, constraint_report, status)
			VALUES ($1, $2, $3, $4::uuid, 'x', '[1,2,3,4,5,6,7,8,9,10,11,12]'::jsonb, '{}'::jsonb, 'completed')`,
			userID, fmt.Sprintf("u%d-s%d", userID, sessSeq), sessSeq, uuid.NewString())
		require.NoError(t, err)
	}
	for seq := 1; seq <= 3; seq++ {
		completed(1, seq)
	}
	completed(2, 1)
	completed(3, 1)

	pending, err := h.summaries.ListPendingSummaries(ctx, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []models.PlanRef{
		{UserID: 1, SessionID: "u1-s1", SessSeq: 1},
		{UserID: 2, SessionID: "u2-s1", SessSeq: 1},
		{UserID: 3, SessionID: "u3-s1", SessSeq: 1},
	}, pending, "a long backlog does not crowd out other users")

	pending, err = h.summaries.ListPendingSummaries(ctx, 10, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []models.PlanRef{
		{UserID: 2, SessionID: "u2-s1", SessSeq: 1},
		{UserID: 3, SessionID: "u3-s1", SessSeq: 1},
	}, pending)
}

func TestSummaryStore_Integration(t *testing.T) {
	h := newDBHarness(t)
	ctx := context.Background()

	aliases := models.NewConceptAliasMap(1)
	id, _ := aliases.Resolve("Time and Work", 1)
	summary := &models.SessionSummary{
		UserID: 1, SessionID: "s1", SessSeq: 1, Source: models.SummarySourceDeterministic,
		Readiness: []models.PairReadiness{{Pair: workPair, AliasID: id, Label: models.ReadinessWeak}},
		Coverage:  []models.PairCoverage{{Pair: workPair, Label: models.CoverageThin}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.summaries.SaveSummary(ctx, summary, aliases))

	// A second run mints the same id for a different concept; it must be renamed
	other := models.NewConceptAliasMap(1)
	otherID, _ := other.Resolve("Ratios", 2)
	require.Equal(t, id, otherID)
	second := &models.SessionSummary{
		UserID: 1, SessionID: "s2", SessSeq: 2, Source: models.SummarySourceDeterministic,
		Readiness: []models.PairReadiness{{Pair: ratioPair, AliasID: otherID, Label: models.ReadinessStrong}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.summaries.SaveSummary(ctx, second, other))
	assert.NotEqual(t, id, second.Readiness[0].AliasID)

	stored, err := h.summaries.GetAliasMap(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, stored.Aliases, 2)
	ratios, ok := stored.Lookup("ratios")
	require.True(t, ok)
	assert.Equal(t, second.Readiness[0].AliasID, ratios.ID)

	latest, err := h.summaries.LatestSummaries(ctx, 1, 3, 3)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "s2", latest[0].SessionID)

	got, err := h.summaries.GetSummary(ctx, 1, "s1")
	require.NoError(t, err)
	label, ok := got.PairReadinessLabel(workPair)
	require.True(t, ok)
	assert.Equal(t, models.ReadinessWeak, label)
}

func TestHistoryService_Integration(t *testing.T) {
	h := newDBHarness(t)
	ctx := context.Background()
	questions := seedStandardCatalog(t, h.db, 3)

	e := attempt(questions[0].ID, workPair, true, "Time and Work")
	e.ConceptMentions = []string{"work rate"}
	require.NoError(t, h.history.RecordAttempt(ctx, &e))

	got, err := h.history.GetSessionAttempts(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, workPair, got[0].Pair)
	assert.Equal(t, []string{"work rate"}, got[0].ConceptMentions)

	none, err := h.history.GetSessionAttempts(ctx, 1, 2)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPostgresUserLocker_Integration(t *testing.T) {
	h := newDBHarness(t)
	ctx := context.Background()

	release, ok, err := h.locker.TryAcquireUserLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	locked, err := h.locker.IsLocked(ctx, 42)
	require.NoError(t, err)
	assert.True(t, locked)

	_, ok, err = h.locker.TryAcquireUserLock(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	locked, err = h.locker.IsLocked(ctx, 42)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestRedisUserLocker_Integration(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	l := NewRedisUserLocker(client, 5*time.Second, testLogger())
	userID := int(time.Now().UnixNano() % 1_000_000)

	release, ok, err := l.TryAcquireUserLock(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = l.TryAcquireUserLock(ctx, userID)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	locked, err := l.IsLocked(ctx, userID)
	require.NoError(t, err)
	assert.False(t, locked)
}
