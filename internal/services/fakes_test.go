package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"packplanner/internal/config"
	"packplanner/internal/models"
	"packplanner/internal/observability"
	"packplanner/internal/services/reasoning"
	contextutils "packplanner/internal/utils"

	"github.com/stretchr/testify/require"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(&config.OpenTelemetryConfig{EnableLogging: false})
}

func testPlannerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Planner = config.PlannerConfig{
		PoolLadder:                 []int{80, 160, 320},
		RecencyWindowSessions:      config.DefaultRecencyWindowSessions,
		ColdStartMinPairs:          config.DefaultColdStartMinPairs,
		CoverageTargetPairs:        config.DefaultCoverageTargetPairs,
		ReadinessTargetItems:       config.DefaultReadinessTargetItems,
		MaxPromptCandidatesPerBand: config.DefaultMaxPromptCandidatesPerBand,
		LLMTimeout:                 2 * time.Second,
		OuterDeadline:              10 * time.Second,
		LLMEnabled:                 true,
		LockBackend:                "memory",
	}
	cfg.Reasoning = config.ReasoningConfig{Provider: "mock", MaxTokens: config.DefaultReasoningMaxTokens}
	cfg.Summarizer = config.SummarizerConfig{Timeout: 2 * time.Second}
	return cfg
}

func testPrompts(t *testing.T) *PromptTemplateManager {
	t.Helper()
	tm, err := NewPromptTemplateManager()
	require.NoError(t, err)
	return tm
}

// fakeCatalog serves questions from memory in id order
type fakeCatalog struct {
	mu        sync.Mutex
	questions map[int64]models.Question
	queries   []CandidateQuery
	hydrates  int
}

func newFakeCatalog(questions ...models.Question) *fakeCatalog {
	c := &fakeCatalog{questions: map[int64]models.Question{}}
	for _, q := range questions {
		c.questions[q.ID] = q
	}
	return c
}

func (c *fakeCatalog) QueryActiveCandidates(_ context.Context, q CandidateQuery) ([]models.Question, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)

	excluded := map[int64]bool{}
	for _, id := range q.ExcludedIDs {
		excluded[id] = true
	}
	var out []models.Question
	for _, question := range c.questions {
		if question.IsActive && question.DifficultyBand == q.Band && !excluded[question.ID] {
			out = append(out, question)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (c *fakeCatalog) GetQuestionsByIDs(_ context.Context, ids []int64) ([]models.Question, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hydrates++
	var out []models.Question
	for _, id := range ids {
		if q, ok := c.questions[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (c *fakeCatalog) CountActiveByBand(_ context.Context) (map[models.DifficultyBand]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := map[models.DifficultyBand]int{}
	for _, q := range c.questions {
		if q.IsActive {
			counts[q.DifficultyBand]++
		}
	}
	return counts, nil
}

func (c *fakeCatalog) queryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

func (c *fakeCatalog) setActive(id int64, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.questions[id]
	q.IsActive = active
	c.questions[id] = q
}

// fakePlanStore keeps plans in memory. Like the Postgres store it rejects a
// second plan for the same session or sequence number instead of overwriting,
// and fails an insert whose context has already ended.
type fakePlanStore struct {
	mu    sync.Mutex
	plans []*models.SessionPackPlan
	// insertDelay is how long CreatePlan holds its connection before inserting
	insertDelay time.Duration
	// beforeInsert runs at the start of CreatePlan
	beforeInsert func()
	// conns, when set, is a connection pool that store calls draw from
	conns chan struct{}
}

func newFakePlanStore() *fakePlanStore {
	return &fakePlanStore{}
}

func copyPlan(p *models.SessionPackPlan) *models.SessionPackPlan {
	cp := *p
	cp.Pack = append([]models.PackItem(nil), p.Pack...)
	return &cp
}

// conn takes a connection from the pool, waiting until ctx ends like database/sql does
func (s *fakePlanStore) conn(ctx context.Context) (func(), error) {
	if s.conns == nil {
		return func() {}, nil
	}
	select {
	case s.conns <- struct{}{}:
		return func() { <-s.conns }, nil
	case <-ctx.Done():
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, ctx.Err().Error())
	}
}

func (s *fakePlanStore) GetPlan(ctx context.Context, userID int, sessionID string) (*models.SessionPackPlan, error) {
	done, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.plans {
		if p.UserID == userID && p.SessionID == sessionID {
			return copyPlan(p), nil
		}
	}
	return nil, contextutils.ErrPlanNotFound
}

func (s *fakePlanStore) GetPlanByIdempotencyKey(ctx context.Context, userID int, key string) (*models.SessionPackPlan, error) {
	done, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.plans {
		if p.UserID == userID && p.IdempotencyKey == key {
			return copyPlan(p), nil
		}
	}
	return nil, contextutils.ErrPlanNotFound
}

func (s *fakePlanStore) maxSeq(userID int) int {
	maxSeq := 0
	for _, p := range s.plans {
		if p.UserID == userID && p.SessSeq > maxSeq {
			maxSeq = p.SessSeq
		}
	}
	return maxSeq
}

func (s *fakePlanStore) CreatePlan(ctx context.Context, plan *models.SessionPackPlan) (*models.SessionPackPlan, error) {
	if s.beforeInsert != nil {
		s.beforeInsert()
	}
	done, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	if s.insertDelay > 0 {
		time.Sleep(s.insertDelay)
	}
	if err := ctx.Err(); err != nil {
		return nil, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if next := s.maxSeq(plan.UserID) + 1; next != plan.SessSeq {
		return nil, contextutils.WrapErrorf(contextutils.ErrPlanningConflict,
			"plan computed for sess_seq %d but the next is %d", plan.SessSeq, next)
	}
	for _, p := range s.plans {
		if p.UserID != plan.UserID {
			continue
		}
		if p.SessionID == plan.SessionID {
			return nil, contextutils.WrapErrorf(contextutils.ErrPlanningConflict, "duplicate plan for user %d", plan.UserID)
		}
		if p.IdempotencyKey == plan.IdempotencyKey {
			return nil, contextutils.ErrIdempotencyKeyReused
		}
	}
	plan.ID = int64(len(s.plans) + 1)
	plan.Status = models.PlanStatusPlanned
	plan.CreatedAt = time.Now()
	s.plans = append(s.plans, copyPlan(plan))
	return plan, nil
}

func (s *fakePlanStore) TransitionStatus(_ context.Context, userID int, sessionID string, from, to models.PlanStatus) (*models.SessionPackPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.plans {
		if p.UserID != userID || p.SessionID != sessionID {
			continue
		}
		if p.Status != from {
			return nil, contextutils.WrapErrorf(contextutils.ErrStateTransitionConflict, "plan is %s", p.Status)
		}
		now := time.Now()
		p.Status = to
		if to == models.PlanStatusServed {
			p.ServedAt = &now
		} else {
			p.CompletedAt = &now
		}
		return copyPlan(p), nil
	}
	return nil, contextutils.ErrPlanNotFound
}

func (s *fakePlanStore) GetPlanHistory(ctx context.Context, userID, beforeSeq, window int) (*PlanHistory, error) {
	done, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	s.mu.Lock()
	defer s.mu.Unlock()
	history := &PlanHistory{PairLastServed: map[string]int{}}
	seen := map[int64]bool{}
	for _, p := range s.plans {
		if p.UserID != userID || p.SessSeq >= beforeSeq {
			continue
		}
		history.PriorPlans++
		for _, item := range p.Pack {
			if p.SessSeq >= beforeSeq-window && !seen[item.QuestionID] {
				seen[item.QuestionID] = true
				history.RecentQuestionIDs = append(history.RecentQuestionIDs, item.QuestionID)
			}
			if key := item.Why.Pair.Key(); p.SessSeq > history.PairLastServed[key] {
				history.PairLastServed[key] = p.SessSeq
			}
		}
	}
	sort.Slice(history.RecentQuestionIDs, func(i, j int) bool { return history.RecentQuestionIDs[i] < history.RecentQuestionIDs[j] })
	return history, nil
}

func (s *fakePlanStore) NextSessSeq(ctx context.Context, userID int) (int, error) {
	done, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer done()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeq(userID) + 1, nil
}

func (s *fakePlanStore) seqs(userID int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, p := range s.plans {
		if p.UserID == userID {
			out = append(out, p.SessSeq)
		}
	}
	sort.Ints(out)
	return out
}

// fakeSummaryStore keeps summaries and alias maps in memory
type fakeSummaryStore struct {
	mu        sync.Mutex
	summaries map[string]*models.SessionSummary
	aliases   map[int]*models.ConceptAliasMap
}

func newFakeSummaryStore() *fakeSummaryStore {
	return &fakeSummaryStore{summaries: map[string]*models.SessionSummary{}, aliases: map[int]*models.ConceptAliasMap{}}
}

func summaryKey(userID int, sessionID string) string {
	return fmt.Sprintf("%d/%s", userID, sessionID)
}

func (s *fakeSummaryStore) LatestSummaries(_ context.Context, userID, beforeSeq, limit int) ([]models.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SessionSummary
	for _, sum := range s.summaries {
		if sum.UserID == userID && sum.SessSeq < beforeSeq {
			out = append(out, *sum)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessSeq > out[j].SessSeq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeSummaryStore) GetSummary(_ context.Context, userID int, sessionID string) (*models.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[summaryKey(userID, sessionID)]
	if !ok {
		return nil, contextutils.ErrRecordNotFound
	}
	cp := *sum
	return &cp, nil
}

func (s *fakeSummaryStore) GetAliasMap(_ context.Context, userID int) (*models.ConceptAliasMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.aliases[userID]
	if !ok {
		return models.NewConceptAliasMap(userID), nil
	}
	cp := models.NewConceptAliasMap(userID)
	cp.Merge(stored)
	return cp, nil
}

func (s *fakeSummaryStore) SaveSummary(_ context.Context, summary *models.SessionSummary, aliases *models.ConceptAliasMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.aliases[summary.UserID]
	if !ok {
		stored = models.NewConceptAliasMap(summary.UserID)
		s.aliases[summary.UserID] = stored
	}
	applyAliasRenames(summary, stored.Merge(aliases))
	cp := *summary
	s.summaries[summaryKey(summary.UserID, summary.SessionID)] = &cp
	return nil
}

func (s *fakeSummaryStore) ListPendingSummaries(_ context.Context, _ int, _ []int) ([]models.PlanRef, error) {
	return nil, nil
}

// fakeHistory returns canned attempts per (user, sess_seq)
type fakeHistory struct {
	attempts map[string][]models.AttemptEvent
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{attempts: map[string][]models.AttemptEvent{}}
}

func (h *fakeHistory) add(events ...models.AttemptEvent) {
	for _, e := range events {
		key := fmt.Sprintf("%d/%d", e.UserID, e.SessSeq)
		h.attempts[key] = append(h.attempts[key], e)
	}
}

func (h *fakeHistory) GetSessionAttempts(_ context.Context, userID, sessSeq int) ([]models.AttemptEvent, error) {
	return h.attempts[fmt.Sprintf("%d/%d", userID, sessSeq)], nil
}

// catalogSpec describes a generated band slice: n questions, of which the
// listed positions get a high PYQ score.
type catalogSpec struct {
	band     models.DifficultyBand
	n        int
	pyqAt    map[int]float64
	startID  int64
	pairsMod int
}

// generateQuestions builds active questions cycling over pairsMod pairs. Every
// question not listed in pyqAt scores 0.5.
func generateQuestions(spec catalogSpec) []models.Question {
	mod := spec.pairsMod
	if mod <= 0 {
		mod = 6
	}
	out := make([]models.Question, 0, spec.n)
	for i := 0; i < spec.n; i++ {
		pyq := 0.5
		if v, ok := spec.pyqAt[i]; ok {
			pyq = v
		}
		sub := fmt.Sprintf("Sub%d", i%mod)
		out = append(out, models.Question{
			ID:                spec.startID + int64(i),
			Stem:              fmt.Sprintf("%s question %d", spec.band, i),
			Options:           []string{"a", "b", "c", "d"},
			Answer:            "a",
			DifficultyBand:    spec.band,
			Subcategory:       sub,
			TypeOfQuestion:    "Type" + sub[len(sub)-1:],
			CoreConcepts:      []string{"concept " + sub, "shared"},
			PYQFrequencyScore: pyq,
			IsActive:          true,
		})
	}
	return out
}

// standardCatalog has n questions per band with two PYQ >= 1.5 items at the
// front of every band.
func standardCatalog(n int) *fakeCatalog {
	var all []models.Question
	for i, band := range models.Bands {
		all = append(all, generateQuestions(catalogSpec{
			band:    band,
			n:       n,
			pyqAt:   map[int]float64{0: 1.8, 1: 1.6, 2: 1.2},
			startID: int64((i + 1) * 1000),
		})...)
	}
	return newFakeCatalog(all...)
}

// poolFromQuestions builds a candidate pool directly, bypassing the selector
func poolFromQuestions(questions []models.Question, coldStart bool) *models.CandidatePool {
	byBand := map[models.DifficultyBand][]models.Candidate{}
	for i := range questions {
		c := models.CandidateFromQuestion(&questions[i])
		c.CoverageDebt = 1
		byBand[c.Band] = append(byBand[c.Band], c)
	}
	return models.NewCandidatePool(1, 1, byBand, 80, 0, coldStart)
}

// planReplyFor renders a pack_plan.v1 reply choosing the given items
func planReplyFor(items []models.PlannedItem) string {
	reply := `{"schema_version":"pack_plan.v1","items":[`
	for i, item := range items {
		if i > 0 {
			reply += ","
		}
		reply += fmt.Sprintf(`{"id":%d,"why":{"dominant_concepts":["shared"],"relevance":0.9,"note":"picked"}}`, item.QuestionID)
	}
	return reply + `]}`
}

type plannerHarness struct {
	catalog   *fakeCatalog
	plans     *fakePlanStore
	summaries *fakeSummaryStore
	history   *fakeHistory
	locker    *MemoryUserLocker
	client    *reasoning.MockClient
	cfg       *config.Config
	selector  *CandidateSelector
	planner   *LLMPlanner
	assembler *PackAssembler
	orch      *SessionOrchestrator
}

// newPlannerHarness wires an orchestrator over in-memory stores. A nil client
// plans with the fallback only.
func newPlannerHarness(t *testing.T, catalog *fakeCatalog, client *reasoning.MockClient) *plannerHarness {
	t.Helper()
	h := &plannerHarness{
		catalog:   catalog,
		plans:     newFakePlanStore(),
		summaries: newFakeSummaryStore(),
		history:   newFakeHistory(),
		locker:    NewMemoryUserLocker(),
		client:    client,
		cfg:       testPlannerConfig(),
	}
	logger := testLogger()
	h.selector = NewCandidateSelector(catalog, h.plans, h.summaries, &h.cfg.Planner, logger)
	var rc reasoning.Client
	if client != nil {
		rc = client
	}
	h.planner = NewLLMPlanner(rc, testPrompts(t), h.cfg, logger)
	h.assembler = NewPackAssembler(catalog, PackRulesFromConfig(&h.cfg.Planner), logger)
	h.orch = NewSessionOrchestrator(h.plans, h.locker, h.selector, h.planner, h.assembler,
		observability.NewPlannerMetrics(nil), &h.cfg.Planner, logger)
	return h
}
