package services

import (
	"context"
	"fmt"

	"packplanner/internal/config"
	"packplanner/internal/models"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// CandidateSelector builds the per-attempt candidate pool. It only reads.
type CandidateSelector struct {
	catalog   QuestionCatalog
	plans     PlanStore
	summaries SummaryStore
	cfg       *config.PlannerConfig
	logger    *observability.Logger
}

// NewCandidateSelector creates a selector
func NewCandidateSelector(catalog QuestionCatalog, plans PlanStore, summaries SummaryStore, cfg *config.PlannerConfig, logger *observability.Logger) *CandidateSelector {
	return &CandidateSelector{catalog: catalog, plans: plans, summaries: summaries, cfg: cfg, logger: logger}
}

// SelectionContext is the user knowledge gathered while selecting, reused by
// the planner and validator so history is read once per attempt.
type SelectionContext struct {
	Pool          *models.CandidatePool
	KnownPairs    map[string]bool
	KnownConcepts *models.ConceptAliasMap
}

func (s *CandidateSelector) ladder() []int {
	if len(s.cfg.PoolLadder) > 0 {
		return s.cfg.PoolLadder
	}
	return config.DefaultPoolLadder
}

// SelectPool walks the pool-size ladder until every band slice is feasible.
// Exhausting the ladder is a CatalogUnderProvisionedError.
func (s *CandidateSelector) SelectPool(ctx context.Context, userID, sessSeq int) (result0 *SelectionContext, err error) {
	ctx, span := observability.TracePlannerFunction(ctx, "select_pool",
		observability.AttributeUserID(userID), observability.AttributeSessSeq(sessSeq))
	defer observability.FinishSpan(span, &err)

	history, err := s.plans.GetPlanHistory(ctx, userID, sessSeq, s.cfg.RecencyWindowSessions)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to load plan history")
	}
	coldStart := history.PriorPlans == 0

	summaries, err := s.summaries.LatestSummaries(ctx, userID, sessSeq, s.cfg.RecencyWindowSessions)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to load session summaries")
	}
	aliases, err := s.summaries.GetAliasMap(ctx, userID)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to load concept aliases")
	}

	seed := fmt.Sprintf("%d:%d", userID, sessSeq)
	ladder := s.ladder()
	var reasons []string
	for round, size := range ladder {
		byBand := make(map[models.DifficultyBand][]models.Candidate, len(models.Bands))
		exhausted := true
		for _, band := range models.Bands {
			questions, err := s.catalog.QueryActiveCandidates(ctx, CandidateQuery{
				Band:        band,
				ExcludedIDs: history.RecentQuestionIDs,
				Limit:       size,
				Breadth:     coldStart,
				Seed:        seed,
			})
			if err != nil {
				return nil, contextutils.WrapErrorf(err, "failed to query %s candidates", band)
			}
			if len(questions) >= size {
				exhausted = false
			}
			for i := range questions {
				c := models.CandidateFromQuestion(&questions[i])
				annotateCandidate(&c, sessSeq, history, summaries)
				byBand[band] = append(byBand[band], c)
			}
		}

		pool := models.NewCandidatePool(userID, sessSeq, byBand, size, round, coldStart)
		reasons = poolInfeasibility(pool, s.cfg.ColdStartMinPairs)
		if len(reasons) == 0 {
			span.SetAttributes(observability.AttributePoolSize(size), attribute.Int("pool.expansion_rounds", round), attribute.Bool("pool.cold_start", coldStart))
			return &SelectionContext{Pool: pool, KnownPairs: knownPairs(history, summaries), KnownConcepts: aliases}, nil
		}

		s.logger.Info(ctx, "Candidate pool infeasible", map[string]interface{}{
			"user_id":    userID,
			"sess_seq":   sessSeq,
			"pool_size":  size,
			"cold_start": coldStart,
			"reasons":    reasons,
		})
		if exhausted {
			// Every band returned fewer rows than asked for; a larger limit cannot help
			break
		}
	}

	return nil, &CatalogUnderProvisionedError{
		UserID:   userID,
		SessSeq:  sessSeq,
		PoolSize: ladder[len(ladder)-1],
		Reasons:  reasons,
	}
}

// annotateCandidate attaches coverage debt and readiness. Debt is the number of
// sessions since the pair was last served, or sessSeq when it never was; a pair
// the last summary found thin owes one more.
func annotateCandidate(c *models.Candidate, sessSeq int, history *PlanHistory, summaries []models.SessionSummary) {
	key := c.Pair.Key()
	if last, ok := history.PairLastServed[key]; ok {
		c.CoverageDebt = sessSeq - last
	} else {
		c.CoverageDebt = sessSeq
	}
	if len(summaries) > 0 {
		for _, cov := range summaries[0].Coverage {
			if cov.Pair == c.Pair && cov.Label == models.CoverageThin {
				c.CoverageDebt++
				break
			}
		}
	}
	c.Readiness = models.ReadinessColdStart
	for i := range summaries {
		if label, ok := summaries[i].PairReadinessLabel(c.Pair); ok {
			c.Readiness = label
			break
		}
	}
}

// poolInfeasibility lists why a pool cannot yet host a valid pack
func poolInfeasibility(pool *models.CandidatePool, coldStartMinPairs int) []string {
	var reasons []string
	for _, band := range models.Bands {
		cands := pool.ByBand[band]
		low, high := 0, 0
		for _, c := range cands {
			if c.PYQ >= models.PYQThresholdLow {
				low++
			}
			if c.PYQ >= models.PYQThresholdHigh {
				high++
			}
		}
		if len(cands) < models.BandQuota[band] {
			reasons = append(reasons, fmt.Sprintf("%s: %d candidates, quota %d", band, len(cands), models.BandQuota[band]))
		}
		if low < models.PYQMinCount {
			reasons = append(reasons, fmt.Sprintf("%s: %d candidates with pyq >= %.1f", band, low, models.PYQThresholdLow))
		}
		if high < models.PYQMinCount {
			reasons = append(reasons, fmt.Sprintf("%s: %d candidates with pyq >= %.1f", band, high, models.PYQThresholdHigh))
		}
	}
	if pool.ColdStart {
		if n := len(pool.Pairs()); n < coldStartMinPairs {
			reasons = append(reasons, fmt.Sprintf("cold start: %d distinct pairs, need %d", n, coldStartMinPairs))
		}
	}
	return reasons
}

func knownPairs(history *PlanHistory, summaries []models.SessionSummary) map[string]bool {
	known := make(map[string]bool, len(history.PairLastServed))
	for key := range history.PairLastServed {
		known[key] = true
	}
	for _, s := range summaries {
		for _, r := range s.Readiness {
			known[r.Pair.Key()] = true
		}
	}
	return known
}
