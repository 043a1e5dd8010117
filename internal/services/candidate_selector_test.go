package services

import (
	"context"
	"errors"
	"testing"

	"packplanner/internal/models"
	contextutils "packplanner/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bandCatalog builds a catalog where each band has n questions and the
// given positions carry high PYQ scores.
func bandCatalog(n int, high map[models.DifficultyBand]map[int]float64) *fakeCatalog {
	var all []models.Question
	for i, band := range models.Bands {
		all = append(all, generateQuestions(catalogSpec{
			band:    band,
			n:       n,
			pyqAt:   high[band],
			startID: int64((i + 1) * 1000),
		})...)
	}
	return newFakeCatalog(all...)
}

func TestSelectPool_ExpandsWhenHardBandLacksHighPYQ(t *testing.T) {
	high := map[int]float64{0: 1.8, 1: 1.6}
	catalog := bandCatalog(200, map[models.DifficultyBand]map[int]float64{
		models.BandEasy:   high,
		models.BandMedium: high,
		// Only one Hard item >= 1.5 within the first 80
		models.BandHard: {0: 1.8, 100: 1.7},
	})
	h := newPlannerHarness(t, catalog, nil)

	sel, err := h.selector.SelectPool(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 160, sel.Pool.PoolSize)
	assert.Equal(t, 1, sel.Pool.ExpansionRounds)
	assert.True(t, sel.Pool.ColdStart)
	assert.Len(t, sel.Pool.ByBand[models.BandHard], 160)

	_, ok := sel.Pool.Get(3100)
	assert.True(t, ok, "the second high-PYQ Hard item is in the expanded pool")

	require.Len(t, catalog.queries, 6)
	assert.Equal(t, 80, catalog.queries[0].Limit)
	assert.Equal(t, 160, catalog.queries[3].Limit)
	for _, q := range catalog.queries {
		assert.True(t, q.Breadth, "cold start uses the breadth query")
		assert.Empty(t, q.ExcludedIDs)
	}

	// The planner can never drop the constraint: the fallback over this pool is valid
	items, err := FallbackSelect(sel.Pool)
	require.NoError(t, err)
	assert.True(t, ValidatePack(items, sel.Pool, nil, nil).Valid())
}

func TestSelectPool_UnderProvisionedAtLadderTop(t *testing.T) {
	high := map[int]float64{0: 1.8, 1: 1.6}
	catalog := bandCatalog(400, map[models.DifficultyBand]map[int]float64{
		models.BandEasy:   high,
		models.BandMedium: high,
		models.BandHard:   {0: 1.8},
	})
	h := newPlannerHarness(t, catalog, nil)

	_, err := h.selector.SelectPool(context.Background(), 1, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contextutils.ErrCatalogUnderProvisioned))

	var under *CatalogUnderProvisionedError
	require.True(t, errors.As(err, &under))
	assert.Equal(t, 320, under.PoolSize)
	assert.NotEmpty(t, under.Reasons)
	assert.Len(t, catalog.queries, 9)
}

func TestSelectPool_StopsExpandingWhenCatalogExhausted(t *testing.T) {
	catalog := bandCatalog(20, map[models.DifficultyBand]map[int]float64{
		models.BandEasy: {0: 1.8, 1: 1.6},
	})
	h := newPlannerHarness(t, catalog, nil)

	_, err := h.selector.SelectPool(context.Background(), 1, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contextutils.ErrCatalogUnderProvisioned))
	assert.Len(t, catalog.queries, 3, "a larger limit cannot help once every band ran dry")
}

func TestSelectPool_ColdStartNeedsDistinctPairs(t *testing.T) {
	var all []models.Question
	for i, band := range models.Bands {
		all = append(all, generateQuestions(catalogSpec{
			band:     band,
			n:        30,
			pyqAt:    map[int]float64{0: 1.8, 1: 1.6},
			startID:  int64((i + 1) * 1000),
			pairsMod: 2,
		})...)
	}
	h := newPlannerHarness(t, newFakeCatalog(all...), nil)

	_, err := h.selector.SelectPool(context.Background(), 1, 1)
	require.Error(t, err)
	var under *CatalogUnderProvisionedError
	require.True(t, errors.As(err, &under))
	assert.Contains(t, under.Reasons, "cold start: 2 distinct pairs, need 5")
}

func TestSelectPool_HistoryExclusionAndAnnotations(t *testing.T) {
	high := map[int]float64{0: 1.8, 1: 1.6, 2: 1.7, 3: 1.9}
	catalog := bandCatalog(100, map[models.DifficultyBand]map[int]float64{
		models.BandEasy:   high,
		models.BandMedium: high,
		models.BandHard:   high,
	})
	h := newPlannerHarness(t, catalog, nil)

	sub0 := models.Pair{Subcategory: "Sub0", TypeOfQuestion: "Type0"}
	sub1 := models.Pair{Subcategory: "Sub1", TypeOfQuestion: "Type1"}
	sub2 := models.Pair{Subcategory: "Sub2", TypeOfQuestion: "Type2"}
	h.plans.plans = append(h.plans.plans, &models.SessionPackPlan{
		ID: 1, UserID: 1, SessionID: "s1", SessSeq: 1, Status: models.PlanStatusCompleted,
		Pack: []models.PackItem{
			{QuestionID: 1000, DifficultyBand: models.BandEasy, Why: models.Why{Pair: sub0}},
			{QuestionID: 1001, DifficultyBand: models.BandEasy, Why: models.Why{Pair: sub1}},
		},
	})
	h.summaries.summaries[summaryKey(1, "s1")] = &models.SessionSummary{
		UserID: 1, SessionID: "s1", SessSeq: 1,
		Readiness: []models.PairReadiness{{Pair: sub1, AliasID: "c0001", Label: models.ReadinessWeak}},
		Coverage:  []models.PairCoverage{{Pair: sub2, Label: models.CoverageThin}},
	}

	sel, err := h.selector.SelectPool(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.False(t, sel.Pool.ColdStart)
	assert.Equal(t, 80, sel.Pool.PoolSize)

	for _, q := range catalog.queries {
		assert.False(t, q.Breadth)
		assert.Equal(t, []int64{1000, 1001}, q.ExcludedIDs)
	}
	_, ok := sel.Pool.Get(1000)
	assert.False(t, ok, "recently served questions are excluded")

	debt := func(id int64) int {
		c, ok := sel.Pool.Get(id)
		require.True(t, ok)
		return c.CoverageDebt
	}
	assert.Equal(t, 1, debt(1006), "Sub0 served last session")
	assert.Equal(t, 3, debt(1002), "Sub2 never served and thin")
	assert.Equal(t, 2, debt(1003), "Sub3 never served")

	c, _ := sel.Pool.Get(1007)
	assert.Equal(t, models.ReadinessWeak, c.Readiness)
	c, _ = sel.Pool.Get(1003)
	assert.Equal(t, models.ReadinessColdStart, c.Readiness)

	assert.True(t, sel.KnownPairs[sub0.Key()])
	assert.True(t, sel.KnownPairs[sub1.Key()])
	assert.False(t, sel.KnownPairs[sub2.Key()])
}
