package services

import (
	"testing"

	"packplanner/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validatorPool(coldStart bool) *models.CandidatePool {
	var all []models.Question
	for i, band := range models.Bands {
		all = append(all, generateQuestions(catalogSpec{
			band:    band,
			n:       10,
			pyqAt:   map[int]float64{0: 1.8, 1: 1.6, 2: 1.2},
			startID: int64((i + 1) * 1000),
		})...)
	}
	return poolFromQuestions(all, coldStart)
}

func pick(ids ...int64) []models.PlannedItem {
	items := make([]models.PlannedItem, len(ids))
	for i, id := range ids {
		items[i] = models.PlannedItem{QuestionID: id, Why: models.Why{Source: models.SourceFallback}}
	}
	return items
}

func validPackIDs() []int64 {
	return []int64{1000, 1001, 1002, 2000, 2001, 2002, 2003, 2004, 2005, 3000, 3001, 3002}
}

func markCandidates(pool *models.CandidatePool, mutate func(c *models.Candidate)) {
	for _, band := range models.Bands {
		for i := range pool.ByBand[band] {
			mutate(&pool.ByBand[band][i])
		}
	}
	pool.Reindex()
}

func outcomeStatus(t *testing.T, report *models.ConstraintReport, name string) models.ConstraintStatus {
	t.Helper()
	o, ok := report.Outcome(name)
	require.True(t, ok, "missing outcome %s", name)
	return o.Status
}

func TestValidatePack_ValidPack(t *testing.T) {
	pool := validatorPool(false)
	report := ValidatePack(pick(validPackIDs()...), pool, map[string]bool{}, nil)

	assert.True(t, report.Valid())
	for _, o := range report.Outcomes {
		assert.Equal(t, models.StatusMet, o.Status, o.Name)
	}
	assert.Empty(t, report.Relaxations)
	require.Len(t, report.Outcomes, 8)
	assert.Equal(t, models.ConstraintPackSize, report.Outcomes[0].Name)
}

func TestValidatePack_HardViolations(t *testing.T) {
	pool := validatorPool(false)

	tests := []struct {
		name     string
		ids      []int64
		violated []string
	}{
		{
			name:     "short pack",
			ids:      validPackIDs()[:11],
			violated: []string{models.ConstraintPackSize, models.ConstraintBandSplit},
		},
		{
			name:     "wrong band split",
			ids:      []int64{1000, 1001, 1002, 1003, 2000, 2001, 2002, 2003, 2004, 3000, 3001, 3002},
			violated: []string{models.ConstraintBandSplit},
		},
		{
			name:     "no exam relevance",
			ids:      []int64{1003, 1004, 1005, 2003, 2004, 2005, 2006, 2007, 2008, 3003, 3004, 3005},
			violated: []string{models.ConstraintPYQMin10, models.ConstraintPYQMin15},
		},
		{
			name:     "only one high pyq item",
			ids:      []int64{1001, 1003, 1004, 2002, 2003, 2004, 2005, 2006, 2007, 3003, 3004, 3005},
			violated: []string{models.ConstraintPYQMin15},
		},
		{
			name:     "duplicate id",
			ids:      []int64{1000, 1001, 1001, 2000, 2001, 2002, 2003, 2004, 2005, 3000, 3001, 3002},
			violated: []string{models.ConstraintBandSplit, models.ConstraintUniqueIDs},
		},
		{
			name:     "id outside the pool",
			ids:      []int64{1000, 1001, 9999, 2000, 2001, 2002, 2003, 2004, 2005, 3000, 3001, 3002},
			violated: []string{models.ConstraintBandSplit, models.ConstraintInPool},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := ValidatePack(pick(tt.ids...), pool, nil, nil)
			assert.False(t, report.Valid())

			var got []string
			for _, v := range report.HardViolations() {
				assert.Equal(t, models.StatusViolated, v.Status, "hard constraints are never relaxed")
				got = append(got, v.Name)
			}
			assert.ElementsMatch(t, tt.violated, got)
		})
	}
}

func TestValidatePack_CoverageRelaxedAlone(t *testing.T) {
	pool := validatorPool(false)
	// Sub5 becomes the highest-debt pair; the standard pack leaves it out of Easy and Hard
	markCandidates(pool, func(c *models.Candidate) {
		if c.Pair.Subcategory == "Sub5" {
			c.CoverageDebt = 5
		}
	})
	ids := []int64{1000, 1001, 1002, 2000, 2001, 2002, 2003, 2004, 2006, 3000, 3001, 3002}

	report := ValidatePack(pick(ids...), pool, nil, nil)
	require.True(t, report.Valid())
	assert.Equal(t, models.StatusRelaxed, outcomeStatus(t, report, models.ConstraintCoverage))
	assert.Equal(t, models.StatusMet, outcomeStatus(t, report, models.ConstraintReadiness))
	require.Len(t, report.Relaxations, 1)
	assert.Equal(t, models.ConstraintCoverage, report.Relaxations[0].Constraint)
	assert.Contains(t, report.Relaxations[0].Reason, "coverage target not reachable")
}

func TestValidatePack_ReadinessRelaxedOnlyAfterCoverage(t *testing.T) {
	pool := validatorPool(false)
	markCandidates(pool, func(c *models.Candidate) {
		if c.QuestionID == 3008 || c.QuestionID == 3009 {
			c.Pair = models.Pair{Subcategory: "Weak", TypeOfQuestion: "W"}
			c.Readiness = models.ReadinessWeak
		}
	})

	report := ValidatePack(pick(validPackIDs()...), pool, nil, nil)
	require.True(t, report.Valid())
	assert.Equal(t, models.StatusRelaxed, outcomeStatus(t, report, models.ConstraintCoverage))
	assert.Equal(t, models.StatusRelaxed, outcomeStatus(t, report, models.ConstraintReadiness))

	require.Len(t, report.Relaxations, 2)
	assert.Equal(t, models.ConstraintCoverage, report.Relaxations[0].Constraint)
	assert.Equal(t, "relaxed ahead of readiness", report.Relaxations[0].Reason)
	assert.Equal(t, models.ConstraintReadiness, report.Relaxations[1].Constraint)

	// Including the weak items meets both
	ids := []int64{1000, 1001, 1002, 2000, 2001, 2002, 2003, 2004, 2005, 3000, 3008, 3009}
	report = ValidatePack(pick(ids...), pool, nil, nil)
	require.True(t, report.Valid())
	assert.Equal(t, models.StatusMet, outcomeStatus(t, report, models.ConstraintReadiness))
	assert.Empty(t, report.Relaxations)
}

func TestValidatePack_RelaxationOrderNeverReversed(t *testing.T) {
	pool := validatorPool(false)
	markCandidates(pool, func(c *models.Candidate) {
		if c.Pair.Subcategory == "Sub4" {
			c.Readiness = models.ReadinessWeak
		}
		if c.Pair.Subcategory == "Sub5" {
			c.CoverageDebt = 3
		}
	})

	packs := [][]int64{
		validPackIDs(),
		{1000, 1001, 1002, 2000, 2001, 2002, 2003, 2006, 2007, 3000, 3001, 3002},
		{1000, 1001, 1004, 2000, 2001, 2002, 2003, 2004, 2005, 3000, 3001, 3004},
		{1000, 1001, 1005, 2000, 2001, 2002, 2003, 2004, 2005, 3000, 3001, 3005},
	}
	for _, ids := range packs {
		report := ValidatePack(pick(ids...), pool, nil, nil)
		readiness := outcomeStatus(t, report, models.ConstraintReadiness)
		coverage := outcomeStatus(t, report, models.ConstraintCoverage)
		if readiness == models.StatusRelaxed {
			assert.Equal(t, models.StatusRelaxed, coverage, "pack %v relaxed readiness before coverage", ids)
			require.GreaterOrEqual(t, len(report.Relaxations), 2)
			assert.Equal(t, models.ConstraintCoverage, report.Relaxations[0].Constraint)
		}
	}
}

func TestValidatePack_ColdStartBreadth(t *testing.T) {
	pool := validatorPool(true)

	// Six distinct pairs across the pack
	report := ValidatePack(pick(validPackIDs()...), pool, nil, nil)
	assert.Equal(t, models.StatusMet, outcomeStatus(t, report, models.ConstraintCoverage))

	// Only Sub0..Sub2 and Sub0..Sub2 again: three pairs
	ids := []int64{1000, 1001, 1002, 2000, 2001, 2002, 2006, 2007, 2008, 3000, 3001, 3002}
	report = ValidatePack(pick(ids...), pool, nil, nil)
	assert.Equal(t, models.StatusRelaxed, outcomeStatus(t, report, models.ConstraintCoverage))
	assert.Contains(t, report.Relaxations[0].Reason, "3 distinct pairs, 5 required")
}

func TestValidatePack_UngroundedConcepts(t *testing.T) {
	pool := validatorPool(false)
	items := pick(validPackIDs()...)
	items[0].Why.DominantConcepts = []string{"Shared", "Mystery"}
	items[1].Why.DominantConcepts = []string{"Known Idea"}

	known := models.NewConceptAliasMap(1)
	known.Resolve("known idea", 1)

	report := ValidatePack(items, pool, nil, known)
	assert.Equal(t, []string{"mystery"}, report.Meta.UngroundedConcepts)
}
