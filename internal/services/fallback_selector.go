package services

import (
	"fmt"
	"sort"

	"packplanner/internal/models"
)

// fallbackDebtWeight scales normalized coverage debt against PYQ in the fallback score.
// PYQ scores live roughly in [0, 3], so debt can reorder near-ties but not outrank PYQ.
const fallbackDebtWeight = 0.5

type rankedCandidate struct {
	models.Candidate
	score float64
}

// rankCandidates orders the whole pool by fallback score, then question id
func rankCandidates(pool *models.CandidatePool) []rankedCandidate {
	all := pool.All()
	maxDebt := 0
	for _, c := range all {
		if c.CoverageDebt > maxDebt {
			maxDebt = c.CoverageDebt
		}
	}
	ranked := make([]rankedCandidate, len(all))
	for i, c := range all {
		score := c.PYQ
		if maxDebt > 0 {
			score += fallbackDebtWeight * float64(c.CoverageDebt) / float64(maxDebt)
		}
		ranked[i] = rankedCandidate{Candidate: c, score: score}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].QuestionID < ranked[j].QuestionID
	})
	return ranked
}

type fallbackStage struct {
	name      string
	coverage  bool
	readiness bool
}

var fallbackStages = []fallbackStage{
	{name: "coverage+readiness", coverage: true, readiness: true},
	{name: "readiness", readiness: true},
	{name: "none"},
}

type packDraft struct {
	chosen    map[int64]bool
	picks     []rankedCandidate
	notes     map[int64]string
	bandCount map[models.DifficultyBand]int
}

func newPackDraft() *packDraft {
	return &packDraft{
		chosen:    map[int64]bool{},
		notes:     map[int64]string{},
		bandCount: map[models.DifficultyBand]int{},
	}
}

func (d *packDraft) add(c rankedCandidate, note string) bool {
	if d.chosen[c.QuestionID] || d.bandCount[c.Band] >= models.BandQuota[c.Band] {
		return false
	}
	d.chosen[c.QuestionID] = true
	d.bandCount[c.Band]++
	d.picks = append(d.picks, c)
	d.notes[c.QuestionID] = note
	return true
}

func (d *packDraft) countWhere(pred func(rankedCandidate) bool) int {
	n := 0
	for _, c := range d.picks {
		if pred(c) {
			n++
		}
	}
	return n
}

func (d *packDraft) hasPair(key string) bool {
	for _, c := range d.picks {
		if c.Pair.Key() == key {
			return true
		}
	}
	return false
}

func (d *packDraft) distinctPairs() int {
	pairs := map[string]bool{}
	for _, c := range d.picks {
		pairs[c.Pair.Key()] = true
	}
	return len(pairs)
}

// items returns the draft in band order, best score first within a band
func (d *packDraft) items() []models.PlannedItem {
	picks := append([]rankedCandidate(nil), d.picks...)
	bandOrder := map[models.DifficultyBand]int{}
	for i, b := range models.Bands {
		bandOrder[b] = i
	}
	sort.SliceStable(picks, func(i, j int) bool {
		if bandOrder[picks[i].Band] != bandOrder[picks[j].Band] {
			return bandOrder[picks[i].Band] < bandOrder[picks[j].Band]
		}
		if picks[i].score != picks[j].score {
			return picks[i].score > picks[j].score
		}
		return picks[i].QuestionID < picks[j].QuestionID
	})
	out := make([]models.PlannedItem, len(picks))
	for i, c := range picks {
		concepts := c.CoreConcepts
		if len(concepts) > 2 {
			concepts = concepts[:2]
		}
		out[i] = models.PlannedItem{
			QuestionID: c.QuestionID,
			Why: models.Why{
				DominantConcepts: append([]string{}, concepts...),
				Pair:             c.Pair,
				Relevance:        c.score,
				Source:           models.SourceFallback,
				Note:             d.notes[c.QuestionID],
			},
		}
	}
	return out
}

// FallbackSelect builds a pack deterministically with the default rules
func FallbackSelect(pool *models.CandidatePool) ([]models.PlannedItem, error) {
	items, _, err := DefaultPackRules().FallbackSelect(pool, nil)
	return items, err
}

// FallbackSelect builds a pack without any external call. It reserves the
// highest-PYQ items until both PYQ minimums hold, then tries the soft
// constraints in relaxation order and fills the rest by score. It fails only
// when the pool cannot satisfy the hard constraints at all.
func (r PackRules) FallbackSelect(pool *models.CandidatePool, knownPairs map[string]bool) ([]models.PlannedItem, *models.ConstraintReport, error) {
	ranked := rankCandidates(pool)
	t := r.targets(pool)

	var items []models.PlannedItem
	var report *models.ConstraintReport
	for _, stage := range fallbackStages {
		draft := newPackDraft()
		reservePYQ(draft, ranked)
		if stage.readiness {
			for _, c := range ranked {
				if draft.countWhere(func(p rankedCandidate) bool { return t.weakPairs[p.Pair.Key()] }) >= t.readinessNeed {
					break
				}
				if t.weakPairs[c.Pair.Key()] {
					draft.add(c, "weak pair")
				}
			}
		}
		if stage.coverage {
			addCoverage(draft, ranked, t)
		}
		for _, c := range ranked {
			draft.add(c, "rank fill")
		}

		items = draft.items()
		report = r.Validate(items, pool, knownPairs, nil)
		if !report.Valid() {
			// Later stages only drop requirements, so an invalid draft here
			// means the pool itself cannot satisfy the hard constraints.
			break
		}
		coverage, _ := report.Outcome(models.ConstraintCoverage)
		readiness, _ := report.Outcome(models.ConstraintReadiness)
		switch {
		case stage.coverage && stage.readiness && coverage.Status == models.StatusMet && readiness.Status == models.StatusMet:
			return items, report, nil
		case !stage.coverage && stage.readiness && readiness.Status == models.StatusMet:
			return items, report, nil
		case !stage.coverage && !stage.readiness:
			return items, report, nil
		}
	}

	reasons := make([]string, 0)
	for _, v := range report.HardViolations() {
		reasons = append(reasons, fmt.Sprintf("%s (%s)", v.Name, v.Detail))
	}
	return nil, report, &CatalogUnderProvisionedError{
		UserID:   pool.UserID,
		SessSeq:  pool.SessSeq,
		PoolSize: pool.PoolSize,
		Reasons:  reasons,
	}
}

// reservePYQ takes the highest-PYQ items until both PYQ minimums hold
func reservePYQ(draft *packDraft, ranked []rankedCandidate) {
	byPYQ := append([]rankedCandidate(nil), ranked...)
	sort.SliceStable(byPYQ, func(i, j int) bool {
		if byPYQ[i].PYQ != byPYQ[j].PYQ {
			return byPYQ[i].PYQ > byPYQ[j].PYQ
		}
		return byPYQ[i].QuestionID < byPYQ[j].QuestionID
	})
	for _, threshold := range []float64{models.PYQThresholdHigh, models.PYQThresholdLow} {
		for _, c := range byPYQ {
			if draft.countWhere(func(p rankedCandidate) bool { return p.PYQ >= threshold }) >= models.PYQMinCount {
				break
			}
			if c.PYQ >= threshold {
				draft.add(c, fmt.Sprintf("pyq reserve %.2f", c.PYQ))
			}
		}
	}
}

func addCoverage(draft *packDraft, ranked []rankedCandidate, t softTargets) {
	if t.coldStart {
		for _, c := range ranked {
			if draft.distinctPairs() >= t.coldStartPairs {
				return
			}
			if !draft.hasPair(c.Pair.Key()) {
				draft.add(c, "new pair")
			}
		}
		return
	}
	for _, p := range t.coveragePairs {
		if draft.hasPair(p.Key()) {
			continue
		}
		for _, c := range ranked {
			if c.Pair == p && draft.add(c, fmt.Sprintf("coverage debt %d", c.CoverageDebt)) {
				break
			}
		}
	}
}
