package services

import (
	"fmt"
	"sort"
	"strings"

	"packplanner/internal/config"
	"packplanner/internal/models"
)

// PackRules holds the tunable targets of the soft constraints. The hard
// constraints are fixed by the models package.
type PackRules struct {
	CoverageTargetPairs  int
	ReadinessTargetItems int
	ColdStartMinPairs    int
}

// DefaultPackRules returns the standard soft-constraint targets
func DefaultPackRules() PackRules {
	return PackRules{
		CoverageTargetPairs:  config.DefaultCoverageTargetPairs,
		ReadinessTargetItems: config.DefaultReadinessTargetItems,
		ColdStartMinPairs:    config.DefaultColdStartMinPairs,
	}
}

// PackRulesFromConfig reads the soft-constraint targets from planner config
func PackRulesFromConfig(cfg *config.PlannerConfig) PackRules {
	rules := DefaultPackRules()
	if cfg == nil {
		return rules
	}
	if cfg.CoverageTargetPairs > 0 {
		rules.CoverageTargetPairs = cfg.CoverageTargetPairs
	}
	if cfg.ReadinessTargetItems > 0 {
		rules.ReadinessTargetItems = cfg.ReadinessTargetItems
	}
	if cfg.ColdStartMinPairs > 0 {
		rules.ColdStartMinPairs = cfg.ColdStartMinPairs
	}
	return rules
}

// softTargets is what a pack must contain to meet the soft constraints for a given pool
type softTargets struct {
	coldStart      bool
	coveragePairs  []models.Pair
	coldStartPairs int
	weakPairs      map[string]bool
	readinessNeed  int
}

func (r PackRules) targets(pool *models.CandidatePool) softTargets {
	t := softTargets{coldStart: pool.ColdStart, weakPairs: map[string]bool{}}

	pairDebt := map[string]int{}
	pairs := map[string]models.Pair{}
	weakItems := 0
	for _, c := range pool.All() {
		key := c.Pair.Key()
		pairs[key] = c.Pair
		if d, ok := pairDebt[key]; !ok || c.CoverageDebt > d {
			pairDebt[key] = c.CoverageDebt
		}
		if c.Readiness == models.ReadinessWeak {
			t.weakPairs[key] = true
			weakItems++
		}
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if pairDebt[keys[i]] != pairDebt[keys[j]] {
			return pairDebt[keys[i]] > pairDebt[keys[j]]
		}
		return keys[i] < keys[j]
	})

	if pool.ColdStart {
		t.coldStartPairs = min(r.ColdStartMinPairs, len(keys))
	} else {
		for _, k := range keys[:min(r.CoverageTargetPairs, len(keys))] {
			t.coveragePairs = append(t.coveragePairs, pairs[k])
		}
	}
	t.readinessNeed = min(r.ReadinessTargetItems, weakItems)
	return t
}

// ValidatePack checks a planned pack with the default rules
func ValidatePack(items []models.PlannedItem, pool *models.CandidatePool, knownPairs map[string]bool, knownConcepts *models.ConceptAliasMap) *models.ConstraintReport {
	return DefaultPackRules().Validate(items, pool, knownPairs, knownConcepts)
}

// Validate evaluates every hard and soft constraint. Hard constraints are only
// ever met or violated. Soft constraints are met or relaxed, coverage before
// readiness, so readiness is never relaxed while coverage is not.
func (r PackRules) Validate(items []models.PlannedItem, pool *models.CandidatePool, knownPairs map[string]bool, knownConcepts *models.ConceptAliasMap) *models.ConstraintReport {
	report := &models.ConstraintReport{}
	hard := func(name string, ok bool, detail string) {
		status := models.StatusMet
		if !ok {
			status = models.StatusViolated
		}
		report.Outcomes = append(report.Outcomes, models.ConstraintOutcome{Name: name, Kind: models.ConstraintHard, Status: status, Detail: detail})
	}

	bandCounts := map[models.DifficultyBand]int{}
	seen := map[int64]bool{}
	var duplicates, outside []int64
	var inPool []models.Candidate
	for _, item := range items {
		if seen[item.QuestionID] {
			duplicates = append(duplicates, item.QuestionID)
			continue
		}
		seen[item.QuestionID] = true
		c, ok := pool.Get(item.QuestionID)
		if !ok {
			outside = append(outside, item.QuestionID)
			continue
		}
		inPool = append(inPool, c)
		bandCounts[c.Band]++
	}

	pyqLow, pyqHigh := 0, 0
	for _, c := range inPool {
		if c.PYQ >= models.PYQThresholdLow {
			pyqLow++
		}
		if c.PYQ >= models.PYQThresholdHigh {
			pyqHigh++
		}
	}

	bandOK := true
	bandDetail := make([]string, 0, len(models.Bands))
	for _, b := range models.Bands {
		if bandCounts[b] != models.BandQuota[b] {
			bandOK = false
		}
		bandDetail = append(bandDetail, fmt.Sprintf("%s=%d/%d", b, bandCounts[b], models.BandQuota[b]))
	}

	hard(models.ConstraintPackSize, len(items) == models.PackSize, fmt.Sprintf("%d items", len(items)))
	hard(models.ConstraintBandSplit, bandOK, strings.Join(bandDetail, " "))
	hard(models.ConstraintPYQMin10, pyqLow >= models.PYQMinCount, fmt.Sprintf("%d items with pyq >= %.1f", pyqLow, models.PYQThresholdLow))
	hard(models.ConstraintPYQMin15, pyqHigh >= models.PYQMinCount, fmt.Sprintf("%d items with pyq >= %.1f", pyqHigh, models.PYQThresholdHigh))
	hard(models.ConstraintUniqueIDs, len(duplicates) == 0, idListDetail("duplicate ids", duplicates))
	hard(models.ConstraintInPool, len(outside) == 0, idListDetail("ids outside the pool", outside))

	t := r.targets(pool)
	packPairs := map[string]bool{}
	weakItems := 0
	newPairs := 0
	for _, c := range inPool {
		key := c.Pair.Key()
		if !packPairs[key] && knownPairs != nil && !knownPairs[key] {
			newPairs++
		}
		packPairs[key] = true
		if t.weakPairs[key] {
			weakItems++
		}
	}

	var coverageMet bool
	var coverageDetail string
	if t.coldStart {
		coverageMet = len(packPairs) >= t.coldStartPairs
		coverageDetail = fmt.Sprintf("%d distinct pairs, %d required", len(packPairs), t.coldStartPairs)
	} else {
		hit := 0
		for _, p := range t.coveragePairs {
			if packPairs[p.Key()] {
				hit++
			}
		}
		coverageMet = hit == len(t.coveragePairs)
		coverageDetail = fmt.Sprintf("%d of %d highest-debt pairs", hit, len(t.coveragePairs))
	}
	if knownPairs != nil {
		coverageDetail += fmt.Sprintf(", %d new pairs", newPairs)
	}
	readinessMet := weakItems >= t.readinessNeed
	readinessDetail := fmt.Sprintf("%d of %d weak-pair items", weakItems, t.readinessNeed)

	coverageStatus, readinessStatus := models.StatusMet, models.StatusMet
	switch {
	case !readinessMet:
		coverageStatus, readinessStatus = models.StatusRelaxed, models.StatusRelaxed
		reason := "relaxed ahead of readiness"
		if !coverageMet {
			reason = "coverage target not reachable: " + coverageDetail
		}
		report.Relaxations = append(report.Relaxations,
			models.Relaxation{Constraint: models.ConstraintCoverage, Reason: reason},
			models.Relaxation{Constraint: models.ConstraintReadiness, Reason: "readiness target not reachable: " + readinessDetail},
		)
	case !coverageMet:
		coverageStatus = models.StatusRelaxed
		report.Relaxations = append(report.Relaxations,
			models.Relaxation{Constraint: models.ConstraintCoverage, Reason: "coverage target not reachable: " + coverageDetail})
	}
	report.Outcomes = append(report.Outcomes,
		models.ConstraintOutcome{Name: models.ConstraintCoverage, Kind: models.ConstraintSoft, Status: coverageStatus, Detail: coverageDetail},
		models.ConstraintOutcome{Name: models.ConstraintReadiness, Kind: models.ConstraintSoft, Status: readinessStatus, Detail: readinessDetail},
	)

	report.Meta.UngroundedConcepts = ungroundedConcepts(items, pool, knownConcepts)
	return report
}

// ungroundedConcepts lists rationale concepts that match neither the item's
// own core concepts nor any alias the user already has.
func ungroundedConcepts(items []models.PlannedItem, pool *models.CandidatePool, known *models.ConceptAliasMap) []string {
	var out []string
	seen := map[string]bool{}
	for _, item := range items {
		c, inPool := pool.Get(item.QuestionID)
		core := map[string]bool{}
		if inPool {
			for _, concept := range c.CoreConcepts {
				core[models.NormalizeConcept(concept)] = true
			}
		}
		for _, concept := range item.Why.DominantConcepts {
			norm := models.NormalizeConcept(concept)
			if norm == "" || core[norm] || seen[norm] {
				continue
			}
			if known != nil {
				if _, ok := known.Lookup(concept); ok {
					continue
				}
			}
			seen[norm] = true
			out = append(out, norm)
		}
	}
	sort.Strings(out)
	return out
}

func idListDetail(label string, ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return label + ": " + strings.Join(parts, ",")
}
