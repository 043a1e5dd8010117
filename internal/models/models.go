// Package models defines data structures used throughout the pack planner.
package models

import (
	"fmt"
	"sort"
	"strings"
)

// DifficultyBand is the difficulty tier of a question
type DifficultyBand string

const (
	BandEasy   DifficultyBand = "Easy"
	BandMedium DifficultyBand = "Medium"
	BandHard   DifficultyBand = "Hard"
)

// Bands lists the difficulty bands in pack order
var Bands = []DifficultyBand{BandEasy, BandMedium, BandHard}

// Pack composition. These are hard constraints and are not configurable.
const (
	PackSize = 12

	PYQThresholdLow  = 1.0
	PYQThresholdHigh = 1.5
	PYQMinCount      = 2
)

// BandQuota is the exact number of items each band contributes to a pack
var BandQuota = map[DifficultyBand]int{
	BandEasy:   3,
	BandMedium: 6,
	BandHard:   3,
}

// Valid reports whether b is one of the known bands
func (b DifficultyBand) Valid() bool {
	_, ok := BandQuota[b]
	return ok
}

// ParseBand parses a band name case-insensitively
func ParseBand(s string) (DifficultyBand, error) {
	for _, b := range Bands {
		if strings.EqualFold(string(b), strings.TrimSpace(s)) {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown difficulty band %q", s)
}

// Pair is the (subcategory, type_of_question) unit of coverage and readiness tracking
type Pair struct {
	Subcategory    string `json:"subcategory" yaml:"subcategory"`
	TypeOfQuestion string `json:"type_of_question" yaml:"type_of_question"`
}

// Key returns the stable string form "subcategory|type"
func (p Pair) Key() string {
	return p.Subcategory + "|" + p.TypeOfQuestion
}

func (p Pair) String() string {
	return p.Key()
}

// ParsePairKey is the inverse of Pair.Key
func ParsePairKey(key string) Pair {
	sub, typ, _ := strings.Cut(key, "|")
	return Pair{Subcategory: sub, TypeOfQuestion: typ}
}

// Question is a catalog question. The catalog is owned elsewhere; the planner only reads it.
type Question struct {
	ID                int64          `json:"id" yaml:"id"`
	Stem              string         `json:"stem" yaml:"stem"`
	Options           []string       `json:"options" yaml:"options"`
	Answer            string         `json:"answer" yaml:"answer"`
	DifficultyBand    DifficultyBand `json:"difficulty_band" yaml:"difficulty_band"`
	Subcategory       string         `json:"subcategory" yaml:"subcategory"`
	TypeOfQuestion    string         `json:"type_of_question" yaml:"type_of_question"`
	CoreConcepts      []string       `json:"core_concepts" yaml:"core_concepts"`
	PYQFrequencyScore float64        `json:"pyq_frequency_score" yaml:"pyq_frequency_score"`
	IsActive          bool           `json:"is_active" yaml:"is_active"`
}

// Pair returns the question's coverage pair
func (q *Question) Pair() Pair {
	return Pair{Subcategory: q.Subcategory, TypeOfQuestion: q.TypeOfQuestion}
}

// Candidate is a question reduced to the metadata planning needs, plus
// per-user annotations computed by the candidate selector.
type Candidate struct {
	QuestionID   int64          `json:"id"`
	Band         DifficultyBand `json:"band"`
	Pair         Pair           `json:"pair"`
	PYQ          float64        `json:"pyq"`
	CoreConcepts []string       `json:"core_concepts,omitempty"`
	CoverageDebt int            `json:"coverage_debt"`
	Readiness    ReadinessLabel `json:"readiness"`
}

// CandidateFromQuestion copies the planning metadata out of a catalog question
func CandidateFromQuestion(q *Question) Candidate {
	return Candidate{
		QuestionID:   q.ID,
		Band:         q.DifficultyBand,
		Pair:         q.Pair(),
		PYQ:          q.PYQFrequencyScore,
		CoreConcepts: append([]string(nil), q.CoreConcepts...),
		Readiness:    ReadinessColdStart,
	}
}

// CandidatePool is the ephemeral per-attempt set of eligible questions.
// It is owned by a single planning attempt and never persisted.
type CandidatePool struct {
	UserID          int
	SessSeq         int
	ByBand          map[DifficultyBand][]Candidate
	PoolSize        int
	ExpansionRounds int
	ColdStart       bool

	index map[int64]Candidate
}

// NewCandidatePool builds a pool and its id index
func NewCandidatePool(userID, sessSeq int, byBand map[DifficultyBand][]Candidate, poolSize, expansionRounds int, coldStart bool) *CandidatePool {
	p := &CandidatePool{
		UserID:          userID,
		SessSeq:         sessSeq,
		ByBand:          byBand,
		PoolSize:        poolSize,
		ExpansionRounds: expansionRounds,
		ColdStart:       coldStart,
	}
	p.Reindex()
	return p
}

// Reindex rebuilds the id index after ByBand was modified in place
func (p *CandidatePool) Reindex() {
	p.index = make(map[int64]Candidate)
	for _, cands := range p.ByBand {
		for _, c := range cands {
			p.index[c.QuestionID] = c
		}
	}
}

// Get returns the candidate with the given question id
func (p *CandidatePool) Get(id int64) (Candidate, bool) {
	if p.index == nil {
		p.Reindex()
	}
	c, ok := p.index[id]
	return c, ok
}

// Size is the total number of candidates across bands
func (p *CandidatePool) Size() int {
	n := 0
	for _, cands := range p.ByBand {
		n += len(cands)
	}
	return n
}

// All returns every candidate in band order, then question id order
func (p *CandidatePool) All() []Candidate {
	out := make([]Candidate, 0, p.Size())
	for _, b := range Bands {
		cands := append([]Candidate(nil), p.ByBand[b]...)
		sort.Slice(cands, func(i, j int) bool { return cands[i].QuestionID < cands[j].QuestionID })
		out = append(out, cands...)
	}
	return out
}

// Pairs returns the distinct pairs present in the pool, sorted by key
func (p *CandidatePool) Pairs() []Pair {
	seen := make(map[string]Pair)
	for _, cands := range p.ByBand {
		for _, c := range cands {
			seen[c.Pair.Key()] = c.Pair
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Pair, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}
