package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ReadinessLabel is a per-user, per-pair mastery signal
type ReadinessLabel string

const (
	ReadinessWeak       ReadinessLabel = "weak"
	ReadinessDeveloping ReadinessLabel = "developing"
	ReadinessStrong     ReadinessLabel = "strong"
	ReadinessColdStart  ReadinessLabel = "cold_start"
)

// Valid reports whether l is a known label
func (l ReadinessLabel) Valid() bool {
	switch l {
	case ReadinessWeak, ReadinessDeveloping, ReadinessStrong, ReadinessColdStart:
		return true
	}
	return false
}

// CoverageLabel describes how well a session exercised a pair
type CoverageLabel string

const (
	CoverageCovered CoverageLabel = "covered"
	CoverageThin    CoverageLabel = "thin"
)

// Summary sources
const (
	SummarySourceReasoning     = "reasoning"
	SummarySourceDeterministic = "deterministic"
	SummarySourceEmpty         = "empty"
)

// AttemptEvent is one answered question, read from attempt history
type AttemptEvent struct {
	UserID          int       `json:"user_id"`
	SessionID       string    `json:"session_id"`
	SessSeq         int       `json:"sess_seq"`
	QuestionID      int64     `json:"question_id"`
	Pair            Pair      `json:"pair"`
	CoreConcepts    []string  `json:"core_concepts"`
	ConceptMentions []string  `json:"concept_mentions"`
	Correct         bool      `json:"correct"`
	TimeTakenMs     int       `json:"time_taken_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// Alias is one canonical concept and the raw strings known to mean it
type Alias struct {
	ID          string   `json:"id"`
	Canonical   string   `json:"canonical"`
	Members     []string `json:"members"`
	Provisional bool     `json:"provisional"`
	CreatedSeq  int      `json:"created_seq"`
}

// ConceptAliasMap is a user's mapping from raw concept strings to canonical aliases.
// It is merged on every summarizer run, never replaced.
type ConceptAliasMap struct {
	UserID  int               `json:"user_id"`
	Aliases map[string]*Alias `json:"aliases"`
	NextID  int               `json:"next_id"`

	index map[string]string
}

// NewConceptAliasMap returns an empty map for a user
func NewConceptAliasMap(userID int) *ConceptAliasMap {
	return &ConceptAliasMap{UserID: userID, Aliases: map[string]*Alias{}, NextID: 1}
}

// NormalizeConcept folds case and whitespace so "Time  and Work" matches "time and work"
func NormalizeConcept(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (m *ConceptAliasMap) reindex() {
	m.index = make(map[string]string)
	for id, a := range m.Aliases {
		m.index[NormalizeConcept(a.Canonical)] = id
		for _, member := range a.Members {
			m.index[NormalizeConcept(member)] = id
		}
	}
}

// Lookup finds the alias any of whose members matches raw
func (m *ConceptAliasMap) Lookup(raw string) (*Alias, bool) {
	if m.index == nil {
		m.reindex()
	}
	id, ok := m.index[NormalizeConcept(raw)]
	if !ok {
		return nil, false
	}
	return m.Aliases[id], true
}

// Resolve returns the alias id for raw, minting a provisional alias when nothing matches
func (m *ConceptAliasMap) Resolve(raw string, sessSeq int) (aliasID string, minted bool) {
	if a, ok := m.Lookup(raw); ok {
		return a.ID, false
	}
	norm := NormalizeConcept(raw)
	if m.NextID < 1 {
		m.NextID = 1
	}
	id := fmt.Sprintf("c%04d", m.NextID)
	m.NextID++
	m.Aliases[id] = &Alias{
		ID:          id,
		Canonical:   strings.TrimSpace(raw),
		Members:     []string{norm},
		Provisional: true,
		CreatedSeq:  sessSeq,
	}
	m.index[norm] = id
	return id, true
}

// AddMember records raw as another spelling of an existing alias
func (m *ConceptAliasMap) AddMember(aliasID, raw string) bool {
	a, ok := m.Aliases[aliasID]
	if !ok {
		return false
	}
	norm := NormalizeConcept(raw)
	if norm == "" {
		return false
	}
	for _, member := range a.Members {
		if member == norm {
			return true
		}
	}
	a.Members = append(a.Members, norm)
	if m.index != nil {
		m.index[norm] = aliasID
	}
	return true
}

// SettleBefore marks aliases minted before sessSeq as no longer provisional.
// An alias survives a full cycle once a later session reuses the map.
func (m *ConceptAliasMap) SettleBefore(sessSeq int) {
	for _, a := range m.Aliases {
		if a.Provisional && a.CreatedSeq < sessSeq {
			a.Provisional = false
		}
	}
}

// Merge folds other into m. Aliases are matched by id, then by any shared member;
// unmatched aliases are added. It returns the ids of other that were folded into
// a different id of m.
func (m *ConceptAliasMap) Merge(other *ConceptAliasMap) map[string]string {
	if m.Aliases == nil {
		m.Aliases = map[string]*Alias{}
	}
	renamed := map[string]string{}
	if other == nil {
		return renamed
	}

	ids := make([]string, 0, len(other.Aliases))
	for id := range other.Aliases {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		incoming := other.Aliases[id]
		m.reindex()

		target, ok := m.Aliases[id]
		if ok && !sharesMember(target, incoming) && NormalizeConcept(target.Canonical) != NormalizeConcept(incoming.Canonical) {
			// Same id minted independently for a different concept
			ok = false
			target = nil
		}
		if !ok {
			for _, member := range append([]string{incoming.Canonical}, incoming.Members...) {
				if existingID, found := m.index[NormalizeConcept(member)]; found {
					target = m.Aliases[existingID]
					break
				}
			}
		}

		if target == nil {
			newID := id
			if _, taken := m.Aliases[newID]; taken {
				newID = fmt.Sprintf("c%04d", m.NextID)
				m.NextID++
				renamed[id] = newID
			}
			copied := *incoming
			copied.ID = newID
			copied.Members = append([]string(nil), incoming.Members...)
			m.Aliases[newID] = &copied
			continue
		}

		if target.ID != id {
			renamed[id] = target.ID
		}
		for _, member := range incoming.Members {
			m.AddMember(target.ID, member)
		}
		target.Provisional = target.Provisional && incoming.Provisional
	}

	if other.NextID > m.NextID {
		m.NextID = other.NextID
	}
	m.reindex()
	return renamed
}

func sharesMember(a, b *Alias) bool {
	set := make(map[string]struct{}, len(a.Members))
	for _, member := range a.Members {
		set[NormalizeConcept(member)] = struct{}{}
	}
	for _, member := range b.Members {
		if _, ok := set[NormalizeConcept(member)]; ok {
			return true
		}
	}
	return false
}

// ItemDominance is the concept weighting of one attempted question
type ItemDominance struct {
	QuestionID int64              `json:"question_id"`
	Weights    map[string]float64 `json:"weights"`
}

// PairReadiness labels one concept within one pair
type PairReadiness struct {
	Pair    Pair           `json:"pair"`
	AliasID string         `json:"alias_id"`
	Label   ReadinessLabel `json:"label"`
}

// PairCoverage labels how well the session exercised a pair
type PairCoverage struct {
	Pair  Pair          `json:"pair"`
	Label CoverageLabel `json:"label"`
}

// SessionSummary is the summarizer output for one completed session
type SessionSummary struct {
	UserID    int             `json:"user_id"`
	SessionID string          `json:"session_id"`
	SessSeq   int             `json:"sess_seq"`
	Dominance []ItemDominance `json:"dominance"`
	Readiness []PairReadiness `json:"readiness"`
	Coverage  []PairCoverage  `json:"coverage"`
	Empty     bool            `json:"empty"`
	Source    string          `json:"source"`
	Model     string          `json:"model,omitempty"`
	RetryUsed bool            `json:"retry_used"`
	CreatedAt time.Time       `json:"created_at"`
}

// PairReadinessLabel folds the per-concept labels of a pair into one label:
// weak if any concept is weak, strong only if all are strong.
func (s *SessionSummary) PairReadinessLabel(p Pair) (ReadinessLabel, bool) {
	var labels []ReadinessLabel
	for _, r := range s.Readiness {
		if r.Pair == p {
			labels = append(labels, r.Label)
		}
	}
	if len(labels) == 0 {
		return "", false
	}
	allStrong := true
	for _, l := range labels {
		if l == ReadinessWeak {
			return ReadinessWeak, true
		}
		if l != ReadinessStrong {
			allStrong = false
		}
	}
	if allStrong {
		return ReadinessStrong, true
	}
	return ReadinessDeveloping, true
}
