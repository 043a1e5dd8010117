package models

import (
	"time"
)

// PlanStatus is the lifecycle state of a session pack plan
type PlanStatus string

const (
	PlanStatusPlanned   PlanStatus = "planned"
	PlanStatusServed    PlanStatus = "served"
	PlanStatusCompleted PlanStatus = "completed"
)

// NextStatus returns the only state reachable from s, or false when s is terminal
func (s PlanStatus) NextStatus() (PlanStatus, bool) {
	switch s {
	case PlanStatusPlanned:
		return PlanStatusServed, true
	case PlanStatusServed:
		return PlanStatusCompleted, true
	default:
		return "", false
	}
}

// Rationale sources
const (
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// Why records why an item was chosen, for audit
type Why struct {
	DominantConcepts []string `json:"dominant_concepts"`
	Pair             Pair     `json:"pair"`
	Relevance        float64  `json:"relevance"`
	Source           string   `json:"source"`
	Note             string   `json:"note,omitempty"`
}

// PlannedItem is one selected question id with its rationale, before hydration
type PlannedItem struct {
	QuestionID int64 `json:"question_id"`
	Why        Why   `json:"why"`
}

// PackItem is one hydrated entry of a persisted pack
type PackItem struct {
	QuestionID     int64          `json:"question_id"`
	DifficultyBand DifficultyBand `json:"difficulty_band"`
	Why            Why            `json:"why"`
	Question       *Question      `json:"question,omitempty"`
}

// Constraint names as they appear in reports
const (
	ConstraintPackSize  = "pack_size"
	ConstraintBandSplit = "band_split"
	ConstraintPYQMin10  = "pyq_min_1_0"
	ConstraintPYQMin15  = "pyq_min_1_5"
	ConstraintUniqueIDs = "unique_ids"
	ConstraintInPool    = "in_pool"
	ConstraintCoverage  = "coverage_alignment"
	ConstraintReadiness = "readiness_alignment"
)

// ConstraintKind separates relaxable from non-relaxable constraints
type ConstraintKind string

const (
	ConstraintHard ConstraintKind = "hard"
	ConstraintSoft ConstraintKind = "soft"
)

// ConstraintStatus is the outcome of evaluating one constraint
type ConstraintStatus string

const (
	StatusMet      ConstraintStatus = "met"
	StatusViolated ConstraintStatus = "violated"
	StatusRelaxed  ConstraintStatus = "relaxed"
)

// ConstraintOutcome is one line of a constraint report
type ConstraintOutcome struct {
	Name   string           `json:"name"`
	Kind   ConstraintKind   `json:"kind"`
	Status ConstraintStatus `json:"status"`
	Detail string           `json:"detail,omitempty"`
}

// Relaxation records a deliberately relaxed soft constraint
type Relaxation struct {
	Constraint string `json:"constraint"`
	Reason     string `json:"reason"`
}

// Timings are wall-clock durations of the planning stages in milliseconds
type Timings struct {
	SelectMs   int64 `json:"select_ms"`
	PlanMs     int64 `json:"plan_ms"`
	AssembleMs int64 `json:"assemble_ms"`
	TotalMs    int64 `json:"total_ms"`
}

// PlanMeta carries planner provenance for telemetry and audit
type PlanMeta struct {
	Model              string   `json:"model"`
	PlannerFallback    bool     `json:"planner_fallback"`
	RetryUsed          bool     `json:"retry_used"`
	FallbackReason     string   `json:"fallback_reason,omitempty"`
	PoolSize           int      `json:"pool_size"`
	ExpansionRounds    int      `json:"expansion_rounds"`
	ColdStart          bool     `json:"cold_start"`
	UngroundedConcepts []string `json:"ungrounded_concepts,omitempty"`
	Timings            Timings  `json:"timings"`
}

// ConstraintReport is the structured validation result attached to every pack
type ConstraintReport struct {
	Outcomes    []ConstraintOutcome `json:"outcomes"`
	Relaxations []Relaxation        `json:"relaxations"`
	Meta        PlanMeta            `json:"meta"`
}

// Valid reports whether every hard constraint is met
func (r *ConstraintReport) Valid() bool {
	return len(r.HardViolations()) == 0
}

// HardViolations returns the hard constraints that are not met
func (r *ConstraintReport) HardViolations() []ConstraintOutcome {
	var out []ConstraintOutcome
	for _, o := range r.Outcomes {
		if o.Kind == ConstraintHard && o.Status != StatusMet {
			out = append(out, o)
		}
	}
	return out
}

// Outcome looks up a constraint by name
func (r *ConstraintReport) Outcome(name string) (ConstraintOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Name == name {
			return o, true
		}
	}
	return ConstraintOutcome{}, false
}

// SessionPackPlan is the persisted plan for one (user, session)
type SessionPackPlan struct {
	ID                 int64            `json:"id"`
	UserID             int              `json:"user_id"`
	SessionID          string           `json:"session_id"`
	LastSessionID      string           `json:"last_session_id,omitempty"`
	SessSeq            int              `json:"sess_seq"`
	IdempotencyKey     string           `json:"-"`
	RequestFingerprint string           `json:"-"`
	Pack               []PackItem       `json:"pack"`
	ConstraintReport   ConstraintReport `json:"constraint_report"`
	Status             PlanStatus       `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	ServedAt           *time.Time       `json:"served_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// QuestionIDs returns the pack's question ids in order
func (p *SessionPackPlan) QuestionIDs() []int64 {
	ids := make([]int64, len(p.Pack))
	for i, item := range p.Pack {
		ids[i] = item.QuestionID
	}
	return ids
}

// PlanRef identifies a plan without loading its pack
type PlanRef struct {
	UserID    int    `json:"user_id"`
	SessionID string `json:"session_id"`
	SessSeq   int    `json:"sess_seq"`
}
