package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"packplanner/internal/config"
	"packplanner/internal/models"
	"packplanner/internal/observability"
	"packplanner/internal/services/reasoning"
	contextutils "packplanner/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

const summarizerSystemPrompt = "You analyse a learner's practice session for an exam-preparation app. You reply with JSON only."

// Dominance weights
const (
	dominantWeightHighConfidence = 0.7
	pairedDominantWeight         = 0.5
)

// Readiness thresholds of the deterministic summary, by accuracy within a pair
const (
	strongAccuracy     = 0.8
	developingAccuracy = 0.5
	coveredMinAttempts = 2
)

// Summarizer turns a completed session's attempts into a SessionSummary and
// merges the concepts it finds into the user's alias map.
type Summarizer struct {
	plans     PlanStore
	history   AttemptHistory
	summaries SummaryStore
	client    reasoning.Client
	prompts   *PromptTemplateManager
	metrics   *observability.PlannerMetrics
	timeout   time.Duration
	maxTokens int
	logger    *observability.Logger
}

// NewSummarizer creates a summarizer. A nil client always uses the deterministic summary.
func NewSummarizer(plans PlanStore, history AttemptHistory, summaries SummaryStore, client reasoning.Client,
	prompts *PromptTemplateManager, metrics *observability.PlannerMetrics, cfg *config.Config, logger *observability.Logger,
) *Summarizer {
	timeout := cfg.Summarizer.Timeout
	if timeout <= 0 {
		timeout = config.DefaultLLMTimeout
	}
	maxTokens := cfg.Summarizer.MaxTokens
	if maxTokens <= 0 {
		maxTokens = cfg.Reasoning.MaxTokens
	}
	return &Summarizer{
		plans:     plans,
		history:   history,
		summaries: summaries,
		client:    client,
		prompts:   prompts,
		metrics:   metrics,
		timeout:   timeout,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

type attemptView struct {
	QuestionID int64    `json:"question_id"`
	Pair       string   `json:"pair"`
	Concepts   []string `json:"concepts"`
	Mentions   []string `json:"mentions,omitempty"`
	Correct    bool     `json:"correct"`
	TimeMs     int      `json:"time_ms"`
}

type summaryReply struct {
	SchemaVersion string `json:"schema_version"`
	Items         []struct {
		QuestionID int64 `json:"question_id"`
		Concepts   []struct {
			Name     string `json:"name"`
			Dominant bool   `json:"dominant"`
		} `json:"concepts"`
		Confidence string `json:"confidence"`
	} `json:"items"`
	Readiness []struct {
		Subcategory    string `json:"subcategory"`
		TypeOfQuestion string `json:"type_of_question"`
		Concept        string `json:"concept"`
		Label          string `json:"label"`
	} `json:"readiness"`
	Coverage []struct {
		Subcategory    string `json:"subcategory"`
		TypeOfQuestion string `json:"type_of_question"`
		Label          string `json:"label"`
	} `json:"coverage"`
}

// conceptWeight is one concept of one attempted item before weighting
type conceptWeight struct {
	aliasID  string
	dominant bool
}

// Summarize builds and stores the summary of a completed session. Sessions
// without attempts get an explicit empty summary.
func (s *Summarizer) Summarize(ctx context.Context, userID int, sessionID string) (result0 *models.SessionSummary, err error) {
	ctx, span := observability.TraceSummarizerFunction(ctx, "summarize",
		observability.AttributeUserID(userID), observability.AttributeSessionID(sessionID))
	defer observability.FinishSpan(span, &err)

	plan, err := s.plans.GetPlan(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if plan.Status != models.PlanStatusCompleted {
		return nil, contextutils.WrapErrorf(contextutils.ErrStateTransitionConflict,
			"session %s is %s, only completed sessions are summarized", sessionID, plan.Status)
	}

	attempts, err := s.history.GetSessionAttempts(ctx, userID, plan.SessSeq)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to load attempts")
	}
	aliases, err := s.summaries.GetAliasMap(ctx, userID)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to load alias map")
	}
	aliases.SettleBefore(plan.SessSeq)

	summary := &models.SessionSummary{
		UserID:    userID,
		SessionID: sessionID,
		SessSeq:   plan.SessSeq,
		Dominance: []models.ItemDominance{},
		Readiness: []models.PairReadiness{},
		Coverage:  []models.PairCoverage{},
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case len(attempts) == 0:
		summary.Empty = true
		summary.Source = models.SummarySourceEmpty
	case s.client == nil:
		deterministicSummary(summary, attempts, aliases)
	default:
		s.reasonedSummary(ctx, summary, attempts, aliases)
	}
	span.SetAttributes(attribute.String("summary.source", summary.Source), attribute.Int("summary.attempts", len(attempts)))

	if err := s.summaries.SaveSummary(ctx, summary, aliases); err != nil {
		return nil, contextutils.WrapError(err, "failed to save summary")
	}
	s.metrics.RecordSummary(ctx, summary.Source)
	s.logger.Info(ctx, "Session summarized", map[string]interface{}{
		"user_id":    userID,
		"session_id": sessionID,
		"sess_seq":   plan.SessSeq,
		"source":     summary.Source,
		"attempts":   len(attempts),
		"retry_used": summary.RetryUsed,
	})
	return summary, nil
}

// reasonedSummary asks the reasoning service for the summary and falls back to
// the deterministic one when the exchange does not produce a usable reply.
func (s *Summarizer) reasonedSummary(ctx context.Context, summary *models.SessionSummary, attempts []models.AttemptEvent, aliases *models.ConceptAliasMap) {
	prompt, err := s.renderPrompt(attempts, aliases)
	if err != nil {
		s.logger.Error(ctx, "Failed to render summary prompt", err, map[string]interface{}{"user_id": summary.UserID})
		deterministicSummary(summary, attempts, aliases)
		return
	}

	llmCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	outcome := s.prompts.structuredExchange(llmCtx, s.client, reasoning.Request{
		Name:        SessionSummarySchemaVersion,
		System:      summarizerSystemPrompt,
		Messages:    []reasoning.Message{{Role: reasoning.RoleUser, Content: prompt}},
		MaxTokens:   s.maxTokens,
		Temperature: 0,
		JSON:        true,
	}, SessionSummarySchemaVersion, checkSummaryReply(attempts))

	if outcome.Kind != OutcomeValidJSON {
		fields := map[string]interface{}{
			"user_id":    summary.UserID,
			"session_id": summary.SessionID,
			"outcome":    string(outcome.Kind),
			"retry_used": outcome.RetryUsed,
		}
		if len(outcome.Violations) > 0 {
			fields["violations"] = outcome.Violations
		}
		if outcome.Err != nil {
			fields["error"] = outcome.Err.Error()
		}
		s.logger.Warn(ctx, "Summarizing with deterministic fallback", fields)
		deterministicSummary(summary, attempts, aliases)
		summary.RetryUsed = outcome.RetryUsed
		return
	}

	var reply summaryReply
	if err := json.Unmarshal(outcome.Body, &reply); err != nil {
		deterministicSummary(summary, attempts, aliases)
		return
	}
	applySummaryReply(summary, &reply, aliases)
	summary.Source = models.SummarySourceReasoning
	summary.Model = outcome.Model
	summary.RetryUsed = outcome.RetryUsed
}

func (s *Summarizer) renderPrompt(attempts []models.AttemptEvent, aliases *models.ConceptAliasMap) (string, error) {
	views := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		views = append(views, attemptView{
			QuestionID: a.QuestionID,
			Pair:       a.Pair.Key(),
			Concepts:   a.CoreConcepts,
			Mentions:   a.ConceptMentions,
			Correct:    a.Correct,
			TimeMs:     a.TimeTakenMs,
		})
	}
	attemptsJSON, err := json.Marshal(views)
	if err != nil {
		return "", err
	}

	data := PromptTemplateData{
		SchemaVersion: SessionSummarySchemaVersion,
		Schema:        s.prompts.SchemaText(SessionSummarySchemaVersion),
		AttemptsJSON:  string(attemptsJSON),
	}
	if known := canonicalConcepts(aliases); len(known) > 0 {
		knownJSON, err := json.Marshal(known)
		if err != nil {
			return "", err
		}
		data.KnownConceptsJSON = string(knownJSON)
	}
	return s.prompts.RenderTemplate(SessionSummaryPromptTemplate, data)
}

func canonicalConcepts(aliases *models.ConceptAliasMap) []string {
	names := make([]string, 0, len(aliases.Aliases))
	for _, a := range aliases.Aliases {
		names = append(names, a.Canonical)
	}
	sort.Strings(names)
	return names
}

// checkSummaryReply rejects replies about questions or pairs the session never had
func checkSummaryReply(attempts []models.AttemptEvent) replyCheck {
	questions := make(map[int64]bool, len(attempts))
	pairs := make(map[models.Pair]bool)
	for _, a := range attempts {
		questions[a.QuestionID] = true
		pairs[a.Pair] = true
	}
	return func(body []byte) []string {
		var reply summaryReply
		if err := json.Unmarshal(body, &reply); err != nil {
			return []string{fmt.Sprintf("reply does not match %s: %v", SessionSummarySchemaVersion, err)}
		}
		var violations []string
		for _, it := range reply.Items {
			if !questions[it.QuestionID] {
				violations = append(violations, fmt.Sprintf("question_id %d was not attempted", it.QuestionID))
			}
		}
		for _, r := range reply.Readiness {
			p := models.Pair{Subcategory: r.Subcategory, TypeOfQuestion: r.TypeOfQuestion}
			if !pairs[p] {
				violations = append(violations, fmt.Sprintf("readiness pair %s was not attempted", p.Key()))
			}
		}
		for _, c := range reply.Coverage {
			p := models.Pair{Subcategory: c.Subcategory, TypeOfQuestion: c.TypeOfQuestion}
			if !pairs[p] {
				violations = append(violations, fmt.Sprintf("coverage pair %s was not attempted", p.Key()))
			}
		}
		return violations
	}
}

func applySummaryReply(summary *models.SessionSummary, reply *summaryReply, aliases *models.ConceptAliasMap) {
	for _, it := range reply.Items {
		concepts := make([]conceptWeight, 0, len(it.Concepts))
		for _, c := range it.Concepts {
			if models.NormalizeConcept(c.Name) == "" {
				continue
			}
			id, _ := aliases.Resolve(c.Name, summary.SessSeq)
			concepts = append(concepts, conceptWeight{aliasID: id, dominant: c.Dominant})
		}
		summary.Dominance = append(summary.Dominance, models.ItemDominance{
			QuestionID: it.QuestionID,
			Weights:    dominanceWeights(concepts, it.Confidence == "high"),
		})
	}

	readiness := newReadinessSet()
	for _, r := range reply.Readiness {
		if models.NormalizeConcept(r.Concept) == "" {
			continue
		}
		id, _ := aliases.Resolve(r.Concept, summary.SessSeq)
		readiness.add(models.Pair{Subcategory: r.Subcategory, TypeOfQuestion: r.TypeOfQuestion}, id, models.ReadinessLabel(r.Label))
	}
	summary.Readiness = readiness.list()

	seen := map[models.Pair]bool{}
	for _, c := range reply.Coverage {
		p := models.Pair{Subcategory: c.Subcategory, TypeOfQuestion: c.TypeOfQuestion}
		if seen[p] {
			continue
		}
		seen[p] = true
		summary.Coverage = append(summary.Coverage, models.PairCoverage{Pair: p, Label: models.CoverageLabel(c.Label)})
	}
}

// dominanceWeights splits one item's weight across its concepts. With high
// confidence and a single dominant concept the dominant one gets 0.7 and the
// rest share 0.3; two dominant concepts get 0.5 each; otherwise 1/k.
func dominanceWeights(concepts []conceptWeight, highConfidence bool) map[string]float64 {
	merged := make([]conceptWeight, 0, len(concepts))
	index := map[string]int{}
	for _, c := range concepts {
		if i, ok := index[c.aliasID]; ok {
			merged[i].dominant = merged[i].dominant || c.dominant
			continue
		}
		index[c.aliasID] = len(merged)
		merged = append(merged, c)
	}

	weights := make(map[string]float64, len(merged))
	if len(merged) == 0 {
		return weights
	}
	var dominant, secondary []string
	for _, c := range merged {
		if c.dominant {
			dominant = append(dominant, c.aliasID)
		} else {
			secondary = append(secondary, c.aliasID)
		}
	}

	switch {
	case len(dominant) == 2:
		for _, id := range dominant {
			weights[id] = pairedDominantWeight
		}
	case len(dominant) == 1 && highConfidence && len(secondary) == 0:
		weights[dominant[0]] = 1
	case len(dominant) == 1 && highConfidence:
		weights[dominant[0]] = dominantWeightHighConfidence
		share := (1 - dominantWeightHighConfidence) / float64(len(secondary))
		for _, id := range secondary {
			weights[id] = share
		}
	default:
		share := 1 / float64(len(merged))
		for _, c := range merged {
			weights[c.aliasID] = share
		}
	}
	return weights
}

// readinessSet keeps one label per (pair, concept), preferring weak
type readinessSet struct {
	order []models.PairReadiness
	byKey map[string]int
}

func newReadinessSet() *readinessSet {
	return &readinessSet{order: []models.PairReadiness{}, byKey: map[string]int{}}
}

func (r *readinessSet) add(p models.Pair, aliasID string, label models.ReadinessLabel) {
	if !label.Valid() {
		return
	}
	key := p.Key() + "#" + aliasID
	if i, ok := r.byKey[key]; ok {
		if label == models.ReadinessWeak {
			r.order[i].Label = label
		}
		return
	}
	r.byKey[key] = len(r.order)
	r.order = append(r.order, models.PairReadiness{Pair: p, AliasID: aliasID, Label: label})
}

func (r *readinessSet) list() []models.PairReadiness {
	return r.order
}

// deterministicSummary labels readiness from accuracy per (pair, concept) and
// coverage from attempt counts per pair. The first core concept is dominant.
func deterministicSummary(summary *models.SessionSummary, attempts []models.AttemptEvent, aliases *models.ConceptAliasMap) {
	type tally struct {
		pair           models.Pair
		aliasID        string
		correct, total int
	}
	tallies := map[string]*tally{}
	var tallyOrder []string
	pairAttempts := map[models.Pair]int{}
	var pairOrder []models.Pair

	summary.Dominance = summary.Dominance[:0]
	for _, a := range attempts {
		if pairAttempts[a.Pair] == 0 {
			pairOrder = append(pairOrder, a.Pair)
		}
		pairAttempts[a.Pair]++

		var concepts []conceptWeight
		for i, raw := range append(append([]string(nil), a.CoreConcepts...), a.ConceptMentions...) {
			if models.NormalizeConcept(raw) == "" {
				continue
			}
			id, _ := aliases.Resolve(raw, summary.SessSeq)
			concepts = append(concepts, conceptWeight{aliasID: id, dominant: i == 0 && len(a.CoreConcepts) > 0})
		}
		summary.Dominance = append(summary.Dominance, models.ItemDominance{
			QuestionID: a.QuestionID,
			Weights:    dominanceWeights(concepts, false),
		})

		seen := map[string]bool{}
		for _, c := range concepts {
			if seen[c.aliasID] {
				continue
			}
			seen[c.aliasID] = true
			key := a.Pair.Key() + "#" + c.aliasID
			t, ok := tallies[key]
			if !ok {
				t = &tally{pair: a.Pair, aliasID: c.aliasID}
				tallies[key] = t
				tallyOrder = append(tallyOrder, key)
			}
			t.total++
			if a.Correct {
				t.correct++
			}
		}
	}

	readiness := newReadinessSet()
	for _, key := range tallyOrder {
		t := tallies[key]
		accuracy := float64(t.correct) / float64(t.total)
		label := models.ReadinessWeak
		switch {
		case accuracy >= strongAccuracy:
			label = models.ReadinessStrong
		case accuracy >= developingAccuracy:
			label = models.ReadinessDeveloping
		}
		readiness.add(t.pair, t.aliasID, label)
	}
	summary.Readiness = readiness.list()

	summary.Coverage = summary.Coverage[:0]
	for _, p := range pairOrder {
		label := models.CoverageThin
		if pairAttempts[p] >= coveredMinAttempts {
			label = models.CoverageCovered
		}
		summary.Coverage = append(summary.Coverage, models.PairCoverage{Pair: p, Label: label})
	}
	summary.Source = models.SummarySourceDeterministic
	summary.Model = ""
}
