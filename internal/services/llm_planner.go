package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"packplanner/internal/config"
	"packplanner/internal/models"
	"packplanner/internal/observability"
	"packplanner/internal/services/reasoning"

	"go.opentelemetry.io/otel/attribute"
)

// FallbackModelID is recorded as the model of packs built without the reasoning service
const FallbackModelID = "deterministic"

// Fallback reasons besides the outcome kinds
const (
	FallbackReasonDisabled = "llm_disabled"
)

const plannerSystemPrompt = "You select practice questions for an exam-preparation app. You follow the hard rules exactly and reply with JSON only."

// PlanResult is the planner's chosen items and how they were chosen
type PlanResult struct {
	Items          []models.PlannedItem
	Report         *models.ConstraintReport
	Model          string
	Outcome        OutcomeKind
	UsedFallback   bool
	RetryUsed      bool
	FallbackReason string
}

// LLMPlanner asks the reasoning service for a pack and falls back to the
// deterministic selector whenever the reply is late, missing or invalid.
type LLMPlanner struct {
	client    reasoning.Client
	prompts   *PromptTemplateManager
	rules     PackRules
	timeout   time.Duration
	perBand   int
	maxTokens int
	logger    *observability.Logger
}

// NewLLMPlanner creates a planner. A nil client plans with the fallback only.
func NewLLMPlanner(client reasoning.Client, prompts *PromptTemplateManager, cfg *config.Config, logger *observability.Logger) *LLMPlanner {
	timeout := cfg.Planner.LLMTimeout
	if timeout <= 0 {
		timeout = config.DefaultLLMTimeout
	}
	perBand := cfg.Planner.MaxPromptCandidatesPerBand
	if perBand <= 0 {
		perBand = config.DefaultMaxPromptCandidatesPerBand
	}
	return &LLMPlanner{
		client:    client,
		prompts:   prompts,
		rules:     PackRulesFromConfig(&cfg.Planner),
		timeout:   timeout,
		perBand:   perBand,
		maxTokens: cfg.Reasoning.MaxTokens,
		logger:    logger,
	}
}

type candidateView struct {
	ID        int64                 `json:"id"`
	Band      models.DifficultyBand `json:"band"`
	Pair      string                `json:"pair"`
	PYQ       float64               `json:"pyq"`
	Debt      int                   `json:"debt"`
	Readiness models.ReadinessLabel `json:"readiness"`
	Concepts  []string              `json:"concepts,omitempty"`
}

type planReply struct {
	SchemaVersion string `json:"schema_version"`
	Items         []struct {
		ID  int64 `json:"id"`
		Why struct {
			DominantConcepts []string `json:"dominant_concepts"`
			Relevance        float64  `json:"relevance"`
			Note             string   `json:"note"`
		} `json:"why"`
	} `json:"items"`
}

// Plan returns a pack that passed the hard constraints, from the reasoning
// service when it cooperates within the time budget, otherwise from the fallback.
func (p *LLMPlanner) Plan(ctx context.Context, sel *SelectionContext) (result0 *PlanResult, err error) {
	pool := sel.Pool
	ctx, span := observability.TracePlannerFunction(ctx, "llm_plan",
		observability.AttributeUserID(pool.UserID), observability.AttributeSessSeq(pool.SessSeq),
		observability.AttributePoolSize(pool.PoolSize))
	defer observability.FinishSpan(span, &err)

	if p.client == nil {
		return p.fallback(ctx, sel, ReasoningOutcome{}, FallbackReasonDisabled)
	}

	prompt, err := p.renderPrompt(pool)
	if err != nil {
		p.logger.Error(ctx, "Failed to render planning prompt", err, map[string]interface{}{"user_id": pool.UserID})
		return p.fallback(ctx, sel, ReasoningOutcome{Model: p.client.ModelID()}, "prompt_error")
	}

	llmCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	outcome := p.prompts.structuredExchange(llmCtx, p.client, reasoning.Request{
		Name:        PackPlanSchemaVersion,
		System:      plannerSystemPrompt,
		Messages:    []reasoning.Message{{Role: reasoning.RoleUser, Content: prompt}},
		MaxTokens:   p.maxTokens,
		Temperature: 0,
		JSON:        true,
	}, PackPlanSchemaVersion, p.checkReply(pool))

	span.SetAttributes(attribute.String("planner.outcome", string(outcome.Kind)), attribute.Bool("planner.retry_used", outcome.RetryUsed))
	if outcome.Kind != OutcomeValidJSON {
		return p.fallback(ctx, sel, outcome, string(outcome.Kind))
	}

	items, err := p.itemsFromReply(outcome.Body, pool)
	if err != nil {
		return p.fallback(ctx, sel, outcome, string(OutcomeSchemaError))
	}
	report := p.rules.Validate(items, pool, sel.KnownPairs, sel.KnownConcepts)
	return &PlanResult{
		Items:     items,
		Report:    report,
		Model:     outcome.Model,
		Outcome:   OutcomeValidJSON,
		RetryUsed: outcome.RetryUsed,
	}, nil
}

func (p *LLMPlanner) fallback(ctx context.Context, sel *SelectionContext, outcome ReasoningOutcome, reason string) (*PlanResult, error) {
	fields := map[string]interface{}{
		"user_id":    sel.Pool.UserID,
		"sess_seq":   sel.Pool.SessSeq,
		"reason":     reason,
		"retry_used": outcome.RetryUsed,
	}
	if len(outcome.Violations) > 0 {
		fields["violations"] = outcome.Violations
	}
	if outcome.Err != nil {
		fields["error"] = outcome.Err.Error()
	}
	p.logger.Warn(ctx, "Planning with deterministic fallback", fields)

	items, report, err := p.rules.FallbackSelect(sel.Pool, sel.KnownPairs)
	if err != nil {
		return nil, err
	}
	model := FallbackModelID
	if outcome.Model != "" {
		model = outcome.Model
	}
	return &PlanResult{
		Items:          items,
		Report:         report,
		Model:          model,
		Outcome:        outcome.Kind,
		UsedFallback:   true,
		RetryUsed:      outcome.RetryUsed,
		FallbackReason: reason,
	}, nil
}

// renderPrompt lists the best-ranked candidates of each band, capped per band
func (p *LLMPlanner) renderPrompt(pool *models.CandidatePool) (string, error) {
	perBand := map[models.DifficultyBand]int{}
	var views []candidateView
	for _, c := range rankCandidates(pool) {
		if perBand[c.Band] >= p.perBand {
			continue
		}
		perBand[c.Band]++
		concepts := c.CoreConcepts
		if len(concepts) > 2 {
			concepts = concepts[:2]
		}
		views = append(views, candidateView{
			ID:        c.QuestionID,
			Band:      c.Band,
			Pair:      c.Pair.Key(),
			PYQ:       c.PYQ,
			Debt:      c.CoverageDebt,
			Readiness: c.Readiness,
			Concepts:  concepts,
		})
	}
	candidatesJSON, err := json.Marshal(views)
	if err != nil {
		return "", err
	}

	t := p.rules.targets(pool)
	data := PromptTemplateData{
		SchemaVersion:  PackPlanSchemaVersion,
		Schema:         p.prompts.SchemaText(PackPlanSchemaVersion),
		PackSize:       models.PackSize,
		PYQLow:         models.PYQThresholdLow,
		PYQHigh:        models.PYQThresholdHigh,
		PYQMinCount:    models.PYQMinCount,
		ColdStart:      t.coldStart,
		ColdStartPairs: t.coldStartPairs,
		ReadinessNeed:  t.readinessNeed,
		CandidatesJSON: string(candidatesJSON),
	}
	for _, b := range models.Bands {
		data.Bands = append(data.Bands, BandQuotaView{Band: b, Quota: models.BandQuota[b]})
	}
	for _, pair := range t.coveragePairs {
		data.CoverageTargets = append(data.CoverageTargets, pair.Key())
	}
	return p.prompts.RenderTemplate(PackPlanPromptTemplate, data)
}

// checkReply rejects replies that reference unknown or repeated ids or break a
// hard constraint, so those failures get the same single repair as schema errors.
func (p *LLMPlanner) checkReply(pool *models.CandidatePool) replyCheck {
	return func(body []byte) []string {
		items, err := p.itemsFromReply(body, pool)
		if err != nil {
			return []string{err.Error()}
		}
		var violations []string
		seen := map[int64]bool{}
		for _, item := range items {
			if seen[item.QuestionID] {
				violations = append(violations, fmt.Sprintf("id %d appears more than once", item.QuestionID))
			}
			seen[item.QuestionID] = true
			if _, ok := pool.Get(item.QuestionID); !ok {
				violations = append(violations, fmt.Sprintf("id %d is not a candidate", item.QuestionID))
			}
		}
		report := p.rules.Validate(items, pool, nil, nil)
		for _, v := range report.HardViolations() {
			if v.Name == models.ConstraintUniqueIDs || v.Name == models.ConstraintInPool {
				continue
			}
			violations = append(violations, fmt.Sprintf("%s violated: %s", v.Name, v.Detail))
		}
		return violations
	}
}

func (p *LLMPlanner) itemsFromReply(body []byte, pool *models.CandidatePool) ([]models.PlannedItem, error) {
	var reply planReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("reply does not match %s: %v", PackPlanSchemaVersion, err)
	}
	items := make([]models.PlannedItem, 0, len(reply.Items))
	for _, it := range reply.Items {
		item := models.PlannedItem{
			QuestionID: it.ID,
			Why: models.Why{
				DominantConcepts: append([]string{}, it.Why.DominantConcepts...),
				Relevance:        it.Why.Relevance,
				Source:           models.SourceLLM,
				Note:             it.Why.Note,
			},
		}
		if c, ok := pool.Get(it.ID); ok {
			item.Why.Pair = c.Pair
		}
		items = append(items, item)
	}
	return items, nil
}
