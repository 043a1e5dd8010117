package services

import (
	"context"
	"fmt"

	"packplanner/internal/models"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"
)

// PackAssembler hydrates planned items from the catalog and runs the final
// constraint gate. It never repairs a pack that fails the gate.
type PackAssembler struct {
	catalog QuestionCatalog
	rules   PackRules
	logger  *observability.Logger
}

// NewPackAssembler creates an assembler
func NewPackAssembler(catalog QuestionCatalog, rules PackRules, logger *observability.Logger) *PackAssembler {
	return &PackAssembler{catalog: catalog, rules: rules, logger: logger}
}

// AssembledPack is a hydrated pack and its final report
type AssembledPack struct {
	Items  []models.PackItem
	Report *models.ConstraintReport
}

// Assemble loads every planned question in one catalog read, keeps the planned
// order and re-validates. Any failure here is an InvariantViolationError.
func (a *PackAssembler) Assemble(ctx context.Context, sessionID string, planned []models.PlannedItem, sel *SelectionContext) (result0 *AssembledPack, err error) {
	pool := sel.Pool
	ctx, span := observability.TracePlannerFunction(ctx, "assemble_pack",
		observability.AttributeUserID(pool.UserID), observability.AttributeSessionID(sessionID))
	defer observability.FinishSpan(span, &err)

	ids := make([]int64, len(planned))
	for i, item := range planned {
		ids[i] = item.QuestionID
	}
	questions, err := a.catalog.GetQuestionsByIDs(ctx, ids)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to hydrate pack")
	}
	byID := make(map[int64]models.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	var violations []string
	items := make([]models.PackItem, 0, len(planned))
	for _, p := range planned {
		q, ok := byID[p.QuestionID]
		switch {
		case !ok:
			violations = append(violations, fmt.Sprintf("question %d missing from catalog", p.QuestionID))
			continue
		case !q.IsActive:
			violations = append(violations, fmt.Sprintf("question %d is no longer active", p.QuestionID))
		}
		if c, inPool := pool.Get(p.QuestionID); inPool && c.Band != q.DifficultyBand {
			violations = append(violations, fmt.Sprintf("question %d changed band from %s to %s", p.QuestionID, c.Band, q.DifficultyBand))
		}
		question := q
		why := p.Why
		why.Pair = question.Pair()
		items = append(items, models.PackItem{
			QuestionID:     q.ID,
			DifficultyBand: q.DifficultyBand,
			Why:            why,
			Question:       &question,
		})
	}

	report := a.rules.Validate(planned, pool, sel.KnownPairs, sel.KnownConcepts)
	for _, v := range report.HardViolations() {
		violations = append(violations, fmt.Sprintf("%s: %s", v.Name, v.Detail))
	}
	if len(violations) > 0 {
		invErr := &InvariantViolationError{UserID: pool.UserID, SessionID: sessionID, Violations: violations}
		a.logger.Error(ctx, "Pack failed final validation", invErr, map[string]interface{}{
			"user_id":    pool.UserID,
			"session_id": sessionID,
			"violations": violations,
		})
		return nil, invErr
	}
	return &AssembledPack{Items: items, Report: report}, nil
}
