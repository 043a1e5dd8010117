package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"packplanner/internal/services/reasoning"
	contextutils "packplanner/internal/utils"
)

// OutcomeKind tags the result of a structured reasoning exchange
type OutcomeKind string

const (
	OutcomeValidJSON   OutcomeKind = "valid_json"
	OutcomeSchemaError OutcomeKind = "schema_error"
	OutcomeTimeout     OutcomeKind = "timeout"
	OutcomeUnavailable OutcomeKind = "unavailable"
)

// ReasoningOutcome is the tagged result of one request plus at most one repair.
// Body is set only for OutcomeValidJSON, Violations only for OutcomeSchemaError.
type ReasoningOutcome struct {
	Kind       OutcomeKind
	Body       json.RawMessage
	Violations []string
	RetryUsed  bool
	Model      string
	Err        error
}

// replyCheck returns semantic violations of a schema-valid reply
type replyCheck func(body []byte) []string

// callReasoning runs one request and stops waiting when ctx ends. The
// abandoned call finishes in the background and its result is dropped.
func callReasoning(ctx context.Context, client reasoning.Client, req reasoning.Request) (*reasoning.Response, OutcomeKind, error) {
	type result struct {
		resp *reasoning.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.Complete(ctx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, OutcomeTimeout, contextutils.WrapError(contextutils.ErrTimeout, ctx.Err().Error())
	case r := <-done:
		if r.err == nil {
			return r.resp, "", nil
		}
		if ctx.Err() != nil || errors.Is(r.err, contextutils.ErrTimeout) {
			return nil, OutcomeTimeout, r.err
		}
		return nil, OutcomeUnavailable, r.err
	}
}

// structuredExchange sends req, validates the reply against the schema and
// check, and on failure sends exactly one repair request listing the
// violations. Timeouts and provider failures are never repaired.
func (tm *PromptTemplateManager) structuredExchange(ctx context.Context, client reasoning.Client, req reasoning.Request, schemaVersion string, check replyCheck) ReasoningOutcome {
	outcome := ReasoningOutcome{Model: client.ModelID()}

	resp, kind, err := callReasoning(ctx, client, req)
	if err != nil {
		outcome.Kind, outcome.Err = kind, err
		return outcome
	}
	if resp.Model != "" {
		outcome.Model = resp.Model
	}
	body, violations := tm.checkReply(schemaVersion, resp.Text, check)
	if len(violations) == 0 {
		outcome.Kind, outcome.Body = OutcomeValidJSON, body
		return outcome
	}

	repairPrompt, err := tm.RenderTemplate(RepairPromptTemplate, PromptTemplateData{SchemaVersion: schemaVersion, Violations: violations})
	if err != nil {
		outcome.Kind, outcome.Violations, outcome.Err = OutcomeSchemaError, violations, err
		return outcome
	}
	repair := req
	repair.Messages = append(append([]reasoning.Message(nil), req.Messages...),
		reasoning.Message{Role: reasoning.RoleAssistant, Content: resp.Text},
		reasoning.Message{Role: reasoning.RoleUser, Content: repairPrompt},
	)
	repair.Name = req.Name + ".repair"
	outcome.RetryUsed = true

	resp, kind, err = callReasoning(ctx, client, repair)
	if err != nil {
		outcome.Kind, outcome.Err = kind, err
		return outcome
	}
	body, violations = tm.checkReply(schemaVersion, resp.Text, check)
	if len(violations) == 0 {
		outcome.Kind, outcome.Body = OutcomeValidJSON, body
		return outcome
	}
	outcome.Kind, outcome.Violations = OutcomeSchemaError, violations
	outcome.Err = contextutils.WrapErrorf(contextutils.ErrAIResponseInvalid, "%d violations after repair", len(violations))
	return outcome
}

func (tm *PromptTemplateManager) checkReply(schemaVersion, text string, check replyCheck) (json.RawMessage, []string) {
	body := extractJSONObject(text)
	if body == nil {
		return nil, []string{"reply does not contain a JSON object"}
	}
	if !json.Valid(body) {
		return nil, []string{"reply is not valid JSON"}
	}
	if violations := tm.ValidateReply(schemaVersion, body); len(violations) > 0 {
		return nil, violations
	}
	if check != nil {
		if violations := check(body); len(violations) > 0 {
			return nil, violations
		}
	}
	return body, nil
}

// extractJSONObject trims prose or code fences around the outermost JSON object
func extractJSONObject(text string) json.RawMessage {
	raw := []byte(text)
	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return nil
	}
	return json.RawMessage(raw[start : end+1])
}
