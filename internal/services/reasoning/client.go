// Package reasoning wraps the external LLM providers behind one small client
// interface used by the pack planner and the post-session summarizer.
package reasoning

import (
	"context"
	"errors"
	"net/http"

	"packplanner/internal/config"
	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Role is the sender of a message
type Role string

// Message roles
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation
type Message struct {
	Role    Role
	Content string
}

// Request is one completion request. Messages hold the conversation; a repair
// request carries the rejected reply as an assistant turn.
type Request struct {
	// Name identifies the prompt, e.g. the schema version it expects
	Name        string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// JSON asks the provider for a bare JSON object when it supports that
	JSON bool
}

// Response is the raw text a provider returned
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client is a reasoning service
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	ModelID() string
}

// NewClient builds the client selected by cfg.Provider, wrapped with tracing and logging
func NewClient(ctx context.Context, cfg *config.ReasoningConfig, logger *observability.Logger) (Client, error) {
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	var base Client
	var err error
	switch cfg.Provider {
	case "openai":
		base, err = NewOpenAIClient(cfg, httpClient)
	case "anthropic":
		base, err = NewAnthropicClient(cfg, httpClient)
	case "gemini":
		base, err = NewGeminiClient(ctx, cfg, httpClient)
	case "mock", "":
		base = NewMockClient()
	default:
		return nil, contextutils.WrapErrorf(contextutils.ErrAIConfigInvalid, "unknown reasoning provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, contextutils.WrapErrorf(err, "failed to initialize %s reasoning client", cfg.Provider)
	}
	return WithTelemetry(base, cfg.Provider, logger), nil
}

// classifyError maps provider and context failures onto the error taxonomy.
// Callers only distinguish timeouts from everything else.
func classifyError(ctx context.Context, provider string, err error, status int) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return contextutils.WrapErrorf(contextutils.ErrTimeout, "%s request timed out: %v", provider, err)
	}
	if errors.Is(err, context.Canceled) {
		return contextutils.WrapErrorf(contextutils.ErrAIRequestFailed, "%s request cancelled: %v", provider, err)
	}
	if status == http.StatusTooManyRequests || status >= 500 || status == 0 {
		return contextutils.WrapErrorf(contextutils.ErrAIProviderUnavailable, "%s unavailable (status %d): %v", provider, status, err)
	}
	return contextutils.WrapErrorf(contextutils.ErrAIRequestFailed, "%s request failed (status %d): %v", provider, status, err)
}
