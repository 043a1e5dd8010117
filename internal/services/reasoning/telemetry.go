package reasoning

import (
	"context"
	"time"

	"packplanner/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// telemetryClient traces and logs every request of the wrapped client
type telemetryClient struct {
	inner    Client
	provider string
	logger   *observability.Logger
}

// WithTelemetry wraps a client with a span and a structured log line per request
func WithTelemetry(c Client, provider string, logger *observability.Logger) Client {
	return &telemetryClient{inner: c, provider: provider, logger: logger}
}

func (t *telemetryClient) Complete(ctx context.Context, req Request) (result0 *Response, err error) {
	ctx, span := observability.TraceReasoningFunction(ctx, "complete",
		observability.AttributeProvider(t.provider),
		observability.AttributeModel(t.inner.ModelID()),
		attribute.String("reasoning.request", req.Name),
		attribute.Int("reasoning.messages", len(req.Messages)),
	)
	defer observability.FinishSpan(span, &err)

	start := time.Now()
	resp, err := t.inner.Complete(ctx, req)
	fields := map[string]interface{}{
		"provider":   t.provider,
		"model":      t.inner.ModelID(),
		"request":    req.Name,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		t.logger.Warn(ctx, "Reasoning request failed", fields, map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	fields["input_tokens"] = resp.InputTokens
	fields["output_tokens"] = resp.OutputTokens
	span.SetAttributes(attribute.Int("reasoning.input_tokens", resp.InputTokens), attribute.Int("reasoning.output_tokens", resp.OutputTokens))
	t.logger.Debug(ctx, "Reasoning request completed", fields)
	return resp, nil
}

func (t *telemetryClient) ModelID() string {
	return t.inner.ModelID()
}
