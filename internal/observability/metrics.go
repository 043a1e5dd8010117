package observability

import (
	"context"

	"packplanner/internal/config"
	contextutils "packplanner/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes OpenTelemetry metrics
func InitMetrics(cfg *config.OpenTelemetryConfig) (result0 *metric.MeterProvider, err error) {
	ctx := context.Background()

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var exporter metric.Exporter
	switch cfg.Protocol {
	case "grpc":
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to create otlp grpc metric exporter: %w", err)
		}
		exporter = exp
	case "http":
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(cfg.Endpoint),
			otlpmetrichttp.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to create otlp http metric exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unsupported otel protocol: %s", cfg.Protocol)
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter)),
		metric.WithResource(res),
	)
	return mp, nil
}

// PlannerMetrics holds the instruments recorded by planning and summarization.
// Instruments come from the global meter provider, so they are no-ops until
// SetupObservability installs a real one.
type PlannerMetrics struct {
	plans          otelmetric.Int64Counter
	fallbacks      otelmetric.Int64Counter
	relaxations    otelmetric.Int64Counter
	poolExpansions otelmetric.Int64Counter
	planDuration   otelmetric.Float64Histogram
	summaries      otelmetric.Int64Counter
}

// NewPlannerMetrics creates the planner instruments from the given meter provider,
// or the global one when mp is nil.
func NewPlannerMetrics(mp otelmetric.MeterProvider) *PlannerMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	// Instrument constructors only fail on invalid names, which are constants here.
	plans, _ := meter.Int64Counter("planner.plans",
		otelmetric.WithDescription("Session pack plans created"))
	fallbacks, _ := meter.Int64Counter("planner.fallbacks",
		otelmetric.WithDescription("Plans produced by deterministic fallback, by reason"))
	relaxations, _ := meter.Int64Counter("planner.relaxations",
		otelmetric.WithDescription("Soft constraints relaxed while planning"))
	poolExpansions, _ := meter.Int64Counter("planner.pool_expansions",
		otelmetric.WithDescription("Candidate pool ladder steps beyond the first"))
	planDuration, _ := meter.Float64Histogram("planner.plan_duration",
		otelmetric.WithDescription("End to end planning latency"),
		otelmetric.WithUnit("ms"))
	summaries, _ := meter.Int64Counter("summarizer.summaries",
		otelmetric.WithDescription("Session summaries produced, by source"))

	return &PlannerMetrics{
		plans:          plans,
		fallbacks:      fallbacks,
		relaxations:    relaxations,
		poolExpansions: poolExpansions,
		planDuration:   planDuration,
		summaries:      summaries,
	}
}

// RecordPlan records one completed plan
func (m *PlannerMetrics) RecordPlan(ctx context.Context, usedFallback bool, fallbackReason string, relaxed []string, expansions int, durationMs float64) {
	if m == nil {
		return
	}
	m.plans.Add(ctx, 1, otelmetric.WithAttributes(attribute.Bool("planner.fallback", usedFallback)))
	if usedFallback {
		m.fallbacks.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("planner.fallback_reason", fallbackReason)))
	}
	for _, r := range relaxed {
		m.relaxations.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("planner.constraint", r)))
	}
	if expansions > 0 {
		m.poolExpansions.Add(ctx, int64(expansions))
	}
	m.planDuration.Record(ctx, durationMs)
}

// RecordSummary records one persisted session summary
func (m *PlannerMetrics) RecordSummary(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.summaries.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("summary.source", source)))
}
