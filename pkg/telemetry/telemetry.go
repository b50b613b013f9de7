// Package telemetry provides OpenTelemetry distributed tracing for lexrag.
// It instruments the query pipeline with spans for each stage, supports W3C
// Trace Context propagation, and exports to OTLP or stdout.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/lexatlas/lexrag"

// Config holds tracing configuration.
type Config struct {
	// Enabled turns tracing on/off.
	Enabled bool

	// Exporter selects the trace exporter: "otlp", "stdout", or "none".
	Exporter string

	// Endpoint is the OTLP collector address (e.g., "localhost:4317").
	Endpoint string

	// SampleRate controls the sampling ratio (0.0 to 1.0).
	// 1.0 = sample everything, 0.1 = sample 10%.
	SampleRate float64

	// ServiceName overrides the default service name.
	ServiceName string

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool
}

// DefaultConfig returns tracing defaults (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "otlp",
		Endpoint:    "localhost:4317",
		SampleRate:  1.0,
		ServiceName: "lexrag",
		Insecure:    true,
	}
}

// Provider wraps the OTEL TracerProvider and exposes lexrag-specific helpers.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init sets up the global TracerProvider based on the config.
// Returns a Provider that must be shut down with Shutdown().
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		// Return a no-op provider
		return &Provider{
			tracer: trace.NewNoopTracerProvider().Tracer(tracerName),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultConfig().ServiceName
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "none", "":
		return &Provider{
			tracer: trace.NewNoopTracerProvider().Tracer(tracerName),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout, none)", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("0.1.0"),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Set global provider and propagator
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(tracerName),
	}, nil
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the lexrag tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// --- Span helpers for query and ingest stages ---

// StartRequest creates a root span for an incoming HTTP request.
func (p *Provider) StartRequest(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "lexrag.request",
		trace.WithAttributes(attribute.String("lexrag.endpoint", endpoint)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartPlan creates a span for the orchestration planning call.
func (p *Provider) StartPlan(ctx context.Context) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "lexrag.plan")
}

// StartUnderstanding creates a span for the query analysis stage.
func (p *Provider) StartUnderstanding(ctx context.Context, queryLen int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "lexrag.understanding",
		trace.WithAttributes(attribute.Int("lexrag.query.length", queryLen)),
	)
}

// StartRetrieval creates a span for hybrid corpus retrieval.
func (p *Provider) StartRetrieval(ctx context.Context, topK int, backend string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "lexrag.retrieval",
		trace.WithAttributes(
			attribute.Int("lexrag.retrieval.top_k", topK),
			attribute.String("lexrag.retrieval.backend", backend),
		),
	)
}

// StartRerank creates a span for the LLM rerank stage.
func (p *Provider) StartRerank(ctx context.Context, candidates int) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "lexrag.rerank",
		trace.WithAttributes(attribute.Int("lexrag.rerank.candidates", candidates)),
	)
}

// StartAnswer creates a span for answer composition.
func (p *Provider) StartAnswer(ctx context.Context, agent string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "lexrag.answer",
		trace.WithAttributes(attribute.String("lexrag.agent", agent)),
	)
}

// StartIngestDocument creates a span covering one document's pipeline run.
func (p *Provider) StartIngestDocument(ctx context.Context, docID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "lexrag.ingest.document",
		trace.WithAttributes(attribute.String("lexrag.ingest.doc_id", docID)),
	)
}

// StartCacheLookup creates a span for a cache lookup.
func (p *Provider) StartCacheLookup(ctx context.Context, key string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "lexrag.cache.lookup",
		trace.WithAttributes(attribute.String("lexrag.cache.key", key)),
	)
}

// RecordRetrievalResult adds retrieval outcome attributes to a span.
func RecordRetrievalResult(span trace.Span, merged, selected, contextTokens int, latency time.Duration) {
	span.SetAttributes(
		attribute.Int("lexrag.result.merged_count", merged),
		attribute.Int("lexrag.result.selected_count", selected),
		attribute.Int("lexrag.result.context_tokens", contextTokens),
		attribute.Int64("lexrag.result.latency_ms", latency.Milliseconds()),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
