package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/thistle/pkg/tracing/exporters"
)

// ProviderConfig selects the span exporter for the service.
type ProviderConfig struct {
	ServiceName string
	// Exporter is one of "none", "console", "otlp"
	Exporter string
	OTLP     exporters.OTLPConfig
	Logger   ectologger.Logger
}

// Provider owns the SDK tracer provider so it can be flushed on shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds a tracer provider, installs it globally and points StartSpan at it.
// Exporter "none" leaves tracing disabled and returns a nil-safe Provider.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", "none":
		return &Provider{}, nil
	case "console":
		exporter = exporters.NewConsoleExporter(cfg.Logger)
	case "otlp":
		exp, err := exporters.NewOTLPExporter(ctx, cfg.OTLP)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	SetTracer(tp.Tracer(cfg.ServiceName))

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
