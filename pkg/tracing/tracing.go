package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

// Span attribute keys shared by the scan and merge paths.
const (
	AttrScanID       = attribute.Key("dedup.scan_id")
	AttrCandidateID  = attribute.Key("dedup.candidate_id")
	AttrKeepEntityID = attribute.Key("dedup.keep_entity_id")
	AttrEntityCount  = attribute.Key("dedup.entity_count")
)

// SetTracer sets the tracer used by StartSpan. Until it is called spans are no-ops.
func SetTracer(t trace.Tracer) {
	tracer = t
}

// activeSpan returns the recording span on ctx, or nil when tracing is off.
func activeSpan(ctx context.Context) trace.Span {
	if tracer == nil {
		return nil
	}
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	return span
}

// StartSpan starts a child span carrying attrs.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// Annotate adds attributes to the active span, e.g. an id known only after an insert.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := activeSpan(ctx); span != nil {
		span.SetAttributes(attrs...)
	}
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := activeSpan(ctx)
	if span == nil {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// RecordError marks the active span as failed.
func RecordError(ctx context.Context, err error) {
	span := activeSpan(ctx)
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
