package kobservability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartNodeSpan starts a span for one node invocation, tagged with the
// kernel's own attribute vocabulary.
func StartNodeSpan(ctx context.Context, nodeName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{AttrNodeName.String(nodeName)}, attrs...)
	return Tracer().Start(ctx, "node."+nodeName,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks a span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks a span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Attribute keys used on kernel spans.
var (
	AttrNodeName   = attribute.Key("kernel.node.name")
	AttrTraceID    = attribute.Key("kernel.trace_id")
	AttrSpanID     = attribute.Key("kernel.span_id")
	AttrRunID      = attribute.Key("kernel.run_id")
	AttrDurationMs = attribute.Key("kernel.duration_ms")
)
