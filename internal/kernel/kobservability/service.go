// Package kobservability implements the ObservabilityService contract
// (spec.md §4.6): lifecycle callbacks around node invocation, plus two
// built-in implementations (NoOp, Fanout) and a ReplyAware decorator
// that drives the ReplyCoordinator from ingress/terminal events.
package kobservability

import (
	"context"

	"github.com/oriys/kernel/internal/kernel/envelope"
)

// ObserverState is opaque state threaded from BeforeNode through
// AfterNode/OnNodeError for a single node invocation. It may carry a
// span_id that downstream deliveries inherit as their parent linkage.
type ObserverState struct {
	SpanID string
	extra  map[string]any
}

// WithExtra attaches exporter-private state, retrievable by that same
// exporter. Other exporters in a Fanout never see another's extras.
func (s ObserverState) WithExtra(key string, value any) ObserverState {
	cp := ObserverState{SpanID: s.SpanID, extra: make(map[string]any, len(s.extra)+1)}
	for k, v := range s.extra {
		cp.extra[k] = v
	}
	cp.extra[key] = value
	return cp
}

// Extra retrieves exporter-private state set via WithExtra.
func (s ObserverState) Extra(key string) (any, bool) {
	v, ok := s.extra[key]
	return v, ok
}

// Service is the ObservabilityService contract. All methods are
// always called — NoOp and Fanout are the two built-ins; capability
// probing from the source runtime becomes static interface
// satisfaction here.
type Service interface {
	BeforeNode(ctx context.Context, nodeName string, payload any, nodeCtx map[string]any, traceID string) ObserverState
	AfterNode(ctx context.Context, nodeName string, payload any, nodeCtx map[string]any, traceID string, outputs []any, state ObserverState)
	OnNodeError(ctx context.Context, nodeName string, payload any, nodeCtx map[string]any, traceID string, err error, state ObserverState)
	OnIngress(ctx context.Context, traceID, replyTo string)
	OnTerminalEvent(ctx context.Context, traceID string, event envelope.TerminalEvent)
	OnRunEnd(ctx context.Context)
}

// NoOp satisfies Service with every method a no-op. It is the default
// when runtime.observability.tracing.exporters and
// runtime.observability.logging.exporters are both empty.
type NoOp struct{}

func (NoOp) BeforeNode(context.Context, string, any, map[string]any, string) ObserverState {
	return ObserverState{}
}
func (NoOp) AfterNode(context.Context, string, any, map[string]any, string, []any, ObserverState) {}
func (NoOp) OnNodeError(context.Context, string, any, map[string]any, string, error, ObserverState) {
}
func (NoOp) OnIngress(context.Context, string, string)                         {}
func (NoOp) OnTerminalEvent(context.Context, string, envelope.TerminalEvent)    {}
func (NoOp) OnRunEnd(context.Context)                                          {}

var _ Service = NoOp{}
