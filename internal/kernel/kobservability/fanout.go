package kobservability

import (
	"context"

	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/klog"
)

// Fanout dispatches every ObservabilityService call to N registered
// observers. Each observer's panic is isolated — one broken exporter
// never breaks another or the node invocation it is observing
// (spec.md §4.6).
type Fanout struct {
	observers []Service
}

// NewFanout builds a Fanout over the given observers, in registration
// order (the order their BeforeNode/AfterNode calls fire in).
func NewFanout(observers ...Service) *Fanout {
	return &Fanout{observers: observers}
}

func (f *Fanout) isolate(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			klog.Op().Error("observer panicked", "observer", name, "panic", r)
		}
	}()
	fn()
}

func (f *Fanout) BeforeNode(ctx context.Context, nodeName string, payload any, nodeCtx map[string]any, traceID string) ObserverState {
	// BeforeNode's return value becomes the state threaded through
	// AfterNode/OnNodeError for THIS fanout call; only the first
	// observer's span_id is surfaced as the envelope-visible one,
	// matching "observer_state may contain a span_id" (spec.md §4.3).
	var merged ObserverState
	for i, o := range f.observers {
		idx := i
		ob := o
		f.isolate("before_node", func() {
			st := ob.BeforeNode(ctx, nodeName, payload, nodeCtx, traceID)
			if idx == 0 {
				merged.SpanID = st.SpanID
			}
			merged = merged.WithExtra(observerKey(idx), st)
		})
	}
	return merged
}

func (f *Fanout) AfterNode(ctx context.Context, nodeName string, payload any, nodeCtx map[string]any, traceID string, outputs []any, state ObserverState) {
	for i, o := range f.observers {
		idx := i
		ob := o
		f.isolate("after_node", func() {
			st, _ := state.Extra(observerKey(idx))
			sub, _ := st.(ObserverState)
			ob.AfterNode(ctx, nodeName, payload, nodeCtx, traceID, outputs, sub)
		})
	}
}

func (f *Fanout) OnNodeError(ctx context.Context, nodeName string, payload any, nodeCtx map[string]any, traceID string, err error, state ObserverState) {
	for i, o := range f.observers {
		idx := i
		ob := o
		f.isolate("on_node_error", func() {
			st, _ := state.Extra(observerKey(idx))
			sub, _ := st.(ObserverState)
			ob.OnNodeError(ctx, nodeName, payload, nodeCtx, traceID, err, sub)
		})
	}
}

func (f *Fanout) OnIngress(ctx context.Context, traceID, replyTo string) {
	for _, o := range f.observers {
		ob := o
		f.isolate("on_ingress", func() { ob.OnIngress(ctx, traceID, replyTo) })
	}
}

func (f *Fanout) OnTerminalEvent(ctx context.Context, traceID string, event envelope.TerminalEvent) {
	for _, o := range f.observers {
		ob := o
		f.isolate("on_terminal_event", func() { ob.OnTerminalEvent(ctx, traceID, event) })
	}
}

func (f *Fanout) OnRunEnd(ctx context.Context) {
	for _, o := range f.observers {
		ob := o
		f.isolate("on_run_end", func() { ob.OnRunEnd(ctx) })
	}
}

var _ Service = (*Fanout)(nil)

func observerKey(i int) string {
	const letters = "0123456789"
	if i < 10 {
		return "observer:" + string(letters[i])
	}
	// cheap fallback for >10 observers, avoids pulling in strconv here
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{letters[i%10]}, digits...)
		i /= 10
	}
	return "observer:" + string(digits)
}
