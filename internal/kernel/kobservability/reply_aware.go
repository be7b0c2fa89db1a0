package kobservability

import (
	"context"

	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/reply"
)

// ReplyAware wraps a Fanout and drives a reply.Coordinator from
// ingress/terminal events, so a transport waiting on a request/
// response round trip is woken the moment the scenario produces a
// terminal event for that trace_id (spec.md §4.6, §4.9).
type ReplyAware struct {
	*Fanout
	coord          *reply.Coordinator
	timeoutSeconds int64
	nowEpoch       func() int64
}

// NewReplyAware builds a ReplyAware observer. nowEpoch defaults to
// reply.Now when nil; tests should supply a deterministic clock.
func NewReplyAware(coord *reply.Coordinator, timeoutSeconds int64, nowEpoch func() int64, observers ...Service) *ReplyAware {
	if nowEpoch == nil {
		nowEpoch = reply.Now
	}
	return &ReplyAware{
		Fanout:         NewFanout(observers...),
		coord:          coord,
		timeoutSeconds: timeoutSeconds,
		nowEpoch:       nowEpoch,
	}
}

// OnIngress registers a reply waiter for traceID whenever the ingress
// carries a non-empty reply_to, in addition to fanning the event out.
func (r *ReplyAware) OnIngress(ctx context.Context, traceID, replyTo string) {
	r.Fanout.OnIngress(ctx, traceID, replyTo)
	if replyTo == "" {
		return
	}
	// Duplicate-in-flight registrations are a caller bug elsewhere in
	// the pipeline, not something observability should fail on.
	_ = r.coord.Register(traceID, replyTo, r.timeoutSeconds, r.nowEpoch())
}

// OnTerminalEvent completes the matching reply waiter, then fans the
// event out to every wrapped observer.
func (r *ReplyAware) OnTerminalEvent(ctx context.Context, traceID string, event envelope.TerminalEvent) {
	r.coord.Complete(traceID, event, r.nowEpoch())
	r.Fanout.OnTerminalEvent(ctx, traceID, event)
}

// Coordinator exposes the underlying reply.Coordinator so a transport
// or CLI driver can Poll/Expire it directly.
func (r *ReplyAware) Coordinator() *reply.Coordinator { return r.coord }

var _ Service = (*ReplyAware)(nil)
