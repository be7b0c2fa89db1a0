package childrt

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/kmetrics"
	"github.com/oriys/kernel/internal/kernel/kobservability"
	"github.com/oriys/kernel/internal/kernel/tracectx"
)

// ExecuteChildBoundaryLoop runs every input destined for this child's
// process group through its local node graph, draining same-group
// routing to completion and returning every output that must cross
// back over the process boundary: cross-group deliveries and terminal
// events (spec.md §4.11, execute_child_boundary_loop). An input whose
// dispatch_group does not match this runtime, or whose target names
// no known node, fails the call with a *BootstrapError whose Stage is
// "execute_boundary" — the
// supervisor filters inputs by group before dispatch, so either case
// indicates stale routing state.
func (c *ChildRuntime) ExecuteChildBoundaryLoop(ctx context.Context, inputs []envelope.BoundaryDispatchInput) ([]envelope.Envelope, error) {
	var out []envelope.Envelope

	for _, in := range inputs {
		if in.DispatchGroup != c.ProcessGroup {
			return nil, &BootstrapError{Stage: "execute_boundary", Err: fmt.Errorf("input dispatch_group %q does not match this worker's process group %q", in.DispatchGroup, c.ProcessGroup)}
		}
		if _, known := c.nodes[in.Target]; !known {
			return nil, &BootstrapError{Stage: "execute_boundary", Err: fmt.Errorf("unknown target %q", in.Target)}
		}

		c.queue.Push(envelope.Envelope{Payload: in.Payload, Target: in.Target, TraceID: in.TraceID, ReplyTo: in.ReplyTo, SpanID: in.SpanID})

		produced, err := c.drainBoundary(ctx, in)
		if err != nil {
			return nil, &BootstrapError{Stage: "execute_boundary", Err: err}
		}
		out = append(out, produced...)
	}
	return out, nil
}

// drainBoundary pops queued work to empty, invoking each target node
// with its context enriched by in's handoff metadata, and collects
// both cross-group deliveries and terminal outputs for the return
// trip across the boundary. Plain same-group local deliveries are
// re-queued and invoked in turn; they never leave this function.
func (c *ChildRuntime) drainBoundary(ctx context.Context, in envelope.BoundaryDispatchInput) ([]envelope.Envelope, error) {
	var produced []envelope.Envelope

	for {
		env, ok := c.queue.Pop()
		if !ok {
			return produced, nil
		}
		if err := env.Validate(); err != nil {
			return produced, err
		}
		if term, ok := env.Terminal(); ok {
			c.obs.OnTerminalEvent(ctx, env.TraceID, term)
			produced = append(produced, envelope.Envelope{Payload: term, TraceID: env.TraceID, ReplyTo: env.ReplyTo, SpanID: env.SpanID})
			continue
		}

		node := c.nodes[env.Target]
		if err := c.ctxSvc.Put(ctx, env.TraceID, tracectx.KeyProcessGroup, c.ProcessGroup); err != nil {
			return produced, fmt.Errorf("stamp process group for trace_id %q: %w", env.TraceID, err)
		}
		if in.SourceGroup != "" {
			if err := c.ctxSvc.Put(ctx, env.TraceID, tracectx.KeyHandoffFrom, in.SourceGroup); err != nil {
				return produced, fmt.Errorf("stamp handoff source for trace_id %q: %w", env.TraceID, err)
			}
		}
		if err := c.ctxSvc.Put(ctx, env.TraceID, tracectx.KeyRouteHop, in.RouteHop); err != nil {
			return produced, fmt.Errorf("stamp route hop for trace_id %q: %w", env.TraceID, err)
		}
		if env.SpanID != "" {
			if err := c.ctxSvc.Put(ctx, env.TraceID, tracectx.KeyParentSpanID, env.SpanID); err != nil {
				return produced, fmt.Errorf("stamp parent span for trace_id %q: %w", env.TraceID, err)
			}
		}

		meta, err := c.ctxSvc.Metadata(ctx, env.TraceID, node.Service)
		if err != nil {
			return produced, fmt.Errorf("load context for trace_id %q: %w", env.TraceID, err)
		}

		state := c.obs.BeforeNode(ctx, env.Target, env.Payload, meta, env.TraceID)
		spanCtx, span := kobservability.StartNodeSpan(ctx, env.Target,
			kobservability.AttrTraceID.String(env.TraceID),
			kobservability.AttrSpanID.String(state.SpanID),
		)
		invokedAt := time.Now()
		outputs, err := node.Fn(spanCtx, env.Payload, meta)
		durationMs := time.Since(invokedAt).Milliseconds()
		if err != nil {
			kobservability.SetSpanError(span, err)
			span.End()
			kmetrics.RecordNodeInvocation(env.Target, "error", durationMs)
			c.obs.OnNodeError(ctx, env.Target, env.Payload, meta, env.TraceID, err, state)
			return produced, fmt.Errorf("node %q: %w", env.Target, err)
		}
		kobservability.SetSpanOK(span)
		span.End()
		kmetrics.RecordNodeInvocation(env.Target, "ok", durationMs)
		c.obs.AfterNode(ctx, env.Target, env.Payload, meta, env.TraceID, outputs, state)

		result, err := c.router.Route(outputs, env.Target)
		if err != nil {
			return produced, fmt.Errorf("route outputs of %q: %w", env.Target, err)
		}
		for _, d := range result.LocalDeliveries {
			c.queue.PushDelivery(d, env.TraceID, env.ReplyTo, state.SpanID)
		}
		for _, term := range result.TerminalOutputs {
			traceID := term.TraceID
			if traceID == "" {
				traceID = env.TraceID
			}
			event, _ := term.Terminal()
			c.obs.OnTerminalEvent(ctx, traceID, event)
			produced = append(produced, envelope.Envelope{Payload: event, TraceID: traceID, ReplyTo: term.ReplyTo, SpanID: term.SpanID})
		}
		produced = append(produced, result.BoundaryDeliveries...)
	}
}

// DrainSources polls every read-capable adapter to exhaustion, seeding
// a fresh trace per payload and running it to completion locally.
// Cross-group deliveries and terminal events produced along the way
// are returned the same way ExecuteChildBoundaryLoop's are.
func (c *ChildRuntime) DrainSources(ctx context.Context, runID string) ([]envelope.Envelope, error) {
	var out []envelope.Envelope
	seq := 0

	for _, src := range c.sources {
		for {
			payload, ok, err := src.Read(ctx)
			if err != nil {
				return out, fmt.Errorf("childrt: read from source %q: %w", src.Name, err)
			}
			if !ok {
				break
			}
			seq++
			traceID := fmt.Sprintf("%s:%s:%d", runID, src.Name, seq)
			if err := c.ctxSvc.Seed(ctx, traceID, payload, runID, c.ScenarioID, ""); err != nil {
				return out, fmt.Errorf("childrt: seed source %q payload: %w", src.Name, err)
			}
			c.obs.OnIngress(ctx, traceID, "")

			result, err := c.router.Route([]any{payload}, "")
			if err != nil {
				return out, fmt.Errorf("childrt: route source %q payload: %w", src.Name, err)
			}
			for _, d := range result.LocalDeliveries {
				c.queue.PushDelivery(d, traceID, "", "")
			}
			for _, term := range result.TerminalOutputs {
				event, _ := term.Terminal()
				c.obs.OnTerminalEvent(ctx, traceID, event)
				out = append(out, envelope.Envelope{Payload: event, TraceID: traceID})
			}
			out = append(out, result.BoundaryDeliveries...)

			produced, err := c.drainBoundary(ctx, envelope.BoundaryDispatchInput{TraceID: traceID})
			if err != nil {
				return out, err
			}
			out = append(out, produced...)
		}
	}
	return out, nil
}
