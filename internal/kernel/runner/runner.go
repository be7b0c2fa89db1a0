// Package runner implements the SyncRunner (spec.md §4.3): the
// single-threaded cooperative scheduler that pops one envelope at a
// time, invokes its target node, and routes the node's outputs before
// popping the next.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/kernel/internal/kernel/contract"
	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/kmetrics"
	"github.com/oriys/kernel/internal/kernel/kobservability"
	"github.com/oriys/kernel/internal/kernel/queue"
	"github.com/oriys/kernel/internal/kernel/router"
	"github.com/oriys/kernel/internal/kernel/tracectx"
	"github.com/oriys/kernel/internal/kernel/wiretype"
)

// SinkMode is the ordering policy applied to "sink:"-prefixed targets.
type SinkMode string

const (
	// SinkModeCompletion imposes no extra ordering requirement.
	SinkModeCompletion SinkMode = "completion"
	// SinkModeSourceSeq requires every envelope destined for a
	// "sink:"-prefixed target to carry an integer __seq in its
	// per-trace metadata.
	SinkModeSourceSeq SinkMode = "source_seq"
)

// Runner is the SyncRunner.
type Runner struct {
	nodes            map[string]contract.NodeContract
	queue            *queue.WorkQueue
	router           *router.Router
	ctxSvc           *tracectx.Service
	obs              kobservability.Service
	fullContextNodes map[string]bool
	sinkMode         SinkMode
}

// New builds a Runner. fullContextNodes names the service nodes that
// receive the unfiltered per-trace metadata map.
func New(nodes map[string]contract.NodeContract, q *queue.WorkQueue, r *router.Router, ctxSvc *tracectx.Service, obs kobservability.Service, fullContextNodes map[string]bool, sinkMode SinkMode) *Runner {
	if obs == nil {
		obs = kobservability.NoOp{}
	}
	if fullContextNodes == nil {
		fullContextNodes = map[string]bool{}
	}
	return &Runner{
		nodes:            nodes,
		queue:            q,
		router:           r,
		ctxSvc:           ctxSvc,
		obs:              obs,
		fullContextNodes: fullContextNodes,
		sinkMode:         sinkMode,
	}
}

// Run drains the WorkQueue until empty, invoking each envelope's
// target node and routing its outputs before popping the next.
func (r *Runner) Run(ctx context.Context) error {
	_, err := r.Drain(ctx)
	return err
}

// Drain runs the queue to empty like Run, additionally collecting any
// boundary deliveries produced along the way — the supervisor and
// child-runtime callers need these; a plain in-process Run discards
// them because GroupOf is nil there and none are ever produced.
func (r *Runner) Drain(ctx context.Context) ([]envelope.Envelope, error) {
	var boundary []envelope.Envelope
	for {
		env, ok := r.queue.Pop()
		if !ok {
			return boundary, nil
		}
		produced, err := r.step(ctx, env)
		if err != nil {
			return boundary, err
		}
		boundary = append(boundary, produced...)
	}
}

func (r *Runner) step(ctx context.Context, env envelope.Envelope) ([]envelope.Envelope, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if term, ok := env.Terminal(); ok {
		r.obs.OnTerminalEvent(ctx, env.TraceID, term)
		return nil, nil
	}

	node, known := r.nodes[env.Target]
	if !known {
		return nil, fmt.Errorf("runner: unknown target %q (trace_id=%q)", env.Target, env.TraceID)
	}

	full := r.fullContextNodes[env.Target] || node.Service
	meta, err := r.ctxSvc.Metadata(ctx, env.TraceID, full)
	if err != nil {
		return nil, fmt.Errorf("runner: load context for trace_id %q: %w", env.TraceID, err)
	}
	if r.sinkMode == SinkModeSourceSeq && strings.HasPrefix(env.Target, "sink:") {
		if _, ok := tracectx.Seq(meta); !ok {
			return nil, fmt.Errorf("runner: ordered_sink_mode=source_seq requires __seq for target %q (trace_id=%q)", env.Target, env.TraceID)
		}
	}

	state := r.obs.BeforeNode(ctx, env.Target, env.Payload, meta, env.TraceID)
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
		r.obs.OnNodeError(ctx, env.Target, env.Payload, meta, env.TraceID, err, state)
		return nil, err
	}
	kobservability.SetSpanOK(span)
	span.End()
	kmetrics.RecordNodeInvocation(env.Target, "ok", durationMs)
	r.obs.AfterNode(ctx, env.Target, env.Payload, meta, env.TraceID, outputs, state)

	result, err := r.router.Route(outputs, env.Target)
	if err != nil {
		return nil, fmt.Errorf("runner: route outputs of %q: %w", env.Target, err)
	}
	for _, term := range result.TerminalOutputs {
		traceID := term.TraceID
		if traceID == "" {
			traceID = env.TraceID
		}
		event, _ := term.Terminal()
		r.obs.OnTerminalEvent(ctx, traceID, event)
	}
	for _, d := range result.LocalDeliveries {
		r.queue.PushDelivery(d, env.TraceID, env.ReplyTo, state.SpanID)
	}
	return result.BoundaryDeliveries, nil
}

// RunInputs seeds each input as a trace, draining the queue
// message-by-message before moving to the next input (spec.md §4.3's
// "message-by-message determinism").
func (r *Runner) RunInputs(ctx context.Context, inputs []envelope.Envelope, runID, scenarioID string) error {
	for i, input := range inputs {
		traceID := input.TraceID
		if traceID == "" {
			traceID = runID + ":" + strconv.Itoa(i+1)
		}
		if err := r.ctxSvc.Seed(ctx, traceID, input.Payload, runID, scenarioID, input.ReplyTo); err != nil {
			return fmt.Errorf("runner: seed context for trace_id %q: %w", traceID, err)
		}
		r.obs.OnIngress(ctx, traceID, input.ReplyTo)

		seeded := input
		seeded.TraceID = traceID
		if seeded.Target != "" {
			r.queue.Push(seeded)
		} else {
			result, err := r.router.Route([]any{seeded.Payload}, "")
			if err != nil {
				return fmt.Errorf("runner: route ingress for trace_id %q: %w", traceID, err)
			}
			for _, d := range result.LocalDeliveries {
				r.queue.PushDelivery(d, traceID, input.ReplyTo, input.SpanID)
			}
			for _, term := range result.TerminalOutputs {
				event, _ := term.Terminal()
				r.obs.OnTerminalEvent(ctx, traceID, event)
			}
		}

		if err := r.Run(ctx); err != nil {
			return err
		}
	}
	r.obs.OnRunEnd(ctx)
	return nil
}

// TypeOf is the router.TypeOf adapter this package's callers should
// wire in; exported so RuntimeBuilder can construct a single shared
// router.Router without duplicating the wiretype import.
var TypeOf router.TypeOf = wiretype.NameOf
