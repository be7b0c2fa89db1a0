// Package router implements the Router/RoutingService contract
// (spec.md §4.2): turning a node's raw outputs into local deliveries,
// cross-process boundary deliveries, and terminal outputs.
package router

import (
	"errors"
	"fmt"

	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/registry"
)

// ErrNoConsumers is returned in strict mode when an output's payload
// type has no registered consumer.
var ErrNoConsumers = errors.New("router: no consumers for payload type")

// ErrUnknownTarget is returned in strict mode when an output names an
// explicit target that is not a consumer of its payload type.
var ErrUnknownTarget = errors.New("router: explicit target is not a consumer of this payload type")

// ErrSelfLoop is returned in strict mode when an output's sole
// consumer is its own source and no explicit target was given.
var ErrSelfLoop = errors.New("router: self-loop hazard requires an explicit target")

// TypeOf names the wire type of a payload for consumer-registry
// lookups. Callers (the runner) supply this because the type name is
// a property of the contract layer, not of the Go value itself.
type TypeOf func(payload any) string

// GroupOf resolves which process group a target node lives in. It
// returns ok=false when the runtime is single-process (memory
// profile) or the target has no recorded placement, in which case
// every delivery is local.
type GroupOf func(target string) (group string, ok bool)

// Router is the RoutingService.
type Router struct {
	consumers *registry.ConsumerRegistry
	typeOf    TypeOf
	groupOf   GroupOf
	strict    bool
	localGrp  string
}

// New builds a Router. localGroup is this process's own group name;
// when groupOf is nil, every delivery is treated as local (single
// process / memory profile).
func New(consumers *registry.ConsumerRegistry, typeOf TypeOf, strict bool, localGroup string, groupOf GroupOf) *Router {
	return &Router{consumers: consumers, typeOf: typeOf, strict: strict, localGrp: localGroup, groupOf: groupOf}
}

// Route turns a node's raw outputs into a RoutingResult. source is
// the emitting node's name, or "" for ingress (no self-exclusion, no
// self-loop hazard). Each raw output may be a bare payload or an
// envelope.Envelope carrying an explicit target/trace_id/reply_to/
// span_id override.
func (r *Router) Route(outputs []any, source string) (envelope.RoutingResult, error) {
	var result envelope.RoutingResult

	for _, raw := range outputs {
		out := asDelivery(raw)

		if term, ok := asTerminal(out.Payload); ok {
			result.TerminalOutputs = append(result.TerminalOutputs, envelope.Envelope{
				Payload: term,
				Target:  out.Target,
				TraceID: out.TraceID,
				ReplyTo: out.ReplyTo,
				SpanID:  out.SpanID,
			})
			continue
		}

		if out.Target != "" {
			consumers := r.consumers.Get(r.typeOf(out.Payload))
			if !containsName(consumers, out.Target) {
				if r.strict {
					return result, fmt.Errorf("%w: target %q, type %q", ErrUnknownTarget, out.Target, r.typeOf(out.Payload))
				}
				continue
			}
			r.place(&result, out.Target, out)
			continue
		}

		payloadType := r.typeOf(out.Payload)
		consumers := r.consumers.Get(payloadType)
		if len(consumers) == 0 {
			if r.strict {
				return result, fmt.Errorf("%w: type %q", ErrNoConsumers, payloadType)
			}
			continue
		}

		if source != "" && len(consumers) == 1 && consumers[0] == source {
			if r.strict {
				return result, fmt.Errorf("%w: node %q, type %q", ErrSelfLoop, source, payloadType)
			}
			continue
		}

		for _, c := range consumers {
			if c == source {
				continue
			}
			r.place(&result, c, out)
		}
	}

	return result, nil
}

// asDelivery unwraps a raw node output into a Delivery, preserving
// any explicit target/trace_id/reply_to/span_id the node set via an
// Envelope wrapper. Bare payloads get an empty Delivery shell, filled
// in by the runner from the inbound envelope's fields.
func asDelivery(raw any) envelope.Delivery {
	if env, ok := raw.(envelope.Envelope); ok {
		return envelope.Delivery{
			Target:  env.Target,
			Payload: env.Payload,
			TraceID: env.TraceID,
			ReplyTo: env.ReplyTo,
			SpanID:  env.SpanID,
		}
	}
	return envelope.Delivery{Payload: raw}
}

func (r *Router) place(result *envelope.RoutingResult, target string, out envelope.Delivery) {
	d := envelope.Delivery{
		Target:  target,
		Payload: out.Payload,
		TraceID: out.TraceID,
		ReplyTo: out.ReplyTo,
		SpanID:  out.SpanID,
	}
	if r.groupOf != nil {
		if grp, ok := r.groupOf(target); ok && grp != r.localGrp {
			result.BoundaryDeliveries = append(result.BoundaryDeliveries, envelope.Envelope{
				Payload: d.Payload,
				Target:  d.Target,
				TraceID: d.TraceID,
				ReplyTo: d.ReplyTo,
				SpanID:  d.SpanID,
			})
			return
		}
	}
	result.LocalDeliveries = append(result.LocalDeliveries, d)
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func asTerminal(payload any) (envelope.TerminalEvent, bool) {
	switch v := payload.(type) {
	case envelope.TerminalEvent:
		return v, true
	case envelope.Envelope:
		return v.Terminal()
	default:
		return envelope.TerminalEvent{}, false
	}
}
