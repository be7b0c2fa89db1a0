// Package envelope defines the kernel's immutable unit of in-flight
// work and the terminal/routing types that travel alongside it.
package envelope

import "fmt"

// TerminalStatus is the outcome carried by a TerminalEvent.
type TerminalStatus string

const (
	StatusSuccess   TerminalStatus = "success"
	StatusError     TerminalStatus = "error"
	StatusCancelled TerminalStatus = "cancelled"
	StatusTimeout   TerminalStatus = "timeout"
)

// TerminalEvent is the only payload type that exits the graph rather
// than being routed to a consumer node. It is correlated back to the
// ingress point via TraceID.
type TerminalEvent struct {
	Status  TerminalStatus `json:"status"`
	Payload any            `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Envelope is the immutable unit of work the SyncRunner pops from a
// WorkQueue. Once popped, either Target is set or Payload carries a
// TerminalEvent (see Validate).
type Envelope struct {
	Payload any
	Target  string // resolved node name; empty means "route by type"
	TraceID string // correlates all work derived from one ingress message
	ReplyTo string // optional external correlation token
	SpanID  string // observability parent linkage
}

// IsTerminal reports whether Payload is a bare TerminalEvent; a
// TerminalEvent nested inside another Envelope is not detected.
func (e Envelope) IsTerminal() bool {
	_, ok := e.Payload.(TerminalEvent)
	return ok
}

// Terminal extracts the TerminalEvent payload, if any.
func (e Envelope) Terminal() (TerminalEvent, bool) {
	t, ok := e.Payload.(TerminalEvent)
	return t, ok
}

// Validate enforces the envelope target-discipline invariant: once
// popped off a queue, an envelope must either name a target or carry
// a terminal payload.
func (e Envelope) Validate() error {
	if e.Target == "" && !e.IsTerminal() {
		return fmt.Errorf("envelope: no target and payload is not a TerminalEvent (trace_id=%q)", e.TraceID)
	}
	return nil
}

// Delivery is a resolved (target_node, payload) pair destined to stay
// within the current process.
type Delivery struct {
	Target  string
	Payload any
	TraceID string
	ReplyTo string
	SpanID  string
}

// RoutingResult is the three-channel output of a routing decision.
//
// Invariant: results returned from a boundary execution must have
// empty LocalDeliveries and BoundaryDeliveries — nested handoff across
// a second boundary within the same call is rejected by the caller.
type RoutingResult struct {
	LocalDeliveries    []Delivery
	BoundaryDeliveries []Envelope
	TerminalOutputs    []Envelope
}

// Empty reports whether the result carries no work at all.
func (r RoutingResult) Empty() bool {
	return len(r.LocalDeliveries) == 0 && len(r.BoundaryDeliveries) == 0 && len(r.TerminalOutputs) == 0
}

// BoundaryDispatchInput is one input to BootstrapSupervisor.ExecuteBoundary:
// a payload destined for a specific process-group's worker pool.
type BoundaryDispatchInput struct {
	Payload      any
	DispatchGroup string
	Target       string // optional explicit target node
	TraceID      string
	ReplyTo      string
	SourceGroup  string // group the payload is hopping from, if any
	RouteHop     int    // incremented on each cross-group re-queue
	SpanID       string
}
