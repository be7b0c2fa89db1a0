// Package contract replaces the source runtime's decorator-based node
// and adapter discovery (spec.md §9 "dynamic decorator discovery")
// with explicit registration calls. Discovery still produces an
// ordered list of contracts — order is observable and drives
// ConsumerRegistry and DAG edge ordering.
package contract

import "context"

// NodeFunc is the invocation signature for a registered node: given a
// payload and the node's context view (full for service nodes,
// filtered of __-prefixed keys otherwise), return zero or more
// outputs. Returning an empty slice drops the input.
type NodeFunc func(ctx context.Context, payload any, nodeCtx map[string]any) ([]any, error)

// NodeContract is the static shape of a registered node: the name it
// is addressed by, the wire types it consumes/emits, and whether it
// receives the unfiltered per-trace context (service=true).
type NodeContract struct {
	Name     string
	Consumes []string
	Emits    []string
	Service  bool
	External bool // adapter endpoints participate in DAG validation but are never invoked by the Runner
	Fn       NodeFunc
}

// ReadFunc drains one payload from a source adapter per invocation.
// ok is false once the adapter is exhausted.
type ReadFunc func(ctx context.Context) (payload any, ok bool, err error)

// ConsumeFunc delivers one payload to a sink adapter.
type ConsumeFunc func(ctx context.Context, payload any) error

// AdapterContract is an external-boundary component. It may expose a
// ReadFunc (source), a ConsumeFunc (sink), or both, plus the DI
// bindings it wants to publish into the InjectionRegistry.
type AdapterContract struct {
	Name     string
	Kind     string
	Consumes []string
	Emits    []string
	Binds    []Bind
	Read     ReadFunc
	Consume  ConsumeFunc
}

// Bind names one DI binding an adapter publishes: the port type it
// answers and the wire type it carries.
type Bind struct {
	Port     string // stream, kv, kv_stream, service, queue, topic, request, response
	DataType string
}

// AsNodeContract returns the NodeContract view of an adapter for DAG
// validation: external=true, participates in producer/consumer
// indexing, never invoked directly by the Runner.
func (a AdapterContract) AsNodeContract() NodeContract {
	return NodeContract{
		Name:     a.Name,
		Consumes: a.Consumes,
		Emits:    a.Emits,
		External: true,
	}
}

// Table is the ordered registration surface discovery produces. Order
// of registration is preserved and is the order DAG producer/consumer
// indexing and ConsumerRegistry fan-out use.
type Table struct {
	Nodes    []NodeContract
	Adapters []AdapterContract
}

// RegisterNode appends a node contract to the table, preserving
// registration order.
func (t *Table) RegisterNode(c NodeContract) {
	t.Nodes = append(t.Nodes, c)
}

// RegisterAdapter appends an adapter contract to the table.
func (t *Table) RegisterAdapter(c AdapterContract) {
	t.Adapters = append(t.Adapters, c)
}

// AllContracts returns every node contract, including adapters' views,
// in discovery order: nodes first, then adapters. DAG construction
// only cares about the combined, ordered set.
func (t *Table) AllContracts() []NodeContract {
	out := make([]NodeContract, 0, len(t.Nodes)+len(t.Adapters))
	out = append(out, t.Nodes...)
	for _, a := range t.Adapters {
		out = append(out, a.AsNodeContract())
	}
	return out
}
