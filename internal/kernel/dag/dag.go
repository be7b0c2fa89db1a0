// Package dag builds and validates the execution graph from node
// contracts, following spec.md §4.1. Grounded on the teacher's
// internal/workflow/dag.go (validate node set, validate edges, detect
// cycles, return topological order) — the cycle check itself is
// rewritten from Kahn's algorithm to DFS with tri-state marking, as
// spec.md step 6 requires.
package dag

import (
	"fmt"

	"github.com/oriys/kernel/internal/kernel/contract"
)

// Edge is one producer -> consumer relationship, derived from a
// shared payload type.
type Edge struct {
	Producer string
	Consumer string
}

// DAG is the validated graph: every node name, every deduplicated
// producer/consumer edge, and the set of external (adapter) nodes.
type DAG struct {
	Nodes         []string
	Edges         []Edge
	ExternalNodes map[string]bool
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// Build validates a contract set and constructs its DAG.
//
//  1. Every non-external contract must declare at least one consumed
//     or emitted type.
//  2. Producers/consumers are indexed by type in discovery order.
//  3. Every consumed type must have a producer, unless every consumer
//     of that type is an external sink (external, consumes, no emits).
//  4. Edges are emitted in producer/consumer iteration order and
//     deduplicated.
//  5. Self-edges are rejected as cycles.
//  6. A DFS with visiting/visited markers rejects any remaining cycle.
func Build(contracts []contract.NodeContract) (*DAG, error) {
	nodeSet := make(map[string]bool, len(contracts))
	external := make(map[string]bool, len(contracts))
	byName := make(map[string]contract.NodeContract, len(contracts))

	for _, c := range contracts {
		if c.Name == "" {
			return nil, fmt.Errorf("dag: contract has empty name")
		}
		if nodeSet[c.Name] {
			return nil, fmt.Errorf("dag: duplicate node name %q", c.Name)
		}
		if !c.External && len(c.Consumes) == 0 && len(c.Emits) == 0 {
			return nil, fmt.Errorf("dag: node %q declares neither consumes nor emits", c.Name)
		}
		nodeSet[c.Name] = true
		byName[c.Name] = c
		if c.External {
			external[c.Name] = true
		}
	}

	producers := make(map[string][]string) // type -> node names, discovery order
	consumers := make(map[string][]string)
	var typeOrder []string
	seenType := make(map[string]bool)

	for _, c := range contracts {
		for _, t := range c.Emits {
			if !seenType[t] {
				seenType[t] = true
				typeOrder = append(typeOrder, t)
			}
			producers[t] = append(producers[t], c.Name)
		}
		for _, t := range c.Consumes {
			if !seenType[t] {
				seenType[t] = true
				typeOrder = append(typeOrder, t)
			}
			consumers[t] = append(consumers[t], c.Name)
		}
	}

	for _, t := range typeOrder {
		if len(producers[t]) > 0 {
			continue
		}
		if allExternalSinks(consumers[t], byName) {
			continue
		}
		return nil, fmt.Errorf("dag: no producer for consumed type %q", t)
	}

	var edges []Edge
	seenEdge := make(map[Edge]bool)
	for _, t := range typeOrder {
		for _, p := range producers[t] {
			for _, c := range consumers[t] {
				if p == c {
					return nil, fmt.Errorf("dag: self-loop on node %q (type %q)", p, t)
				}
				e := Edge{Producer: p, Consumer: c}
				if seenEdge[e] {
					continue
				}
				seenEdge[e] = true
				edges = append(edges, e)
			}
		}
	}

	names := make([]string, 0, len(nodeSet))
	for _, c := range contracts {
		names = append(names, c.Name)
	}

	d := &DAG{Nodes: names, Edges: edges, ExternalNodes: external}
	if err := d.checkAcyclic(); err != nil {
		return nil, err
	}
	return d, nil
}

// allExternalSinks reports whether every consumer of a type is an
// external sink adapter: external=true, non-empty consumes, empty
// emits. Such types are permitted to have no in-graph producer — the
// value arrives from outside the kernel and is handed to the sink.
func allExternalSinks(consumerNames []string, byName map[string]contract.NodeContract) bool {
	if len(consumerNames) == 0 {
		return false
	}
	for _, name := range consumerNames {
		c := byName[name]
		if !c.External || len(c.Consumes) == 0 || len(c.Emits) != 0 {
			return false
		}
	}
	return true
}

func (d *DAG) adjacency() map[string][]string {
	adj := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		adj[e.Producer] = append(adj[e.Producer], e.Consumer)
	}
	return adj
}

func (d *DAG) checkAcyclic() error {
	adj := d.adjacency()
	state := make(map[string]visitState, len(d.Nodes))

	var visit func(n string) error
	visit = func(n string) error {
		switch state[n] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("dag: cycle detected at node %q", n)
		}
		state[n] = visiting
		for _, next := range adj[n] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[n] = visited
		return nil
	}

	for _, n := range d.Nodes {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

// BuildExecutionPlan returns a deterministic topological order of
// nodes, used for step naming and scenario construction order. It
// assumes the DAG has already passed Build's acyclicity check.
func (d *DAG) BuildExecutionPlan() ([]string, error) {
	adj := d.adjacency()
	inDegree := make(map[string]int, len(d.Nodes))
	for _, n := range d.Nodes {
		inDegree[n] = 0
	}
	for _, e := range d.Edges {
		inDegree[e.Consumer]++
	}

	var queue []string
	for _, n := range d.Nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]string, 0, len(d.Nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, succ := range adj[n] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(d.Nodes) {
		return nil, fmt.Errorf("dag: execution plan incomplete, cycle present")
	}
	return order, nil
}
