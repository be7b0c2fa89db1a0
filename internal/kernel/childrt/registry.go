// Package childrt implements ChildBootstrap (spec.md §4.11): the
// worker-side composition that turns a ChildBootstrapBundle into a
// ready-to-run runtime, and the boundary loop that executes inputs
// handed across a process boundary.
//
// Grounded on the teacher's cmd/agent/main.go worker-process shape
// (accept a bootstrap payload, compose local services, run a message
// loop) and on internal/kernel/contract's discovery-table model: the
// source runtime's decorator-based discovery becomes two static
// registries here (spec.md §9 "dynamic decorator discovery").
package childrt

import (
	"fmt"
	"sync"

	"github.com/oriys/kernel/internal/kernel/contract"
)

// DiscoveryFunc returns the node/adapter contracts one discovery
// module contributes. A ChildBootstrapBundle names modules by string;
// each name must have a DiscoveryFunc registered before bootstrap.
type DiscoveryFunc func() contract.Table

// AdapterFactory builds one adapter's contract from its role-scoped
// settings (the "adapters.<role>.settings" block, spec.md §6).
type AdapterFactory func(settings map[string]any) (contract.AdapterContract, error)

var (
	discoveryMu      sync.Mutex
	discoveryModules = make(map[string]DiscoveryFunc)

	adapterMu        sync.Mutex
	adapterFactories = make(map[string]AdapterFactory)
)

// RegisterDiscoveryModule installs a discovery module under name.
func RegisterDiscoveryModule(name string, fn DiscoveryFunc) {
	discoveryMu.Lock()
	defer discoveryMu.Unlock()
	discoveryModules[name] = fn
}

func lookupDiscoveryModule(name string) (DiscoveryFunc, bool) {
	discoveryMu.Lock()
	defer discoveryMu.Unlock()
	fn, ok := discoveryModules[name]
	return fn, ok
}

// RegisterAdapterFactory installs an adapter factory under its role
// name, the key a ChildBootstrapBundle.Adapters entry uses.
func RegisterAdapterFactory(role string, fn AdapterFactory) {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	adapterFactories[role] = fn
}

func lookupAdapterFactory(role string) (AdapterFactory, bool) {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	fn, ok := adapterFactories[role]
	return fn, ok
}

// DiscoverTable resolves and merges every named discovery module's
// contract table, in order. Both ChildRuntime.Bootstrap and
// RuntimeBuilder.Build call this against the same package-level
// registry, so a module registered once is visible to a worker process
// and to the parent process that spawns it.
func DiscoverTable(moduleNames []string) (contract.Table, error) {
	var table contract.Table
	for _, name := range moduleNames {
		fn, ok := lookupDiscoveryModule(name)
		if !ok {
			return contract.Table{}, fmt.Errorf("unknown discovery module %q", name)
		}
		sub := fn()
		for _, n := range sub.Nodes {
			table.RegisterNode(n)
		}
		for _, a := range sub.Adapters {
			table.RegisterAdapter(a)
		}
	}
	return table, nil
}

// BuildAdapter builds one adapter's contract from its registered
// factory by role name.
func BuildAdapter(role string, settings map[string]any) (contract.AdapterContract, error) {
	factory, ok := lookupAdapterFactory(role)
	if !ok {
		return contract.AdapterContract{}, fmt.Errorf("unknown adapter role %q", role)
	}
	ac, err := factory(settings)
	if err != nil {
		return contract.AdapterContract{}, fmt.Errorf("build adapter %q: %w", role, err)
	}
	return ac, nil
}

// ResetForTest clears both registries. Test-only: production bootstrap
// paths register once at process init and never need to reset.
func ResetForTest() {
	discoveryMu.Lock()
	discoveryModules = make(map[string]DiscoveryFunc)
	discoveryMu.Unlock()

	adapterMu.Lock()
	adapterFactories = make(map[string]AdapterFactory)
	adapterMu.Unlock()
}
