// Package inject implements the InjectionRegistry and ScenarioScope
// (spec.md §4.7): a per-run dependency injection container keyed by
// (port_type, data_type, qualifier) triples, populated once per
// scenario and torn down exactly once at scope close.
package inject

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/oriys/kernel/internal/kernel/kv"
)

// Port names the injection slot kind a binding answers.
type Port string

const (
	PortStream   Port = "stream"
	PortKV       Port = "kv"
	PortKVStream Port = "kv_stream"
	PortService  Port = "service"
	PortQueue    Port = "queue"
	PortTopic    Port = "topic"
	PortRequest  Port = "request"
	PortResponse Port = "response"
)

// Key identifies one binding or resolution target.
type Key struct {
	Port      Port
	DataType  string
	Qualifier string
}

func (k Key) String() string {
	if k.Qualifier == "" {
		return fmt.Sprintf("%s/%s", k.Port, k.DataType)
	}
	return fmt.Sprintf("%s/%s#%s", k.Port, k.DataType, k.Qualifier)
}

// Factory builds one instance for a binding, given the in-progress
// scope so factories may resolve their own dependencies.
type Factory func(scope *Scope) (any, error)

// ErrMissingBinding is returned by Resolve when no factory answers
// the requested triple.
var ErrMissingBinding = errors.New("inject: missing binding")

// ErrScopeClosed is returned by Resolve after Close.
var ErrScopeClosed = errors.New("inject: scope is closed")

// ErrDuplicateBinding is returned by RegisterFactory when a binding
// for the same triple already exists and replace was not requested.
var ErrDuplicateBinding = errors.New("inject: duplicate binding")

type binding struct {
	factory Factory
	isAsync bool
}

// Registry is the InjectionRegistry: the static table of factories a
// RuntimeBuilder assembles before any scenario runs.
type Registry struct {
	mu       sync.Mutex
	bindings map[Key]binding
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[Key]binding)}
}

// RegisterFactory adds a binding. When port is PortKV and dataType
// names a marker subtype (not the literal "KV" base), kvExemplar must
// be a zero value of that marker type so the binding can be validated
// against ValidateKVMarker — a marker must add no public methods
// beyond kv.Store's four.
func (r *Registry) RegisterFactory(port Port, dataType string, factory Factory, isAsync bool, qualifier string, kvExemplar any) error {
	if port == PortKV && dataType != "KV" && kvExemplar != nil {
		if err := ValidateKVMarker(kvExemplar); err != nil {
			return err
		}
	}

	key := Key{Port: port, DataType: dataType, Qualifier: qualifier}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBinding, key)
	}
	r.bindings[key] = binding{factory: factory, isAsync: isAsync}
	return nil
}

// ReplaceFactory overwrites any existing binding for the triple. Used
// only by the runtime defaults installer (KV memory, routing,
// transport, observability), never by ordinary adapter/service
// registration.
func (r *Registry) ReplaceFactory(port Port, dataType string, factory Factory, isAsync bool, qualifier string) {
	key := Key{Port: port, DataType: dataType, Qualifier: qualifier}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[key] = binding{factory: factory, isAsync: isAsync}
}

// ValidateKVMarker rejects a KV data type that declares public methods
// beyond kv.Store's own — such a type would no longer be a pure
// namespace tag (spec.md §4.7).
func ValidateKVMarker(exemplar any) error {
	t := reflect.TypeOf(exemplar)
	if t == nil {
		return fmt.Errorf("inject: KV marker exemplar must not be nil")
	}
	storeType := reflect.TypeOf((*kv.Store)(nil)).Elem()

	impl := t
	if !t.Implements(storeType) {
		impl = reflect.PointerTo(t)
		if !impl.Implements(storeType) {
			return fmt.Errorf("inject: KV marker type %s does not implement kv.Store", t)
		}
	}
	if impl.NumMethod() != storeType.NumMethod() {
		return fmt.Errorf("inject: KV marker type %s declares public methods beyond kv.Store", t)
	}
	return nil
}

// InstantiateForScenario invokes every registered factory exactly
// once and returns the populated ScenarioScope. Field injection runs
// as a second pass once every top-level instance exists, so services
// depending on other services resolve correctly regardless of
// registration order.
func (r *Registry) InstantiateForScenario(scenarioID string) (*Scope, error) {
	r.mu.Lock()
	snapshot := make(map[Key]binding, len(r.bindings))
	for k, b := range r.bindings {
		snapshot[k] = b
	}
	r.mu.Unlock()

	scope := &Scope{
		registry:   r,
		scenarioID: scenarioID,
		instances:  make(map[Key]any, len(snapshot)),
		lazyKV:     make(map[Key]any),
	}

	for key, b := range snapshot {
		inst, err := b.factory(scope)
		if err != nil {
			return nil, fmt.Errorf("inject: instantiate %s: %w", key, err)
		}
		scope.instances[key] = inst
		scope.order = append(scope.order, inst)
	}

	for _, inst := range scope.instances {
		if err := injectFields(scope, inst); err != nil {
			return nil, err
		}
	}

	return scope, nil
}

// Scope is the ScenarioScope: the live instance table for one
// scenario run, plus lazily materialized KV marker instances.
type Scope struct {
	mu         sync.Mutex
	registry   *Registry
	scenarioID string
	instances  map[Key]any
	lazyKV     map[Key]any
	order      []any // instantiation order (eager ones in map iteration order); Close walks it in reverse
	closed     bool
}

// ScenarioID returns the scenario this scope was built for.
func (s *Scope) ScenarioID() string { return s.scenarioID }

// Resolve looks up an instance by its binding triple. For PortKV
// triples with no direct binding, it falls back to the registry's
// base "KV" binding and lazily materializes one fresh instance per
// (marker type, qualifier) pair — marker isolation (spec.md §4.7).
func (s *Scope) Resolve(port Port, dataType, qualifier string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrScopeClosed
	}

	key := Key{Port: port, DataType: dataType, Qualifier: qualifier}
	if inst, ok := s.instances[key]; ok {
		return inst, nil
	}
	if inst, ok := s.lazyKV[key]; ok {
		return inst, nil
	}

	if port == PortKV {
		base := Key{Port: PortKV, DataType: "KV", Qualifier: qualifier}
		s.registry.mu.Lock()
		baseBinding, ok := s.registry.bindings[base]
		s.registry.mu.Unlock()
		if ok {
			inst, err := baseBinding.factory(s)
			if err != nil {
				return nil, fmt.Errorf("inject: lazily materialize %s: %w", key, err)
			}
			s.lazyKV[key] = inst
			s.order = append(s.order, inst)
			return inst, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrMissingBinding, key)
}

// Close invokes Close() (or, failing that, Shutdown()) on each unique
// instance exactly once, in reverse instantiation order. Idempotent.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	seen := make(map[uintptr]bool)
	var firstErr error
	for i := len(s.order) - 1; i >= 0; i-- {
		inst := s.order[i]
		v := reflect.ValueOf(inst)
		if v.Kind() == reflect.Pointer && !v.IsNil() {
			ptr := v.Pointer()
			if seen[ptr] {
				continue
			}
			seen[ptr] = true
		}
		if err := closeInstance(inst); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type closer interface{ Close() error }
type shutdowner interface{ Shutdown() error }

func closeInstance(inst any) error {
	if c, ok := inst.(closer); ok {
		return c.Close()
	}
	if s, ok := inst.(shutdowner); ok {
		return s.Shutdown()
	}
	return nil
}
