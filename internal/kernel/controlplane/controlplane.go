// Package controlplane implements the ControlPlane three-phase session
// state machine (spec.md §4.9): bootstrap, then ready, then start_work,
// gating a BootstrapSupervisor's worker processes before any boundary
// dispatch happens.
//
// Grounded on the teacher's cmd/agent/main.go dispatch shape
// (Message{Type, Payload} + a handleMessage switch over message kinds);
// ControlMessage here generalizes that to the kernel's kind vocabulary
// and adds the bootstrapped/ready set bookkeeping the agent's stateless
// per-connection handler never needed.
package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Kind enumerates ControlMessage.Kind values (spec.md glossary
// "ControlMessage").
type Kind string

const (
	KindBootstrapBundle Kind = "bootstrap_bundle"
	KindReady           Kind = "ready"
	KindHeartbeat       Kind = "heartbeat"
	KindStartWork       Kind = "start_work"
	KindStop            Kind = "stop"
	KindAck             Kind = "ack"

	// KindExecuteBoundary and its result/error counterparts are the
	// boundary-dispatch extension supervisor/cmd-worker layer on top
	// of the three-phase handshake kinds above. They live here, not in
	// supervisor, so both sides of the control channel (and its
	// transport.Verifier AllowedKinds set) can name them without one
	// importing the other's internals.
	KindExecuteBoundary       Kind = "execute_boundary"
	KindExecuteBoundaryResult Kind = "execute_boundary_result"
	KindExecuteBoundaryError  Kind = "execute_boundary_error"
)

// Control-channel transport tuning (spec.md §9: "Framing reuses
// SecureTcpTransport"). Both the supervisor and cmd/worker build their
// transport.Verifier from these same constants so a frame signed on
// one side verifies on the other.
const (
	ControlTTLSeconds      = 30
	ControlNonceCacheSize  = 4096
	ControlMaxPayloadBytes = 4 << 20
)

// ControlAllowedKinds lists every Kind permitted on the control
// channel's transport.Verifier, including the boundary-dispatch kinds
// layered above the three-phase handshake.
func ControlAllowedKinds() map[string]bool {
	return map[string]bool{
		string(KindBootstrapBundle):       true,
		string(KindReady):                 true,
		string(KindHeartbeat):             true,
		string(KindStartWork):             true,
		string(KindStop):                  true,
		string(KindAck):                   true,
		string(KindExecuteBoundary):       true,
		string(KindExecuteBoundaryResult): true,
		string(KindExecuteBoundaryError):  true,
	}
}

// Message is the ControlMessage wire shape.
type Message struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlation_id"`
	WorkerID      string          `json:"worker_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Ack builds the ACK reply to m, carrying the same correlation id.
func (m Message) Ack() Message {
	return Message{Kind: KindAck, CorrelationID: m.CorrelationID, WorkerID: m.WorkerID}
}

var (
	// ErrDuplicateBootstrap is returned by Bootstrap when worker_id is
	// already in the bootstrapped set.
	ErrDuplicateBootstrap = errors.New("controlplane: duplicate bootstrap")
	// ErrNotBootstrapped is the protocol error ready() raises for a
	// worker that never bootstrapped.
	ErrNotBootstrapped = errors.New("controlplane: ready before bootstrap")
	// ErrStartBeforeReady is returned by StartWork when a required
	// worker is not yet in the ready set.
	ErrStartBeforeReady = errors.New("controlplane: start requested before all required workers are ready")
)

// Plane is the ControlPlane: one instance per supervisor, tracking
// which workers have bootstrapped and which are ready.
type Plane struct {
	mu           sync.Mutex
	bootstrapped map[string]bool
	ready        map[string]bool
}

// New builds an empty Plane.
func New() *Plane {
	return &Plane{
		bootstrapped: make(map[string]bool),
		ready:        make(map[string]bool),
	}
}

// Bootstrap records workerID as bootstrapped, failing with
// ErrDuplicateBootstrap if it already is. Bundle validation happens
// before this call (Dispatch's bundleValid argument); an invalid
// bundle never reaches the state machine.
func (p *Plane) Bootstrap(workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bootstrapped[workerID] {
		return fmt.Errorf("%w: worker %s", ErrDuplicateBootstrap, workerID)
	}
	p.bootstrapped[workerID] = true
	return nil
}

// Ready marks workerID ready. Fails if the worker never bootstrapped.
func (p *Plane) Ready(workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bootstrapped[workerID] {
		return fmt.Errorf("%w: worker %s", ErrNotBootstrapped, workerID)
	}
	p.ready[workerID] = true
	return nil
}

// StartWork requires every entry in requiredWorkers (or, if empty,
// every bootstrapped worker) to be ready.
func (p *Plane) StartWork(requiredWorkers []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	required := requiredWorkers
	if len(required) == 0 {
		required = make([]string, 0, len(p.bootstrapped))
		for w := range p.bootstrapped {
			required = append(required, w)
		}
	}

	for _, w := range required {
		if !p.ready[w] {
			return fmt.Errorf("%w: worker %s not ready", ErrStartBeforeReady, w)
		}
	}
	return nil
}

// Dispatch routes an incoming Message to the matching state
// transition and returns the ACK to send back, or an error if the
// message violates the protocol. heartbeat and stop always ACK.
func (p *Plane) Dispatch(m Message, bundleValid bool, requiredWorkers []string) (Message, error) {
	switch m.Kind {
	case KindBootstrapBundle:
		if !bundleValid {
			return Message{}, fmt.Errorf("controlplane: invalid bootstrap bundle from worker %s", m.WorkerID)
		}
		if err := p.Bootstrap(m.WorkerID); err != nil {
			return Message{}, err
		}
		return m.Ack(), nil
	case KindReady:
		if err := p.Ready(m.WorkerID); err != nil {
			return Message{}, err
		}
		return m.Ack(), nil
	case KindStartWork:
		if err := p.StartWork(requiredWorkers); err != nil {
			return Message{}, err
		}
		return m.Ack(), nil
	case KindHeartbeat, KindStop:
		return m.Ack(), nil
	default:
		return Message{}, fmt.Errorf("controlplane: unknown message kind %q", m.Kind)
	}
}

// IsBootstrapped reports whether workerID has bootstrapped.
func (p *Plane) IsBootstrapped(workerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bootstrapped[workerID]
}

// IsReady reports whether workerID is in the ready set.
func (p *Plane) IsReady(workerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[workerID]
}
