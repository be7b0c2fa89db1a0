// Package supervisor implements the BootstrapSupervisor (spec.md
// §4.10): the parent-side process manager that spawns one OS process
// per worker slot in each configured process group, carries the
// boundary dispatch loop between groups, and tears the fleet back
// down.
//
// Spawning is grounded on the teacher's internal/executor/local.go
// exec.CommandContext pattern, generalized from "run one function
// binary to completion" to "spawn one long-lived cmd/worker process
// per process-group slot and keep a duplex control pipe open to it."
// The worker bookkeeping (stopCh-free here since each worker gets an
// explicit stop message instead, mutex-guarded
// lifecycle, per-worker goroutine) follows the shape of the teacher's
// internal/eventbus/worker.go WorkerPool.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/oriys/kernel/internal/kernel/controlplane"
	"github.com/oriys/kernel/internal/kernel/klog"
	"github.com/oriys/kernel/internal/kernel/kmetrics"
	"github.com/oriys/kernel/internal/kernel/ksecret"
)

// ProcessGroup is one named group of identical worker slots, each
// hosting the listed nodes.
type ProcessGroup struct {
	Name    string
	Workers int
	Nodes   []string
}

// RoutingCacheSettings configures the target-to-group resolution
// cache.
type RoutingCacheSettings struct {
	Size          int
	NegativeCache bool
}

// Config holds the supervisor's tunables.
type Config struct {
	// WorkerBinary is the path to the cmd/worker executable spawned
	// for each worker slot.
	WorkerBinary string
	// BoundaryTimeout bounds how long ExecuteBoundary waits for a
	// single group's response before raising TimeoutError.
	BoundaryTimeout time.Duration
	// WarmupDelay is the minimum time WaitReady waits even if every
	// child is already alive, giving children time to finish their
	// own internal bootstrap before the first boundary dispatch.
	WarmupDelay time.Duration
	// MaxRouteHops bounds the cross-group re-queue loop in
	// ExecuteBoundary.
	MaxRouteHops int
}

type routingCacheEntry struct {
	group    string
	negative bool
}

// Supervisor is the BootstrapSupervisor. One instance owns one fleet
// of worker processes for the lifetime of a run.
type Supervisor struct {
	cfg Config

	mu                 sync.Mutex
	groups             map[string]ProcessGroup
	groupOrder         []string
	nodeGroup          map[string]string
	routeCache         map[string]routingCacheEntry
	routeCacheSettings RoutingCacheSettings
	generation         int

	bundleTemplate controlplane.ChildBootstrapBundle

	// plane tracks the ControlPlane's bootstrap/ready state across the
	// fleet (spec.md §4.9); every spawned worker's handshake goes
	// through it before being added to workers.
	plane *controlplane.Plane

	workers  map[string][]*workerHandle
	rrCursor map[string]int
}

// New builds an idle Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.BoundaryTimeout <= 0 {
		cfg.BoundaryTimeout = 30 * time.Second
	}
	if cfg.MaxRouteHops <= 0 {
		cfg.MaxRouteHops = 32
	}
	return &Supervisor{
		cfg:        cfg,
		groups:     make(map[string]ProcessGroup),
		nodeGroup:  make(map[string]string),
		routeCache: make(map[string]routingCacheEntry),
		plane:      controlplane.New(),
		workers:    make(map[string][]*workerHandle),
		rrCursor:   make(map[string]int),
	}
}

// ConfigureProcessGroups installs the group layout. A node placed in
// more than one group is rejected before any process is spawned.
func (s *Supervisor) ConfigureProcessGroups(groups []ProcessGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodeGroup := make(map[string]string)
	for _, g := range groups {
		for _, node := range g.Nodes {
			if existing, ok := nodeGroup[node]; ok {
				return fmt.Errorf("%w: node %q in groups %q and %q", ErrDuplicateNodePlacement, node, existing, g.Name)
			}
			nodeGroup[node] = g.Name
		}
	}

	s.groups = make(map[string]ProcessGroup, len(groups))
	s.groupOrder = make([]string, 0, len(groups))
	for _, g := range groups {
		s.groups[g.Name] = g
		s.groupOrder = append(s.groupOrder, g.Name)
	}
	s.nodeGroup = nodeGroup
	s.invalidateRouteCacheLocked()
	return nil
}

// ConfigureRoutingCache installs the target-to-group cache settings
// and invalidates any existing cache entries.
func (s *Supervisor) ConfigureRoutingCache(settings RoutingCacheSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routeCacheSettings = settings
	s.invalidateRouteCacheLocked()
	klog.Op().Info("route_cache_configured",
		"size", settings.Size,
		"negative_cache", settings.NegativeCache,
		"generation", s.generation,
		"ts_ms", time.Now().UnixMilli())
}

func (s *Supervisor) invalidateRouteCacheLocked() {
	s.routeCache = make(map[string]routingCacheEntry)
	s.generation++
	klog.Op().Info("route_cache_invalidated", "generation", s.generation, "ts_ms", time.Now().UnixMilli())
}

// LoadBootstrapChannel receives the one-shot BootstrapKeyBundle and
// folds it into the child bundle template every group will receive a
// specialized copy of.
func (s *Supervisor) LoadBootstrapChannel(channel *ksecret.Channel) error {
	bundle, err := channel.Receive()
	if err != nil {
		return fmt.Errorf("supervisor: load bootstrap channel: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundleTemplate.KeyBundle = controlplane.NewKeyBundleWire(bundle)
	return nil
}

// LoadChildBootstrapBundle installs the metadata blueprint that
// StartGroups specializes per process group (ProcessGroup field
// overwritten per spawn).
func (s *Supervisor) LoadChildBootstrapBundle(bundle controlplane.ChildBootstrapBundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle.KeyBundle = s.bundleTemplate.KeyBundle
	s.bundleTemplate = bundle
}

func (s *Supervisor) recomputeAliveGaugeLocked() {
	for group, handles := range s.workers {
		n := 0
		for _, h := range handles {
			if h.isAlive() {
				n++
			}
		}
		kmetrics.SetAliveWorkers(group, n)
	}
}

func (s *Supervisor) allHandles() []*workerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*workerHandle
	for _, name := range s.groupOrder {
		all = append(all, s.workers[name]...)
	}
	return all
}
