package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/oriys/kernel/internal/kernel/controlplane"
	"github.com/oriys/kernel/internal/kernel/envelope"
)

type fakeConn struct {
	mu     sync.Mutex
	sendFn func(m controlplane.Message) error
	recvFn func() (controlplane.Message, error)
}

func (f *fakeConn) Send(m controlplane.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendFn(m)
}

func (f *fakeConn) Recv() (controlplane.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recvFn()
}

func (f *fakeConn) Close() error { return nil }

func newGroupHandle(id, group string, conn ControlConn) *workerHandle {
	h := &workerHandle{ID: id, Group: group, conn: conn}
	h.alive.Store(true)
	return h
}

func newTestSupervisor() *Supervisor {
	return New(Config{BoundaryTimeout: 200 * time.Millisecond, MaxRouteHops: 8})
}

func TestConfigureProcessGroupsRejectsDuplicatePlacement(t *testing.T) {
	s := newTestSupervisor()
	err := s.ConfigureProcessGroups([]ProcessGroup{
		{Name: "g1", Nodes: []string{"n1"}},
		{Name: "g2", Nodes: []string{"n1"}},
	})
	if err == nil {
		t.Fatalf("expected duplicate placement error")
	}
}

func TestResolveGroupNegativeCache(t *testing.T) {
	s := newTestSupervisor()
	if err := s.ConfigureProcessGroups([]ProcessGroup{{Name: "g1", Workers: 1, Nodes: []string{"n1"}}}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	s.ConfigureRoutingCache(RoutingCacheSettings{Size: 16, NegativeCache: true})

	if g, ok := s.resolveGroup("n1"); !ok || g != "g1" {
		t.Fatalf("expected n1 to resolve to g1, got %q %v", g, ok)
	}
	if _, ok := s.resolveGroup("unknown"); ok {
		t.Fatalf("expected unknown target to miss")
	}
	if entry, hit := s.routeCache["unknown"]; !hit || !entry.negative {
		t.Fatalf("expected negative cache entry for unknown target")
	}

	genBefore := s.generation
	s.ConfigureRoutingCache(RoutingCacheSettings{Size: 16, NegativeCache: true})
	if s.generation <= genBefore {
		t.Fatalf("expected reconfiguration to bump generation")
	}
	if _, hit := s.routeCache["unknown"]; hit {
		t.Fatalf("expected reconfiguration to invalidate cache entries")
	}
}

func TestWaitReadyZeroTimeoutNeverTrue(t *testing.T) {
	s := newTestSupervisor()
	if s.WaitReady(0) {
		t.Fatalf("wait_ready(0) must never return true")
	}
	if s.WaitReady(-1) {
		t.Fatalf("wait_ready with negative timeout must never return true")
	}
}

func TestWaitReadyFalseWhenWorkerDead(t *testing.T) {
	s := newTestSupervisor()
	h := newGroupHandle("g1#1", "g1", &fakeConn{})
	h.alive.Store(false)
	s.workers["g1"] = []*workerHandle{h}

	if s.WaitReady(50 * time.Millisecond) {
		t.Fatalf("expected wait_ready to return false with a dead worker")
	}
}

// TestExecuteBoundaryFourGroupHandoff mirrors a four-group chain where
// each group increments a counter and hands off to the next group,
// with the final group emitting a terminal output.
func TestExecuteBoundaryFourGroupHandoff(t *testing.T) {
	s := newTestSupervisor()
	groups := []ProcessGroup{
		{Name: "execution.ingress", Workers: 1, Nodes: []string{"ingress.n1"}},
		{Name: "execution.features", Workers: 1, Nodes: []string{"features.n2"}},
		{Name: "execution.policy", Workers: 1, Nodes: []string{"policy.n3"}},
		{Name: "execution.egress", Workers: 1, Nodes: []string{"egress.n4"}},
	}
	if err := s.ConfigureProcessGroups(groups); err != nil {
		t.Fatalf("configure: %v", err)
	}
	s.ConfigureRoutingCache(RoutingCacheSettings{Size: 16})

	nextTargetOf := map[string]string{
		"execution.ingress":  "features.n2",
		"execution.features": "policy.n3",
		"execution.policy":   "egress.n4",
	}

	for _, g := range groups {
		group := g.Name
		conn := &fakeConn{}
		conn.recvFn = func() (controlplane.Message, error) {
			return controlplane.Message{}, fmt.Errorf("no response queued")
		}
		conn.sendFn = func(m controlplane.Message) error {
			var ins []envelope.BoundaryDispatchInput
			if err := json.Unmarshal(m.Payload, &ins); err != nil {
				return err
			}
			v := 0
			if len(ins) > 0 {
				if asMap, ok := ins[0].Payload.(map[string]any); ok {
					if fv, ok := asMap["v"].(float64); ok {
						v = int(fv)
					}
				}
			}
			v++

			var resp boundaryResultPayload
			if group == "execution.egress" {
				resp.TerminalOutputs = []wireEnvelope{{
					Payload: map[string]any{"v": v},
					TraceID: ins[0].TraceID,
					ReplyTo: ins[0].ReplyTo,
				}}
			} else {
				resp.TerminalOutputs = []wireEnvelope{{
					Payload: map[string]any{"v": v},
					Target:  nextTargetOf[group],
					TraceID: ins[0].TraceID,
					ReplyTo: ins[0].ReplyTo,
				}}
			}
			raw, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			conn.recvFn = func() (controlplane.Message, error) {
				return controlplane.Message{Kind: kindExecuteBoundaryResult, Payload: raw}, nil
			}
			return nil
		}

		h := newGroupHandle(group+"#1", group, conn)
		s.workers[group] = []*workerHandle{h}
		s.rrCursor[group] = 0
	}

	result, err := s.ExecuteBoundary("run-1", "scenario-1", []envelope.BoundaryDispatchInput{
		{Payload: map[string]any{"v": 1}, DispatchGroup: "execution.ingress", Target: "ingress.n1", TraceID: "t1", ReplyTo: "http:req-1"},
	})
	if err != nil {
		t.Fatalf("execute boundary: %v", err)
	}
	if len(result.TerminalOutputs) != 1 {
		t.Fatalf("expected exactly one terminal output, got %d", len(result.TerminalOutputs))
	}
	if len(result.LocalDeliveries) != 0 || len(result.BoundaryDeliveries) != 0 {
		t.Fatalf("boundary execution must only populate terminal outputs")
	}
	final, ok := result.TerminalOutputs[0].Payload.(map[string]any)
	if !ok || int(final["v"].(float64)) != 5 {
		t.Fatalf("expected final counter value 5, got %+v", result.TerminalOutputs[0].Payload)
	}
}

func TestExecuteBoundaryMapsTimeout(t *testing.T) {
	s := newTestSupervisor()
	if err := s.ConfigureProcessGroups([]ProcessGroup{{Name: "g1", Workers: 1, Nodes: []string{"n1"}}}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	block := make(chan struct{})
	conn := &fakeConn{
		sendFn: func(m controlplane.Message) error { return nil },
		recvFn: func() (controlplane.Message, error) {
			<-block
			return controlplane.Message{}, nil
		},
	}
	h := newGroupHandle("g1#1", "g1", conn)
	s.workers["g1"] = []*workerHandle{h}

	_, err := s.ExecuteBoundary("run-1", "scenario-1", []envelope.BoundaryDispatchInput{
		{Payload: map[string]any{}, DispatchGroup: "g1", Target: "n1", TraceID: "t1"},
	})
	close(block)
	var timeoutErr *TimeoutError
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !asTimeoutError(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
}

func asTimeoutError(err error, target **TimeoutError) bool {
	te, ok := err.(*TimeoutError)
	if ok {
		*target = te
	}
	return ok
}

// TestStopGroupsForcesTerminationOnTimeout mirrors the forced-terminate
// scenario: a worker that never exits gracefully is killed once the
// graceful deadline passes, and StopGroups suppresses the timeout
// error since force termination succeeded.
func TestStopGroupsForcesTerminationOnTimeout(t *testing.T) {
	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "sleep", "5")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep unavailable in this environment: %v", err)
	}

	s := newTestSupervisor()
	h := &workerHandle{
		ID:    "g1#1",
		Group: "g1",
		cmd:   cmd,
		conn:  newPipeConn(stdin, stdout, make([]byte, 32), []io.Closer{stdin, stdout}),
	}
	h.alive.Store(true)
	s.workers["g1"] = []*workerHandle{h}
	s.groupOrder = []string{"g1"}

	if err := s.StopGroups(30 * time.Millisecond); err != nil {
		t.Fatalf("expected force terminate to succeed and suppress the timeout error, got %v", err)
	}
	if h.isAlive() {
		t.Fatalf("expected worker to be marked dead after forced stop")
	}
}
