package supervisor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/kernel/internal/kernel/controlplane"
	"github.com/oriys/kernel/internal/kernel/klog"
	"github.com/oriys/kernel/internal/kernel/kmetrics"
	"github.com/oriys/kernel/internal/kernel/transport"
)

// ControlConn is the duplex control pipe between the supervisor and
// one child worker process (spec.md §4.10 step 5: "a duplex control
// pipe"). The production implementation frames every message through
// SecureTcpTransport over a spawned process's stdin/stdout (spec.md
// §9: "Framing reuses SecureTcpTransport"); tests substitute an
// in-memory fake.
type ControlConn interface {
	Send(m controlplane.Message) error
	Recv() (controlplane.Message, error)
	Close() error
}

// pipeConn is a ControlConn backed by a child process's stdin/stdout,
// with every controlplane.Message wrapped in a signed, length-prefixed
// transport.Envelope before it crosses the pipe. The transport layer's
// bind-host/TCP framing rules exist for the socket variant of this
// channel (spec.md §4.8); hosting the same signed frame format over an
// os/exec stdio pipe keeps the 1:1, no-cross-worker channel discipline
// spec.md §9 requires while reusing the process-spawn isolation an
// OS pipe already gives a parent and its own child for free.
type pipeConn struct {
	w        io.Writer
	r        io.Reader
	verifier *transport.Verifier
	secret   []byte
	closers  []io.Closer
}

func newPipeConn(w io.Writer, r io.Reader, secret []byte, closers []io.Closer) *pipeConn {
	cfg := transport.Config{
		BindHost:        "127.0.0.1",
		Secret:          secret,
		TTLSeconds:      controlplane.ControlTTLSeconds,
		NonceCacheSize:  controlplane.ControlNonceCacheSize,
		MaxPayloadBytes: controlplane.ControlMaxPayloadBytes,
		AllowedKinds:    controlplane.ControlAllowedKinds(),
	}
	return &pipeConn{
		w:        w,
		r:        r,
		verifier: transport.NewVerifier(cfg),
		secret:   secret,
		closers:  closers,
	}
}

func (c *pipeConn) Send(m controlplane.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("supervisor: marshal control message: %w", err)
	}
	env := transport.NewEnvelope(string(m.Kind), m.WorkerID, payload, nil, time.Now().Unix(), uuid.NewString())
	return transport.WriteFramed(c.w, env, c.secret)
}

func (c *pipeConn) Recv() (controlplane.Message, error) {
	env, err := c.verifier.DecodeFramed(c.r, time.Now().Unix())
	if err != nil {
		return controlplane.Message{}, err
	}
	raw, err := env.Payload()
	if err != nil {
		return controlplane.Message{}, fmt.Errorf("supervisor: decode control frame payload: %w", err)
	}
	var m controlplane.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return controlplane.Message{}, fmt.Errorf("supervisor: unmarshal control message: %w", err)
	}
	return m, nil
}

func (c *pipeConn) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// workerHandle tracks one spawned worker process.
type workerHandle struct {
	ID        string
	Group     string
	cmd       *exec.Cmd
	conn      ControlConn
	alive     atomic.Bool
	spawnedAt time.Time
}

func (h *workerHandle) isAlive() bool { return h.alive.Load() }

// spawnWorker starts one OS process for worker slot idx within group,
// grounded on the teacher's exec.CommandContext + environment-passing
// pattern (internal/executor/local.go), generalized from a one-shot
// function invocation to a long-lived worker with an open control
// pipe.
func (s *Supervisor) spawnWorker(ctx context.Context, group string, idx int, bundle controlplane.ChildBootstrapBundle) (*workerHandle, error) {
	id := fmt.Sprintf("%s#%d", group, idx+1)
	bundle.ProcessGroup = group

	encoded, err := controlplane.EncodeBundle(bundle)
	if err != nil {
		return nil, fmt.Errorf("supervisor: encode bundle for %s: %w", id, err)
	}

	cmd := exec.CommandContext(ctx, s.cfg.WorkerBinary, "--worker-id", id, "--process-group", group)
	cmd.Env = append(os.Environ(),
		"KERNEL_WORKER_ID="+id,
		"KERNEL_PROCESS_GROUP="+group,
		"KERNEL_BOOTSTRAP_BUNDLE_B64="+base64.StdEncoding.EncodeToString(encoded),
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdin pipe for %s: %w", id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdout pipe for %s: %w", id, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: spawn %s: %w", id, err)
	}

	secret, err := base64.StdEncoding.DecodeString(bundle.KeyBundle.SigningSecretB64)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("supervisor: decode signing secret for %s: %w", id, err)
	}
	conn := newPipeConn(stdin, stdout, secret, []io.Closer{stdin, stdout})

	if err := s.handshake(conn); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("supervisor: handshake with %s: %w", id, err)
	}

	h := &workerHandle{
		ID:        id,
		Group:     group,
		cmd:       cmd,
		conn:      conn,
		spawnedAt: time.Now(),
	}
	h.alive.Store(true)
	return h, nil
}

// handshake drives the ControlPlane's bootstrap/ready transitions
// (spec.md §4.9) for one freshly spawned worker: it blocks until the
// worker announces bootstrap_bundle then ready over its control pipe,
// ACKing each in turn before the worker is considered part of the
// fleet.
func (s *Supervisor) handshake(conn ControlConn) error {
	bootstrapMsg, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("recv bootstrap_bundle: %w", err)
	}
	ack, err := s.plane.Dispatch(bootstrapMsg, true, nil)
	if err != nil {
		return err
	}
	if err := conn.Send(ack); err != nil {
		return fmt.Errorf("ack bootstrap_bundle: %w", err)
	}

	readyMsg, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("recv ready: %w", err)
	}
	ack, err = s.plane.Dispatch(readyMsg, true, nil)
	if err != nil {
		return err
	}
	if err := conn.Send(ack); err != nil {
		return fmt.Errorf("ack ready: %w", err)
	}
	return nil
}

// StartGroups spawns every worker slot in the named groups. Groups
// must already have been configured via ConfigureProcessGroups.
func (s *Supervisor) StartGroups(ctx context.Context, groupNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	klog.Op().Info("supervisor_start_groups", "groups", groupNames, "ts_ms", time.Now().UnixMilli())

	for _, name := range groupNames {
		g, ok := s.groups[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownGroup, name)
		}
		handles := make([]*workerHandle, 0, g.Workers)
		for idx := 0; idx < g.Workers; idx++ {
			h, err := s.spawnWorker(ctx, name, idx, s.bundleTemplate)
			if err != nil {
				return err
			}
			handles = append(handles, h)
			klog.Op().Info("worker_spawned", "worker_id", h.ID, "process_group", name, "ts_ms", time.Now().UnixMilli())
			kmetrics.RecordWorkerSpawned()
		}
		s.workers[name] = handles
		s.rrCursor[name] = 0
	}
	s.recomputeAliveGaugeLocked()
	return nil
}

// WaitReady polls every spawned worker until a minimum warmup delay
// has elapsed with all of them alive, or timeout expires. It returns
// false as soon as a poll finds any worker not alive. A zero or
// negative timeout never returns true (spec.md §8).
func (s *Supervisor) WaitReady(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}

	deadline := time.Now().Add(timeout)
	warmupDeadline := time.Now().Add(s.cfg.WarmupDelay)

	for {
		allAlive := true
		s.mu.Lock()
		for _, handles := range s.workers {
			for _, h := range handles {
				if !h.isAlive() {
					allAlive = false
					klog.Op().Warn("worker_failed", "worker_id", h.ID, "process_group", h.Group, "ts_ms", time.Now().UnixMilli())
				}
			}
		}
		s.mu.Unlock()

		if !allAlive {
			return false
		}

		now := time.Now()
		if now.After(warmupDeadline) {
			s.emitWorkerReady()
			return true
		}
		if now.After(deadline) {
			return false
		}

		wait := 5 * time.Millisecond
		if rem := deadline.Sub(now); rem < wait {
			wait = rem
		}
		time.Sleep(wait)
	}
}

func (s *Supervisor) emitWorkerReady() {
	for _, h := range s.allHandles() {
		klog.Op().Info("worker_ready", "worker_id", h.ID, "process_group", h.Group, "ts_ms", time.Now().UnixMilli())
	}
}

// StopGroups signals every worker to stop, waits up to gracefulTimeout
// for each to exit, and force-terminates whatever remains. Exactly one
// worker_stopped event is emitted per worker either way.
func (s *Supervisor) StopGroups(gracefulTimeout time.Duration) error {
	handles := s.allHandles()
	if len(handles) == 0 {
		return nil
	}

	type result struct {
		h   *workerHandle
		err error
	}
	waitCh := make(chan result, len(handles))

	for _, h := range handles {
		klog.Op().Info("worker_stopping", "worker_id", h.ID, "process_group", h.Group, "ts_ms", time.Now().UnixMilli())
		if err := h.conn.Send(controlplane.Message{Kind: controlplane.KindStop}); err != nil {
			klog.Op().Warn("stop_event_unavailable", "worker_id", h.ID, "process_group", h.Group, "ts_ms", time.Now().UnixMilli())
		}
		go func(h *workerHandle) {
			waitCh <- result{h: h, err: h.cmd.Wait()}
		}(h)
	}

	deadline := time.After(gracefulTimeout)
	stopped := make(map[string]bool, len(handles))
	remaining := len(handles)

drain:
	for remaining > 0 {
		select {
		case r := <-waitCh:
			r.h.alive.Store(false)
			stopped[r.h.ID] = true
			klog.Op().Info("worker_stopped", "worker_id", r.h.ID, "process_group", r.h.Group, "mode", "graceful", "ts_ms", time.Now().UnixMilli())
			kmetrics.RecordWorkerStopped()
			remaining--
		case <-deadline:
			break drain
		}
	}

	var unstopped []*workerHandle
	for _, h := range handles {
		if !stopped[h.ID] {
			unstopped = append(unstopped, h)
		}
	}
	s.recomputeAliveGaugeAfterStop()
	if len(unstopped) == 0 {
		return nil
	}

	if err := s.ForceTerminateGroups(unstopped); err != nil {
		return &RuntimeBootstrapStopTimeoutError{Detail: err.Error()}
	}
	return nil
}

func (s *Supervisor) recomputeAliveGaugeAfterStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeAliveGaugeLocked()
}

// ForceTerminateGroups kills every handle still running and emits a
// forced worker_stopped event for it. Safe to call with handles that
// have already exited.
func (s *Supervisor) ForceTerminateGroups(handles []*workerHandle) error {
	var firstErr error
	for _, h := range handles {
		if h.isAlive() && h.cmd.Process != nil {
			if err := h.cmd.Process.Kill(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		h.alive.Store(false)
		klog.Op().Warn("worker_stopped", "worker_id", h.ID, "process_group", h.Group, "mode", "forced", "ts_ms", time.Now().UnixMilli())
		kmetrics.RecordWorkerStopped()
	}
	return firstErr
}
