package supervisor

import (
	"io"
	"testing"

	"github.com/oriys/kernel/internal/kernel/controlplane"
)

// pipePair wires two pipeConns together over in-memory pipes, as if
// one were the supervisor side and the other the worker side of a
// spawned process's stdin/stdout.
func pipePair(secret []byte) (parent, child *pipeConn) {
	parentR, childW := io.Pipe()
	childR, parentW := io.Pipe()
	parent = newPipeConn(parentW, parentR, secret, nil)
	child = newPipeConn(childW, childR, secret, nil)
	return parent, child
}

func TestPipeConnRoundTrip(t *testing.T) {
	secret := make([]byte, 32)
	parent, child := pipePair(secret)

	sent := controlplane.Message{Kind: controlplane.KindHeartbeat, WorkerID: "g1#1", CorrelationID: "c1"}
	errCh := make(chan error, 1)
	go func() { errCh <- parent.Send(sent) }()

	got, err := child.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Kind != sent.Kind || got.WorkerID != sent.WorkerID || got.CorrelationID != sent.CorrelationID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, sent)
	}
}

func TestPipeConnRejectsWrongSecret(t *testing.T) {
	parentR, childW := io.Pipe()
	childR, parentW := io.Pipe()
	parent := newPipeConn(parentW, parentR, make([]byte, 32), nil)
	child := newPipeConn(childW, childR, append(make([]byte, 31), 1), nil)

	go func() { _ = parent.Send(controlplane.Message{Kind: controlplane.KindHeartbeat}) }()

	if _, err := child.Recv(); err == nil {
		t.Fatalf("expected signature verification to fail with mismatched secrets")
	}
}

func TestHandshakeDrivesControlPlane(t *testing.T) {
	s := newTestSupervisor()
	secret := make([]byte, 32)
	parent, worker := pipePair(secret)

	workerDone := make(chan error, 1)
	go func() {
		if err := worker.Send(controlplane.Message{Kind: controlplane.KindBootstrapBundle, WorkerID: "g1#1"}); err != nil {
			workerDone <- err
			return
		}
		if _, err := worker.Recv(); err != nil {
			workerDone <- err
			return
		}
		if err := worker.Send(controlplane.Message{Kind: controlplane.KindReady, WorkerID: "g1#1"}); err != nil {
			workerDone <- err
			return
		}
		_, err := worker.Recv()
		workerDone <- err
	}()

	if err := s.handshake(parent); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := <-workerDone; err != nil {
		t.Fatalf("worker side: %v", err)
	}
	if !s.plane.IsBootstrapped("g1#1") {
		t.Fatalf("expected worker g1#1 to be recorded as bootstrapped")
	}
}
