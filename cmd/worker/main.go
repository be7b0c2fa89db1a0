// Command kernel-worker is the process a BootstrapSupervisor spawns
// for one worker slot of one process group. It decodes its
// ChildBootstrapBundle from the environment, bootstraps a ChildRuntime
// from it, announces itself to the supervisor's ControlPlane, and
// loops on signed control frames over its own stdin/stdout — the same
// duplex control pipe the supervisor's pipeConn drives from the parent
// side.
//
// Grounded on the teacher's cmd/agent/main.go worker-process shape
// (accept a bootstrap payload over a side channel, compose local
// state, loop reading framed messages and writing framed responses),
// generalized from vsock-framed binary messages to SecureTcpTransport's
// signed JSON frames.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/kernel/internal/kernel/childrt"
	"github.com/oriys/kernel/internal/kernel/controlplane"
	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/klog"
	"github.com/oriys/kernel/internal/kernel/transport"
)

// wireEnvelope mirrors supervisor's private wireEnvelope JSON shape —
// both sides of the control pipe must agree on field names without
// sharing a type, since wireEnvelope is internal to supervisor. The
// three execute_boundary* message kinds themselves are exported from
// controlplane so both sides reference the same Kind values.
type wireEnvelope struct {
	Payload any    `json:"payload"`
	Target  string `json:"target"`
	TraceID string `json:"trace_id"`
	ReplyTo string `json:"reply_to"`
	SpanID  string `json:"span_id"`
}

func toWireEnvelope(e envelope.Envelope) wireEnvelope {
	return wireEnvelope{Payload: e.Payload, Target: e.Target, TraceID: e.TraceID, ReplyTo: e.ReplyTo, SpanID: e.SpanID}
}

type boundaryResultPayload struct {
	TerminalOutputs []wireEnvelope `json:"terminal_outputs"`
}

type boundaryErrorPayload struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// controlConn is the worker side of the signed control pipe the
// supervisor drives from pipeConn. Every controlplane.Message crosses
// stdin/stdout wrapped in a length-prefixed transport.Envelope, signed
// and verified through the same *transport.Verifier the ChildRuntime
// resolved for its RuntimeTransportService binding, so a frame signed
// here verifies on the supervisor's side and vice versa.
type controlConn struct {
	verifier *transport.Verifier
}

func newControlConn(verifier *transport.Verifier) *controlConn {
	return &controlConn{verifier: verifier}
}

func (c *controlConn) send(m controlplane.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	env := transport.NewEnvelope(string(m.Kind), m.WorkerID, payload, nil, time.Now().Unix(), uuid.NewString())
	return transport.WriteFramed(os.Stdout, env, c.verifier.Secret())
}

func (c *controlConn) recv() (controlplane.Message, error) {
	env, err := c.verifier.DecodeFramed(os.Stdin, time.Now().Unix())
	if err != nil {
		return controlplane.Message{}, err
	}
	raw, err := env.Payload()
	if err != nil {
		return controlplane.Message{}, fmt.Errorf("decode control frame payload: %w", err)
	}
	var m controlplane.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return controlplane.Message{}, fmt.Errorf("unmarshal control message: %w", err)
	}
	return m, nil
}

func main() {
	workerID := flag.String("worker-id", os.Getenv("KERNEL_WORKER_ID"), "worker slot identifier")
	processGroup := flag.String("process-group", os.Getenv("KERNEL_PROCESS_GROUP"), "process group this worker belongs to")
	flag.Parse()

	if *workerID == "" {
		fmt.Fprintln(os.Stderr, "kernel-worker: missing --worker-id / KERNEL_WORKER_ID")
		os.Exit(1)
	}

	bundle, err := loadBundle()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel-worker: %v\n", err)
		os.Exit(1)
	}
	if bundle.ProcessGroup == "" {
		bundle.ProcessGroup = *processGroup
	}

	ctx := context.Background()
	runtime, err := childrt.Bootstrap(ctx, bundle, *workerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel-worker: bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer runtime.Close()

	if err := runtime.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "kernel-worker: start: %v\n", err)
		os.Exit(1)
	}

	klog.Op().Info("worker_process_started", "worker_id", *workerID, "process_group", bundle.ProcessGroup, "ts_ms", time.Now().UnixMilli())

	conn := newControlConn(runtime.Transport())

	if err := handshake(conn, *workerID); err != nil {
		fmt.Fprintf(os.Stderr, "kernel-worker: handshake: %v\n", err)
		os.Exit(1)
	}

	if err := serve(ctx, runtime, conn); err != nil && err != io.EOF {
		fmt.Fprintf(os.Stderr, "kernel-worker: serve: %v\n", err)
		_ = runtime.Stop(ctx)
		os.Exit(1)
	}

	_ = runtime.Stop(ctx)
}

// handshake announces this worker to the supervisor's ControlPlane
// (spec.md §4.9): bootstrap_bundle first, then ready once this
// process's own runtime is up, each gated on the supervisor's ACK.
func handshake(conn *controlConn, workerID string) error {
	if err := conn.send(controlplane.Message{Kind: controlplane.KindBootstrapBundle, WorkerID: workerID}); err != nil {
		return fmt.Errorf("send bootstrap_bundle: %w", err)
	}
	if _, err := conn.recv(); err != nil {
		return fmt.Errorf("recv bootstrap_bundle ack: %w", err)
	}
	if err := conn.send(controlplane.Message{Kind: controlplane.KindReady, WorkerID: workerID}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	if _, err := conn.recv(); err != nil {
		return fmt.Errorf("recv ready ack: %w", err)
	}
	return nil
}

func loadBundle() (controlplane.ChildBootstrapBundle, error) {
	encoded := os.Getenv("KERNEL_BOOTSTRAP_BUNDLE_B64")
	if encoded == "" {
		return controlplane.ChildBootstrapBundle{}, fmt.Errorf("missing KERNEL_BOOTSTRAP_BUNDLE_B64")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return controlplane.ChildBootstrapBundle{}, fmt.Errorf("decode bootstrap bundle: %w", err)
	}
	return controlplane.DecodeBundle(raw)
}

// serve reads signed control frames from stdin until it sees a stop
// message or the pipe closes, writing one signed response per request
// to stdout. The supervisor speaks this exact protocol from the
// parent side (supervisor.pipeConn).
func serve(ctx context.Context, runtime *childrt.ChildRuntime, conn *controlConn) error {
	for {
		msg, err := conn.recv()
		if err != nil {
			return err
		}

		switch msg.Kind {
		case controlplane.KindExecuteBoundary:
			resp := handleExecuteBoundary(ctx, runtime, msg)
			if err := conn.send(resp); err != nil {
				return err
			}
		case controlplane.KindStop:
			_ = conn.send(msg.Ack())
			return nil
		case controlplane.KindHeartbeat:
			if err := conn.send(msg.Ack()); err != nil {
				return err
			}
		default:
			klog.Op().Warn("worker_unknown_message_kind", "kind", string(msg.Kind), "ts_ms", time.Now().UnixMilli())
			if err := conn.send(msg.Ack()); err != nil {
				return err
			}
		}
	}
}

func handleExecuteBoundary(ctx context.Context, runtime *childrt.ChildRuntime, msg controlplane.Message) controlplane.Message {
	var inputs []envelope.BoundaryDispatchInput
	if err := json.Unmarshal(msg.Payload, &inputs); err != nil {
		return errorResponse(msg, "decode", err)
	}

	outputs, err := runtime.ExecuteChildBoundaryLoop(ctx, inputs)
	if err != nil {
		return errorResponse(msg, "execution", err)
	}

	wire := make([]wireEnvelope, 0, len(outputs))
	for _, o := range outputs {
		wire = append(wire, toWireEnvelope(o))
	}
	payload, _ := json.Marshal(boundaryResultPayload{TerminalOutputs: wire})
	return controlplane.Message{Kind: controlplane.KindExecuteBoundaryResult, CorrelationID: msg.CorrelationID, WorkerID: msg.WorkerID, Payload: payload}
}

func errorResponse(msg controlplane.Message, category string, err error) controlplane.Message {
	payload, _ := json.Marshal(boundaryErrorPayload{Category: category, Message: err.Error()})
	return controlplane.Message{Kind: controlplane.KindExecuteBoundaryError, CorrelationID: msg.CorrelationID, WorkerID: msg.WorkerID, Payload: payload}
}
