package childrt

import (
	"context"
	"testing"

	"github.com/oriys/kernel/internal/kernel/contract"
	"github.com/oriys/kernel/internal/kernel/controlplane"
	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/ksecret"
)

func testBundle(t *testing.T, processGroup string) controlplane.ChildBootstrapBundle {
	t.Helper()
	b, err := ksecret.NewGeneratedBundle(1)
	if err != nil {
		t.Fatalf("generate bundle: %v", err)
	}
	return controlplane.ChildBootstrapBundle{
		ScenarioID:       "scenario-1",
		ProcessGroup:     processGroup,
		DiscoveryModules: []string{"test.echo"},
		RuntimeConfig:    map[string]any{},
		Adapters:         map[string]any{},
		KeyBundle:        controlplane.NewKeyBundleWire(b),
	}
}

func registerEchoModule(t *testing.T) {
	t.Helper()
	ResetForTest()
	RegisterDiscoveryModule("test.echo", func() contract.Table {
		var table contract.Table
		table.RegisterNode(contract.NodeContract{
			Name:     "echo.upper",
			Consumes: []string{"string"},
			Fn: func(_ context.Context, payload any, nodeCtx map[string]any) ([]any, error) {
				if _, hasInternal := nodeCtx["__process_group"]; hasInternal {
					return nil, errFound("echo.upper must not see internal keys")
				}
				s, _ := payload.(string)
				return []any{envelope.TerminalEvent{Status: envelope.StatusSuccess, Payload: s + "!"}}, nil
			},
		})
		table.RegisterNode(contract.NodeContract{
			Name:     "echo.service",
			Consumes: []string{"int"},
			Service:  true,
			Fn: func(_ context.Context, payload any, nodeCtx map[string]any) ([]any, error) {
				if _, hasInternal := nodeCtx["__process_group"]; !hasInternal {
					return nil, errFound("echo.service must see internal keys")
				}
				return nil, nil
			},
		})
		table.RegisterAdapter(contract.AdapterContract{Name: "echo.source", Emits: []string{"string", "int"}})
		return table
	})
}

type testError string

func errFound(msg string) error { return testError(msg) }
func (e testError) Error() string { return string(e) }

func TestBootstrapWiresChildRuntime(t *testing.T) {
	registerEchoModule(t)
	bundle := testBundle(t, "execution.core")

	rt, err := Bootstrap(context.Background(), bundle, "execution.core#1")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()

	if rt.ProcessGroup != "execution.core" {
		t.Fatalf("expected process group execution.core, got %q", rt.ProcessGroup)
	}
	if _, ok := rt.nodes["echo.upper"]; !ok {
		t.Fatalf("expected echo.upper to be a known node")
	}
}

func TestExecuteChildBoundaryLoopRejectsUnknownTarget(t *testing.T) {
	registerEchoModule(t)
	bundle := testBundle(t, "execution.core")
	rt, err := Bootstrap(context.Background(), bundle, "execution.core#1")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()

	_, err = rt.ExecuteChildBoundaryLoop(context.Background(), []envelope.BoundaryDispatchInput{
		{DispatchGroup: "execution.core", Target: "does.not.exist", TraceID: "t1"},
	})
	if err == nil {
		t.Fatalf("expected an error for an unknown target")
	}
}

func TestExecuteChildBoundaryLoopRejectsMismatchedGroup(t *testing.T) {
	registerEchoModule(t)
	bundle := testBundle(t, "execution.core")
	rt, err := Bootstrap(context.Background(), bundle, "execution.core#1")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()

	_, err = rt.ExecuteChildBoundaryLoop(context.Background(), []envelope.BoundaryDispatchInput{
		{DispatchGroup: "some.other.group", Target: "echo.upper", TraceID: "t1"},
	})
	if err == nil {
		t.Fatalf("expected an error for a mismatched dispatch group")
	}
}

func TestExecuteChildBoundaryLoopProducesTerminalOutput(t *testing.T) {
	registerEchoModule(t)
	bundle := testBundle(t, "execution.core")
	rt, err := Bootstrap(context.Background(), bundle, "execution.core#1")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()

	out, err := rt.ExecuteChildBoundaryLoop(context.Background(), []envelope.BoundaryDispatchInput{
		{DispatchGroup: "execution.core", Target: "echo.upper", TraceID: "t1", ReplyTo: "http:r1", Payload: "hi"},
	})
	if err != nil {
		t.Fatalf("execute boundary loop: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one output envelope, got %d", len(out))
	}
	if out[0].Target != "" {
		t.Fatalf("expected a terminal output with no target, got %q", out[0].Target)
	}
	term, ok := out[0].Terminal()
	if !ok {
		t.Fatalf("expected a terminal event payload")
	}
	if term.Payload != "hi!" {
		t.Fatalf("expected payload 'hi!', got %v", term.Payload)
	}
}

// TestEchoServiceNodeSeesInternalContext exercises the context
// isolation invariant from the other side: a service node must see
// the enriched __-prefixed keys the non-service node above must not.
func TestEchoServiceNodeSeesInternalContext(t *testing.T) {
	registerEchoModule(t)
	bundle := testBundle(t, "execution.core")
	rt, err := Bootstrap(context.Background(), bundle, "execution.core#1")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close()

	_, err = rt.ExecuteChildBoundaryLoop(context.Background(), []envelope.BoundaryDispatchInput{
		{DispatchGroup: "execution.core", Target: "echo.service", TraceID: "t2", Payload: 1},
	})
	if err != nil {
		t.Fatalf("execute boundary loop: %v", err)
	}
}
