package router

import (
	"testing"

	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/registry"
)

type payloadX struct{ V int }

func typeOfX(any) string { return "X" }

func TestRouteFanOutPreservesRegistryOrder(t *testing.T) {
	reg := registry.New()
	reg.Register("X", []string{"B", "C"})
	r := New(reg, typeOfX, true, "", nil)

	result, err := r.Route([]any{payloadX{V: 1}}, "A")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(result.LocalDeliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(result.LocalDeliveries))
	}
	if result.LocalDeliveries[0].Target != "B" || result.LocalDeliveries[1].Target != "C" {
		t.Fatalf("unexpected delivery order: %+v", result.LocalDeliveries)
	}
}

func TestRouteExcludesSourceFromDefaultFanOut(t *testing.T) {
	reg := registry.New()
	reg.Register("X", []string{"A", "B"})
	r := New(reg, typeOfX, true, "", nil)

	result, err := r.Route([]any{payloadX{}}, "A")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(result.LocalDeliveries) != 1 || result.LocalDeliveries[0].Target != "B" {
		t.Fatalf("expected only B, got %+v", result.LocalDeliveries)
	}
}

func TestRouteSelfLoopHazardStrict(t *testing.T) {
	reg := registry.New()
	reg.Register("X", []string{"A"})
	r := New(reg, typeOfX, true, "", nil)

	if _, err := r.Route([]any{payloadX{}}, "A"); err == nil {
		t.Fatalf("expected self-loop error in strict mode")
	}
}

func TestRouteSelfLoopHazardNonStrictDrops(t *testing.T) {
	reg := registry.New()
	reg.Register("X", []string{"A"})
	r := New(reg, typeOfX, false, "", nil)

	result, err := r.Route([]any{payloadX{}}, "A")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(result.LocalDeliveries) != 0 {
		t.Fatalf("expected drop, got %+v", result.LocalDeliveries)
	}
}

func TestRouteNoConsumersStrictErrors(t *testing.T) {
	reg := registry.New()
	r := New(reg, typeOfX, true, "", nil)

	if _, err := r.Route([]any{payloadX{}}, ""); err == nil {
		t.Fatalf("expected no-consumers error")
	}
}

func TestRouteNoConsumersNonStrictDrops(t *testing.T) {
	reg := registry.New()
	r := New(reg, typeOfX, false, "", nil)

	result, err := r.Route([]any{payloadX{}}, "")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !result.Empty() {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestRouteExplicitTargetOverride(t *testing.T) {
	reg := registry.New()
	reg.Register("X", []string{"B", "C"})
	r := New(reg, typeOfX, true, "", nil)

	out := envelope.Envelope{Payload: payloadX{}, Target: "C"}
	result, err := r.Route([]any{out}, "A")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(result.LocalDeliveries) != 1 || result.LocalDeliveries[0].Target != "C" {
		t.Fatalf("expected only C, got %+v", result.LocalDeliveries)
	}
}

func TestRouteExplicitTargetNotConsumerStrictErrors(t *testing.T) {
	reg := registry.New()
	reg.Register("X", []string{"B"})
	r := New(reg, typeOfX, true, "", nil)

	out := envelope.Envelope{Payload: payloadX{}, Target: "Z"}
	if _, err := r.Route([]any{out}, "A"); err == nil {
		t.Fatalf("expected unknown-target error")
	}
}

func TestRouteTerminalEventAlwaysEmitted(t *testing.T) {
	reg := registry.New()
	r := New(reg, typeOfX, true, "", nil)

	term := envelope.TerminalEvent{Status: envelope.StatusSuccess, Payload: 42}
	result, err := r.Route([]any{term}, "A")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(result.TerminalOutputs) != 1 {
		t.Fatalf("expected 1 terminal output, got %d", len(result.TerminalOutputs))
	}
}

func TestRouteBoundaryDeliveryWhenCrossGroup(t *testing.T) {
	reg := registry.New()
	reg.Register("X", []string{"B"})
	groupOf := func(target string) (string, bool) {
		if target == "B" {
			return "group-2", true
		}
		return "", false
	}
	r := New(reg, typeOfX, true, "group-1", groupOf)

	result, err := r.Route([]any{payloadX{}}, "A")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(result.LocalDeliveries) != 0 || len(result.BoundaryDeliveries) != 1 {
		t.Fatalf("expected 1 boundary delivery, got local=%d boundary=%d", len(result.LocalDeliveries), len(result.BoundaryDeliveries))
	}
}
