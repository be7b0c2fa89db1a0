package runtimebuilder

import (
	"context"
	"testing"

	"github.com/oriys/kernel/internal/kernel/childrt"
	"github.com/oriys/kernel/internal/kernel/contract"
	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/runtimeconfig"
)

func registerDoubleModule(t *testing.T) {
	t.Helper()
	childrt.ResetForTest()
	childrt.RegisterDiscoveryModule("test.double", func() contract.Table {
		var tbl contract.Table
		tbl.RegisterNode(contract.NodeContract{
			Name:     "double.it",
			Consumes: []string{"int"},
			Fn: func(ctx context.Context, payload any, meta map[string]any) ([]any, error) {
				n := payload.(int)
				return []any{envelope.TerminalEvent{Status: envelope.StatusSuccess, Payload: n * 2}}, nil
			},
		})
		tbl.RegisterAdapter(contract.AdapterContract{Name: "double.source", Emits: []string{"int"}})
		return tbl
	})
}

func memoryConfig() runtimeconfig.Config {
	var cfg runtimeconfig.Config
	cfg.Scenario.Name = "scenario.memory"
	cfg.Runtime.DiscoveryModules = []string{"test.double"}
	cfg.Runtime.Platform.KV.Backend = "memory"
	return cfg
}

func TestBuildComposesMemoryProfile(t *testing.T) {
	registerDoubleModule(t)
	cfg := memoryConfig()

	art, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer art.Close()

	if art.Supervisor != nil {
		t.Fatalf("memory profile must not build a supervisor")
	}
	if _, ok := art.Nodes["double.it"]; !ok {
		t.Fatalf("expected node double.it to be resident locally")
	}
}

func TestExecuteRuntimeArtifactsMemoryProfile(t *testing.T) {
	registerDoubleModule(t)
	cfg := memoryConfig()

	art, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer art.Close()

	inputs := []envelope.Envelope{{Payload: 21, Target: "double.it", TraceID: "t1"}}
	if _, err := ExecuteRuntimeArtifacts(context.Background(), art, "run1", inputs); err != nil {
		t.Fatalf("ExecuteRuntimeArtifacts: %v", err)
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	var cfg runtimeconfig.Config // missing scenario.name
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("expected an error for a config missing scenario.name")
	}
}

func TestBuildNodeGroupSplitsResidency(t *testing.T) {
	registerDoubleModule(t)
	cfg := memoryConfig()
	cfg.Runtime.Platform.Bootstrap.Mode = "process_supervisor"
	cfg.Runtime.Platform.ProcessGroups = []runtimeconfig.ProcessGroupConfig{
		{Name: "execution.core", Workers: 1, Nodes: []string{"double.it"}},
	}

	art, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer art.Close()

	if art.Supervisor == nil {
		t.Fatalf("process_supervisor profile must build a supervisor")
	}
	if _, resident := art.Nodes["double.it"]; resident {
		t.Fatalf("double.it is assigned to a process group and must not run locally")
	}
}
