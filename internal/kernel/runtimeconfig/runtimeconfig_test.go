package runtimeconfig

import "testing"

func TestValidateRejectsUnknownKVBackend(t *testing.T) {
	cfg := Config{Scenario: ScenarioConfig{Name: "s1"}}
	cfg.Runtime.Platform.KV.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for a non-memory kv backend")
	}
}

func TestValidateRejectsNonLoopbackBindHostForTCPLocal(t *testing.T) {
	cfg := Config{Scenario: ScenarioConfig{Name: "s1"}}
	cfg.Runtime.Platform.ExecutionIPC.Transport = "tcp_local"
	cfg.Runtime.Platform.ExecutionIPC.BindHost = "0.0.0.0"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for a non-loopback bind host")
	}
}

func TestValidateRejectsDuplicateNodePlacement(t *testing.T) {
	cfg := Config{Scenario: ScenarioConfig{Name: "s1"}}
	cfg.Runtime.Platform.ProcessGroups = []ProcessGroupConfig{
		{Name: "g1", Nodes: []string{"n1"}},
		{Name: "g2", Nodes: []string{"n1"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for a node placed in two groups")
	}
}

func TestStrictOrDefaultDefaultsTrue(t *testing.T) {
	var r RuntimeSettings
	if !r.StrictOrDefault() {
		t.Fatalf("expected strict to default to true")
	}
	f := false
	r.Strict = &f
	if r.StrictOrDefault() {
		t.Fatalf("expected explicit false to be honored")
	}
}

func TestValidConfigPasses(t *testing.T) {
	cfg := Config{Scenario: ScenarioConfig{Name: "s1"}}
	cfg.Runtime.Platform.KV.Backend = "memory"
	cfg.Runtime.Platform.ExecutionIPC.Transport = "tcp_local"
	cfg.Runtime.Platform.ExecutionIPC.BindHost = "127.0.0.1"
	cfg.Runtime.Platform.Bootstrap.Mode = "process_supervisor"
	cfg.Runtime.Ordering.SinkMode = "source_seq"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a valid config to pass, got %v", err)
	}
}
