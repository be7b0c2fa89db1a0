// Package runtimeconfig defines the validated configuration shape
// RuntimeBuilder consumes (spec.md §6 "Runtime configuration") and the
// YAML decode path that produces it. Grounded on the teacher's
// internal/config/config.go struct-plus-Validate idiom, using
// gopkg.in/yaml.v3 for decoding the same way the teacher does.
package runtimeconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration document.
type Config struct {
	Scenario  ScenarioConfig  `yaml:"scenario"`
	Runtime   RuntimeSettings `yaml:"runtime"`
	Adapters  map[string]AdapterConfig `yaml:"adapters"`
}

// ScenarioConfig names the scenario this configuration builds.
type ScenarioConfig struct {
	Name string `yaml:"name"`
}

// RuntimeSettings is the `runtime.*` key family.
type RuntimeSettings struct {
	Strict           *bool           `yaml:"strict"`
	DiscoveryModules []string        `yaml:"discovery_modules"`
	Platform         PlatformConfig  `yaml:"platform"`
	Ordering         OrderingConfig  `yaml:"ordering"`
	Observability    Observability   `yaml:"observability"`
}

// StrictOrDefault returns runtime.strict, defaulting to true.
func (r RuntimeSettings) StrictOrDefault() bool {
	if r.Strict == nil {
		return true
	}
	return *r.Strict
}

// PlatformConfig is `runtime.platform.*`.
type PlatformConfig struct {
	KV            KVConfig            `yaml:"kv"`
	ExecutionIPC  ExecutionIPCConfig  `yaml:"execution_ipc"`
	Bootstrap     BootstrapConfig     `yaml:"bootstrap"`
	ProcessGroups []ProcessGroupConfig `yaml:"process_groups"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	RoutingCache  RoutingCacheConfig  `yaml:"routing_cache"`
}

// KVConfig is `runtime.platform.kv.*`. "memory" is the only accepted
// backend value.
type KVConfig struct {
	Backend string `yaml:"backend"`
}

// ExecutionIPCConfig is `runtime.platform.execution_ipc.*`.
type ExecutionIPCConfig struct {
	Transport       string         `yaml:"transport"` // "memory" | "tcp_local"
	BindHost        string         `yaml:"bind_host"`
	BindPort        int            `yaml:"bind_port"`
	MaxPayloadBytes int            `yaml:"max_payload_bytes"`
	Auth            ExecutionAuth  `yaml:"auth"`
}

// ExecutionAuth is `runtime.platform.execution_ipc.auth.*`.
type ExecutionAuth struct {
	Mode           string `yaml:"mode"`
	SecretMode     string `yaml:"secret_mode"` // "generated" | "aws_secrets_manager"
	KDF            string `yaml:"kdf"`
	TTLSeconds     int64  `yaml:"ttl_seconds"`
	NonceCacheSize int    `yaml:"nonce_cache_size"`
	Secret         string `yaml:"secret"`
	SecretsManagerID string `yaml:"secrets_manager_id"`
}

// BootstrapConfig is `runtime.platform.bootstrap.*`.
type BootstrapConfig struct {
	Mode string `yaml:"mode"` // "inline" | "process_supervisor"
}

// ProcessGroupConfig is one `runtime.platform.process_groups[]` entry.
type ProcessGroupConfig struct {
	Name    string   `yaml:"name"`
	Workers int      `yaml:"workers"`
	Nodes   []string `yaml:"nodes"`
}

// LifecycleConfig is `runtime.platform.lifecycle.*`.
type LifecycleConfig struct {
	ReadyTimeoutSeconds    float64 `yaml:"ready_timeout_seconds"`
	GracefulTimeoutSeconds float64 `yaml:"graceful_timeout_seconds"`
	DrainInflight          bool    `yaml:"drain_inflight"`
}

// RoutingCacheConfig is `runtime.platform.routing_cache.*`.
type RoutingCacheConfig struct {
	Enabled      bool `yaml:"enabled"`
	NegativeCache bool `yaml:"negative_cache"`
	MaxEntries   int  `yaml:"max_entries"`
}

// OrderingConfig is `runtime.ordering.*`.
type OrderingConfig struct {
	SinkMode string `yaml:"sink_mode"` // "completion" | "source_seq"
}

// Observability is `runtime.observability.*`.
type Observability struct {
	Tracing ObservabilitySection `yaml:"tracing"`
	Logging LoggingSection       `yaml:"logging"`
	Metrics MetricsConfig        `yaml:"metrics"`
}

// MetricsConfig is `runtime.observability.metrics.*`: the Prometheus
// registry and its scrape listener, kept separate from the tracing
// exporters list since a kernel process runs at most one of these.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Namespace  string `yaml:"namespace"`
	ListenAddr string `yaml:"listen_addr"`
}

// ObservabilitySection is `runtime.observability.tracing.*`.
type ObservabilitySection struct {
	Exporters []ExporterConfig `yaml:"exporters"`
}

// LoggingSection is `runtime.observability.logging.*`.
type LoggingSection struct {
	Exporters       []ExporterConfig      `yaml:"exporters"`
	LifecycleEvents LifecycleEventsConfig `yaml:"lifecycle_events"`
}

// LifecycleEventsConfig is `runtime.observability.logging.lifecycle_events.*`.
type LifecycleEventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
}

// ExporterConfig is one observability exporter block.
type ExporterConfig struct {
	Kind     string                 `yaml:"kind"`
	Settings map[string]any         `yaml:"settings"`
}

// AdapterConfig is one `adapters.<role>.*` entry. Binds are declared
// as plain port-type strings here; the adapter's own contract
// supplies the paired data type.
type AdapterConfig struct {
	Settings map[string]any `yaml:"settings"`
	Binds    []string       `yaml:"binds"`
}

// Load reads and decodes a YAML configuration document from path and
// validates it.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("runtimeconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("runtimeconfig: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("runtimeconfig: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces the policy constraints spec.md §6 names outright
// (accepted enum values, the tcp_local loopback-only bind policy).
func (c Config) Validate() error {
	if c.Scenario.Name == "" {
		return fmt.Errorf("scenario.name is required")
	}
	if c.Runtime.Platform.KV.Backend != "" && c.Runtime.Platform.KV.Backend != "memory" {
		return fmt.Errorf("runtime.platform.kv.backend: only \"memory\" is accepted, got %q", c.Runtime.Platform.KV.Backend)
	}
	switch c.Runtime.Platform.ExecutionIPC.Transport {
	case "", "memory", "tcp_local":
	default:
		return fmt.Errorf("runtime.platform.execution_ipc.transport: unknown value %q", c.Runtime.Platform.ExecutionIPC.Transport)
	}
	if c.Runtime.Platform.ExecutionIPC.Transport == "tcp_local" {
		host := c.Runtime.Platform.ExecutionIPC.BindHost
		if host != "" && host != "127.0.0.1" {
			return fmt.Errorf("runtime.platform.execution_ipc.bind_host must be 127.0.0.1 for tcp_local, got %q", host)
		}
	}
	switch c.Runtime.Platform.Bootstrap.Mode {
	case "", "inline", "process_supervisor":
	default:
		return fmt.Errorf("runtime.platform.bootstrap.mode: unknown value %q", c.Runtime.Platform.Bootstrap.Mode)
	}
	switch c.Runtime.Ordering.SinkMode {
	case "", "completion", "source_seq":
	default:
		return fmt.Errorf("runtime.ordering.sink_mode: unknown value %q", c.Runtime.Ordering.SinkMode)
	}

	placed := make(map[string]string)
	for _, g := range c.Runtime.Platform.ProcessGroups {
		if g.Name == "" {
			return fmt.Errorf("runtime.platform.process_groups: entry missing name")
		}
		for _, n := range g.Nodes {
			if prior, dup := placed[n]; dup {
				return fmt.Errorf("runtime.platform.process_groups: node %q placed in both %q and %q", n, prior, g.Name)
			}
			placed[n] = g.Name
		}
	}
	return nil
}

// IsProcessSupervisor reports whether bootstrap mode is
// process_supervisor (the only mode that spawns child worker
// processes).
func (c Config) IsProcessSupervisor() bool {
	return c.Runtime.Platform.Bootstrap.Mode == "process_supervisor"
}

// IsTCPLocal reports whether execution_ipc.transport is tcp_local.
func (c Config) IsTCPLocal() bool {
	return c.Runtime.Platform.ExecutionIPC.Transport == "tcp_local"
}

// RuntimeConfigMap flattens the fields a ChildBootstrapBundle needs to
// carry to a worker process into a generic map, mirroring the wire
// shape controlplane.ChildBootstrapBundle.RuntimeConfig expects.
func (c Config) RuntimeConfigMap() map[string]any {
	tracingExporters := make([]any, 0, len(c.Runtime.Observability.Tracing.Exporters))
	for _, e := range c.Runtime.Observability.Tracing.Exporters {
		tracingExporters = append(tracingExporters, exporterMap(e))
	}
	loggingExporters := make([]any, 0, len(c.Runtime.Observability.Logging.Exporters))
	for _, e := range c.Runtime.Observability.Logging.Exporters {
		loggingExporters = append(loggingExporters, exporterMap(e))
	}

	return map[string]any{
		"execution_ipc": map[string]any{
			"bind_port":         float64(c.Runtime.Platform.ExecutionIPC.BindPort),
			"ttl_seconds":       float64(c.Runtime.Platform.ExecutionIPC.Auth.TTLSeconds),
			"nonce_cache_size":  float64(c.Runtime.Platform.ExecutionIPC.Auth.NonceCacheSize),
			"max_payload_bytes": float64(c.Runtime.Platform.ExecutionIPC.MaxPayloadBytes),
		},
		"observability": map[string]any{
			"tracing": map[string]any{"exporters": tracingExporters},
			"logging": map[string]any{"exporters": loggingExporters},
		},
	}
}

func exporterMap(e ExporterConfig) map[string]any {
	out := map[string]any{"kind": e.Kind}
	for k, v := range e.Settings {
		out[k] = v
	}
	return out
}

// AdaptersMap flattens the adapters.<role> config into the generic
// map shape a ChildBootstrapBundle carries.
func (c Config) AdaptersMap() map[string]any {
	out := make(map[string]any, len(c.Adapters))
	for role, a := range c.Adapters {
		out[role] = a.Settings
	}
	return out
}
