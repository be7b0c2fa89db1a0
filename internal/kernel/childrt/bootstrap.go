package childrt

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/oriys/kernel/internal/kernel/contract"
	"github.com/oriys/kernel/internal/kernel/controlplane"
	"github.com/oriys/kernel/internal/kernel/dag"
	"github.com/oriys/kernel/internal/kernel/inject"
	"github.com/oriys/kernel/internal/kernel/klog"
	"github.com/oriys/kernel/internal/kernel/kobservability"
	"github.com/oriys/kernel/internal/kernel/kv"
	"github.com/oriys/kernel/internal/kernel/queue"
	"github.com/oriys/kernel/internal/kernel/registry"
	"github.com/oriys/kernel/internal/kernel/router"
	"github.com/oriys/kernel/internal/kernel/runner"
	"github.com/oriys/kernel/internal/kernel/tracectx"
	"github.com/oriys/kernel/internal/kernel/transport"
)

// BootstrapError wraps any deterministic failure encountered while
// composing a ChildRuntime from its bundle, naming the stage at which
// it occurred.
type BootstrapError struct {
	Stage string
	Err   error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("childrt: bootstrap failed at %s: %v", e.Stage, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// RuntimeLifecycleManager is the resolved service a ChildRuntime
// invokes around the life of its worker process. The default
// implementation installed by installRuntimeDefaults does nothing;
// it is installed with ReplaceFactory, so it takes the place of any
// RuntimeLifecycleManager binding registered before it.
type RuntimeLifecycleManager interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
}

type defaultLifecycleManager struct{}

func (defaultLifecycleManager) OnStart(context.Context) error { return nil }
func (defaultLifecycleManager) OnStop(context.Context) error  { return nil }

// ChildRuntime is the composed, ready-to-run worker-side runtime a
// spawned worker process builds from its ChildBootstrapBundle
// (spec.md §4.11).
type ChildRuntime struct {
	WorkerID     string
	ProcessGroup string
	ScenarioID   string

	scope     *inject.Scope
	queue     *queue.WorkQueue
	runner    *runner.Runner
	router    *router.Router
	ctxSvc    *tracectx.Service
	obs       kobservability.Service
	table     contract.Table
	dag       *dag.DAG
	nodes     map[string]contract.NodeContract
	sources   []contract.AdapterContract
	transport *transport.Verifier
	lifecycle RuntimeLifecycleManager
}

// Bootstrap composes a ChildRuntime from bundle (spec.md §4.11,
// bootstrap_child_runtime_from_bundle). Every failure is deterministic
// and wrapped as a *BootstrapError naming its stage.
func Bootstrap(ctx context.Context, bundle controlplane.ChildBootstrapBundle, workerID string) (*ChildRuntime, error) {
	table, err := discoverTable(bundle.DiscoveryModules)
	if err != nil {
		return nil, &BootstrapError{Stage: "discovery", Err: err}
	}
	if err := attachAdapters(&table, bundle.Adapters); err != nil {
		return nil, &BootstrapError{Stage: "adapters", Err: err}
	}

	d, err := dag.Build(table.AllContracts())
	if err != nil {
		return nil, &BootstrapError{Stage: "dag", Err: err}
	}
	if _, err := d.BuildExecutionPlan(); err != nil {
		return nil, &BootstrapError{Stage: "execution_plan", Err: err}
	}

	injReg := inject.NewRegistry()
	if err := bindAdapters(injReg, table); err != nil {
		return nil, &BootstrapError{Stage: "adapter_binds", Err: err}
	}
	installRuntimeDefaults(injReg, bundle)

	scope, err := injReg.InstantiateForScenario(bundle.ScenarioID)
	if err != nil {
		return nil, &BootstrapError{Stage: "instantiate_scope", Err: err}
	}

	obs, err := buildObservability(ctx, bundle.RuntimeConfig)
	if err != nil {
		scope.Close()
		return nil, &BootstrapError{Stage: "observability", Err: err}
	}

	kvStore, err := resolveKV(scope)
	if err != nil {
		scope.Close()
		return nil, &BootstrapError{Stage: "resolve_kv", Err: err}
	}
	ctxSvc := tracectx.New(kvStore)

	transportAny, err := scope.Resolve(inject.PortService, "RuntimeTransportService", "")
	if err != nil {
		scope.Close()
		return nil, &BootstrapError{Stage: "resolve_transport", Err: err}
	}
	verifier, ok := transportAny.(*transport.Verifier)
	if !ok {
		scope.Close()
		return nil, &BootstrapError{Stage: "resolve_transport", Err: fmt.Errorf("RuntimeTransportService binding did not produce a *transport.Verifier")}
	}

	lifecycleAny, err := scope.Resolve(inject.PortService, "RuntimeLifecycleManager", "")
	if err != nil {
		scope.Close()
		return nil, &BootstrapError{Stage: "resolve_lifecycle", Err: err}
	}
	lifecycle, ok := lifecycleAny.(RuntimeLifecycleManager)
	if !ok {
		scope.Close()
		return nil, &BootstrapError{Stage: "resolve_lifecycle", Err: fmt.Errorf("RuntimeLifecycleManager binding did not implement the interface")}
	}

	consumers := buildConsumerRegistry(table)
	rtr := router.New(consumers, runner.TypeOf, true, bundle.ProcessGroup, nil)

	nodes := make(map[string]contract.NodeContract, len(table.Nodes))
	for _, n := range table.Nodes {
		nodes[n.Name] = n
	}
	sources := readableAdapters(table)

	q := queue.New()
	run := runner.New(nodes, q, rtr, ctxSvc, obs, fullContextNodes(table), runner.SinkModeCompletion)

	klog.Op().Info("worker_ready", "worker_id", workerID, "process_group", bundle.ProcessGroup, "scenario_id", bundle.ScenarioID, "ts_ms", time.Now().UnixMilli())

	return &ChildRuntime{
		WorkerID:     workerID,
		ProcessGroup: bundle.ProcessGroup,
		ScenarioID:   bundle.ScenarioID,
		scope:        scope,
		queue:        q,
		runner:       run,
		router:       rtr,
		ctxSvc:       ctxSvc,
		obs:          obs,
		table:        table,
		dag:          d,
		nodes:        nodes,
		sources:      sources,
		transport:    verifier,
		lifecycle:    lifecycle,
	}, nil
}

// Transport returns the signed-frame verifier this runtime resolved
// from its RuntimeTransportService binding. cmd/worker drives its
// control pipe to the supervisor through this same instance instead of
// building a second, independently configured one, so a runtime_config
// execution_ipc override applies uniformly to both.
func (c *ChildRuntime) Transport() *transport.Verifier { return c.transport }

// Close tears the scope down exactly once, flushing any tracing
// provider a tracing exporter configured for this process.
func (c *ChildRuntime) Close() error {
	if err := kobservability.ShutdownTracing(context.Background()); err != nil {
		_ = c.scope.Close()
		return fmt.Errorf("childrt: shutdown tracing: %w", err)
	}
	return c.scope.Close()
}

// Start invokes the resolved RuntimeLifecycleManager's startup hook.
func (c *ChildRuntime) Start(ctx context.Context) error { return c.lifecycle.OnStart(ctx) }

// Stop invokes the resolved RuntimeLifecycleManager's shutdown hook.
func (c *ChildRuntime) Stop(ctx context.Context) error { return c.lifecycle.OnStop(ctx) }

// RunLocal drains any purely in-process work queued outside the
// boundary protocol, via the composed Runner.
func (c *ChildRuntime) RunLocal(ctx context.Context) error { return c.runner.Run(ctx) }

func discoverTable(moduleNames []string) (contract.Table, error) {
	return DiscoverTable(moduleNames)
}

func attachAdapters(table *contract.Table, adapters map[string]any) error {
	for role, raw := range adapters {
		settings, _ := raw.(map[string]any)
		ac, err := BuildAdapter(role, settings)
		if err != nil {
			return err
		}
		table.RegisterAdapter(ac)
	}
	return nil
}

func bindAdapters(reg *inject.Registry, table contract.Table) error {
	for _, a := range table.Adapters {
		adapter := a
		for _, b := range a.Binds {
			bind := b
			err := reg.RegisterFactory(inject.Port(bind.Port), bind.DataType, func(*inject.Scope) (any, error) {
				return adapter, nil
			}, false, "", nil)
			if err != nil {
				return fmt.Errorf("register adapter %q bind %s/%s: %w", a.Name, bind.Port, bind.DataType, err)
			}
		}
	}
	return nil
}

func installRuntimeDefaults(reg *inject.Registry, bundle controlplane.ChildBootstrapBundle) {
	reg.ReplaceFactory(inject.PortKV, "KV", func(*inject.Scope) (any, error) {
		return kv.NewMemory(), nil
	}, false, "")

	reg.ReplaceFactory(inject.PortService, "RuntimeTransportService", func(*inject.Scope) (any, error) {
		return buildTransportVerifier(bundle.KeyBundle, bundle.RuntimeConfig)
	}, false, "")

	reg.ReplaceFactory(inject.PortService, "RuntimeLifecycleManager", func(*inject.Scope) (any, error) {
		return defaultLifecycleManager{}, nil
	}, false, "")
}

// buildTransportVerifier resolves the RuntimeTransportService binding:
// the signed-frame verifier this worker's control pipe to its
// supervisor runs on (cmd/worker obtains it via ChildRuntime.Transport
// rather than building a second one), using the same control-channel
// Kind set and defaults controlplane hands the supervisor's side,
// overridable per scenario through runtime_config.execution_ipc.
func buildTransportVerifier(kb controlplane.KeyBundleWire, runtimeConfig map[string]any) (*transport.Verifier, error) {
	secretBytes, err := base64.StdEncoding.DecodeString(kb.SigningSecretB64)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	cfg := transport.Config{
		BindHost:        "127.0.0.1",
		BindPort:        0,
		Secret:          secretBytes,
		TTLSeconds:      controlplane.ControlTTLSeconds,
		NonceCacheSize:  controlplane.ControlNonceCacheSize,
		MaxPayloadBytes: controlplane.ControlMaxPayloadBytes,
		AllowedKinds:    controlplane.ControlAllowedKinds(),
	}
	if ipc, ok := runtimeConfig["execution_ipc"].(map[string]any); ok {
		if port, ok := ipc["bind_port"].(float64); ok {
			cfg.BindPort = int(port)
		}
		if ttl, ok := ipc["ttl_seconds"].(float64); ok {
			cfg.TTLSeconds = int64(ttl)
		}
		if n, ok := ipc["nonce_cache_size"].(float64); ok {
			cfg.NonceCacheSize = int(n)
		}
		if m, ok := ipc["max_payload_bytes"].(float64); ok {
			cfg.MaxPayloadBytes = int(m)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return transport.NewVerifier(cfg), nil
}

func resolveKV(scope *inject.Scope) (tracectx.KVStore, error) {
	inst, err := scope.Resolve(inject.PortKV, "KV", "")
	if err != nil {
		return nil, err
	}
	store, ok := inst.(tracectx.KVStore)
	if !ok {
		return nil, fmt.Errorf("resolved KV instance does not satisfy tracectx.KVStore")
	}
	return store, nil
}

func buildConsumerRegistry(table contract.Table) *registry.ConsumerRegistry {
	reg := registry.New()
	for _, n := range table.Nodes {
		for _, dt := range n.Consumes {
			reg.Append(dt, n.Name)
		}
	}
	for _, a := range table.Adapters {
		for _, dt := range a.Consumes {
			reg.Append(dt, a.Name)
		}
	}
	return reg
}

func fullContextNodes(table contract.Table) map[string]bool {
	out := make(map[string]bool)
	for _, n := range table.Nodes {
		if n.Service {
			out[n.Name] = true
		}
	}
	return out
}

func readableAdapters(table contract.Table) []contract.AdapterContract {
	var sources []contract.AdapterContract
	for _, a := range table.Adapters {
		if a.Read != nil {
			sources = append(sources, a)
		}
	}
	return sources
}

func buildObservability(ctx context.Context, runtimeConfig map[string]any) (kobservability.Service, error) {
	obsCfg, _ := runtimeConfig["observability"].(map[string]any)
	if obsCfg == nil {
		return kobservability.NoOp{}, nil
	}

	var observers []kobservability.Service
	for _, section := range []string{"tracing", "logging"} {
		block, _ := obsCfg[section].(map[string]any)
		if block == nil {
			continue
		}
		exporters, _ := block["exporters"].([]any)
		for _, raw := range exporters {
			spec, _ := raw.(map[string]any)
			if spec == nil {
				continue
			}
			obs, err := buildExporter(ctx, spec)
			if err != nil {
				return nil, err
			}
			observers = append(observers, obs)
		}
	}
	if len(observers) == 0 {
		return kobservability.NoOp{}, nil
	}
	return kobservability.NewFanout(observers...), nil
}

func buildExporter(ctx context.Context, spec map[string]any) (kobservability.Service, error) {
	kind, _ := spec["kind"].(string)
	switch kind {
	case "redis":
		addr, _ := spec["addr"].(string)
		stream, _ := spec["stream"].(string)
		return kobservability.NewRedisExporter(ctx, kobservability.RedisExporterConfig{Addr: addr, Stream: stream})
	case "postgres":
		dsn, _ := spec["dsn"].(string)
		return kobservability.NewPostgresExporter(ctx, dsn)
	case "otlp", "otlp-http":
		serviceName, _ := spec["service_name"].(string)
		if serviceName == "" {
			serviceName = "kernel-worker"
		}
		sampleRate, ok := spec["sample_rate"].(float64)
		if !ok {
			sampleRate = 1.0
		}
		endpoint, _ := spec["endpoint"].(string)
		if err := kobservability.InitTracing(ctx, kobservability.TracingConfig{
			Enabled:     true,
			Exporter:    "otlp",
			Endpoint:    endpoint,
			ServiceName: serviceName,
			SampleRate:  sampleRate,
		}); err != nil {
			return nil, fmt.Errorf("init tracing exporter: %w", err)
		}
		return kobservability.NoOp{}, nil
	default:
		return nil, fmt.Errorf("unknown observability exporter kind %q", kind)
	}
}
