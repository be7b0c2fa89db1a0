// Package runtimebuilder implements RuntimeBuilder (spec.md §4.13):
// the top-level composition that turns a validated runtimeconfig.Config
// into a running kernel, for all three deployment profiles — memory,
// tcp_local with inline bootstrap, and tcp_local with a
// process_supervisor fleet of worker processes.
//
// Grounded on the teacher's cmd/server/main.go composition root
// (parse config, build each subsystem in dependency order, wire them
// into one top-level struct) generalized from a fixed service graph
// to one assembled from discovered contracts.
package runtimebuilder

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/kernel/internal/kernel/childrt"
	"github.com/oriys/kernel/internal/kernel/contract"
	"github.com/oriys/kernel/internal/kernel/controlplane"
	"github.com/oriys/kernel/internal/kernel/dag"
	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/inject"
	"github.com/oriys/kernel/internal/kernel/klog"
	"github.com/oriys/kernel/internal/kernel/kobservability"
	"github.com/oriys/kernel/internal/kernel/ksecret"
	"github.com/oriys/kernel/internal/kernel/kv"
	"github.com/oriys/kernel/internal/kernel/queue"
	"github.com/oriys/kernel/internal/kernel/registry"
	"github.com/oriys/kernel/internal/kernel/reply"
	"github.com/oriys/kernel/internal/kernel/router"
	"github.com/oriys/kernel/internal/kernel/runner"
	"github.com/oriys/kernel/internal/kernel/runtimeconfig"
	"github.com/oriys/kernel/internal/kernel/supervisor"
	"github.com/oriys/kernel/internal/kernel/tracectx"
)

// Artifacts is the RuntimeBuildArtifacts spec.md §4.13 step 8
// describes: everything execute_runtime_artifacts needs, bundled for
// the caller.
type Artifacts struct {
	Config     runtimeconfig.Config
	Scope      *inject.Scope
	Runner     *runner.Runner
	Router     *router.Router
	Queue      *queue.WorkQueue
	CtxSvc     *tracectx.Service
	Obs        kobservability.Service
	Reply      *reply.Coordinator
	Nodes      map[string]contract.NodeContract
	Sources    []contract.AdapterContract
	nodeGroup  map[string]string
	Supervisor *supervisor.Supervisor // non-nil only under process_supervisor bootstrap
}

// Build runs spec.md §4.13 steps 1-7 against cfg and returns the
// composed Artifacts.
func Build(ctx context.Context, cfg runtimeconfig.Config) (*Artifacts, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtimebuilder: %w", err)
	}

	table, err := discoverTable(cfg.Runtime.DiscoveryModules)
	if err != nil {
		return nil, fmt.Errorf("runtimebuilder: discovery: %w", err)
	}
	if err := attachConfiguredAdapters(&table, cfg); err != nil {
		return nil, fmt.Errorf("runtimebuilder: adapters: %w", err)
	}

	d, err := dag.Build(table.AllContracts())
	if err != nil {
		return nil, fmt.Errorf("runtimebuilder: dag: %w", err)
	}
	if _, err := d.BuildExecutionPlan(); err != nil {
		return nil, fmt.Errorf("runtimebuilder: execution plan: %w", err)
	}

	injReg := inject.NewRegistry()
	if err := bindAdapters(injReg, table); err != nil {
		return nil, fmt.Errorf("runtimebuilder: adapter binds: %w", err)
	}

	replyCoord := reply.NewCoordinator(256)
	obs, err := buildObservability(ctx, cfg, replyCoord)
	if err != nil {
		return nil, fmt.Errorf("runtimebuilder: observability: %w", err)
	}

	installRuntimeDefaults(injReg)

	scope, err := injReg.InstantiateForScenario(cfg.Scenario.Name)
	if err != nil {
		return nil, fmt.Errorf("runtimebuilder: instantiate scope: %w", err)
	}

	kvAny, err := scope.Resolve(inject.PortKV, "KV", "")
	if err != nil {
		scope.Close()
		return nil, fmt.Errorf("runtimebuilder: resolve kv: %w", err)
	}
	kvStore, ok := kvAny.(tracectx.KVStore)
	if !ok {
		scope.Close()
		return nil, fmt.Errorf("runtimebuilder: KV binding does not satisfy tracectx.KVStore")
	}
	ctxSvc := tracectx.New(kvStore)

	nodeGroup := buildNodeGroup(cfg.Runtime.Platform.ProcessGroups)
	var groupOf router.GroupOf
	if cfg.IsProcessSupervisor() && len(nodeGroup) > 0 {
		groupOf = func(target string) (string, bool) {
			g, ok := nodeGroup[target]
			return g, ok
		}
	}

	consumers := buildConsumerRegistry(table)
	rtr := router.New(consumers, runner.TypeOf, cfg.Runtime.StrictOrDefault(), "__local__", groupOf)

	nodes := make(map[string]contract.NodeContract, len(table.Nodes))
	for _, n := range table.Nodes {
		if _, remote := nodeGroup[n.Name]; remote {
			continue // lives in a worker process, invoked there via childrt
		}
		nodes[n.Name] = n
	}
	sources := readableAdapters(table)

	q := queue.New()
	sinkMode := runner.SinkModeCompletion
	if cfg.Runtime.Ordering.SinkMode == string(runner.SinkModeSourceSeq) {
		sinkMode = runner.SinkModeSourceSeq
	}
	run := runner.New(nodes, q, rtr, ctxSvc, obs, fullContextNodes(table), sinkMode)

	art := &Artifacts{
		Config:    cfg,
		Scope:     scope,
		Runner:    run,
		Router:    rtr,
		Queue:     q,
		CtxSvc:    ctxSvc,
		Obs:       obs,
		Reply:     replyCoord,
		Nodes:     nodes,
		Sources:   sources,
		nodeGroup: nodeGroup,
	}

	if cfg.IsProcessSupervisor() {
		sup, err := buildSupervisor(ctx, cfg)
		if err != nil {
			scope.Close()
			return nil, fmt.Errorf("runtimebuilder: supervisor: %w", err)
		}
		art.Supervisor = sup
	}

	return art, nil
}

// Close tears down the scope backing these artifacts and flushes any
// tracing provider a tracing exporter configured.
func (a *Artifacts) Close() error {
	if err := kobservability.ShutdownTracing(context.Background()); err != nil {
		_ = a.Scope.Close()
		return fmt.Errorf("runtimebuilder: shutdown tracing: %w", err)
	}
	return a.Scope.Close()
}

// discoverTable resolves discovery modules from the same package-level
// registry childrt.Bootstrap uses (childrt.RegisterDiscoveryModule), so
// a module registered once is visible to both the parent RuntimeBuilder
// process and any worker process it later spawns.
func discoverTable(moduleNames []string) (contract.Table, error) {
	return childrt.DiscoverTable(moduleNames)
}

func attachConfiguredAdapters(table *contract.Table, cfg runtimeconfig.Config) error {
	for role, a := range cfg.Adapters {
		ac, err := childrt.BuildAdapter(role, a.Settings)
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

func installRuntimeDefaults(reg *inject.Registry) {
	reg.ReplaceFactory(inject.PortKV, "KV", func(*inject.Scope) (any, error) {
		return kv.NewMemory(), nil
	}, false, "")
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

func buildNodeGroup(groups []runtimeconfig.ProcessGroupConfig) map[string]string {
	out := make(map[string]string)
	for _, g := range groups {
		for _, n := range g.Nodes {
			out[n] = g.Name
		}
	}
	return out
}

func buildObservability(ctx context.Context, cfg runtimeconfig.Config, coord *reply.Coordinator) (kobservability.Service, error) {
	var observers []kobservability.Service
	for _, e := range cfg.Runtime.Observability.Tracing.Exporters {
		obs, err := buildExporter(ctx, e)
		if err != nil {
			return nil, err
		}
		observers = append(observers, obs)
	}
	for _, e := range cfg.Runtime.Observability.Logging.Exporters {
		obs, err := buildExporter(ctx, e)
		if err != nil {
			return nil, err
		}
		observers = append(observers, obs)
	}

	timeout := int64(30)
	if cfg.Runtime.Platform.Lifecycle.GracefulTimeoutSeconds > 0 {
		timeout = int64(cfg.Runtime.Platform.Lifecycle.GracefulTimeoutSeconds)
	}
	return kobservability.NewReplyAware(coord, timeout, nil, observers...), nil
}

func buildExporter(ctx context.Context, e runtimeconfig.ExporterConfig) (kobservability.Service, error) {
	switch e.Kind {
	case "redis":
		addr, _ := e.Settings["addr"].(string)
		stream, _ := e.Settings["stream"].(string)
		return kobservability.NewRedisExporter(ctx, kobservability.RedisExporterConfig{Addr: addr, Stream: stream})
	case "postgres":
		dsn, _ := e.Settings["dsn"].(string)
		return kobservability.NewPostgresExporter(ctx, dsn)
	case "otlp", "otlp-http":
		serviceName, _ := e.Settings["service_name"].(string)
		if serviceName == "" {
			serviceName = "kernel"
		}
		sampleRate, ok := e.Settings["sample_rate"].(float64)
		if !ok {
			sampleRate = 1.0
		}
		endpoint, _ := e.Settings["endpoint"].(string)
		if err := kobservability.InitTracing(ctx, kobservability.TracingConfig{
			Enabled:     true,
			Exporter:    "otlp",
			Endpoint:    endpoint,
			ServiceName: serviceName,
			SampleRate:  sampleRate,
		}); err != nil {
			return nil, fmt.Errorf("init tracing exporter: %w", err)
		}
		// Node spans are emitted directly by the runner via
		// kobservability.StartNodeSpan against the package-global
		// tracer InitTracing just configured; no per-event Service
		// hook is needed for the span lifecycle itself.
		return kobservability.NoOp{}, nil
	default:
		return nil, fmt.Errorf("unknown observability exporter kind %q", e.Kind)
	}
}

func buildSupervisor(ctx context.Context, cfg runtimeconfig.Config) (*supervisor.Supervisor, error) {
	sup := supervisor.New(supervisor.Config{
		WorkerBinary: "kernel-worker",
		BoundaryTimeout: time.Duration(cfg.Runtime.Platform.ExecutionIPC.Auth.TTLSeconds) * time.Second,
		WarmupDelay:  50 * time.Millisecond,
		MaxRouteHops: 32,
	})

	groups := make([]supervisor.ProcessGroup, 0, len(cfg.Runtime.Platform.ProcessGroups))
	for _, g := range cfg.Runtime.Platform.ProcessGroups {
		groups = append(groups, supervisor.ProcessGroup{Name: g.Name, Workers: g.Workers, Nodes: g.Nodes})
	}
	if err := sup.ConfigureProcessGroups(groups); err != nil {
		return nil, err
	}
	sup.ConfigureRoutingCache(supervisor.RoutingCacheSettings{
		Size:          cfg.Runtime.Platform.RoutingCache.MaxEntries,
		NegativeCache: cfg.Runtime.Platform.RoutingCache.NegativeCache,
	})

	var bundle ksecret.Bundle
	var err error
	switch cfg.Runtime.Platform.ExecutionIPC.Auth.SecretMode {
	case "aws_secrets_manager":
		secretID := cfg.Runtime.Platform.ExecutionIPC.Auth.SecretsManagerID
		if secretID == "" {
			return nil, fmt.Errorf("runtime.platform.execution_ipc.auth.secrets_manager_id is required for secret_mode aws_secrets_manager")
		}
		client, cErr := newSecretsManagerAdapter(ctx)
		if cErr != nil {
			return nil, cErr
		}
		bundle, err = ksecret.NewAWSSecretsManagerBundle(ctx, client, secretID, time.Now().Unix())
	default:
		bundle, err = ksecret.NewGeneratedBundle(time.Now().Unix())
	}
	if err != nil {
		return nil, err
	}

	sup.LoadChildBootstrapBundle(controlplane.ChildBootstrapBundle{
		ScenarioID:       cfg.Scenario.Name,
		DiscoveryModules: cfg.Runtime.DiscoveryModules,
		RuntimeConfig:    cfg.RuntimeConfigMap(),
		Adapters:         cfg.AdaptersMap(),
		KeyBundle:        controlplane.NewKeyBundleWire(bundle),
	})

	klog.Op().Info("runtime_builder_supervisor_configured", "groups", len(groups), "ts_ms", time.Now().UnixMilli())
	return sup, nil
}

// ExecuteRuntimeArtifacts runs inputs through the composed runtime per
// spec.md §4.13's three-profile dispatch, returning the routing
// result for purely local profiles.
func ExecuteRuntimeArtifacts(ctx context.Context, art *Artifacts, runID string, inputs []envelope.Envelope) (envelope.RoutingResult, error) {
	if art.Supervisor == nil {
		return runLocal(ctx, art, runID, inputs)
	}
	return runWithSupervisor(ctx, art, runID, inputs)
}

// RunSources drains every read-capable adapter discovered into this
// runtime to exhaustion, seeding one ingress input per payload and
// executing them through ExecuteRuntimeArtifacts.
func RunSources(ctx context.Context, art *Artifacts, runID string) error {
	var inputs []envelope.Envelope
	for _, src := range art.Sources {
		for {
			payload, ok, err := src.Read(ctx)
			if err != nil {
				return fmt.Errorf("runtimebuilder: read from source %q: %w", src.Name, err)
			}
			if !ok {
				break
			}
			inputs = append(inputs, envelope.Envelope{Payload: payload})
		}
	}
	if len(inputs) == 0 {
		return nil
	}
	_, err := ExecuteRuntimeArtifacts(ctx, art, runID, inputs)
	return err
}

func runLocal(ctx context.Context, art *Artifacts, runID string, inputs []envelope.Envelope) (envelope.RoutingResult, error) {
	if err := art.Runner.RunInputs(ctx, inputs, runID, art.Config.Scenario.Name); err != nil {
		return envelope.RoutingResult{}, err
	}
	return envelope.RoutingResult{}, nil
}

func runWithSupervisor(ctx context.Context, art *Artifacts, runID string, inputs []envelope.Envelope) (envelope.RoutingResult, error) {
	readyTimeout := time.Duration(art.Config.Runtime.Platform.Lifecycle.ReadyTimeoutSeconds) * time.Second
	if readyTimeout <= 0 {
		readyTimeout = 5 * time.Second
	}
	gracefulTimeout := time.Duration(art.Config.Runtime.Platform.Lifecycle.GracefulTimeoutSeconds) * time.Second
	if gracefulTimeout <= 0 {
		gracefulTimeout = 5 * time.Second
	}

	groupNames := make([]string, 0, len(art.Config.Runtime.Platform.ProcessGroups))
	for _, g := range art.Config.Runtime.Platform.ProcessGroups {
		groupNames = append(groupNames, g.Name)
	}

	if err := art.Supervisor.StartGroups(ctx, groupNames); err != nil {
		return envelope.RoutingResult{}, fmt.Errorf("runtimebuilder: start groups: %w", err)
	}
	if !art.Supervisor.WaitReady(readyTimeout) {
		_ = art.Supervisor.StopGroups(gracefulTimeout)
		return envelope.RoutingResult{}, fmt.Errorf("runtimebuilder: worker groups did not become ready within %s", readyTimeout)
	}

	dispatchInputs := make([]envelope.BoundaryDispatchInput, 0, len(inputs))
	for _, in := range inputs {
		group, ok := art.nodeGroup[in.Target]
		if !ok {
			continue // resident locally; RunInputs below handles it
		}
		dispatchInputs = append(dispatchInputs, envelope.BoundaryDispatchInput{
			Payload: in.Payload, DispatchGroup: group, Target: in.Target,
			TraceID: in.TraceID, ReplyTo: in.ReplyTo, SpanID: in.SpanID,
		})
	}

	var localInputs []envelope.Envelope
	for _, in := range inputs {
		if _, remote := art.nodeGroup[in.Target]; !remote {
			localInputs = append(localInputs, in)
		}
	}

	var runErr error
	var result envelope.RoutingResult
	if len(localInputs) > 0 {
		runErr = art.Runner.RunInputs(ctx, localInputs, runID, art.Config.Scenario.Name)
	}
	if runErr == nil && len(dispatchInputs) > 0 {
		result, runErr = art.Supervisor.ExecuteBoundary(runID, art.Config.Scenario.Name, dispatchInputs)
	}

	stopErr := art.Supervisor.StopGroups(gracefulTimeout)
	klog.Op().Info("runtime_builder_stop_groups", "run_id", runID, "ts_ms", time.Now().UnixMilli())

	if runErr != nil {
		return envelope.RoutingResult{}, runErr
	}
	if stopErr != nil {
		return result, stopErr
	}
	return result, nil
}
