// Package kmetrics wraps Prometheus collectors for the kernel's own
// runtime events: transport authenticity, reply correlation, node
// invocation, and worker lifecycle. Structured the way the teacher's
// internal/metrics/prometheus.go does (a single registry, CounterVec/
// HistogramVec/GaugeVec fields on one struct, guarded accessor
// functions that no-op before Init), with every metric renamed to the
// kernel's own vocabulary.
package kmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the kernel's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	nodeInvocationsTotal  *prometheus.CounterVec
	transportRejectTotal  *prometheus.CounterVec
	replyCompletedTotal   prometheus.Counter
	replyLateDropTotal    prometheus.Counter
	replyDuplicateTotal   prometheus.Counter
	workerSpawnedTotal    prometheus.Counter
	workerStoppedTotal    prometheus.Counter
	boundaryDispatchTotal *prometheus.CounterVec

	nodeDurationMs            *prometheus.HistogramVec
	boundaryDispatchDurationMs *prometheus.HistogramVec

	inFlightWaiters  prometheus.Gauge
	aliveWorkers     *prometheus.GaugeVec
	uptime           prometheus.GaugeFunc
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var current *Metrics
var startedAt time.Time

// Init builds and registers the kernel's metric set under namespace
// (typically "kernel"). Safe to call once; later calls overwrite the
// package-global registry, which only the CLI entry point should do.
func Init(namespace string) *Metrics {
	startedAt = time.Now()

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		nodeInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_invocations_total",
			Help:      "Total node invocations by node name and outcome status",
		}, []string{"node", "status"}),

		transportRejectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_reject_total",
			Help:      "Total inbound transport frames rejected, by reason",
		}, []string{"reason"}),

		replyCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_completed_total",
			Help:      "Total reply waiters resolved by a matching terminal event",
		}),

		replyLateDropTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_late_drop_total",
			Help:      "Total terminal events for a trace_id with no waiter, or that arrived after their waiter's deadline",
		}),

		replyDuplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_duplicate_terminal_total",
			Help:      "Total terminal events for a trace_id whose waiter was already resolved",
		}),

		workerSpawnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawned_total",
			Help:      "Total worker processes spawned by the bootstrap supervisor",
		}),

		workerStoppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_stopped_total",
			Help:      "Total worker processes stopped, gracefully or forced",
		}),

		boundaryDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boundary_dispatch_total",
			Help:      "Total cross-process boundary dispatches, by dispatch group and outcome",
		}, []string{"dispatch_group", "outcome"}),

		nodeDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_milliseconds",
			Help:      "Duration of a single node invocation in milliseconds",
			Buckets:   defaultBuckets,
		}, []string{"node"}),

		boundaryDispatchDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "boundary_dispatch_duration_milliseconds",
			Help:      "Duration of a cross-process boundary dispatch round trip in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"dispatch_group"}),

		inFlightWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reply_in_flight_waiters",
			Help:      "Current count of unresolved reply waiters",
		}),

		aliveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_alive",
			Help:      "Current count of alive worker processes by process group",
		}, []string{"process_group"}),
	}

	m.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the kernel process started",
	}, func() float64 {
		return time.Since(startedAt).Seconds()
	})

	registry.MustRegister(
		m.nodeInvocationsTotal,
		m.transportRejectTotal,
		m.replyCompletedTotal,
		m.replyLateDropTotal,
		m.replyDuplicateTotal,
		m.workerSpawnedTotal,
		m.workerStoppedTotal,
		m.boundaryDispatchTotal,
		m.nodeDurationMs,
		m.boundaryDispatchDurationMs,
		m.inFlightWaiters,
		m.aliveWorkers,
		m.uptime,
	)

	current = m
	return m
}

// RecordNodeInvocation records one node invocation outcome and its
// wall-clock duration.
func RecordNodeInvocation(node, status string, durationMs int64) {
	if current == nil {
		return
	}
	current.nodeInvocationsTotal.WithLabelValues(node, status).Inc()
	current.nodeDurationMs.WithLabelValues(node).Observe(float64(durationMs))
}

// RecordTransportReject records one rejected inbound transport frame.
func RecordTransportReject(reason string) {
	if current == nil {
		return
	}
	current.transportRejectTotal.WithLabelValues(reason).Inc()
}

// RecordReplyCompleted records one reply waiter resolved on time.
func RecordReplyCompleted() {
	if current == nil {
		return
	}
	current.replyCompletedTotal.Inc()
}

// RecordReplyLateDrop records one terminal event dropped because no
// waiter exists for its trace_id or its waiter's deadline had passed.
func RecordReplyLateDrop() {
	if current == nil {
		return
	}
	current.replyLateDropTotal.Inc()
}

// RecordReplyDuplicateTerminal records one terminal event for a
// waiter that was already resolved.
func RecordReplyDuplicateTerminal() {
	if current == nil {
		return
	}
	current.replyDuplicateTotal.Inc()
}

// RecordWorkerSpawned records one worker process spawn.
func RecordWorkerSpawned() {
	if current == nil {
		return
	}
	current.workerSpawnedTotal.Inc()
}

// RecordWorkerStopped records one worker process stop.
func RecordWorkerStopped() {
	if current == nil {
		return
	}
	current.workerStoppedTotal.Inc()
}

// RecordBoundaryDispatch records one cross-process boundary dispatch.
func RecordBoundaryDispatch(dispatchGroup, outcome string, durationMs int64) {
	if current == nil {
		return
	}
	current.boundaryDispatchTotal.WithLabelValues(dispatchGroup, outcome).Inc()
	current.boundaryDispatchDurationMs.WithLabelValues(dispatchGroup).Observe(float64(durationMs))
}

// SetInFlightWaiters sets the current in-flight reply waiter gauge.
func SetInFlightWaiters(n int) {
	if current == nil {
		return
	}
	current.inFlightWaiters.Set(float64(n))
}

// SetAliveWorkers sets the current alive-worker gauge for a process
// group.
func SetAliveWorkers(processGroup string, n int) {
	if current == nil {
		return
	}
	current.aliveWorkers.WithLabelValues(processGroup).Set(float64(n))
}

// Handler returns an HTTP handler for Prometheus scraping. Before
// Init is called it serves 503.
func Handler() http.Handler {
	if current == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("kmetrics: not initialized"))
		})
	}
	return promhttp.HandlerFor(current.registry, promhttp.HandlerOpts{})
}

// Registry returns the package-global registry, or nil before Init.
func Registry() *prometheus.Registry {
	if current == nil {
		return nil
	}
	return current.registry
}
