package kobservability

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/klog"
)

// RedisExporter publishes node lifecycle and terminal events onto a
// Redis stream, for the `runtime.observability.tracing.exporters[]`
// entry with kind == "redis". Grounded on the teacher's
// internal/logs/store.go XAdd-with-MaxLen stream idiom.
type RedisExporter struct {
	client    *redis.Client
	stream    string
	maxLen    int64
	entryTTL  time.Duration
	closeConn bool
}

// RedisExporterConfig mirrors one
// runtime.observability.tracing.exporters[] block with kind=="redis".
type RedisExporterConfig struct {
	Addr       string
	Password   string
	DB         int
	Stream     string
	MaxLen     int64
	EntryTTL   time.Duration
}

// NewRedisExporter dials addr and returns an exporter bound to a
// single stream key. The exporter owns the client and closes it.
func NewRedisExporter(ctx context.Context, cfg RedisExporterConfig) (*RedisExporter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "kernel:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisExporter{
		client:    client,
		stream:    stream,
		maxLen:    maxLen,
		entryTTL:  cfg.EntryTTL,
		closeConn: true,
	}, nil
}

type redisEvent struct {
	Kind     string `json:"kind"`
	NodeName string `json:"node_name,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
	AtUnix   int64  `json:"at_unix"`
}

func (r *RedisExporter) publish(ctx context.Context, ev redisEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		klog.Op().Error("redis exporter: marshal", "err", err)
		return
	}
	_, err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		klog.Op().Error("redis exporter: xadd", "err", err)
		return
	}
	if r.entryTTL > 0 {
		r.client.Expire(ctx, r.stream, r.entryTTL)
	}
}

func (r *RedisExporter) BeforeNode(ctx context.Context, nodeName string, _ any, _ map[string]any, traceID string) ObserverState {
	r.publish(ctx, redisEvent{Kind: "before_node", NodeName: nodeName, TraceID: traceID, AtUnix: time.Now().Unix()})
	return ObserverState{}
}

func (r *RedisExporter) AfterNode(ctx context.Context, nodeName string, _ any, _ map[string]any, traceID string, _ []any, _ ObserverState) {
	r.publish(ctx, redisEvent{Kind: "after_node", NodeName: nodeName, TraceID: traceID, AtUnix: time.Now().Unix()})
}

func (r *RedisExporter) OnNodeError(ctx context.Context, nodeName string, _ any, _ map[string]any, traceID string, err error, _ ObserverState) {
	r.publish(ctx, redisEvent{Kind: "node_error", NodeName: nodeName, TraceID: traceID, Error: err.Error(), AtUnix: time.Now().Unix()})
}

func (r *RedisExporter) OnIngress(ctx context.Context, traceID, _ string) {
	r.publish(ctx, redisEvent{Kind: "ingress", TraceID: traceID, AtUnix: time.Now().Unix()})
}

func (r *RedisExporter) OnTerminalEvent(ctx context.Context, traceID string, event envelope.TerminalEvent) {
	r.publish(ctx, redisEvent{Kind: "terminal", TraceID: traceID, Status: string(event.Status), Error: event.Error, AtUnix: time.Now().Unix()})
}

func (r *RedisExporter) OnRunEnd(ctx context.Context) {
	r.publish(ctx, redisEvent{Kind: "run_end", AtUnix: time.Now().Unix()})
	if r.closeConn {
		_ = r.client.Close()
	}
}

var _ Service = (*RedisExporter)(nil)
