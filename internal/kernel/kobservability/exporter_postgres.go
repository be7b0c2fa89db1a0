package kobservability

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/kernel/internal/kernel/envelope"
	"github.com/oriys/kernel/internal/kernel/klog"
)

// PostgresExporter writes an append-only audit log of terminal events
// to Postgres, for the `runtime.observability.tracing.exporters[]`
// entry with kind == "postgres". Grounded on the teacher's
// internal/store/postgres.go pgxpool-plus-ensureSchema idiom,
// narrowed to the one kernel_audit_log table this exporter owns.
type PostgresExporter struct {
	pool *pgxpool.Pool
}

// NewPostgresExporter dials dsn, ensures the kernel_audit_log table exists,
// and returns an exporter that owns the pool.
func NewPostgresExporter(ctx context.Context, dsn string) (*PostgresExporter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	e := &PostgresExporter{pool: pool}
	if err := e.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return e, nil
}

func (e *PostgresExporter) ensureSchema(ctx context.Context) error {
	_, err := e.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS kernel_audit_log (
		id BIGSERIAL PRIMARY KEY,
		trace_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		recorded_at TIMESTAMPTZ NOT NULL
	)`)
	return err
}

func (e *PostgresExporter) BeforeNode(context.Context, string, any, map[string]any, string) ObserverState {
	return ObserverState{}
}

func (e *PostgresExporter) AfterNode(context.Context, string, any, map[string]any, string, []any, ObserverState) {
}

func (e *PostgresExporter) OnNodeError(context.Context, string, any, map[string]any, string, error, ObserverState) {
}

func (e *PostgresExporter) OnIngress(context.Context, string, string) {}

// OnTerminalEvent is the only lifecycle hook this exporter cares
// about — the audit log records run outcomes, not every node hop.
func (e *PostgresExporter) OnTerminalEvent(ctx context.Context, traceID string, event envelope.TerminalEvent) {
	_, err := e.pool.Exec(ctx,
		`INSERT INTO kernel_audit_log (trace_id, status, error, recorded_at) VALUES ($1, $2, $3, $4)`,
		traceID, string(event.Status), event.Error, time.Now().UTC(),
	)
	if err != nil {
		klog.Op().Error("postgres exporter: insert audit row", "err", err)
	}
}

func (e *PostgresExporter) OnRunEnd(context.Context) {
	e.pool.Close()
}

var _ Service = (*PostgresExporter)(nil)
