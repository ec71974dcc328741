package billing

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink writes billing events to a ClickHouse table via async
// inserts, trading immediate durability for zero added request latency.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// ClickHouseConfig configures the sink's connection.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// NewClickHouseSink opens a ClickHouse connection and returns a Sink. The
// target table is assumed pre-created with matching columns; schema
// management lives outside the gateway.
func NewClickHouseSink(cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = "billing_events"
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

// Emit implements Sink via ClickHouse's native async insert, which returns
// as soon as the row is queued rather than waiting on it to land.
func (s *ClickHouseSink) Emit(ctx context.Context, ev Event) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (idempotency_key, resource, cost_atomic_units, paid, cached, processing_time_ms, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.table,
	)
	return s.conn.AsyncInsert(ctx, query, false,
		ev.IdempotencyKey, ev.Resource, ev.CostAtomicUnits, ev.Paid, ev.Cached, ev.ProcessingTimeMs, ev.At)
}

// Close releases the underlying connection.
func (s *ClickHouseSink) Close() error { return s.conn.Close() }
