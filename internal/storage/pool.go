package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/djb258/garage-mcp/internal/telemetry"
)

// DB is the Postgres error log backed by a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Backend reports "postgres".
func (db *DB) Backend() string { return "postgres" }

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close(_ context.Context) {
	db.pool.Close()
}

// RegisterPoolMetrics registers observable gauges for connection pool usage.
// Call after telemetry.Init so the global meter provider is in place.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("garage/storage")

	_, _ = meter.Int64ObservableGauge("garage.db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("garage.db.pool.idle_conns",
		metric.WithDescription("Idle connections held by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
}
