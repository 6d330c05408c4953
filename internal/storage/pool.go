// Package storage provides the PostgreSQL storage layer for Haven.
//
// It manages connection pooling via pgxpool and query methods for the
// clients and calls tables. Live call state never touches this package:
// the registry owns a call for its duration, and storage sees the call
// only when it starts and again at finalization.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/dhruvvootkuri/haven/internal/telemetry"
)

// DB wraps a pgxpool.Pool for queries against Postgres.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool hands out the raw pgx pool, for callers that need more than the
// DB wrapper offers.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// RegisterPoolMetrics registers observable OTEL gauges for connection
// pool health. Call once, after the global meter provider has been
// initialized.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("haven/storage")

	_, _ = meter.Int64ObservableGauge("haven.db.acquired_conns",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("haven.db.idle_conns",
		metric.WithDescription("Idle connections available in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
