package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool for the log store.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a new connection pool and verifies connectivity.
func Open(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database DSN: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("connected to postgres")
	return &DB{pool: pool}, nil
}

// Migrate creates the log schema when it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS log_entries (
			id             BIGSERIAL PRIMARY KEY,
			environment_id TEXT NOT NULL,
			ts             TIMESTAMPTZ NOT NULL,
			stream         TEXT NOT NULL CHECK (stream IN ('stdout', 'stderr')),
			message        TEXT NOT NULL,
			size_bytes     BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_log_entries_env_ts ON log_entries (environment_id, ts, id);
		CREATE INDEX IF NOT EXISTS idx_log_entries_ts ON log_entries (ts)`)
	if err != nil {
		return fmt.Errorf("create log schema: %w", err)
	}
	return nil
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
