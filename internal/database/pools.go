package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gamegenie/genie-bridge/internal/config"
)

// Schema creates the audit table. It is safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS command_log (
	id           UUID PRIMARY KEY,
	command      TEXT        NOT NULL,
	outcome      TEXT        NOT NULL,
	error        TEXT,
	payload      JSONB,
	follow_up    JSONB,
	started_at   TIMESTAMPTZ NOT NULL,
	duration_ms  BIGINT      NOT NULL,
	timeout_ms   BIGINT      NOT NULL
);
CREATE INDEX IF NOT EXISTS command_log_started_at_idx ON command_log (started_at);
`

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates the audit table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
