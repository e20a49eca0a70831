package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/MiniDiffCore/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS motor_limits (
	role        TEXT PRIMARY KEY,
	lower_limit DOUBLE PRECISION NOT NULL,
	upper_limit DOUBLE PRECISION NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (lower_limit < upper_limit)
)`, `
CREATE TABLE IF NOT EXISTS users (
	id                    UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	username              TEXT NOT NULL UNIQUE,
	password_hash         TEXT NOT NULL,
	role                  TEXT NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_login_at         TIMESTAMPTZ,
	failed_login_attempts INTEGER NOT NULL DEFAULT 0,
	locked_until          TIMESTAMPTZ
)`, `
CREATE TABLE IF NOT EXISTS machine_tokens (
	id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	token_hash   TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL,
	role         TEXT NOT NULL,
	created_by   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at TIMESTAMPTZ
)`,
}

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

// EnsureSchema creates the tables the service writes to.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}
