package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a database connection pool from a Postgres connection URL
// (DATABASE_URL) and waits, with backoff, until the database answers.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	// Pool sizing for the helpdesk:
	//
	// MaxConns (25): websocket persistence is already capped by
	//   STORE_WORKERS (default 16), which leaves headroom for the REST
	//   handlers and the per-handshake token lookup.
	//
	// MinConns (5): keep a few warm connections so the first messages
	//   after a quiet night don't pay the connect cost.
	//
	// MaxConnLifetime / MaxConnIdleTime / HealthCheckPeriod: recycle
	//   and probe connections so RDS failovers and stale TCP sessions
	//   are noticed before a chat message hits them.
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 20 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Ping verifies the connection actually works (credentials, network, etc.)
	// In docker-compose the app often starts before Postgres accepts
	// connections, so retry with exponential backoff for a bounded time.
	// If it still fails, close the pool: don't leak a half-open pool.
	if err := retry(ctx, "postgres", logger, func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}

	logger.Info("DB connection established",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return &DB{
		pool:   pool,
		logger: logger,
	}, nil
}

func (db *DB) Close() {
	db.logger.Info("closing database connection pool")
	db.pool.Close()
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
