// Package postgres provides the durable audit store backing using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakmont-games/warden/internal/config"
)

// Pool wraps a pgx connection pool and serves the audit repositories that
// make security observations durable across server restarts.
type Pool struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

// Open connects the durable audit store when it is enabled in configuration.
//
// Postcondition: Returns (nil, nil) when cfg.Enabled is false; the caller
// falls back to the in-memory audit store.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return NewPool(ctx, cfg)
}

// NewPool creates a connection pool from the given configuration.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a connected Pool or a non-nil error. The pool is ready
// for queries upon successful return.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Pool{pool: pool, retention: cfg.AuditRetention}, nil
}

// Audits returns the durable audit repository served from this pool.
func (p *Pool) Audits() *AuditRepository {
	return NewAuditRepository(p.pool)
}

// AuditRetention returns how long audit entries are kept before the purger
// collects them.
func (p *Pool) AuditRetention() time.Duration {
	return p.retention
}

// Health checks that the database is reachable within the given timeout.
//
// Precondition: The pool must not be closed.
// Postcondition: Returns nil if the database responds within the timeout.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Close releases all pool resources.
//
// Postcondition: The pool is no longer usable after calling Close.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pgxpool.Pool for use by repositories.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
