// Package postgres provides the Postgres-backed persistence gateway and the
// item store built on it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/items-api/internal/items"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS items (
	id SERIAL PRIMARY KEY,
	name VARCHAR(120) NOT NULL
)`

// GatewayConfig controls the Postgres connection pool.
type GatewayConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// Gateway owns the connection pool and hands out scoped sessions.
type Gateway struct {
	pool pool
}

// Open creates the pool and pings it once. It does not retry.
func Open(ctx context.Context, cfg GatewayConfig) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %w", items.ErrStoreUnavailable, err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", items.ErrStoreUnavailable, err)
	}
	return &Gateway{pool: p}, nil
}

// NewGatewayWithPool constructs a gateway from an existing pool (primarily for testing).
func NewGatewayWithPool(p pool) (*Gateway, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Gateway{pool: p}, nil
}

// WithSession runs fn inside a transaction on a pooled connection. The
// transaction commits when fn returns nil and rolls back otherwise, including
// when fn panics; the panic is re-raised after the rollback. Either way the
// connection goes back to the pool.
func (g *Gateway) WithSession(ctx context.Context, fn func(context.Context, pgx.Tx) error) (err error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin session: %w", items.ErrStoreUnavailable, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback session: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit session: %w", items.ErrStoreUnavailable, err)
	}
	return nil
}

// InitSchema creates the items table if it does not exist. Safe on every start.
func (g *Gateway) InitSchema(ctx context.Context) error {
	if _, err := g.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: init schema: %w", items.ErrStoreUnavailable, err)
	}
	return nil
}

// Ping checks that a connection can be acquired.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", items.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (g *Gateway) Close() {
	if g == nil || g.pool == nil {
		return
	}
	g.pool.Close()
}
