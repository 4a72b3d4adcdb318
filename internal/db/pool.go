// Package db holds the Postgres pool abstraction shared by the store and its tests.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of *pgxpool.Pool the service uses. pgxmock.PgxPoolIface satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPool parses connString, applies pool sizing and verifies connectivity.
func NewPool(ctx context.Context, connString string, cfg *PoolConfig) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "db: parse config")
	}

	maxConns, minConns := int32(10), int32(2)
	if cfg != nil {
		if cfg.MaxConns > 0 {
			maxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			minConns = cfg.MinConns
		}
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "db: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "db: ping")
	}
	return pool, nil
}
