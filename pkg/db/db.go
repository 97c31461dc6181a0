// Package db owns pgx pool construction for the fedmarket services.
package db

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool for the given DSN, falling back to DATABASE_URL when
// dsn is empty. An empty result with nil error means no database is
// configured and the caller should run on in-memory stores.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, nil
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	return pgxpool.NewWithConfig(ctx, cfg)
}

// MustConnect is Connect for services that cannot run without Postgres.
func MustConnect() *pgxpool.Pool {
	pool, err := Connect(context.Background(), "")
	if err != nil {
		panic(err)
	}
	if pool == nil {
		panic("DATABASE_URL is required")
	}
	return pool
}
