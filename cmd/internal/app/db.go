package app

import (
	"context"
	"fmt"
	"time"

	"relay/cmd/internal/chat"
	"relay/cmd/internal/pgutil"
	"relay/cmd/internal/presence"
	"relay/cmd/internal/reaction"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// EnsureSchema creates the schema and every relay table in one transaction.
// All statements are idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	schema, err := pgutil.CheckSchema(schema)
	if err != nil {
		return err
	}

	ddl := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{schema}.Sanitize(),
		chat.Schema(schema),
		reaction.Schema(schema),
		presence.Schema(schema),
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range ddl {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("ensure schema %s: %w", schema, err)
			}
		}
		return nil
	})
}
