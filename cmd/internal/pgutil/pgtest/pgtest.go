// Package pgtest provides Postgres integration-test helpers.
//
// Integration tests are enabled when RELAY_DATABASE_URL is set; otherwise they skip,
// which keeps "go test ./..." fast without a database.
package pgtest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenPool connects to RELAY_DATABASE_URL or skips the test.
func OpenPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("RELAY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: RELAY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse RELAY_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	c, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	t.Cleanup(pool.Close)
	return pool
}

// Schema creates a random schema, applies ddl (a func of the schema name) and
// drops the schema when the test ends.
func Schema(t *testing.T, pool *pgxpool.Pool, ddl ...func(schema string) string) string {
	t.Helper()

	b := make([]byte, 6)
	_, _ = rand.Read(b)
	schema := "relay_it_" + hex.EncodeToString(b)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		_, _ = pool.Exec(dctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	for _, f := range ddl {
		if _, err := pool.Exec(ctx, f(schema)); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return schema
}
