// Package pgutil holds the small Postgres helpers shared by the pgx-backed stores.
package pgutil

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is used when a store is constructed without WithSchema.
const DefaultSchema = "relay"

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is a plain, unquoted Postgres identifier.
func ValidIdent(s string) bool {
	return identRE.MatchString(s)
}

// CheckSchema trims and validates a schema name.
func CheckSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("pgutil: empty schema")
	}
	if !ValidIdent(schema) {
		return "", errors.New("pgutil: invalid schema identifier")
	}
	return schema, nil
}

// Ident returns the quoted "schema"."table" reference.
func Ident(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// BeginRW opens a read-committed read/write transaction.
func BeginRW(ctx context.Context, pool *pgxpool.Pool) (pgx.Tx, error) {
	return pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

// LockKey takes a transaction-scoped advisory lock on key. All writers of the same
// entity serialize on it until commit/rollback.
func LockKey(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique_violation (23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
