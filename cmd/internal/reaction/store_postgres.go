package reaction

import (
	"context"
	"errors"
	"time"

	"relay/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL. It does NOT own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		v, err := pgutil.CheckSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("reaction: nil pool")
	}
	return st, nil
}

// Schema returns the DDL for the reactions table in schema.
func Schema(schema string) string {
	t := pgutil.Ident(schema, "message_reactions")
	return `
CREATE TABLE IF NOT EXISTS ` + t + ` (
  id          BIGSERIAL PRIMARY KEY,
  message_id  TEXT NOT NULL,
  user_id     TEXT NOT NULL,
  icon        TEXT NOT NULL,
  count       INTEGER NOT NULL CHECK (count > 0),
  created_at  TIMESTAMPTZ NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL,
  UNIQUE (message_id, user_id, icon)
);
CREATE INDEX IF NOT EXISTS message_reactions_message_idx ON ` + t + ` (message_id, id);
`
}

func (s *PostgresStore) table() string { return pgutil.Ident(s.schema, "message_reactions") }

func (s *PostgresStore) Increment(ctx context.Context, messageID, userID, icon string, at time.Time) (Entry, error) {
	e := Entry{MessageID: messageID, UserID: userID, Icon: icon}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` AS r (message_id, user_id, icon, count, created_at, updated_at)
		 VALUES ($1, $2, $3, 1, $4, $4)
		 ON CONFLICT (message_id, user_id, icon) DO UPDATE
		    SET count = r.count + 1,
		        updated_at = EXCLUDED.updated_at
		 RETURNING count, created_at, updated_at`,
		messageID, userID, icon, at,
	).Scan(&e.Count, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *PostgresStore) Toggle(ctx context.Context, messageID, userID, icon string, at time.Time) (bool, error) {
	tx, err := pgutil.BeginRW(ctx, s.pool)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Two concurrent toggles on the same key must observe each other.
	if err := pgutil.LockKey(ctx, tx, "reaction:"+messageID+":"+userID+":"+icon); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE message_id = $1 AND user_id = $2 AND icon = $3`,
		messageID, userID, icon,
	)
	if err != nil {
		return false, err
	}

	exists := false
	if tag.RowsAffected() == 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.table()+` (message_id, user_id, icon, count, created_at, updated_at)
			 VALUES ($1, $2, $3, 1, $4, $4)`,
			messageID, userID, icon, at,
		); err != nil {
			return false, err
		}
		exists = true
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PostgresStore) Remove(ctx context.Context, messageID, userID, icon string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE message_id = $1 AND user_id = $2 AND icon = $3`,
		messageID, userID, icon,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) List(ctx context.Context, messageID string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, user_id, icon, count, created_at, updated_at
		   FROM `+s.table()+`
		  WHERE message_id = $1
		  ORDER BY id ASC`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.MessageID, &e.UserID, &e.Icon, &e.Count, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteByMessage(ctx context.Context, messageID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE message_id = $1`, messageID)
	return err
}
