package presence

import (
	"context"
	"errors"
	"time"

	"relay/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session records so every gateway instance sees the same
// "currently viewing" state.
//
// PostgresStore does NOT own the pool.
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
		return nil, errors.New("presence: nil pool")
	}
	return st, nil
}

// Schema returns the DDL for the sessions table in schema.
func Schema(schema string) string {
	t := pgutil.Ident(schema, "sessions")
	return `
CREATE TABLE IF NOT EXISTS ` + t + ` (
  connection_id    TEXT PRIMARY KEY,
  user_id          TEXT NOT NULL,
  conversation_id  TEXT,
  connected_at     TIMESTAMPTZ NOT NULL,
  last_activity_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON ` + t + ` (user_id);
`
}

func (s *PostgresStore) table() string { return pgutil.Ident(s.schema, "sessions") }

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (connection_id, user_id, conversation_id, connected_at, last_activity_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		 ON CONFLICT (connection_id) DO UPDATE
		    SET user_id = EXCLUDED.user_id,
		        conversation_id = EXCLUDED.conversation_id,
		        connected_at = EXCLUDED.connected_at,
		        last_activity_at = EXCLUDED.last_activity_at`,
		rec.ConnectionID, rec.UserID, rec.ConversationID, rec.ConnectedAt, rec.LastActivityAt,
	)
	return err
}

func (s *PostgresStore) SetConversation(ctx context.Context, connectionID, conversationID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET conversation_id = NULLIF($2, ''),
		        last_activity_at = $3
		  WHERE connection_id = $1`,
		connectionID, conversationID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownConnection
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, connectionID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+` SET last_activity_at = $2 WHERE connection_id = $1`,
		connectionID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownConnection
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE connection_id = $1`, connectionID)
	return err
}

func (s *PostgresStore) ListByUsers(ctx context.Context, userIDs []string) ([]Record, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT connection_id, user_id, COALESCE(conversation_id, ''), connected_at, last_activity_at
		   FROM `+s.table()+`
		  WHERE user_id = ANY($1)
		  ORDER BY connection_id`,
		userIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ConnectionID, &r.UserID, &r.ConversationID, &r.ConnectedAt, &r.LastActivityAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeIdle deletes records with no activity since before. It runs at startup to drop
// rows left behind by a crashed instance.
func (s *PostgresStore) PurgeIdle(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE last_activity_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
