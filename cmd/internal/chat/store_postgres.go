package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"relay/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL. It does NOT own the pool.
//
// Snapshots (sender, readers, recall, pin, media, system metadata) are stored as
// jsonb; the message log order is the BIGSERIAL seq column.
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
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Schema returns the DDL for the conversations and messages tables in schema.
func Schema(schema string) string {
	convs := pgutil.Ident(schema, "conversations")
	msgs := pgutil.Ident(schema, "messages")
	return `
CREATE TABLE IF NOT EXISTS ` + convs + ` (
  id                    TEXT PRIMARY KEY,
  kind                  TEXT NOT NULL CHECK (kind IN ('DIRECT', 'GROUP')),
  name                  TEXT NOT NULL DEFAULT '',
  avatar                TEXT NOT NULL DEFAULT '',
  created_by            TEXT NOT NULL DEFAULT '',
  participants          JSONB NOT NULL,
  participant_ids       TEXT[] NOT NULL,
  participants_hash     TEXT NOT NULL,
  last_message          JSONB,
  bootstrap_message_id  TEXT NOT NULL DEFAULT '',
  created_at            TIMESTAMPTZ NOT NULL,
  modified_at           TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS conversations_direct_hash_uq
  ON ` + convs + ` (participants_hash) WHERE kind = 'DIRECT';
CREATE INDEX IF NOT EXISTS conversations_participant_ids_gin
  ON ` + convs + ` USING GIN (participant_ids);

CREATE TABLE IF NOT EXISTS ` + msgs + ` (
  seq              BIGSERIAL UNIQUE,
  id               TEXT PRIMARY KEY,
  conversation_id  TEXT NOT NULL,
  sender           JSONB,
  sender_id        TEXT,
  body             TEXT NOT NULL,
  kind             TEXT NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL,
  modified_at      TIMESTAMPTZ NOT NULL,
  reply_to_id      TEXT,
  status           TEXT NOT NULL,
  read_date        TIMESTAMPTZ,
  reader           JSONB,
  readers          JSONB NOT NULL DEFAULT '[]'::jsonb,
  recall           JSONB,
  pin              JSONB,
  media            JSONB,
  system           JSONB
);
CREATE INDEX IF NOT EXISTS messages_conversation_seq_idx ON ` + msgs + ` (conversation_id, seq);
`
}

func (s *PostgresStore) convs() string { return pgutil.Ident(s.schema, "conversations") }
func (s *PostgresStore) msgs() string  { return pgutil.Ident(s.schema, "messages") }

const conversationColumns = `id, kind, name, avatar, created_by, participants, participants_hash,
       last_message, bootstrap_message_id, created_at, modified_at`

const messageColumns = `id, conversation_id, sender, body, kind, created_at, modified_at,
       COALESCE(reply_to_id, ''), status, read_date, reader, readers, recall, pin, media, system`

type scanner interface {
	Scan(dest ...any) error
}

func encodeJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeJSON[T any](b []byte) (*T, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func scanConversation(row scanner) (Conversation, error) {
	var (
		c            Conversation
		kind         string
		participants []byte
		last         []byte
	)
	if err := row.Scan(
		&c.ID, &kind, &c.Name, &c.Avatar, &c.CreatedBy, &participants, &c.ParticipantsHash,
		&last, &c.BootstrapMessageID, &c.CreatedAt, &c.ModifiedAt,
	); err != nil {
		return Conversation{}, err
	}
	c.Kind = ConversationKind(kind)

	if err := json.Unmarshal(participants, &c.Participants); err != nil {
		return Conversation{}, fmt.Errorf("decode participants: %w", err)
	}
	lm, err := decodeJSON[Message](last)
	if err != nil {
		return Conversation{}, fmt.Errorf("decode last_message: %w", err)
	}
	c.LastMessage = lm
	c.CreatedAt = c.CreatedAt.UTC()
	c.ModifiedAt = c.ModifiedAt.UTC()
	return c, nil
}

func scanMessage(row scanner) (Message, error) {
	var (
		m                                         Message
		kind, status                              string
		readDate                                  *time.Time
		sender, reader, readers, recall, pin, med []byte
		system                                    []byte
	)
	if err := row.Scan(
		&m.ID, &m.ConversationID, &sender, &m.Body, &kind, &m.CreatedAt, &m.ModifiedAt,
		&m.ReplyToID, &status, &readDate, &reader, &readers, &recall, &pin, &med, &system,
	); err != nil {
		return Message{}, err
	}
	m.Kind = MessageKind(kind)
	m.Status = Status(status)
	m.CreatedAt = m.CreatedAt.UTC()
	m.ModifiedAt = m.ModifiedAt.UTC()
	if readDate != nil {
		m.ReadDate = readDate.UTC()
	}

	var err error
	if m.Sender, err = decodeJSON[Participant](sender); err != nil {
		return Message{}, fmt.Errorf("decode sender: %w", err)
	}
	if m.Reader, err = decodeJSON[Participant](reader); err != nil {
		return Message{}, fmt.Errorf("decode reader: %w", err)
	}
	if len(readers) > 0 {
		if err := json.Unmarshal(readers, &m.Readers); err != nil {
			return Message{}, fmt.Errorf("decode readers: %w", err)
		}
	}
	if m.Recall, err = decodeJSON[Recall](recall); err != nil {
		return Message{}, fmt.Errorf("decode recall: %w", err)
	}
	if m.Pin, err = decodeJSON[Pin](pin); err != nil {
		return Message{}, fmt.Errorf("decode pin: %w", err)
	}
	if m.Media, err = decodeJSON[Media](med); err != nil {
		return Message{}, fmt.Errorf("decode media: %w", err)
	}
	if m.System, err = decodeJSON[SystemMeta](system); err != nil {
		return Message{}, fmt.Errorf("decode system: %w", err)
	}
	return m, nil
}

// messageArgs encodes the mutable columns of m in the order
// sender, body, kind, modified_at, status, read_date, reader, readers, recall, pin, media, system.
func messageArgs(m Message) ([]any, error) {
	sender, err := encodeJSON(m.Sender)
	if err != nil {
		return nil, err
	}
	reader, err := encodeJSON(m.Reader)
	if err != nil {
		return nil, err
	}
	readers := m.Readers
	if readers == nil {
		readers = []Participant{}
	}
	readersJSON, err := json.Marshal(readers)
	if err != nil {
		return nil, err
	}
	recall, err := encodeJSON(m.Recall)
	if err != nil {
		return nil, err
	}
	pin, err := encodeJSON(m.Pin)
	if err != nil {
		return nil, err
	}
	med, err := encodeJSON(m.Media)
	if err != nil {
		return nil, err
	}
	system, err := encodeJSON(m.System)
	if err != nil {
		return nil, err
	}

	var readDate *time.Time
	if !m.ReadDate.IsZero() {
		rd := m.ReadDate
		readDate = &rd
	}

	return []any{
		sender, m.Body, string(m.Kind), m.ModifiedAt, string(m.Status), readDate,
		reader, readersJSON, recall, pin, med, system,
	}, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	last, err := encodeJSON(c.LastMessage)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.convs()+` (id, kind, name, avatar, created_by, participants, participant_ids,
		                            participants_hash, last_message, bootstrap_message_id, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, string(c.Kind), c.Name, c.Avatar, c.CreatedBy, participants, c.ParticipantIDs(),
		c.ParticipantsHash, last, c.BootstrapMessageID, c.CreatedAt, c.ModifiedAt,
	)
	if pgutil.IsUniqueViolation(err) {
		return opErr("chat.CreateConversation", ErrConflict, "conversation exists")
	}
	return err
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.convs()+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr("chat.GetConversation", ErrNotFound, "conversation")
	}
	return c, err
}

func (s *PostgresStore) FindDirect(ctx context.Context, hash string) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.convs()+`
		  WHERE kind = 'DIRECT' AND participants_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr("chat.FindDirect", ErrNotFound, "conversation")
	}
	return c, err
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM `+s.convs()+`
		  WHERE $1 = ANY(participant_ids)
		  ORDER BY modified_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 8)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, id string, fn func(*Conversation) error) (Conversation, error) {
	tx, err := pgutil.BeginRW(ctx, s.pool)
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.convs()+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, opErr("chat.UpdateConversation", ErrNotFound, "conversation")
	}
	if err != nil {
		return Conversation{}, err
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return Conversation{}, err
	}
	next.ID = cur.ID

	participants, err := json.Marshal(next.Participants)
	if err != nil {
		return Conversation{}, err
	}
	last, err := encodeJSON(next.LastMessage)
	if err != nil {
		return Conversation{}, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE `+s.convs()+`
		    SET name = $2, avatar = $3, participants = $4, participant_ids = $5,
		        participants_hash = $6, last_message = $7, bootstrap_message_id = $8, modified_at = $9
		  WHERE id = $1`,
		next.ID, next.Name, next.Avatar, participants, next.ParticipantIDs(),
		next.ParticipantsHash, last, next.BootstrapMessageID, next.ModifiedAt,
	)
	if pgutil.IsUniqueViolation(err) {
		return Conversation{}, opErr("chat.UpdateConversation", ErrConflict, "participants_hash")
	}
	if err != nil {
		return Conversation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return next, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m Message) error {
	args, err := messageArgs(m)
	if err != nil {
		return err
	}

	all := append([]any{m.ID, m.ConversationID, nullIfEmpty(m.SenderID()), m.CreatedAt, nullIfEmpty(m.ReplyToID)}, args...)
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.msgs()+` (id, conversation_id, sender_id, created_at, reply_to_id,
		                           sender, body, kind, modified_at, status, read_date,
		                           reader, readers, recall, pin, media, system)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		all...,
	)
	if pgutil.IsUniqueViolation(err) {
		return opErr("chat.AppendMessage", ErrConflict, "id")
	}
	return err
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.msgs()+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr("chat.GetMessage", ErrNotFound, "message")
	}
	return m, err
}

func (s *PostgresStore) writeMessage(ctx context.Context, tx pgx.Tx, m Message) error {
	args, err := messageArgs(m)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE `+s.msgs()+`
		    SET sender = $2, body = $3, kind = $4, modified_at = $5, status = $6, read_date = $7,
		        reader = $8, readers = $9, recall = $10, pin = $11, media = $12, system = $13
		  WHERE id = $1`,
		append([]any{m.ID}, args...)...,
	)
	return err
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, id string, fn func(*Message) error) (Message, error) {
	tx, err := pgutil.BeginRW(ctx, s.pool)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.msgs()+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr("chat.UpdateMessage", ErrNotFound, "message")
	}
	if err != nil {
		return Message{}, err
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return Message{}, err
	}
	next.ID, next.ConversationID = cur.ID, cur.ConversationID

	if err := s.writeMessage(ctx, tx, next); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return next, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.msgs()+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return opErr("chat.DeleteMessage", ErrNotFound, "message")
	}
	return nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, q pgx.Tx, sql string, args ...any) ([]Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if q != nil {
		rows, err = q.Query(ctx, sql, args...)
	} else {
		rows, err = s.pool.Query(ctx, sql, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, bool, error) {
	limit := q.limit()

	var (
		page []Message
		err  error
	)
	if q.Before == "" {
		page, err = s.queryMessages(ctx, nil,
			`SELECT `+messageColumns+` FROM `+s.msgs()+`
			  WHERE conversation_id = $1
			  ORDER BY seq DESC
			  LIMIT $2`,
			conversationID, limit+1,
		)
	} else {
		var seq int64
		err = s.pool.QueryRow(ctx,
			`SELECT seq FROM `+s.msgs()+` WHERE id = $1 AND conversation_id = $2`,
			q.Before, conversationID,
		).Scan(&seq)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, opErr("chat.ListMessages", ErrNotFound, "cursor")
		}
		if err != nil {
			return nil, false, err
		}
		page, err = s.queryMessages(ctx, nil,
			`SELECT `+messageColumns+` FROM `+s.msgs()+`
			  WHERE conversation_id = $1 AND seq < $2
			  ORDER BY seq DESC
			  LIMIT $3`,
			conversationID, seq, limit+1,
		)
	}
	if err != nil {
		return nil, false, err
	}

	more := len(page) > limit
	if more {
		page = page[:limit]
	}
	slices.Reverse(page)
	return page, more, nil
}

func (s *PostgresStore) LatestMessage(ctx context.Context, conversationID string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.msgs()+`
		  WHERE conversation_id = $1
		  ORDER BY seq DESC
		  LIMIT 1`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr("chat.LatestMessage", ErrNotFound, "message")
	}
	return m, err
}

// pendingWhere mirrors Message.PendingFor for $1 = conversation id, $2 = user id.
const pendingWhere = `conversation_id = $1 AND sender_id IS DISTINCT FROM $2
		    AND (status <> 'SEEN'
		         OR kind = 'SYSTEM_ADD_MEMBERS'
		         OR NOT readers @> jsonb_build_array(jsonb_build_object('userId', $2::text)))`

func (s *PostgresStore) ListPending(ctx context.Context, conversationID, userID string) ([]Message, error) {
	return s.queryMessages(ctx, nil,
		`SELECT `+messageColumns+` FROM `+s.msgs()+`
		  WHERE `+pendingWhere+`
		  ORDER BY seq ASC`,
		conversationID, userID,
	)
}

func (s *PostgresStore) UpdatePending(ctx context.Context, conversationID, userID string, fn func(*Message) bool) ([]Message, error) {
	tx, err := pgutil.BeginRW(ctx, s.pool)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Concurrent mark-read calls for the same conversation must not interleave.
	if err := pgutil.LockKey(ctx, tx, "markread:"+conversationID); err != nil {
		return nil, err
	}

	msgs, err := s.queryMessages(ctx, tx,
		`SELECT `+messageColumns+` FROM `+s.msgs()+`
		  WHERE `+pendingWhere+`
		  ORDER BY seq ASC
		  FOR UPDATE`,
		conversationID, userID,
	)
	if err != nil {
		return nil, err
	}

	var changed []Message
	for _, m := range msgs {
		next := m.Clone()
		if !fn(&next) {
			continue
		}
		if err := s.writeMessage(ctx, tx, next); err != nil {
			return nil, err
		}
		changed = append(changed, next)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return changed, nil
}
