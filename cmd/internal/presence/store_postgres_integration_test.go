package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"relay/cmd/internal/pgutil/pgtest"
)

func TestPostgresStore_RegistryLifecycle(t *testing.T) {
	t.Parallel()

	pool := pgtest.OpenPool(t)
	schema := pgtest.Schema(t, pool, Schema)

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	clock := func() time.Time { return now }
	r := NewRegistry(store, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clock))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := r.Connect(ctx, "c1", "amy"); err != nil {
		t.Fatalf("connect c1: %v", err)
	}
	if _, err := r.Connect(ctx, "c2", "amy"); err != nil {
		t.Fatalf("connect c2: %v", err)
	}
	if err := r.Enter(ctx, "c2", "conv-1"); err != nil {
		t.Fatalf("enter: %v", err)
	}

	in, err := r.IsUserInConversation(ctx, "amy", "conv-1")
	if err != nil || !in {
		t.Fatalf("is in conversation: in=%v err=%v", in, err)
	}

	live, err := r.LiveConnections(ctx, []string{"amy"})
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if len(live) != 2 || live[1].ConversationID != "conv-1" || live[0].ConversationID != "" {
		t.Fatalf("live: unexpected %+v", live)
	}

	if err := r.Touch(ctx, "nope"); err != ErrUnknownConnection {
		t.Fatalf("touch unknown: expected ErrUnknownConnection got %v", err)
	}

	if err := r.Disconnect(ctx, "c2"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if in, _ := r.IsUserInConversation(ctx, "amy", "conv-1"); in {
		t.Fatalf("after disconnect: expected false")
	}

	n, err := store.PurgeIdle(ctx, now.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("purge idle: n=%d err=%v", n, err)
	}
}
