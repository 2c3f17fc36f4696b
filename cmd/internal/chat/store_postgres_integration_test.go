package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"relay/cmd/internal/pgutil/pgtest"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := pgtest.OpenPool(t)
	schema := pgtest.Schema(t, pool, Schema)
	s, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestPostgresStore_ConversationRoundTrip(t *testing.T) {
	t.Parallel()

	s := newPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	a := amy
	boot := Message{ID: "boot", ConversationID: "c1", Body: directBootstrapBody, Kind: MessageSystem, Status: StatusSent, CreatedAt: now, ModifiedAt: now}
	c := Conversation{
		ID:                 "c1",
		Kind:               KindDirect,
		CreatedBy:          "amy",
		Participants:       []Participant{amy, ben},
		ParticipantsHash:   ParticipantsHash([]string{"amy", "ben"}),
		LastMessage:        &boot,
		BootstrapMessageID: "boot",
		CreatedAt:          now,
		ModifiedAt:         now,
	}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := c
	dup.ID = "c2"
	if err := s.CreateConversation(ctx, dup); !IsConflict(err) {
		t.Fatalf("duplicate direct: expected conflict got %v", err)
	}

	got, err := s.FindDirect(ctx, c.ParticipantsHash)
	if err != nil {
		t.Fatalf("find direct: %v", err)
	}
	if got.ID != "c1" || len(got.Participants) != 2 || got.LastMessage == nil || got.LastMessage.ID != "boot" {
		t.Fatalf("find direct: unexpected %+v", got)
	}

	m := Message{
		ID: "m1", ConversationID: "c1", Sender: &a, Body: "hi", Kind: MessageText,
		Status: StatusSent, Readers: []Participant{amy}, CreatedAt: now, ModifiedAt: now,
		Media: &Media{URL: "https://cdn/x", Type: "image/png"},
	}
	if err := s.AppendMessage(ctx, m); err != nil {
		t.Fatalf("append: %v", err)
	}
	back, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if back.SenderID() != "amy" || back.Media == nil || back.Recall != nil || readerIDs(back) != "amy" || !back.ReadDate.IsZero() {
		t.Fatalf("get: unexpected round trip %+v", back)
	}

	list, err := s.ListConversations(ctx, "ben")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: expected 1 got %d err=%v", len(list), err)
	}
	if _, err := s.GetConversation(ctx, "nope"); !IsNotFound(err) {
		t.Fatalf("get missing: expected not found got %v", err)
	}
}

func TestPostgresStore_UpdatePendingSerializes(t *testing.T) {
	t.Parallel()

	s := newPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	a := amy
	for i := range 5 {
		m := Message{
			ID: fmt.Sprintf("m%d", i), ConversationID: "g", Sender: &a, Body: "x", Kind: MessageText,
			Status: StatusSent, Readers: []Participant{amy}, CreatedAt: now, ModifiedAt: now,
		}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var wg sync.WaitGroup
	for _, p := range []Participant{ben, cal, ben, cal} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdatePending(ctx, "g", p.UserID, func(m *Message) bool {
				return m.addReader(p)
			})
			if err != nil {
				t.Errorf("update received: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, more, err := s.ListMessages(ctx, "g", HistoryQuery{Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 || !more || msgs[0].ID != "m2" {
		t.Fatalf("list: expected m2..m4 with more, got %s more=%v", messageIDs(msgs), more)
	}
	for _, m := range msgs {
		if len(m.Readers) != 3 || !m.HasReader("ben") || !m.HasReader("cal") {
			t.Fatalf("%s: expected readers amy,ben,cal once each, got [%s]", m.ID, readerIDs(m))
		}
	}

	if _, err := s.UpdateMessage(ctx, "m0", func(m *Message) error {
		m.Status = StatusSeen
		return nil
	}); err != nil {
		t.Fatalf("update m0: %v", err)
	}
	pending, err := s.ListPending(ctx, "g", "ben")
	if err != nil || messageIDs(pending) != "m1,m2,m3,m4" {
		t.Fatalf("pending for ben: expected m1..m4 got %s err=%v", messageIDs(pending), err)
	}
	if pending, _ := s.ListPending(ctx, "g", "dan"); len(pending) != 5 {
		t.Fatalf("pending for dan: expected 5 got %s", messageIDs(pending))
	}

	if err := s.DeleteMessage(ctx, "m4"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	latest, err := s.LatestMessage(ctx, "g")
	if err != nil || latest.ID != "m3" {
		t.Fatalf("latest after delete: expected m3 got %q err=%v", latest.ID, err)
	}
}
