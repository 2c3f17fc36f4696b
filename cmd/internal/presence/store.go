package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknownConnection is returned when a connection id has no record.
var ErrUnknownConnection = errors.New("presence: unknown connection")

// Store persists session records. The in-memory implementation serves a single
// instance; PostgresStore lets several gateway instances share one view.
type Store interface {
	Create(ctx context.Context, rec Record) error
	SetConversation(ctx context.Context, connectionID, conversationID string, at time.Time) error
	Touch(ctx context.Context, connectionID string, at time.Time) error
	Delete(ctx context.Context, connectionID string) error
	ListByUsers(ctx context.Context, userIDs []string) ([]Record, error)
}

// MemoryStore is a Store indexed by connection id and by user id.
type MemoryStore struct {
	mu     sync.RWMutex
	byConn map[string]Record
	byUser map[string]map[string]struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byConn: make(map[string]Record),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byConn[rec.ConnectionID]; ok {
		s.unindex(old)
	}
	s.byConn[rec.ConnectionID] = rec

	set := s.byUser[rec.UserID]
	if set == nil {
		set = make(map[string]struct{})
		s.byUser[rec.UserID] = set
	}
	set[rec.ConnectionID] = struct{}{}
	return nil
}

func (s *MemoryStore) SetConversation(_ context.Context, connectionID, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byConn[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	rec.ConversationID = conversationID
	rec.LastActivityAt = at
	s.byConn[connectionID] = rec
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, connectionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byConn[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	rec.LastActivityAt = at
	s.byConn[connectionID] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byConn[connectionID]
	if !ok {
		return nil
	}
	delete(s.byConn, connectionID)
	s.unindex(rec)
	return nil
}

func (s *MemoryStore) ListByUsers(_ context.Context, userIDs []string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	seen := make(map[string]struct{}, len(userIDs))
	for _, uid := range userIDs {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		for connID := range s.byUser[uid] {
			out = append(out, s.byConn[connID])
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}

func (s *MemoryStore) unindex(rec Record) {
	set := s.byUser[rec.UserID]
	delete(set, rec.ConnectionID)
	if len(set) == 0 {
		delete(s.byUser, rec.UserID)
	}
}
