package reaction

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entryKey struct {
	messageID string
	userID    string
	icon      string
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.Mutex
	seq  uint64
	rows map[entryKey]memRow
}

type memRow struct {
	Entry
	seq uint64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[entryKey]memRow)}
}

func (s *MemoryStore) Increment(_ context.Context, messageID, userID, icon string, at time.Time) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey{messageID, userID, icon}
	row, ok := s.rows[k]
	if ok {
		row.Count++
		row.UpdatedAt = at
	} else {
		s.seq++
		row = memRow{
			Entry: Entry{MessageID: messageID, UserID: userID, Icon: icon, Count: 1, CreatedAt: at, UpdatedAt: at},
			seq:   s.seq,
		}
	}
	s.rows[k] = row
	return row.Entry, nil
}

func (s *MemoryStore) Toggle(_ context.Context, messageID, userID, icon string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey{messageID, userID, icon}
	if _, ok := s.rows[k]; ok {
		delete(s.rows, k)
		return false, nil
	}

	s.seq++
	s.rows[k] = memRow{
		Entry: Entry{MessageID: messageID, UserID: userID, Icon: icon, Count: 1, CreatedAt: at, UpdatedAt: at},
		seq:   s.seq,
	}
	return true, nil
}

func (s *MemoryStore) Remove(_ context.Context, messageID, userID, icon string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey{messageID, userID, icon}
	_, ok := s.rows[k]
	delete(s.rows, k)
	return ok, nil
}

func (s *MemoryStore) List(_ context.Context, messageID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]memRow, 0, 8)
	for k, r := range s.rows {
		if k.messageID == messageID {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.Entry
	}
	return out, nil
}

func (s *MemoryStore) DeleteByMessage(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.rows {
		if k.messageID == messageID {
			delete(s.rows, k)
		}
	}
	return nil
}
