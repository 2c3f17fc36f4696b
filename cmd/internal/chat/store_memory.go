package chat

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
//
// One mutex guards everything, so every Update* callback runs in a critical
// section; values are cloned on the way in and out.
type MemoryStore struct {
	mu sync.Mutex

	conversations map[string]Conversation
	directByHash  map[string]string

	messages map[string]Message
	logs     map[string][]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]Conversation),
		directByHash:  make(map[string]string),
		messages:      make(map[string]Message),
		logs:          make(map[string][]string),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, c Conversation) error {
	if c.ID == "" {
		return errors.New("chat: empty conversation id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[c.ID]; ok {
		return opErr("chat.CreateConversation", ErrConflict, "id")
	}
	if c.Kind == KindDirect {
		if _, ok := s.directByHash[c.ParticipantsHash]; ok {
			return opErr("chat.CreateConversation", ErrConflict, "participants_hash")
		}
		s.directByHash[c.ParticipantsHash] = c.ID
	}
	s.conversations[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, opErr("chat.GetConversation", ErrNotFound, "conversation")
	}
	return c.Clone(), nil
}

func (s *MemoryStore) FindDirect(_ context.Context, hash string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.directByHash[hash]
	if !ok {
		return Conversation{}, opErr("chat.FindDirect", ErrNotFound, "conversation")
	}
	return s.conversations[id].Clone(), nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, 8)
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModifiedAt.Equal(out[j].ModifiedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ModifiedAt.After(out[j].ModifiedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, id string, fn func(*Conversation) error) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.conversations[id]
	if !ok {
		return Conversation{}, opErr("chat.UpdateConversation", ErrNotFound, "conversation")
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return Conversation{}, err
	}
	next.ID = cur.ID

	if cur.Kind == KindDirect && next.ParticipantsHash != cur.ParticipantsHash {
		delete(s.directByHash, cur.ParticipantsHash)
		s.directByHash[next.ParticipantsHash] = next.ID
	}
	s.conversations[id] = next.Clone()
	return next, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m Message) error {
	if m.ID == "" || m.ConversationID == "" {
		return errors.New("chat: message id and conversation id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[m.ID]; ok {
		return opErr("chat.AppendMessage", ErrConflict, "id")
	}
	s.messages[m.ID] = m.Clone()
	s.logs[m.ConversationID] = append(s.logs[m.ConversationID], m.ID)
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return Message{}, opErr("chat.GetMessage", ErrNotFound, "message")
	}
	return m.Clone(), nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, id string, fn func(*Message) error) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.messages[id]
	if !ok {
		return Message{}, opErr("chat.UpdateMessage", ErrNotFound, "message")
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return Message{}, err
	}
	next.ID, next.ConversationID = cur.ID, cur.ConversationID

	s.messages[id] = next.Clone()
	return next, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return opErr("chat.DeleteMessage", ErrNotFound, "message")
	}
	delete(s.messages, id)

	log := s.logs[m.ConversationID]
	if i := slices.Index(log, id); i >= 0 {
		s.logs[m.ConversationID] = slices.Delete(log, i, i+1)
	}
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, q HistoryQuery) ([]Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	end := len(log)
	if q.Before != "" {
		i := slices.Index(log, q.Before)
		if i < 0 {
			return nil, false, opErr("chat.ListMessages", ErrNotFound, "cursor")
		}
		end = i
	}

	limit := q.limit()
	start := max(end-limit, 0)

	out := make([]Message, 0, end-start)
	for _, id := range log[start:end] {
		out = append(out, s.messages[id].Clone())
	}
	return out, start > 0, nil
}

func (s *MemoryStore) LatestMessage(_ context.Context, conversationID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[conversationID]
	if len(log) == 0 {
		return Message{}, opErr("chat.LatestMessage", ErrNotFound, "message")
	}
	return s.messages[log[len(log)-1]].Clone(), nil
}

func (s *MemoryStore) ListPending(_ context.Context, conversationID, userID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, 16)
	for _, id := range s.logs[conversationID] {
		m := s.messages[id]
		if !m.PendingFor(userID) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *MemoryStore) UpdatePending(_ context.Context, conversationID, userID string, fn func(*Message) bool) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []Message
	for _, id := range s.logs[conversationID] {
		m := s.messages[id]
		if !m.PendingFor(userID) {
			continue
		}
		next := m.Clone()
		if !fn(&next) {
			continue
		}
		s.messages[id] = next.Clone()
		changed = append(changed, next)
	}
	return changed, nil
}
