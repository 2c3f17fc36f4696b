package chat

import "context"

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryQuery pages backwards through a conversation log. Before is a message id
// cursor (exclusive); empty means "from the newest message".
type HistoryQuery struct {
	Before string
	Limit  int
}

func (q HistoryQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultHistoryLimit
	case q.Limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return q.Limit
	}
}

// ConversationStore owns conversations and their denormalized last message.
type ConversationStore interface {
	// CreateConversation fails with ErrConflict when a DIRECT conversation with the
	// same participants hash already exists.
	CreateConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	FindDirect(ctx context.Context, participantsHash string) (Conversation, error)
	// ListConversations returns the user's conversations, most recently modified first.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	// UpdateConversation runs fn inside the conversation's critical section and
	// persists the result unless fn fails. fn must not call back into the store.
	UpdateConversation(ctx context.Context, id string, fn func(*Conversation) error) (Conversation, error)
}

// MessageStore owns message lifetime. Messages are mutated in place and only hard
// deleted by DeleteMessage.
type MessageStore interface {
	AppendMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	// UpdateMessage runs fn inside the message's critical section.
	UpdateMessage(ctx context.Context, id string, fn func(*Message) error) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// ListMessages returns one page in log order plus whether older messages exist.
	ListMessages(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, bool, error)
	LatestMessage(ctx context.Context, conversationID string) (Message, error)
	// ListPending returns, in log order, the messages of the conversation for which
	// Message.PendingFor(userID) holds.
	ListPending(ctx context.Context, conversationID, userID string) ([]Message, error)
	// UpdatePending walks ListPending inside one per-conversation critical section
	// and persists each message for which fn reports a change. It returns the changed messages.
	UpdatePending(ctx context.Context, conversationID, userID string, fn func(*Message) bool) ([]Message, error)
}

// Store is everything the engine persists.
type Store interface {
	ConversationStore
	MessageStore
}
