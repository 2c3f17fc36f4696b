// Package presence is the session registry: it maps users to their live transport
// connections and tracks which conversation each connection is currently viewing.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// DefaultStalenessWindow is how long a connection keeps counting as "viewing"
// without any activity.
const DefaultStalenessWindow = 300 * time.Second

// Record is one live connection. ConversationID is empty while the connection
// is CONNECTED and set while it is VIEWING.
type Record struct {
	ConnectionID   string
	UserID         string
	ConversationID string
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// ViewingAt reports whether the record is VIEWING conversationID with activity less
// than window old.
func (r Record) ViewingAt(conversationID string, now time.Time, window time.Duration) bool {
	if conversationID == "" || r.ConversationID != conversationID {
		return false
	}
	return now.Sub(r.LastActivityAt) < window
}

// Registry owns the session record lifecycle: created on connect, updated on
// conversation switch and heartbeat, deleted on disconnect.
type Registry struct {
	store  Store
	log    *slog.Logger
	window time.Duration
	now    func() time.Time
}

// Option configures Registry behavior.
type Option func(*Registry)

// WithStalenessWindow overrides DefaultStalenessWindow.
func WithStalenessWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithClock overrides the registry clock (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry constructs a Registry. A nil store falls back to NewMemoryStore.
func NewRegistry(store Store, log *slog.Logger, opts ...Option) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		store:  store,
		log:    log,
		window: DefaultStalenessWindow,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Window returns the staleness window in effect.
func (r *Registry) Window() time.Duration { return r.window }

// Connect creates the record for a new connection in the CONNECTED state.
func (r *Registry) Connect(ctx context.Context, connectionID, userID string) (Record, error) {
	connectionID = strings.TrimSpace(connectionID)
	userID = strings.TrimSpace(userID)
	if connectionID == "" || userID == "" {
		return Record{}, errors.New("presence: connection id and user id are required")
	}

	now := r.now()
	rec := Record{
		ConnectionID:   connectionID,
		UserID:         userID,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return Record{}, err
	}

	r.log.Info("presence.connect", "connection_id", connectionID, "user_id", userID)
	return rec, nil
}

// Enter moves the connection to VIEWING(conversationID) and refreshes activity.
func (r *Registry) Enter(ctx context.Context, connectionID, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("presence: empty conversation id")
	}
	if err := r.store.SetConversation(ctx, connectionID, conversationID, r.now()); err != nil {
		return err
	}

	r.log.Debug("presence.enter", "connection_id", connectionID, "conversation_id", conversationID)
	return nil
}

// Leave returns the connection to CONNECTED.
func (r *Registry) Leave(ctx context.Context, connectionID string) error {
	if err := r.store.SetConversation(ctx, connectionID, "", r.now()); err != nil {
		return err
	}

	r.log.Debug("presence.leave", "connection_id", connectionID)
	return nil
}

// Touch refreshes activity without changing the viewed conversation.
func (r *Registry) Touch(ctx context.Context, connectionID string) error {
	return r.store.Touch(ctx, connectionID, r.now())
}

// Disconnect removes the record. Unknown ids are ignored.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) error {
	if err := r.store.Delete(ctx, connectionID); err != nil {
		return err
	}

	r.log.Info("presence.disconnect", "connection_id", connectionID)
	return nil
}

// IsUserInConversation is true iff at least one of the user's connections is
// VIEWING conversationID with activity inside the staleness window.
func (r *Registry) IsUserInConversation(ctx context.Context, userID, conversationID string) (bool, error) {
	recs, err := r.store.ListByUsers(ctx, []string{userID})
	if err != nil {
		return false, err
	}

	now := r.now()
	for _, rec := range recs {
		if rec.ViewingAt(conversationID, now, r.window) {
			return true, nil
		}
	}
	return false, nil
}

// LiveConnections returns a snapshot of every record belonging to userIDs.
// Connections that register after the call are not included.
func (r *Registry) LiveConnections(ctx context.Context, userIDs []string) ([]Record, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return r.store.ListByUsers(ctx, userIDs)
}
