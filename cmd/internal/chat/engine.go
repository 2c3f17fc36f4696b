package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"relay/cmd/identity/ids"
	"relay/cmd/internal/fanout"
	"relay/cmd/internal/profile"
	"relay/cmd/internal/reaction"

	"github.com/prometheus/client_golang/prometheus"
)

const maxBodyRunes = 4000

// Presence answers the SENT vs SEEN question at send time.
type Presence interface {
	IsUserInConversation(ctx context.Context, userID, conversationID string) (bool, error)
}

// Profiles is the mandatory-snapshot side of the profile directory.
type Profiles interface {
	Get(ctx context.Context, userID string) (profile.Profile, error)
	GetAll(ctx context.Context, userIDs []string) (map[string]profile.Profile, error)
}

// Broadcaster is the fanout surface the engine emits through.
type Broadcaster interface {
	Personalized(ctx context.Context, userIDs []string, event string, build fanout.ViewFunc) fanout.Result
	Uniform(ctx context.Context, userIDs []string, event string, payload any) fanout.Result
	Route(ctx context.Context, userIDs []string, route fanout.RouteFunc) fanout.Result
}

// Deps are the collaborators of an Engine. Store, Sessions, Profiles and Reactions
// are required; a nil Fanout disables broadcasting.
type Deps struct {
	Store     Store
	Sessions  Presence
	Profiles  Profiles
	Reactions *reaction.Aggregator
	Fanout    Broadcaster
	Log       *slog.Logger
}

// Engine is the message engine.
type Engine struct {
	store     Store
	sessions  Presence
	profiles  Profiles
	reactions *reaction.Aggregator
	fanout    Broadcaster
	log       *slog.Logger

	now  func() time.Time
	sent *prometheus.CounterVec
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithClock overrides the engine clock (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSentCounter counts persisted messages labelled by conversation kind.
func WithSentCounter(c *prometheus.CounterVec) Option {
	return func(e *Engine) { e.sent = c }
}

// New constructs an Engine.
func New(d Deps, opts ...Option) (*Engine, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("chat: nil store")
	case d.Sessions == nil:
		return nil, errors.New("chat: nil session registry")
	case d.Profiles == nil:
		return nil, errors.New("chat: nil profile directory")
	case d.Reactions == nil:
		return nil, errors.New("chat: nil reaction aggregator")
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}

	e := &Engine{
		store:     d.Store,
		sessions:  d.Sessions,
		profiles:  d.Profiles,
		reactions: d.Reactions,
		fanout:    d.Fanout,
		log:       d.Log,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func (e *Engine) newID() (string, error) {
	return ids.NewULID(e.now())
}

func checkBody(op, body string, required bool) (string, error) {
	if required && strings.TrimSpace(body) == "" {
		return "", opErr(op, ErrInvalidInput, "message is required")
	}
	if utf8.RuneCountInString(body) > maxBodyRunes {
		return "", opErr(op, ErrInvalidInput, "message too long")
	}
	if !utf8.ValidString(body) {
		return "", opErr(op, ErrInvalidInput, "message is not valid utf-8")
	}
	return body, nil
}

// memberConversation loads a conversation and fails with kind unless userID belongs to it.
func (e *Engine) memberConversation(ctx context.Context, op, conversationID, userID string, kind error) (Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Conversation{}, opErr(op, ErrInvalidInput, "conversation id is required")
	}
	c, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !c.HasParticipant(userID) {
		return Conversation{}, opErr(op, kind, "not a participant")
	}
	return c, nil
}

// messageInConversation loads a message plus its conversation, requiring membership.
func (e *Engine) messageInConversation(ctx context.Context, op, messageID, userID string, kind error) (Message, Conversation, error) {
	if strings.TrimSpace(messageID) == "" {
		return Message{}, Conversation{}, opErr(op, ErrInvalidInput, "message id is required")
	}
	m, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, Conversation{}, err
	}
	c, err := e.memberConversation(ctx, op, m.ConversationID, userID, kind)
	if err != nil {
		return Message{}, Conversation{}, err
	}
	return m, c, nil
}

// senderSnapshot fetches a fresh profile for a new message. There is no fallback:
// a message without a sender snapshot is never written.
func (e *Engine) senderSnapshot(ctx context.Context, op, userID string) (Participant, error) {
	p, err := e.profiles.Get(ctx, userID)
	if err != nil {
		return Participant{}, opErr(op, ErrUpstreamUnavailable, err.Error())
	}
	return SnapshotOf(p), nil
}

// draft starts a message from sender with the read state of a fresh message: the
// sender has read it, and in DIRECT a peer viewing the conversation has too.
func (e *Engine) draft(ctx context.Context, c Conversation, sender *Participant, kind MessageKind, body string) (Message, error) {
	id, err := e.newID()
	if err != nil {
		return Message{}, err
	}
	now := e.now()

	m := Message{
		ID:             id,
		ConversationID: c.ID,
		Sender:         sender,
		Body:           body,
		Kind:           kind,
		CreatedAt:      now,
		ModifiedAt:     now,
		Status:         StatusSent,
		Readers:        []Participant{},
	}
	if sender == nil {
		return m, nil
	}
	m.Readers = append(m.Readers, *sender)

	if c.Kind != KindDirect {
		return m, nil
	}
	peer, ok := c.Peer(sender.UserID)
	if !ok {
		return m, nil
	}
	viewing, err := e.sessions.IsUserInConversation(ctx, peer.UserID, c.ID)
	if err != nil {
		e.log.Warn("chat.presence.fail", "conversation_id", c.ID, "user_id", peer.UserID, "err", err)
		return m, nil
	}
	if viewing {
		m.Status = StatusSeen
		m.ReadDate = now
		m.Reader = &peer
		m.addReader(peer)
	}
	return m, nil
}

// persist appends m and points the conversation's lastMessage at it.
// The conversation write is best effort: a failure is logged and the next write heals it.
func (e *Engine) persist(ctx context.Context, c Conversation, m Message) (Conversation, error) {
	if err := e.store.AppendMessage(ctx, m); err != nil {
		return Conversation{}, err
	}
	if e.sent != nil {
		e.sent.WithLabelValues(string(c.Kind)).Inc()
	}
	e.log.Debug("chat.message.sent",
		"conversation_id", c.ID,
		"message_id", m.ID,
		"kind", string(m.Kind),
	)

	updated, err := e.store.UpdateConversation(ctx, c.ID, func(cv *Conversation) error {
		lm := m.Clone()
		cv.LastMessage = &lm
		cv.ModifiedAt = m.CreatedAt
		return nil
	})
	if err != nil {
		e.log.Error("chat.last_message.sync.fail", "conversation_id", c.ID, "message_id", m.ID, "err", err)
		lm := m.Clone()
		c.LastMessage = &lm
		c.ModifiedAt = m.CreatedAt
		return c, nil
	}
	return updated, nil
}

// syncLastMessage refreshes the denormalized copy when m is the conversation's
// last message. Called after every change to a message's rendered content.
func (e *Engine) syncLastMessage(ctx context.Context, m Message) {
	_, err := e.store.UpdateConversation(ctx, m.ConversationID, func(cv *Conversation) error {
		if cv.LastMessage == nil || cv.LastMessage.ID != m.ID {
			return errUnchanged
		}
		lm := m.Clone()
		cv.LastMessage = &lm
		return nil
	})
	if err != nil && !isUnchanged(err) {
		e.log.Error("chat.last_message.sync.fail", "conversation_id", m.ConversationID, "message_id", m.ID, "err", err)
	}
}

// errUnchanged aborts an Update* callback without writing.
var errUnchanged = errors.New("chat: unchanged")

func isUnchanged(err error) bool { return errors.Is(err, errUnchanged) }

// related pre-loads everything Project needs for m. Failures degrade: a missing
// reply target drops the preview, a failed reaction read renders no reactions.
func (e *Engine) related(ctx context.Context, m Message) Related {
	return Related{
		ReplyTo:   e.replyTarget(ctx, m),
		Reactions: e.reactionsOf(ctx, m.ID),
	}
}

func (e *Engine) replyTarget(ctx context.Context, m Message) *Message {
	if m.ReplyToID == "" {
		return nil
	}
	target, err := e.store.GetMessage(ctx, m.ReplyToID)
	if err != nil {
		if !IsNotFound(err) {
			e.log.Warn("chat.reply_target.fail", "message_id", m.ID, "reply_to_id", m.ReplyToID, "err", err)
		}
		return nil
	}
	return &target
}

func (e *Engine) reactionsOf(ctx context.Context, messageID string) reaction.Snapshot {
	snap, err := e.reactions.Load(ctx, messageID)
	if err != nil {
		e.log.Warn("chat.reactions.load.fail", "message_id", messageID, "err", err)
		return reaction.Snapshot{MessageID: messageID}
	}
	return snap
}

// broadcast emits one projection of m per live connection of audience.
func (e *Engine) broadcast(ctx context.Context, audience []string, event string, m Message) {
	if e.fanout == nil || len(audience) == 0 {
		return
	}
	rel := e.related(ctx, m)
	e.fanout.Personalized(ctx, audience, event, func(viewerID string) (any, bool) {
		return Project(m, viewerID, rel), true
	})
}

// unreadFor computes unread counts of c for each user. Errors count as zero.
func (e *Engine) unreadFor(ctx context.Context, c Conversation, userIDs []string) map[string]int {
	out := make(map[string]int, len(userIDs))
	for _, uid := range userIDs {
		msgs, err := e.store.ListPending(ctx, c.ID, uid)
		if err != nil {
			e.log.Warn("chat.unread.fail", "conversation_id", c.ID, "user_id", uid, "err", err)
			continue
		}
		out[uid] = UnreadCount(c, msgs, uid)
	}
	return out
}

func messageEvent(m Message) string {
	if m.ReplyToID != "" {
		return eventReplyMessage
	}
	return eventMessage
}
