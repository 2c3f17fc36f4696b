package chat

import (
	"context"
)

// MarkRead marks everything userID received in the conversation as read and emits
// one batched status update. A repeated call changes nothing and emits nothing.
//
// DIRECT flips status to SEEN with readDate and the reader. GROUP appends the user
// to readers; status turns SEEN once any non-sender reader exists, and reader keeps
// the first one.
func (e *Engine) MarkRead(ctx context.Context, conversationID, userID string) ([]Message, error) {
	const op = "chat.MarkRead"

	c, err := e.memberConversation(ctx, op, conversationID, userID, ErrNotFound)
	if err != nil {
		return nil, err
	}
	reader, _ := c.Participant(userID)
	now := e.now()

	changed, err := e.store.UpdatePending(ctx, c.ID, userID, func(m *Message) bool {
		if c.Kind == KindDirect {
			dirty := false
			if m.Status != StatusSeen {
				m.Status = StatusSeen
				m.ReadDate = now
				r := reader
				m.Reader = &r
				dirty = true
			}
			if m.addReader(reader) {
				dirty = true
			}
			return dirty
		}

		if !m.addReader(reader) {
			return false
		}
		m.Status = StatusSeen
		if m.ReadDate.IsZero() {
			m.ReadDate = now
		}
		if m.Reader == nil {
			r := reader
			m.Reader = &r
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	ids := make([]string, len(changed))
	for i, m := range changed {
		ids[i] = m.ID
	}
	if c.LastMessage != nil {
		for _, m := range changed {
			if m.ID == c.LastMessage.ID {
				e.syncLastMessage(ctx, m)
				break
			}
		}
	}

	if e.fanout != nil {
		e.fanout.Uniform(ctx, c.ParticipantIDs(), eventMessageStatusUpdate, StatusUpdate{
			ConversationID: c.ID,
			MessageIDs:     ids,
			Status:         StatusSeen,
			ReadDate:       now,
			ReaderID:       userID,
		})
	}
	return changed, nil
}

// ListConversations returns the user's conversations as that user sees them,
// most recently modified first.
func (e *Engine) ListConversations(ctx context.Context, userID string) ([]ConversationView, error) {
	convs, err := e.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		unread := e.unreadFor(ctx, c, []string{userID})
		out = append(out, ProjectConversation(c, userID, unread[userID]))
	}
	return out, nil
}

// Conversation returns one conversation as userID sees it.
func (e *Engine) Conversation(ctx context.Context, conversationID, userID string) (ConversationView, error) {
	c, err := e.memberConversation(ctx, "chat.Conversation", conversationID, userID, ErrNotFound)
	if err != nil {
		return ConversationView{}, err
	}
	unread := e.unreadFor(ctx, c, []string{userID})
	return ProjectConversation(c, userID, unread[userID]), nil
}

// History returns one page of projected messages, oldest first.
func (e *Engine) History(ctx context.Context, conversationID, viewerID string, q HistoryQuery) (HistoryPage, error) {
	const op = "chat.History"

	c, err := e.memberConversation(ctx, op, conversationID, viewerID, ErrNotFound)
	if err != nil {
		return HistoryPage{}, err
	}
	msgs, more, err := e.store.ListMessages(ctx, c.ID, q)
	if err != nil {
		return HistoryPage{}, err
	}

	byID := make(map[string]*Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}

	page := HistoryPage{ConversationID: c.ID, Messages: make([]View, 0, len(msgs)), HasMore: more}
	for _, m := range msgs {
		rel := Related{Reactions: e.reactionsOf(ctx, m.ID)}
		if target, ok := byID[m.ReplyToID]; ok {
			rel.ReplyTo = target
		} else {
			rel.ReplyTo = e.replyTarget(ctx, m)
		}
		page.Messages = append(page.Messages, Project(m, viewerID, rel))
	}
	return page, nil
}
