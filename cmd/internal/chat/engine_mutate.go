package chat

import (
	"context"
	"strings"
)

// Edit replaces the body of a message. Only its sender may edit it.
func (e *Engine) Edit(ctx context.Context, messageID, editorID, body string) (Message, error) {
	const op = "chat.Edit"

	body, err := checkBody(op, body, true)
	if err != nil {
		return Message{}, err
	}
	_, c, err := e.messageInConversation(ctx, op, messageID, editorID, ErrUnauthorized)
	if err != nil {
		return Message{}, err
	}

	now := e.now()
	m, err := e.store.UpdateMessage(ctx, messageID, func(m *Message) error {
		switch {
		case m.SenderID() != editorID:
			return opErr(op, ErrUnauthorized, "only the sender may edit")
		case m.IsRecalled():
			return opErr(op, ErrConflict, "message is recalled")
		case m.Kind.IsSystem():
			return opErr(op, ErrInvalidInput, "system messages cannot be edited")
		}
		m.Body = body
		if !m.Kind.IsMedia() {
			m.Kind = MessageEdited
		}
		m.ModifiedAt = now
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	e.syncLastMessage(ctx, m)
	e.broadcast(ctx, c.ParticipantIDs(), eventMessage, m)
	return m, nil
}

// Recall hides a message. SELF hides it from the recaller only; EVERYONE replaces
// it for all viewers. The original body is kept and recall is one way.
func (e *Engine) Recall(ctx context.Context, messageID, userID string, typ RecallType) (Message, error) {
	const op = "chat.Recall"

	if typ != RecallSelf && typ != RecallEveryone {
		return Message{}, opErr(op, ErrInvalidInput, "recall type must be SELF or EVERYONE")
	}
	_, c, err := e.messageInConversation(ctx, op, messageID, userID, ErrUnauthorized)
	if err != nil {
		return Message{}, err
	}

	now := e.now()
	m, err := e.store.UpdateMessage(ctx, messageID, func(m *Message) error {
		switch {
		case m.SenderID() != userID:
			return opErr(op, ErrUnauthorized, "only the sender may recall")
		case m.IsRecalled():
			return opErr(op, ErrConflict, "message already recalled")
		}
		m.Recall = &Recall{Type: typ, By: userID, At: now, OriginalBody: m.Body}
		m.Body = RecallPlaceholder
		m.ModifiedAt = now
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	e.syncLastMessage(ctx, m)
	e.broadcast(ctx, c.ParticipantIDs(), eventMessageRecalled, m)
	return m, nil
}

// Pin marks a message pinned and posts a system notice.
func (e *Engine) Pin(ctx context.Context, messageID, userID string) (Message, error) {
	return e.setPin(ctx, "chat.Pin", messageID, userID, true)
}

// Unpin clears the pin and posts a system notice.
func (e *Engine) Unpin(ctx context.Context, messageID, userID string) (Message, error) {
	return e.setPin(ctx, "chat.Unpin", messageID, userID, false)
}

func (e *Engine) setPin(ctx context.Context, op, messageID, userID string, pinned bool) (Message, error) {
	_, c, err := e.messageInConversation(ctx, op, messageID, userID, ErrUnauthorized)
	if err != nil {
		return Message{}, err
	}
	actor, _ := c.Participant(userID)

	now := e.now()
	m, err := e.store.UpdateMessage(ctx, messageID, func(m *Message) error {
		if m.IsPinned() == pinned {
			if pinned {
				return opErr(op, ErrConflict, "message already pinned")
			}
			return opErr(op, ErrConflict, "message is not pinned")
		}
		if pinned {
			m.Pin = &Pin{By: userID, At: now}
		} else {
			m.Pin = nil
		}
		m.ModifiedAt = now
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	e.syncLastMessage(ctx, m)

	event, verb := eventMessagePinned, " pinned a message"
	if !pinned {
		event, verb = eventMessageUnpinned, " unpinned a message"
	}
	e.broadcast(ctx, c.ParticipantIDs(), event, m)

	sys, err := e.draft(ctx, c, &actor, MessageSystem, actor.DisplayName()+verb)
	if err == nil {
		c, err = e.persist(ctx, c, sys)
	}
	if err != nil {
		e.log.Error("chat.pin.notice.fail", "conversation_id", c.ID, "message_id", m.ID, "err", err)
		return m, nil
	}
	e.broadcast(ctx, c.ParticipantIDs(), eventMessage, sys)
	return m, nil
}

// DeleteMedia hard-deletes an attachment message and its reactions.
func (e *Engine) DeleteMedia(ctx context.Context, messageID, userID string) error {
	const op = "chat.DeleteMedia"

	m, c, err := e.messageInConversation(ctx, op, messageID, userID, ErrUnauthorized)
	if err != nil {
		return err
	}
	if m.SenderID() != userID {
		return opErr(op, ErrUnauthorized, "only the sender may delete media")
	}
	if m.Media == nil || strings.TrimSpace(m.Media.URL) == "" {
		return opErr(op, ErrInvalidInput, "message has no media")
	}

	if err := e.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	if err := e.reactions.Forget(ctx, messageID); err != nil {
		e.log.Warn("chat.reactions.forget.fail", "message_id", messageID, "err", err)
	}
	e.resyncAfterDelete(ctx, c.ID, messageID)

	if e.fanout != nil {
		e.fanout.Uniform(ctx, c.ParticipantIDs(), eventMessageDeleted, MessageDeleted{
			MessageID:      messageID,
			ConversationID: c.ID,
			DeletedBy:      userID,
			Timestamp:      e.now(),
		})
	}
	return nil
}

// resyncAfterDelete repoints lastMessage at the newest remaining message when the
// deleted one was the last.
func (e *Engine) resyncAfterDelete(ctx context.Context, conversationID, deletedID string) {
	var latest *Message
	lm, err := e.store.LatestMessage(ctx, conversationID)
	switch {
	case err == nil:
		latest = &lm
	case !IsNotFound(err):
		e.log.Error("chat.last_message.sync.fail", "conversation_id", conversationID, "err", err)
		return
	}

	_, err = e.store.UpdateConversation(ctx, conversationID, func(cv *Conversation) error {
		if cv.LastMessage == nil || cv.LastMessage.ID != deletedID {
			return errUnchanged
		}
		cv.LastMessage = latest
		return nil
	})
	if err != nil && !isUnchanged(err) {
		e.log.Error("chat.last_message.sync.fail", "conversation_id", conversationID, "err", err)
	}
}
