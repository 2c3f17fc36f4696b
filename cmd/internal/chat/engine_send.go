package chat

import (
	"context"
	"strings"
)

// Send appends a text (or reply) message from senderID and broadcasts it.
func (e *Engine) Send(ctx context.Context, conversationID, senderID, body, replyToID string) (Message, error) {
	const op = "chat.Send"

	body, err := checkBody(op, body, true)
	if err != nil {
		return Message{}, err
	}
	c, err := e.memberConversation(ctx, op, conversationID, senderID, ErrNotFound)
	if err != nil {
		return Message{}, err
	}
	if err := e.checkReplyTarget(ctx, op, c.ID, replyToID); err != nil {
		return Message{}, err
	}
	sender, err := e.senderSnapshot(ctx, op, senderID)
	if err != nil {
		return Message{}, err
	}

	kind := MessageText
	if replyToID != "" {
		kind = MessageReply
	}
	m, err := e.draft(ctx, c, &sender, kind, body)
	if err != nil {
		return Message{}, err
	}
	m.ReplyToID = replyToID

	c, err = e.persist(ctx, c, m)
	if err != nil {
		return Message{}, err
	}
	e.broadcast(ctx, c.ParticipantIDs(), messageEvent(m), m)
	return m, nil
}

func (e *Engine) checkReplyTarget(ctx context.Context, op, conversationID, replyToID string) error {
	if replyToID == "" {
		return nil
	}
	target, err := e.store.GetMessage(ctx, replyToID)
	if IsNotFound(err) || (err == nil && target.ConversationID != conversationID) {
		return opErr(op, ErrNotFound, "reply target")
	}
	return err
}

// MediaKind derives the message kind from a MIME type.
func MediaKind(mime string) MessageKind {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return MessageImage
	case strings.HasPrefix(mime, "video/"):
		return MessageVideo
	case strings.HasPrefix(mime, "audio/"):
		return MessageAudio
	case strings.Contains(mime, "pdf"),
		strings.Contains(mime, "document"),
		strings.HasPrefix(mime, "text/"),
		strings.HasPrefix(mime, "application/"):
		return MessageDocument
	default:
		return MessageFile
	}
}

func isPicture(mime string) bool {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png", "image/jpeg", "image/jpg", "image/gif", "image/webp":
		return true
	}
	return false
}

// SendMedia appends an attachment message followed by a SYSTEM_FILE notice.
func (e *Engine) SendMedia(ctx context.Context, conversationID, senderID string, media Media, caption, replyToID string) (Message, error) {
	const op = "chat.SendMedia"

	if strings.TrimSpace(media.URL) == "" || strings.TrimSpace(media.Type) == "" {
		return Message{}, opErr(op, ErrInvalidInput, "media url and type are required")
	}
	if media.Size < 0 {
		return Message{}, opErr(op, ErrInvalidInput, "media size")
	}
	caption, err := checkBody(op, caption, false)
	if err != nil {
		return Message{}, err
	}
	c, err := e.memberConversation(ctx, op, conversationID, senderID, ErrNotFound)
	if err != nil {
		return Message{}, err
	}
	if err := e.checkReplyTarget(ctx, op, c.ID, replyToID); err != nil {
		return Message{}, err
	}
	sender, err := e.senderSnapshot(ctx, op, senderID)
	if err != nil {
		return Message{}, err
	}

	kind := MediaKind(media.Type)
	if replyToID != "" {
		kind += replySuffix
	}
	m, err := e.draft(ctx, c, &sender, kind, caption)
	if err != nil {
		return Message{}, err
	}
	m.ReplyToID = replyToID
	m.Media = &media

	c, err = e.persist(ctx, c, m)
	if err != nil {
		return Message{}, err
	}
	e.broadcast(ctx, c.ParticipantIDs(), messageEvent(m), m)

	notice := sender.DisplayName() + " sent a file"
	if isPicture(media.Type) {
		notice = sender.DisplayName() + " uploaded an image"
	}
	sys, err := e.draft(ctx, c, &sender, MessageSystemFile, notice)
	if err != nil {
		e.log.Error("chat.media.notice.fail", "conversation_id", c.ID, "message_id", m.ID, "err", err)
		return m, nil
	}
	c, err = e.persist(ctx, c, sys)
	if err != nil {
		e.log.Error("chat.media.notice.fail", "conversation_id", c.ID, "message_id", m.ID, "err", err)
		return m, nil
	}
	e.broadcast(ctx, c.ParticipantIDs(), eventMessage, sys)
	return m, nil
}

// Forward copies a message into another conversation the user belongs to.
func (e *Engine) Forward(ctx context.Context, messageID, targetConversationID, userID string) (Message, error) {
	const op = "chat.Forward"

	src, _, err := e.messageInConversation(ctx, op, messageID, userID, ErrNotFound)
	if err != nil {
		return Message{}, err
	}
	if src.Kind.IsSystem() {
		return Message{}, opErr(op, ErrInvalidInput, "system messages cannot be forwarded")
	}
	// A SELF recall by someone else leaves the original visible to this user.
	body, hidden := visibleBody(src, userID)
	if hidden {
		return Message{}, opErr(op, ErrConflict, "message is recalled")
	}
	target, err := e.memberConversation(ctx, op, targetConversationID, userID, ErrNotFound)
	if err != nil {
		return Message{}, err
	}
	sender, err := e.senderSnapshot(ctx, op, userID)
	if err != nil {
		return Message{}, err
	}

	m, err := e.draft(ctx, target, &sender, forwardKind(src.Kind), body)
	if err != nil {
		return Message{}, err
	}
	if src.Media != nil {
		md := *src.Media
		m.Media = &md
	}

	target, err = e.persist(ctx, target, m)
	if err != nil {
		return Message{}, err
	}
	e.broadcast(ctx, target.ParticipantIDs(), eventMessage, m)
	return m, nil
}

// forwardKind drops reply and edit markers; the copy stands on its own.
func forwardKind(k MessageKind) MessageKind {
	k = MessageKind(strings.TrimSuffix(string(k), replySuffix))
	switch k {
	case MessageReply, MessageEdited:
		return MessageText
	}
	return k
}
