package chat

import (
	"context"
	"errors"

	"relay/cmd/internal/reaction"
)

// React adds one to the user's count for icon and returns the new count.
func (e *Engine) React(ctx context.Context, messageID, userID, icon string) (int, error) {
	const op = "chat.React"

	m, c, err := e.messageInConversation(ctx, op, messageID, userID, ErrUnauthorized)
	if err != nil {
		return 0, err
	}
	n, err := e.reactions.Add(ctx, m.ID, userID, icon)
	if err != nil {
		return 0, reactionErr(op, err)
	}
	e.broadcastReactions(ctx, c, m.ID)
	return n, nil
}

// ToggleReaction creates the user's icon row if absent and deletes it otherwise.
func (e *Engine) ToggleReaction(ctx context.Context, messageID, userID, icon string) (bool, error) {
	const op = "chat.ToggleReaction"

	m, c, err := e.messageInConversation(ctx, op, messageID, userID, ErrUnauthorized)
	if err != nil {
		return false, err
	}
	on, err := e.reactions.Toggle(ctx, m.ID, userID, icon)
	if err != nil {
		return false, reactionErr(op, err)
	}
	e.broadcastReactions(ctx, c, m.ID)
	return on, nil
}

// RemoveReaction deletes the user's icon row whatever its count.
func (e *Engine) RemoveReaction(ctx context.Context, messageID, userID, icon string) (bool, error) {
	const op = "chat.RemoveReaction"

	m, c, err := e.messageInConversation(ctx, op, messageID, userID, ErrUnauthorized)
	if err != nil {
		return false, err
	}
	removed, err := e.reactions.Remove(ctx, m.ID, userID, icon)
	if err != nil {
		return false, reactionErr(op, err)
	}
	if removed {
		e.broadcastReactions(ctx, c, m.ID)
	}
	return removed, nil
}

// Reactions returns the summary of a message for viewerID.
func (e *Engine) Reactions(ctx context.Context, messageID, viewerID string) ([]reaction.Summary, error) {
	m, _, err := e.messageInConversation(ctx, "chat.Reactions", messageID, viewerID, ErrNotFound)
	if err != nil {
		return nil, err
	}
	return e.reactions.Summarize(ctx, m.ID, viewerID)
}

func (e *Engine) broadcastReactions(ctx context.Context, c Conversation, messageID string) {
	if e.fanout == nil {
		return
	}
	snap, err := e.reactions.Load(ctx, messageID)
	if err != nil {
		e.log.Warn("chat.reactions.load.fail", "message_id", messageID, "err", err)
		return
	}
	e.fanout.Personalized(ctx, c.ParticipantIDs(), eventReactionUpdate, func(viewerID string) (any, bool) {
		return ReactionUpdate{
			MessageID:      messageID,
			ConversationID: c.ID,
			Reactions:      snap.For(viewerID),
		}, true
	})
}

func reactionErr(op string, err error) error {
	if errors.Is(err, reaction.ErrInvalidIcon) {
		return opErr(op, ErrInvalidInput, "invalid icon")
	}
	return err
}
