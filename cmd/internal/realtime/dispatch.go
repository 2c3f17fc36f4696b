package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"relay/cmd/internal/chat"
	v1 "relay/shared/contracts/realtime/v1"
)

// handler runs one command for the connection's user and returns the ack result.
type handler func(g *Gateway, ctx context.Context, c *Client, payload json.RawMessage) (any, error)

var handlers = map[string]handler{
	v1.TypeJoinConversation:  onJoin,
	v1.TypeLeaveConversation: onLeave,
	v1.TypeHeartbeat:         onHeartbeat,

	v1.TypeSendMessage:    onSendMessage,
	v1.TypeSendMedia:      onSendMedia,
	v1.TypeEditMessage:    onEditMessage,
	v1.TypeRecallMessage:  onRecallMessage,
	v1.TypePinMessage:     onPin,
	v1.TypeUnpinMessage:   onUnpin,
	v1.TypeDeleteMedia:    onDeleteMedia,
	v1.TypeForwardMessage: onForward,
	v1.TypeMarkRead:       onMarkRead,

	v1.TypeAddReaction:    onAddReaction,
	v1.TypeToggleReaction: onToggleReaction,
	v1.TypeRemoveReaction: onRemoveReaction,

	v1.TypeCreateDirect:  onCreateDirect,
	v1.TypeCreateGroup:   onCreateGroup,
	v1.TypeAddMembers:    onAddMembers,
	v1.TypeRemoveMembers: onRemoveMembers,
	v1.TypeLeaveGroup:    onLeaveGroup,
	v1.TypeEditGroupInfo: onEditGroupInfo,
	v1.TypeListConvs:     onListConversations,
	v1.TypeFetchHistory:  onFetchHistory,
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, env v1.Envelope) (any, error) {
	h, ok := handlers[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported type: %s", chat.ErrInvalidInput, env.Type)
	}
	return h(g, ctx, c, env.Payload)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: invalid payload: %v", chat.ErrInvalidInput, err)
	}
	return p, nil
}

// view renders a message the engine just produced for the acting user.
func view(m chat.Message, userID string) chat.View {
	return chat.Project(m, userID, chat.Related{})
}

// ---- session ----

func onJoin(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.JoinConversationPayload](raw)
	if err != nil {
		return nil, err
	}
	convID := strings.TrimSpace(p.ConversationID)

	// Participation check; it also yields the ack result.
	cv, err := g.engine.Conversation(ctx, convID, c.UserID)
	if err != nil {
		return nil, err
	}
	if err := g.sessions.Enter(ctx, c.ConnectionID, convID); err != nil {
		return nil, err
	}
	return cv, nil
}

func onLeave(g *Gateway, ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	return nil, g.sessions.Leave(ctx, c.ConnectionID)
}

func onHeartbeat(g *Gateway, ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	return nil, g.sessions.Touch(ctx, c.ConnectionID)
}

// ---- messages ----

func onSendMessage(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.SendMessagePayload](raw)
	if err != nil {
		return nil, err
	}
	m, err := g.engine.Send(ctx, p.ConversationID, c.UserID, p.Message, p.ReplyToID)
	if err != nil {
		return nil, err
	}
	return view(m, c.UserID), nil
}

func onSendMedia(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.SendMediaPayload](raw)
	if err != nil {
		return nil, err
	}
	media := chat.Media{
		URL:      p.Media.URL,
		Type:     p.Media.Type,
		FileName: p.Media.FileName,
		Size:     p.Media.Size,
	}
	m, err := g.engine.SendMedia(ctx, p.ConversationID, c.UserID, media, p.Caption, p.ReplyToID)
	if err != nil {
		return nil, err
	}
	return view(m, c.UserID), nil
}

func onEditMessage(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.EditMessagePayload](raw)
	if err != nil {
		return nil, err
	}
	m, err := g.engine.Edit(ctx, p.MessageID, c.UserID, p.Message)
	if err != nil {
		return nil, err
	}
	return view(m, c.UserID), nil
}

func onRecallMessage(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.RecallMessagePayload](raw)
	if err != nil {
		return nil, err
	}
	m, err := g.engine.Recall(ctx, p.MessageID, c.UserID, chat.RecallType(strings.ToUpper(p.RecallType)))
	if err != nil {
		return nil, err
	}
	return view(m, c.UserID), nil
}

func onPin(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.MessageRefPayload](raw)
	if err != nil {
		return nil, err
	}
	m, err := g.engine.Pin(ctx, p.MessageID, c.UserID)
	if err != nil {
		return nil, err
	}
	return view(m, c.UserID), nil
}

func onUnpin(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.MessageRefPayload](raw)
	if err != nil {
		return nil, err
	}
	m, err := g.engine.Unpin(ctx, p.MessageID, c.UserID)
	if err != nil {
		return nil, err
	}
	return view(m, c.UserID), nil
}

func onDeleteMedia(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.MessageRefPayload](raw)
	if err != nil {
		return nil, err
	}
	if err := g.engine.DeleteMedia(ctx, p.MessageID, c.UserID); err != nil {
		return nil, err
	}
	return v1.DeleteMediaResult{MessageID: p.MessageID}, nil
}

func onForward(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.ForwardMessagePayload](raw)
	if err != nil {
		return nil, err
	}
	m, err := g.engine.Forward(ctx, p.MessageID, p.TargetConversationID, c.UserID)
	if err != nil {
		return nil, err
	}
	return view(m, c.UserID), nil
}

func onMarkRead(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.ConversationRefPayload](raw)
	if err != nil {
		return nil, err
	}
	changed, err := g.engine.MarkRead(ctx, p.ConversationID, c.UserID)
	if err != nil {
		return nil, err
	}
	out := v1.MarkReadResult{ConversationID: p.ConversationID, MessageIDs: make([]string, 0, len(changed))}
	for _, m := range changed {
		out.MessageIDs = append(out.MessageIDs, m.ID)
	}
	return out, nil
}

// ---- reactions ----

func onAddReaction(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.ReactionPayload](raw)
	if err != nil {
		return nil, err
	}
	n, err := g.engine.React(ctx, p.MessageID, c.UserID, p.Icon)
	if err != nil {
		return nil, err
	}
	return v1.ReactionResult{MessageID: p.MessageID, Icon: p.Icon, Count: n, Active: true}, nil
}

func onToggleReaction(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.ReactionPayload](raw)
	if err != nil {
		return nil, err
	}
	added, err := g.engine.ToggleReaction(ctx, p.MessageID, c.UserID, p.Icon)
	if err != nil {
		return nil, err
	}
	return v1.ReactionResult{MessageID: p.MessageID, Icon: p.Icon, Active: added}, nil
}

func onRemoveReaction(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.ReactionPayload](raw)
	if err != nil {
		return nil, err
	}
	if _, err := g.engine.RemoveReaction(ctx, p.MessageID, c.UserID, p.Icon); err != nil {
		return nil, err
	}
	return v1.ReactionResult{MessageID: p.MessageID, Icon: p.Icon}, nil
}

// ---- conversations ----

func onCreateDirect(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.CreateDirectPayload](raw)
	if err != nil {
		return nil, err
	}
	return g.engine.CreateDirect(ctx, c.UserID, p.UserID)
}

func onCreateGroup(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.CreateGroupPayload](raw)
	if err != nil {
		return nil, err
	}
	return g.engine.CreateGroup(ctx, c.UserID, p.Name, p.ParticipantIDs, p.Avatar)
}

func onAddMembers(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.MembersPayload](raw)
	if err != nil {
		return nil, err
	}
	m, err := g.engine.AddMembers(ctx, p.ConversationID, c.UserID, p.UserIDs)
	if err != nil {
		return nil, err
	}
	return view(m, c.UserID), nil
}

func onRemoveMembers(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.MembersPayload](raw)
	if err != nil {
		return nil, err
	}
	m, err := g.engine.RemoveMembers(ctx, p.ConversationID, c.UserID, p.UserIDs)
	if err != nil {
		return nil, err
	}
	return view(m, c.UserID), nil
}

func onLeaveGroup(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.ConversationRefPayload](raw)
	if err != nil {
		return nil, err
	}
	m, err := g.engine.LeaveGroup(ctx, p.ConversationID, c.UserID)
	if err != nil {
		return nil, err
	}
	return view(m, c.UserID), nil
}

func onEditGroupInfo(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.EditGroupInfoPayload](raw)
	if err != nil {
		return nil, err
	}
	return g.engine.EditGroupInfo(ctx, p.ConversationID, c.UserID, p.Name, p.Avatar)
}

func onListConversations(g *Gateway, ctx context.Context, c *Client, _ json.RawMessage) (any, error) {
	return g.engine.ListConversations(ctx, c.UserID)
}

func onFetchHistory(g *Gateway, ctx context.Context, c *Client, raw json.RawMessage) (any, error) {
	p, err := decode[v1.FetchHistoryPayload](raw)
	if err != nil {
		return nil, err
	}
	return g.engine.History(ctx, p.ConversationID, c.UserID, chat.HistoryQuery{Before: p.Before, Limit: p.Limit})
}
