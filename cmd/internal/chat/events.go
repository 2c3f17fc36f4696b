package chat

import (
	"time"

	"relay/cmd/internal/reaction"
	v1 "relay/shared/contracts/realtime/v1"
)

const (
	eventMessage              = v1.EventMessage
	eventReplyMessage         = v1.EventReplyMessage
	eventMessageRecalled      = v1.EventMessageRecalled
	eventMessagePinned        = v1.EventMessagePinned
	eventMessageUnpinned      = v1.EventMessageUnpinned
	eventMessageDeleted       = v1.EventMessageDeleted
	eventMessageStatusUpdate  = v1.EventMessageStatusUpdate
	eventReactionUpdate       = v1.EventReactionUpdate
	eventNewGroupConversation = v1.EventNewGroupConversation
	eventGroupInfoUpdated     = v1.EventGroupInfoUpdated
	eventConversationUpdated  = v1.EventConversationUpdated
)

// StatusUpdate is the batched message-status-update payload. It is identical for
// every recipient.
type StatusUpdate struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds"`
	Status         Status    `json:"status"`
	ReadDate       time.Time `json:"readDate"`
	ReaderID       string    `json:"readerId"`
}

type MessageDeleted struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeletedBy      string    `json:"deletedBy"`
	Timestamp      time.Time `json:"timestamp"`
}

type ReactionUpdate struct {
	MessageID      string             `json:"messageId"`
	ConversationID string             `json:"conversationId"`
	Reactions      []reaction.Summary `json:"reactions"`
}

// ConversationUpdate tells a participant that a conversation changed outside the
// view they have open. Removed is set for users who are no longer members.
type ConversationUpdate struct {
	ConversationID string            `json:"conversationId"`
	Conversation   *ConversationView `json:"conversation,omitempty"`
	Removed        bool              `json:"removed,omitempty"`
}

// GroupInfoUpdate goes to connections currently viewing the group.
type GroupInfoUpdate struct {
	Conversation ConversationView `json:"conversation"`
	Messages     []View           `json:"messages"`
}

// HistoryPage is one page of projected messages, oldest first.
type HistoryPage struct {
	ConversationID string `json:"conversationId"`
	Messages       []View `json:"messages"`
	HasMore        bool   `json:"hasMore"`
}
