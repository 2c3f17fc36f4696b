package v1

// JoinConversationPayload marks the sending connection as viewing a conversation.
type JoinConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// ConversationRefPayload addresses a whole conversation (mark-read, leave-group).
type ConversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

// MessageRefPayload addresses one message (pin, unpin, delete-media).
type MessageRefPayload struct {
	MessageID string `json:"messageId"`
}

type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	ReplyToID      string `json:"replyToId,omitempty"`
}

type MediaPayload struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	FileName string `json:"fileName,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type SendMediaPayload struct {
	ConversationID string       `json:"conversationId"`
	Media          MediaPayload `json:"media"`
	Caption        string       `json:"caption,omitempty"`
	ReplyToID      string       `json:"replyToId,omitempty"`
}

type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

type RecallMessagePayload struct {
	MessageID  string `json:"messageId"`
	RecallType string `json:"recallType"`
}

type ForwardMessagePayload struct {
	MessageID            string `json:"messageId"`
	TargetConversationID string `json:"targetConversationId"`
}

type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Icon      string `json:"icon"`
}

type CreateDirectPayload struct {
	UserID string `json:"userId"`
}

type CreateGroupPayload struct {
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participantIds"`
	Avatar         string   `json:"avatar,omitempty"`
}

type MembersPayload struct {
	ConversationID string   `json:"conversationId"`
	UserIDs        []string `json:"userIds"`
}

// EditGroupInfoPayload leaves a field unchanged when it is omitted.
type EditGroupInfoPayload struct {
	ConversationID string  `json:"conversationId"`
	Name           *string `json:"name,omitempty"`
	Avatar         *string `json:"avatar,omitempty"`
}

type FetchHistoryPayload struct {
	ConversationID string `json:"conversationId"`
	Before         string `json:"before,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// Ack results that are not a projected message or conversation.

type MarkReadResult struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type DeleteMediaResult struct {
	MessageID string `json:"messageId"`
}

type ReactionResult struct {
	MessageID string `json:"messageId"`
	Icon      string `json:"icon"`
	Count     int    `json:"count,omitempty"`
	Active    bool   `json:"active"`
}

// ConnectedPayload is the first frame of every connection.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}
