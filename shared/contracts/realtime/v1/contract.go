// Package v1 is the realtime wire contract: the envelope every frame travels in,
// the command types clients send and the event types the server emits.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version = 1

	// Subprotocol is negotiated during the WebSocket handshake.
	Subprotocol = "relay.realtime.v1"
)

// Client → server commands.
const (
	TypeJoinConversation  = "join-conversation"
	TypeLeaveConversation = "leave-conversation"
	TypeHeartbeat         = "heartbeat"

	TypeSendMessage    = "send-message"
	TypeSendMedia      = "send-media"
	TypeEditMessage    = "edit-message"
	TypeRecallMessage  = "recall-message"
	TypePinMessage     = "pin-message"
	TypeUnpinMessage   = "unpin-message"
	TypeDeleteMedia    = "delete-media"
	TypeForwardMessage = "forward-message"
	TypeMarkRead       = "mark-read"

	TypeAddReaction    = "add-reaction"
	TypeToggleReaction = "toggle-reaction"
	TypeRemoveReaction = "remove-reaction"

	TypeCreateDirect   = "create-direct"
	TypeCreateGroup    = "create-group"
	TypeAddMembers     = "add-members"
	TypeRemoveMembers  = "remove-members"
	TypeLeaveGroup     = "leave-group"
	TypeEditGroupInfo  = "edit-group-info"
	TypeListConvs      = "list-conversations"
	TypeFetchHistory   = "fetch-history"
)

// Server → client events.
const (
	TypeAck   = "ack"
	TypeError = "error"

	EventMessage              = "message"
	EventReplyMessage         = "reply-message"
	EventMessageRecalled      = "message-recalled"
	EventMessagePinned        = "message-pinned"
	EventMessageUnpinned      = "message-unpinned"
	EventMessageDeleted       = "message-deleted"
	EventMessageStatusUpdate  = "message-status-update"
	EventReactionUpdate       = "reaction-update"
	EventNewGroupConversation = "new-group-conversation"
	EventGroupInfoUpdated     = "group-info-updated"
	EventConversationUpdated  = "conversation-updated"
	EventConnected            = "connected"
)

// Commands is the set of types a client may send.
var Commands = map[string]struct{}{
	TypeJoinConversation:  {},
	TypeLeaveConversation: {},
	TypeHeartbeat:         {},
	TypeSendMessage:       {},
	TypeSendMedia:         {},
	TypeEditMessage:       {},
	TypeRecallMessage:     {},
	TypePinMessage:        {},
	TypeUnpinMessage:      {},
	TypeDeleteMedia:       {},
	TypeForwardMessage:    {},
	TypeMarkRead:          {},
	TypeAddReaction:       {},
	TypeToggleReaction:    {},
	TypeRemoveReaction:    {},
	TypeCreateDirect:      {},
	TypeCreateGroup:       {},
	TypeAddMembers:        {},
	TypeRemoveMembers:     {},
	TypeLeaveGroup:        {},
	TypeEditGroupInfo:     {},
	TypeListConvs:         {},
	TypeFetchHistory:      {},
}

// Envelope wraps every frame in both directions.
// Ref echoes the id of the command an ack/error answers.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Ref     string          `json:"ref,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks an inbound command envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := Commands[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// ErrorPayload answers a failed command.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckPayload answers a successful command; Result is command specific.
type AckPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
}
