package chat

import (
	"time"

	"relay/cmd/internal/reaction"
)

// View is a message rendered for one viewer.
type View struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversationId"`
	Sender         *Participant       `json:"sender,omitempty"`
	Message        string             `json:"message"`
	Kind           MessageKind        `json:"type"`
	IsMine         bool               `json:"me"`
	Status         Status             `json:"status"`
	ReadDate       *time.Time         `json:"readDate,omitempty"`
	Reader         *Participant       `json:"reader,omitempty"`
	Readers        []Participant      `json:"readers"`
	IsRecalled     bool               `json:"isRecalled"`
	RecallType     RecallType         `json:"recallType,omitempty"`
	RecalledBy     string             `json:"recalledBy,omitempty"`
	RecalledAt     *time.Time         `json:"recalledAt,omitempty"`
	IsPinned       bool               `json:"isPinned"`
	PinnedBy       string             `json:"pinnedBy,omitempty"`
	PinnedAt       *time.Time         `json:"pinnedAt,omitempty"`
	Media          *Media             `json:"media,omitempty"`
	ReplyTo        *ReplyPreview      `json:"replyTo,omitempty"`
	Reactions      []reaction.Summary `json:"reactions"`
	System         *SystemMeta        `json:"systemMeta,omitempty"`
	CreatedAt      time.Time          `json:"createdDate"`
	ModifiedAt     time.Time          `json:"modifiedDate"`
}

// ReplyPreview is the one-level preview of the message being replied to.
type ReplyPreview struct {
	ID         string       `json:"id"`
	Sender     *Participant `json:"sender,omitempty"`
	Message    string       `json:"message"`
	Kind       MessageKind  `json:"type"`
	IsRecalled bool         `json:"isRecalled"`
	Media      *Media       `json:"media,omitempty"`
}

// Related carries the pre-loaded data a projection needs. Nothing is fetched
// during projection.
type Related struct {
	ReplyTo   *Message
	Reactions reaction.Snapshot
}

// Project renders m for viewerID. It is pure: same inputs, same output, no I/O.
func Project(m Message, viewerID string, rel Related) View {
	v := View{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Kind:           m.Kind,
		IsMine:         viewerID != "" && m.SenderID() == viewerID,
		Status:         m.Status,
		Reader:         m.Reader,
		Readers:        m.Readers,
		Media:          m.Media,
		Reactions:      rel.Reactions.For(viewerID),
		System:         m.System,
		CreatedAt:      m.CreatedAt,
		ModifiedAt:     m.ModifiedAt,
	}
	if v.Readers == nil {
		v.Readers = []Participant{}
	}
	if !m.ReadDate.IsZero() {
		rd := m.ReadDate
		v.ReadDate = &rd
	}
	if m.Pin != nil {
		at := m.Pin.At
		v.IsPinned = true
		v.PinnedBy = m.Pin.By
		v.PinnedAt = &at
	}

	body, recalled := visibleBody(m, viewerID)
	v.Message = body
	if recalled {
		at := m.Recall.At
		v.IsRecalled = true
		v.RecallType = m.Recall.Type
		v.RecalledBy = m.Recall.By
		v.RecalledAt = &at
		v.Media = nil
	}

	if m.ReplyToID != "" && rel.ReplyTo != nil && rel.ReplyTo.ID == m.ReplyToID {
		v.ReplyTo = previewOf(*rel.ReplyTo, viewerID)
	}

	return v
}

// visibleBody applies recall visibility and system rendering.
//
// EVERYONE recall hides the body for all viewers. SELF recall hides it only for
// the recaller; everyone else sees the untouched original.
func visibleBody(m Message, viewerID string) (string, bool) {
	if m.Recall != nil {
		switch {
		case m.Recall.Type == RecallEveryone:
			return RecallPlaceholder, true
		case viewerID != "" && viewerID == m.Recall.By:
			return RecallPlaceholder, true
		default:
			return m.Recall.OriginalBody, false
		}
	}

	if m.System != nil {
		return m.System.Render(viewerID), false
	}
	return m.Body, false
}

func previewOf(target Message, viewerID string) *ReplyPreview {
	body, recalled := visibleBody(target, viewerID)
	p := &ReplyPreview{
		ID:         target.ID,
		Sender:     target.Sender,
		Message:    body,
		Kind:       target.Kind,
		IsRecalled: recalled,
	}
	if !recalled {
		p.Media = target.Media
	}
	return p
}

// ConversationView is a conversation as listed for one viewer.
type ConversationView struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"type"`
	Name         string           `json:"conversationName"`
	Avatar       string           `json:"conversationAvatar,omitempty"`
	CreatedBy    string           `json:"createdBy,omitempty"`
	Participants []Participant    `json:"participants"`
	LastMessage  *View            `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	CreatedAt    time.Time        `json:"createdDate"`
	ModifiedAt   time.Time        `json:"modifiedDate"`
}

// ProjectConversation renders c for viewerID. DIRECT conversations take the
// other participant's name and avatar; lastMessage follows the recall rules.
func ProjectConversation(c Conversation, viewerID string, unread int) ConversationView {
	v := ConversationView{
		ID:           c.ID,
		Kind:         c.Kind,
		Name:         c.Name,
		Avatar:       c.Avatar,
		CreatedBy:    c.CreatedBy,
		Participants: c.Participants,
		UnreadCount:  unread,
		CreatedAt:    c.CreatedAt,
		ModifiedAt:   c.ModifiedAt,
	}

	if peer, ok := c.Peer(viewerID); ok {
		v.Name = peer.DisplayName()
		v.Avatar = peer.Avatar
	}

	if c.LastMessage != nil {
		lm := Project(*c.LastMessage, viewerID, Related{})
		v.LastMessage = &lm
	}
	return v
}
