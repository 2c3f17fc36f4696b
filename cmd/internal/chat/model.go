package chat

import (
	"slices"
	"strings"
	"time"

	"relay/cmd/internal/profile"
)

type ConversationKind string

const (
	KindDirect ConversationKind = "DIRECT"
	KindGroup  ConversationKind = "GROUP"
)

type MessageKind string

const (
	MessageText   MessageKind = "TEXT"
	MessageReply  MessageKind = "REPLY"
	MessageEdited MessageKind = "EDITED"

	MessageImage    MessageKind = "IMAGE"
	MessageVideo    MessageKind = "VIDEO"
	MessageAudio    MessageKind = "AUDIO"
	MessageDocument MessageKind = "DOCUMENT"
	MessageFile     MessageKind = "FILE"

	MessageSystem           MessageKind = "SYSTEM"
	MessageSystemFile       MessageKind = "SYSTEM_FILE"
	MessageSystemAddMembers MessageKind = "SYSTEM_ADD_MEMBERS"
	MessageSystemRemove     MessageKind = "SYSTEM_REMOVE_MEMBERS"
	MessageSystemLeave      MessageKind = "SYSTEM_LEAVE_GROUP"
	MessageSystemGroupName  MessageKind = "SYSTEM_EDIT_GROUP_NAME"
	MessageSystemAvatar     MessageKind = "SYSTEM_EDIT_GROUP_AVATAR"
)

const replySuffix = "_REPLY"

// IsSystem reports whether the message was generated by the server.
func (k MessageKind) IsSystem() bool { return strings.HasPrefix(string(k), "SYSTEM") }

// IsMedia reports whether the kind carries an attachment (with or without reply).
func (k MessageKind) IsMedia() bool {
	switch MessageKind(strings.TrimSuffix(string(k), replySuffix)) {
	case MessageImage, MessageVideo, MessageAudio, MessageDocument, MessageFile:
		return true
	}
	return false
}

type Status string

const (
	StatusSent Status = "SENT"
	StatusSeen Status = "SEEN"
)

type RecallType string

const (
	RecallSelf     RecallType = "SELF"
	RecallEveryone RecallType = "EVERYONE"
)

// RecallPlaceholder replaces the body of a recalled message.
const RecallPlaceholder = "Message has been recalled"

// Participant is the frozen profile snapshot taken when a user joined a
// conversation or sent a message.
type Participant struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar,omitempty"`
}

// SnapshotOf freezes a directory profile.
func SnapshotOf(p profile.Profile) Participant {
	return Participant{
		UserID:    p.UserID,
		Username:  p.Username,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Avatar:    p.Avatar,
	}
}

// DisplayName returns "First Last", falling back to the username and then "Someone".
func (p Participant) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name != "" {
		return name
	}
	if u := strings.TrimSpace(p.Username); u != "" {
		return u
	}
	return "Someone"
}

// Conversation is a DIRECT pair or a GROUP.
//
// DIRECT has exactly two participants. GROUP keeps at least one.
// ParticipantsHash is recomputed whenever membership changes.
// LastMessage is a copy, refreshed explicitly by the engine.
type Conversation struct {
	ID                 string
	Kind               ConversationKind
	Name               string
	Avatar             string
	CreatedBy          string
	Participants       []Participant
	ParticipantsHash   string
	LastMessage        *Message
	BootstrapMessageID string
	CreatedAt          time.Time
	ModifiedAt         time.Time
}

// Participant returns the snapshot of userID.
func (c Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// HasParticipant reports membership.
func (c Conversation) HasParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

// ParticipantIDs returns member ids in membership order.
func (c Conversation) ParticipantIDs() []string {
	out := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		out[i] = p.UserID
	}
	return out
}

// Peer returns the other participant of a DIRECT conversation.
func (c Conversation) Peer(userID string) (Participant, bool) {
	if c.Kind != KindDirect {
		return Participant{}, false
	}
	for _, p := range c.Participants {
		if p.UserID != userID {
			return p, true
		}
	}
	return Participant{}, false
}

type Recall struct {
	Type         RecallType `json:"type"`
	By           string     `json:"by"`
	At           time.Time  `json:"at"`
	OriginalBody string     `json:"originalBody"`
}

type Pin struct {
	By string    `json:"by"`
	At time.Time `json:"at"`
}

type Media struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	FileName string `json:"fileName,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one entry of a conversation log.
//
// Readers is authoritative and append-ordered, unique by user id. Reader is the
// legacy single-reader mirror: the first non-sender reader.
type Message struct {
	ID             string
	ConversationID string
	Sender         *Participant
	Body           string
	Kind           MessageKind
	CreatedAt      time.Time
	ModifiedAt     time.Time
	ReplyToID      string
	Status         Status
	ReadDate       time.Time
	Reader         *Participant
	Readers        []Participant
	Recall         *Recall
	Pin            *Pin
	Media          *Media
	System         *SystemMeta
}

// SenderID is empty for server-generated messages without an actor.
func (m Message) SenderID() string {
	if m.Sender == nil {
		return ""
	}
	return m.Sender.UserID
}

func (m Message) IsRecalled() bool { return m.Recall != nil }

func (m Message) IsPinned() bool { return m.Pin != nil }

// HasReader reports whether userID is in Readers.
func (m Message) HasReader(userID string) bool {
	return slices.ContainsFunc(m.Readers, func(p Participant) bool { return p.UserID == userID })
}

// PendingFor reports whether m can still affect userID's read state: it was sent
// by someone else and is unread by them, or it is an add-members notice, which
// unread counting needs as a cutoff.
func (m Message) PendingFor(userID string) bool {
	if m.SenderID() == userID {
		return false
	}
	return m.Status != StatusSeen || !m.HasReader(userID) || m.Kind == MessageSystemAddMembers
}

// addReader appends p unless already present. Returns whether Readers changed.
func (m *Message) addReader(p Participant) bool {
	if m.HasReader(p.UserID) {
		return false
	}
	m.Readers = append(m.Readers, p)
	return true
}

// Clone returns a deep copy; stores hand out clones so callers never alias stored state.
func (m Message) Clone() Message {
	out := m
	if m.Sender != nil {
		s := *m.Sender
		out.Sender = &s
	}
	if m.Reader != nil {
		r := *m.Reader
		out.Reader = &r
	}
	out.Readers = slices.Clone(m.Readers)
	if m.Recall != nil {
		r := *m.Recall
		out.Recall = &r
	}
	if m.Pin != nil {
		p := *m.Pin
		out.Pin = &p
	}
	if m.Media != nil {
		md := *m.Media
		out.Media = &md
	}
	if m.System != nil {
		s := m.System.clone()
		out.System = &s
	}
	return out
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		lm := c.LastMessage.Clone()
		out.LastMessage = &lm
	}
	return out
}
