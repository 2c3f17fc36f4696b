package chat

import (
	"slices"
	"strings"
)

// SystemEvent tags the variant carried by SystemMeta.
type SystemEvent string

const (
	SystemMembersAdded   SystemEvent = "members_added"
	SystemMembersRemoved SystemEvent = "members_removed"
	SystemMemberLeft     SystemEvent = "member_left"
)

// SystemMeta is the typed payload of membership system messages. It is stored
// once and rendered per viewer by Project.
type SystemMeta struct {
	Event       SystemEvent `json:"event"`
	ActorID     string      `json:"actorId"`
	ActorName   string      `json:"actorName"`
	TargetIDs   []string    `json:"targetIds,omitempty"`
	TargetNames []string    `json:"targetNames,omitempty"`
	GroupName   string      `json:"groupName"`
}

func (s SystemMeta) clone() SystemMeta {
	out := s
	out.TargetIDs = slices.Clone(s.TargetIDs)
	out.TargetNames = slices.Clone(s.TargetNames)
	return out
}

// Targets reports whether userID is among the affected users.
func (s SystemMeta) Targets(userID string) bool {
	return slices.Contains(s.TargetIDs, userID)
}

// Fallback bodies stored alongside the metadata for clients that ignore it.
const (
	fallbackMembersAdded   = "Members were added to the group"
	fallbackMembersRemoved = "Members were removed from the group"
	fallbackMemberLeft     = "A member left the group"
)

func fallbackBody(ev SystemEvent) string {
	switch ev {
	case SystemMembersAdded:
		return fallbackMembersAdded
	case SystemMembersRemoved:
		return fallbackMembersRemoved
	case SystemMemberLeft:
		return fallbackMemberLeft
	}
	return ""
}

func kindFor(ev SystemEvent) MessageKind {
	switch ev {
	case SystemMembersAdded:
		return MessageSystemAddMembers
	case SystemMembersRemoved:
		return MessageSystemRemove
	default:
		return MessageSystemLeave
	}
}

// Render returns the sentence for viewerID: actor's view, affected user's view,
// or a bystander's view.
func (s SystemMeta) Render(viewerID string) string {
	actor := nameOr(s.ActorName)
	group := s.GroupName
	targets := strings.Join(namesOr(s.TargetNames), ", ")

	switch s.Event {
	case SystemMembersAdded:
		switch {
		case viewerID != "" && viewerID == s.ActorID:
			return "You added " + targets + " to " + group
		case viewerID != "" && s.Targets(viewerID):
			return "You were added to " + group + " by " + actor
		default:
			return actor + " added " + targets + " to " + group
		}

	case SystemMembersRemoved:
		switch {
		case viewerID != "" && viewerID == s.ActorID:
			return "You removed " + targets + " from " + group
		case viewerID != "" && s.Targets(viewerID):
			return "You were removed from " + group + " by " + actor
		default:
			return actor + " removed " + targets + " from " + group
		}

	case SystemMemberLeft:
		if viewerID != "" && viewerID == s.ActorID {
			return "You left " + group
		}
		return actor + " left " + group
	}

	return fallbackBody(s.Event)
}

func nameOr(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Someone"
	}
	return s
}

func namesOr(in []string) []string {
	out := make([]string, len(in))
	for i, n := range in {
		out[i] = nameOr(n)
	}
	return out
}
