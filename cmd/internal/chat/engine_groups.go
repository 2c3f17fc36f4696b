package chat

import (
	"context"
	"slices"
	"strings"

	"relay/cmd/internal/presence"
	"relay/cmd/internal/profile"
)

const (
	directBootstrapBody = "Let's start chat conversation"
	groupWelcomePrefix  = "Welcome to "
)

// CreateDirect returns the DIRECT conversation between actorID and otherID,
// creating it with a bootstrap system message when it does not exist yet.
func (e *Engine) CreateDirect(ctx context.Context, actorID, otherID string) (ConversationView, error) {
	const op = "chat.CreateDirect"

	otherID = strings.TrimSpace(otherID)
	if otherID == "" || otherID == actorID {
		return ConversationView{}, opErr(op, ErrInvalidInput, "a different user id is required")
	}

	hash := ParticipantsHash([]string{actorID, otherID})
	if c, err := e.store.FindDirect(ctx, hash); err == nil {
		return e.existingDirect(ctx, op, c, actorID, otherID)
	} else if !IsNotFound(err) {
		return ConversationView{}, err
	}

	profiles, err := e.profiles.GetAll(ctx, []string{actorID, otherID})
	if err != nil {
		return ConversationView{}, opErr(op, ErrUpstreamUnavailable, err.Error())
	}

	convID, err := e.newID()
	if err != nil {
		return ConversationView{}, err
	}
	now := e.now()
	c := Conversation{
		ID:               convID,
		Kind:             KindDirect,
		CreatedBy:        actorID,
		Participants:     snapshots([]string{actorID, otherID}, profiles),
		ParticipantsHash: hash,
		CreatedAt:        now,
		ModifiedAt:       now,
	}

	boot, err := e.draft(ctx, c, nil, MessageSystem, directBootstrapBody)
	if err != nil {
		return ConversationView{}, err
	}
	c.BootstrapMessageID = boot.ID
	c.LastMessage = &boot

	if err := e.store.CreateConversation(ctx, c); err != nil {
		if IsConflict(err) {
			// Lost the race to a concurrent create of the same pair.
			if existing, ferr := e.store.FindDirect(ctx, hash); ferr == nil {
				return e.existingDirect(ctx, op, existing, actorID, otherID)
			}
		}
		return ConversationView{}, err
	}
	if err := e.store.AppendMessage(ctx, boot); err != nil {
		e.log.Error("chat.bootstrap.fail", "conversation_id", c.ID, "err", err)
	}

	e.log.Info("chat.conversation.created", "conversation_id", c.ID, "kind", string(c.Kind), "user_id", actorID)
	return ProjectConversation(c, actorID, 0), nil
}

// existingDirect returns the view of a hash hit only when both users are its members.
func (e *Engine) existingDirect(ctx context.Context, op string, c Conversation, actorID, otherID string) (ConversationView, error) {
	if !c.HasParticipant(actorID) || !c.HasParticipant(otherID) {
		e.log.Error("chat.direct.hash_mismatch", "conversation_id", c.ID, "user_id", actorID)
		return ConversationView{}, opErr(op, ErrConflict, "direct conversation hash belongs to another pair")
	}
	return e.viewFor(ctx, c, actorID), nil
}

// CreateGroup creates a GROUP with the creator first and a welcome message the
// creator has already read.
func (e *Engine) CreateGroup(ctx context.Context, actorID, name string, participantIDs []string, avatar string) (ConversationView, error) {
	const op = "chat.CreateGroup"

	name = strings.TrimSpace(name)
	if name == "" {
		return ConversationView{}, opErr(op, ErrInvalidInput, "group name is required")
	}

	members := []string{actorID}
	for _, id := range participantIDs {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(members, id) {
			continue
		}
		members = append(members, id)
	}
	if len(members) < 2 {
		return ConversationView{}, opErr(op, ErrInvalidInput, "at least one other participant is required")
	}

	profiles, err := e.profiles.GetAll(ctx, members)
	if err != nil {
		return ConversationView{}, opErr(op, ErrUpstreamUnavailable, err.Error())
	}

	convID, err := e.newID()
	if err != nil {
		return ConversationView{}, err
	}
	now := e.now()
	c := Conversation{
		ID:               convID,
		Kind:             KindGroup,
		Name:             name,
		Avatar:           strings.TrimSpace(avatar),
		CreatedBy:        actorID,
		Participants:     snapshots(members, profiles),
		ParticipantsHash: ParticipantsHash(members),
		CreatedAt:        now,
		ModifiedAt:       now,
	}

	welcome, err := e.draft(ctx, c, nil, MessageSystem, groupWelcomePrefix+name)
	if err != nil {
		return ConversationView{}, err
	}
	welcome.Readers = []Participant{c.Participants[0]}
	c.BootstrapMessageID = welcome.ID
	c.LastMessage = &welcome

	if err := e.store.CreateConversation(ctx, c); err != nil {
		return ConversationView{}, err
	}
	if err := e.store.AppendMessage(ctx, welcome); err != nil {
		e.log.Error("chat.bootstrap.fail", "conversation_id", c.ID, "err", err)
	}
	e.log.Info("chat.conversation.created", "conversation_id", c.ID, "kind", string(c.Kind), "user_id", actorID)

	e.announceGroup(ctx, c, members)
	return ProjectConversation(c, actorID, 0), nil
}

// AddMembers adds users to a GROUP and posts a typed SYSTEM_ADD_MEMBERS message.
func (e *Engine) AddMembers(ctx context.Context, conversationID, actorID string, userIDs []string) (Message, error) {
	const op = "chat.AddMembers"

	c, err := e.groupForActor(ctx, op, conversationID, actorID)
	if err != nil {
		return Message{}, err
	}

	var added []string
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" || c.HasParticipant(id) || slices.Contains(added, id) {
			continue
		}
		added = append(added, id)
	}
	if len(added) == 0 {
		return Message{}, opErr(op, ErrInvalidInput, "no new members")
	}

	actor, err := e.senderSnapshot(ctx, op, actorID)
	if err != nil {
		return Message{}, err
	}
	profiles, err := e.profiles.GetAll(ctx, added)
	if err != nil {
		return Message{}, opErr(op, ErrUpstreamUnavailable, err.Error())
	}
	newcomers := snapshots(added, profiles)

	c, err = e.store.UpdateConversation(ctx, c.ID, func(cv *Conversation) error {
		if !cv.HasParticipant(actorID) {
			return opErr(op, ErrUnauthorized, "not a participant")
		}
		for _, p := range newcomers {
			if !cv.HasParticipant(p.UserID) {
				cv.Participants = append(cv.Participants, p)
			}
		}
		cv.ParticipantsHash = ParticipantsHash(cv.ParticipantIDs())
		cv.ModifiedAt = e.now()
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	names := make([]string, len(newcomers))
	for i, p := range newcomers {
		names[i] = p.DisplayName()
	}
	m, c, err := e.postMembership(ctx, c, actor, SystemMeta{
		Event:       SystemMembersAdded,
		ActorID:     actorID,
		ActorName:   actor.DisplayName(),
		TargetIDs:   added,
		TargetNames: names,
		GroupName:   c.Name,
	})
	if err != nil {
		return Message{}, err
	}

	e.announceGroup(ctx, c, added)
	e.broadcast(ctx, c.ParticipantIDs(), eventMessage, m)
	return m, nil
}

// RemoveMembers removes other users from a GROUP, keeping at least two members.
func (e *Engine) RemoveMembers(ctx context.Context, conversationID, actorID string, userIDs []string) (Message, error) {
	const op = "chat.RemoveMembers"

	c, err := e.groupForActor(ctx, op, conversationID, actorID)
	if err != nil {
		return Message{}, err
	}

	var removed []Participant
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == actorID {
			return Message{}, opErr(op, ErrInvalidInput, "use leave-group to remove yourself")
		}
		p, ok := c.Participant(id)
		if !ok || slices.ContainsFunc(removed, func(r Participant) bool { return r.UserID == id }) {
			continue
		}
		removed = append(removed, p)
	}
	if len(removed) == 0 {
		return Message{}, opErr(op, ErrInvalidInput, "no members to remove")
	}
	if len(c.Participants)-len(removed) < 2 {
		return Message{}, opErr(op, ErrInvalidInput, "a group keeps at least two members")
	}

	actor, err := e.senderSnapshot(ctx, op, actorID)
	if err != nil {
		return Message{}, err
	}

	ids := make([]string, len(removed))
	names := make([]string, len(removed))
	for i, p := range removed {
		ids[i] = p.UserID
		names[i] = p.DisplayName()
	}

	c, err = e.store.UpdateConversation(ctx, c.ID, func(cv *Conversation) error {
		if !cv.HasParticipant(actorID) {
			return opErr(op, ErrUnauthorized, "not a participant")
		}
		cv.Participants = slices.DeleteFunc(cv.Participants, func(p Participant) bool {
			return slices.Contains(ids, p.UserID)
		})
		if len(cv.Participants) < 2 {
			return opErr(op, ErrInvalidInput, "a group keeps at least two members")
		}
		cv.ParticipantsHash = ParticipantsHash(cv.ParticipantIDs())
		cv.ModifiedAt = e.now()
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	m, c, err := e.postMembership(ctx, c, actor, SystemMeta{
		Event:       SystemMembersRemoved,
		ActorID:     actorID,
		ActorName:   actor.DisplayName(),
		TargetIDs:   ids,
		TargetNames: names,
		GroupName:   c.Name,
	})
	if err != nil {
		return Message{}, err
	}

	e.broadcast(ctx, append(c.ParticipantIDs(), ids...), eventMessage, m)
	e.notifyRemoved(ctx, c.ID, ids)
	return m, nil
}

// LeaveGroup removes userID from a GROUP. The last member cannot leave.
func (e *Engine) LeaveGroup(ctx context.Context, conversationID, userID string) (Message, error) {
	const op = "chat.LeaveGroup"

	c, err := e.memberConversation(ctx, op, conversationID, userID, ErrNotFound)
	if err != nil {
		return Message{}, err
	}
	if c.Kind != KindGroup {
		return Message{}, opErr(op, ErrInvalidInput, "only groups can be left")
	}
	if len(c.Participants) <= 1 {
		return Message{}, opErr(op, ErrInvalidInput, "the last member cannot leave")
	}
	leaver, _ := c.Participant(userID)

	c, err = e.store.UpdateConversation(ctx, c.ID, func(cv *Conversation) error {
		if len(cv.Participants) <= 1 {
			return opErr(op, ErrInvalidInput, "the last member cannot leave")
		}
		cv.Participants = slices.DeleteFunc(cv.Participants, func(p Participant) bool { return p.UserID == userID })
		cv.ParticipantsHash = ParticipantsHash(cv.ParticipantIDs())
		cv.ModifiedAt = e.now()
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	m, c, err := e.postMembership(ctx, c, leaver, SystemMeta{
		Event:     SystemMemberLeft,
		ActorID:   userID,
		ActorName: leaver.DisplayName(),
		GroupName: c.Name,
	})
	if err != nil {
		return Message{}, err
	}

	e.broadcast(ctx, append(c.ParticipantIDs(), userID), eventMessage, m)
	e.notifyRemoved(ctx, c.ID, []string{userID})
	return m, nil
}

// EditGroupInfo renames a group and/or changes its avatar. A nil field is left as is.
func (e *Engine) EditGroupInfo(ctx context.Context, conversationID, actorID string, name, avatar *string) (ConversationView, error) {
	const op = "chat.EditGroupInfo"

	if name == nil && avatar == nil {
		return ConversationView{}, opErr(op, ErrInvalidInput, "nothing to change")
	}
	if name != nil && strings.TrimSpace(*name) == "" {
		return ConversationView{}, opErr(op, ErrInvalidInput, "group name cannot be empty")
	}

	c, err := e.groupForActor(ctx, op, conversationID, actorID)
	if err != nil {
		return ConversationView{}, err
	}
	actor, ok := c.Participant(actorID)
	if !ok {
		return ConversationView{}, opErr(op, ErrUnauthorized, "not a participant")
	}

	var oldName string
	var renamed, reavatared bool
	updated, err := e.store.UpdateConversation(ctx, c.ID, func(cv *Conversation) error {
		oldName = cv.Name
		if name != nil && strings.TrimSpace(*name) != cv.Name {
			cv.Name = strings.TrimSpace(*name)
			renamed = true
		}
		if avatar != nil && strings.TrimSpace(*avatar) != cv.Avatar {
			cv.Avatar = strings.TrimSpace(*avatar)
			reavatared = true
		}
		if !renamed && !reavatared {
			return errUnchanged
		}
		cv.ModifiedAt = e.now()
		return nil
	})
	if isUnchanged(err) {
		return e.viewFor(ctx, c, actorID), nil
	}
	if err != nil {
		return ConversationView{}, err
	}
	c = updated

	var notices []Message
	if renamed {
		body := actor.DisplayName() + ` changed group name from "` + oldName + `" to "` + c.Name + `"`
		if m, next, err := e.postNotice(ctx, c, actor, MessageSystemGroupName, body); err == nil {
			notices, c = append(notices, m), next
		} else {
			e.log.Error("chat.group.notice.fail", "conversation_id", c.ID, "err", err)
		}
	}
	if reavatared {
		body := actor.DisplayName() + " changed group avatar"
		if m, next, err := e.postNotice(ctx, c, actor, MessageSystemAvatar, body); err == nil {
			notices, c = append(notices, m), next
		} else {
			e.log.Error("chat.group.notice.fail", "conversation_id", c.ID, "err", err)
		}
	}

	e.announceInfo(ctx, c, notices)
	return e.viewFor(ctx, c, actorID), nil
}

func (e *Engine) groupForActor(ctx context.Context, op, conversationID, actorID string) (Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return Conversation{}, opErr(op, ErrInvalidInput, "conversation id is required")
	}
	c, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if c.Kind != KindGroup {
		return Conversation{}, opErr(op, ErrInvalidInput, "not a group conversation")
	}
	if !c.HasParticipant(actorID) {
		return Conversation{}, opErr(op, ErrUnauthorized, "not a participant")
	}
	return c, nil
}

// postMembership persists a typed membership message sent by actor.
func (e *Engine) postMembership(ctx context.Context, c Conversation, actor Participant, meta SystemMeta) (Message, Conversation, error) {
	m, err := e.draft(ctx, c, &actor, kindFor(meta.Event), fallbackBody(meta.Event))
	if err != nil {
		return Message{}, Conversation{}, err
	}
	m.System = &meta
	c, err = e.persist(ctx, c, m)
	if err != nil {
		return Message{}, Conversation{}, err
	}
	return m, c, nil
}

func (e *Engine) postNotice(ctx context.Context, c Conversation, actor Participant, kind MessageKind, body string) (Message, Conversation, error) {
	m, err := e.draft(ctx, c, &actor, kind, body)
	if err != nil {
		return Message{}, Conversation{}, err
	}
	c, err = e.persist(ctx, c, m)
	if err != nil {
		return Message{}, Conversation{}, err
	}
	return m, c, nil
}

// announceGroup sends new-group-conversation to each of userIDs with their own view.
func (e *Engine) announceGroup(ctx context.Context, c Conversation, userIDs []string) {
	if e.fanout == nil || len(userIDs) == 0 {
		return
	}
	unread := e.unreadFor(ctx, c, userIDs)
	e.fanout.Personalized(ctx, userIDs, eventNewGroupConversation, func(viewerID string) (any, bool) {
		return ProjectConversation(c, viewerID, unread[viewerID]), true
	})
}

// announceInfo routes group-info-updated to connections viewing the group and
// conversation-updated to every other live connection of its members.
func (e *Engine) announceInfo(ctx context.Context, c Conversation, notices []Message) {
	if e.fanout == nil {
		return
	}
	members := c.ParticipantIDs()
	unread := e.unreadFor(ctx, c, members)
	rels := make([]Related, len(notices))
	for i, m := range notices {
		rels[i] = e.related(ctx, m)
	}

	e.fanout.Route(ctx, members, func(rec presence.Record) (string, any, bool) {
		view := ProjectConversation(c, rec.UserID, unread[rec.UserID])
		if rec.ConversationID != c.ID {
			return eventConversationUpdated, ConversationUpdate{ConversationID: c.ID, Conversation: &view}, true
		}
		msgs := make([]View, len(notices))
		for i, m := range notices {
			msgs[i] = Project(m, rec.UserID, rels[i])
		}
		return eventGroupInfoUpdated, GroupInfoUpdate{Conversation: view, Messages: msgs}, true
	})
}

func (e *Engine) notifyRemoved(ctx context.Context, conversationID string, userIDs []string) {
	if e.fanout == nil || len(userIDs) == 0 {
		return
	}
	e.fanout.Uniform(ctx, userIDs, eventConversationUpdated, ConversationUpdate{
		ConversationID: conversationID,
		Removed:        true,
	})
}

func (e *Engine) viewFor(ctx context.Context, c Conversation, userID string) ConversationView {
	unread := e.unreadFor(ctx, c, []string{userID})
	return ProjectConversation(c, userID, unread[userID])
}

func snapshots(ids []string, profiles map[string]profile.Profile) []Participant {
	out := make([]Participant, 0, len(ids))
	for _, id := range ids {
		p := SnapshotOf(profiles[id])
		p.UserID = id
		out = append(out, p)
	}
	return out
}
