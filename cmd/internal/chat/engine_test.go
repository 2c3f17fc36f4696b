package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"relay/cmd/internal/fanout"
	"relay/cmd/internal/presence"
	"relay/cmd/internal/profile"
	"relay/cmd/internal/reaction"
)

type captured struct {
	event   string
	payload []byte
}

type captureEmitter struct {
	mu  sync.Mutex
	got map[string][]captured
}

func (e *captureEmitter) Emit(_ context.Context, connectionID, event string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.got == nil {
		e.got = make(map[string][]captured)
	}
	e.got[connectionID] = append(e.got[connectionID], captured{event: event, payload: payload})
	return nil
}

func (e *captureEmitter) events(connectionID, event string) []captured {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []captured
	for _, c := range e.got[connectionID] {
		if c.event == event {
			out = append(out, c)
		}
	}
	return out
}

// switchDirectory fails lookups for users marked down.
type switchDirectory struct {
	profile.Directory

	mu   sync.Mutex
	down map[string]bool
}

func (d *switchDirectory) setDown(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down == nil {
		d.down = make(map[string]bool)
	}
	d.down[userID] = true
}

func (d *switchDirectory) GetProfile(ctx context.Context, userID string) (profile.Profile, error) {
	d.mu.Lock()
	down := d.down[userID]
	d.mu.Unlock()
	if down {
		return profile.Profile{}, profile.ErrUnavailable
	}
	return d.Directory.GetProfile(ctx, userID)
}

type harness struct {
	eng   *Engine
	store *MemoryStore
	reg   *presence.Registry
	em    *captureEmitter
	dir   *switchDirectory
}

func newHarness(t *testing.T, extra ...profile.Profile) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := &switchDirectory{Directory: profile.NewStaticDirectory(append([]profile.Profile{
		{UserID: "amy", Username: "amy", FirstName: "Amy", LastName: "Adams"},
		{UserID: "ben", Username: "ben", FirstName: "Ben", LastName: "Brown"},
		{UserID: "cal", Username: "cal", FirstName: "Cal", LastName: "Cole"},
	}, extra...)...)}
	profiles := profile.NewResolver(dir, log)
	reg := presence.NewRegistry(presence.NewMemoryStore(), log)
	em := &captureEmitter{}
	store := NewMemoryStore()

	eng, err := New(Deps{
		Store:     store,
		Sessions:  reg,
		Profiles:  profiles,
		Reactions: reaction.NewAggregator(reaction.NewMemoryStore(), profiles),
		Fanout:    fanout.New(reg, em, log),
		Log:       log,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{eng: eng, store: store, reg: reg, em: em, dir: dir}
}

func (h *harness) connect(t *testing.T, connectionID, userID string) {
	t.Helper()
	if _, err := h.reg.Connect(context.Background(), connectionID, userID); err != nil {
		t.Fatalf("connect %s: %v", connectionID, err)
	}
}

func (h *harness) group(t *testing.T, members ...string) string {
	t.Helper()
	v, err := h.eng.CreateGroup(context.Background(), "amy", "Crew", members, "")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	return v.ID
}

func readerIDs(m Message) string {
	out := make([]string, len(m.Readers))
	for i, p := range m.Readers {
		out[i] = p.UserID
	}
	return strings.Join(out, ",")
}

func TestEngine_DirectSendSeenWhenPeerViewing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	conv, err := h.eng.CreateDirect(ctx, "amy", "ben")
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	again, err := h.eng.CreateDirect(ctx, "ben", "amy")
	if err != nil || again.ID != conv.ID {
		t.Fatalf("create direct: expected dedupe to %s got %s err=%v", conv.ID, again.ID, err)
	}

	hi, err := h.eng.Send(ctx, conv.ID, "amy", "hi", "")
	if err != nil {
		t.Fatalf("send hi: %v", err)
	}
	if hi.Status != StatusSent || readerIDs(hi) != "amy" || hi.Reader != nil {
		t.Fatalf("send offline: expected SENT readers=[amy], got %s readers=[%s]", hi.Status, readerIDs(hi))
	}

	h.connect(t, "b-1", "ben")
	if err := h.reg.Enter(ctx, "b-1", conv.ID); err != nil {
		t.Fatalf("enter: %v", err)
	}

	there, err := h.eng.Send(ctx, conv.ID, "amy", "there", "")
	if err != nil {
		t.Fatalf("send there: %v", err)
	}
	if there.Status != StatusSeen || readerIDs(there) != "amy,ben" {
		t.Fatalf("send viewing: expected SEEN readers=[amy,ben], got %s readers=[%s]", there.Status, readerIDs(there))
	}
	if there.Reader == nil || there.Reader.UserID != "ben" || there.ReadDate.IsZero() {
		t.Fatalf("send viewing: expected reader=ben with readDate, got %+v", there.Reader)
	}

	got := h.em.events("b-1", eventMessage)
	if len(got) != 1 {
		t.Fatalf("fanout: expected one message event for ben, got %d", len(got))
	}
	var v View
	if err := json.Unmarshal(got[0].payload, &v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if v.Message != "there" || v.IsMine {
		t.Fatalf("fanout: unexpected view for ben %+v", v)
	}

	list, err := h.eng.ListConversations(ctx, "ben")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: expected one conversation, got %d err=%v", len(list), err)
	}
	if list[0].UnreadCount != 1 {
		t.Fatalf("list: expected unread=1 (hi), got %d", list[0].UnreadCount)
	}
	if list[0].Name != "Amy Adams" {
		t.Fatalf("list: expected peer name, got %q", list[0].Name)
	}
}

func TestEngine_SendValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	conv, _ := h.eng.CreateDirect(ctx, "amy", "ben")

	if _, err := h.eng.Send(ctx, conv.ID, "cal", "hi", ""); !IsNotFound(err) {
		t.Fatalf("send by outsider: expected not found got %v", err)
	}
	if _, err := h.eng.Send(ctx, conv.ID, "amy", "   ", ""); !IsInvalidInput(err) {
		t.Fatalf("send blank: expected invalid input got %v", err)
	}
	if _, err := h.eng.Send(ctx, conv.ID, "amy", "re", "missing"); !IsNotFound(err) {
		t.Fatalf("send reply to missing: expected not found got %v", err)
	}
	if _, err := h.eng.CreateDirect(ctx, "amy", "ghost"); !IsUpstreamUnavailable(err) {
		t.Fatalf("create direct with unknown profile: expected upstream unavailable got %v", err)
	}
}

func TestEngine_GroupSendSenderIsReader(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.group(t, "ben", "cal")

	m, err := h.eng.Send(ctx, g, "ben", "hello all", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.Status != StatusSent || readerIDs(m) != "ben" {
		t.Fatalf("group send: expected SENT readers=[ben], got %s [%s]", m.Status, readerIDs(m))
	}

	reply, err := h.eng.Send(ctx, g, "cal", "hey", m.ID)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Kind != MessageReply || reply.ReplyToID != m.ID {
		t.Fatalf("reply: expected REPLY to %s, got %s/%s", m.ID, reply.Kind, reply.ReplyToID)
	}
}

func TestEngine_RecallSelfListingPerViewer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	conv, _ := h.eng.CreateDirect(ctx, "amy", "ben")

	m, err := h.eng.Send(ctx, conv.ID, "amy", "oops", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := h.eng.Recall(ctx, m.ID, "ben", RecallSelf); !IsUnauthorized(err) {
		t.Fatalf("recall by non-sender: expected unauthorized got %v", err)
	}
	if _, err := h.eng.Recall(ctx, m.ID, "amy", RecallSelf); err != nil {
		t.Fatalf("recall: %v", err)
	}
	if _, err := h.eng.Recall(ctx, m.ID, "amy", RecallEveryone); !IsConflict(err) {
		t.Fatalf("second recall: expected conflict got %v", err)
	}

	amyList, _ := h.eng.ListConversations(ctx, "amy")
	benList, _ := h.eng.ListConversations(ctx, "ben")
	if lm := amyList[0].LastMessage; lm == nil || lm.Message != RecallPlaceholder || !lm.IsRecalled {
		t.Fatalf("amy listing: expected recalled lastMessage, got %+v", lm)
	}
	if lm := benList[0].LastMessage; lm == nil || lm.Message != "oops" || lm.IsRecalled {
		t.Fatalf("ben listing: expected original lastMessage, got %+v", lm)
	}
}

func TestEngine_EditOnlyBySender(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.group(t, "ben")

	m, _ := h.eng.Send(ctx, g, "amy", "draft", "")
	if _, err := h.eng.Edit(ctx, m.ID, "ben", "hijack"); !IsUnauthorized(err) {
		t.Fatalf("edit by other: expected unauthorized got %v", err)
	}
	edited, err := h.eng.Edit(ctx, m.ID, "amy", "final")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Kind != MessageEdited || edited.Body != "final" {
		t.Fatalf("edit: expected EDITED final, got %s %q", edited.Kind, edited.Body)
	}

	c, _ := h.store.GetConversation(ctx, g)
	if c.LastMessage == nil || c.LastMessage.Body != "final" {
		t.Fatalf("edit: lastMessage not re-synced, got %+v", c.LastMessage)
	}
}

func TestEngine_MarkReadIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.group(t, "ben", "cal")
	h.connect(t, "a-1", "amy")

	m1, _ := h.eng.Send(ctx, g, "amy", "one", "")
	m2, _ := h.eng.Send(ctx, g, "amy", "two", "")

	changed, err := h.eng.MarkRead(ctx, g, "ben")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	seen := map[string]bool{}
	for _, m := range changed {
		seen[m.ID] = true
	}
	if !seen[m1.ID] || !seen[m2.ID] {
		t.Fatalf("mark read: expected both messages changed, got %d", len(changed))
	}

	got, _ := h.store.GetMessage(ctx, m2.ID)
	if readerIDs(got) != "amy,ben" || got.Status != StatusSeen || got.Reader == nil || got.Reader.UserID != "ben" {
		t.Fatalf("mark read: expected readers=[amy,ben] SEEN reader=ben, got [%s] %s", readerIDs(got), got.Status)
	}

	again, err := h.eng.MarkRead(ctx, g, "ben")
	if err != nil || len(again) != 0 {
		t.Fatalf("mark read twice: expected no mutation, got %d err=%v", len(again), err)
	}
	if n := len(h.em.events("a-1", eventMessageStatusUpdate)); n != 1 {
		t.Fatalf("mark read twice: expected one status update, got %d", n)
	}

	_, _ = h.eng.MarkRead(ctx, g, "cal")
	got, _ = h.store.GetMessage(ctx, m2.ID)
	if readerIDs(got) != "amy,ben,cal" || got.Reader.UserID != "ben" {
		t.Fatalf("second reader: expected readers=[amy,ben,cal] reader=ben, got [%s] reader=%s", readerIDs(got), got.Reader.UserID)
	}

	c, _ := h.store.GetConversation(ctx, g)
	if !c.LastMessage.HasReader("cal") {
		t.Fatalf("mark read: lastMessage copy not re-synced")
	}
}

func TestEngine_ReaddedMemberUnread(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.group(t, "ben", "cal")

	steps := []func() error{
		func() error { _, err := h.eng.Send(ctx, g, "amy", "before", ""); return err },
		func() error { _, err := h.eng.RemoveMembers(ctx, g, "amy", []string{"cal"}); return err },
		func() error { _, err := h.eng.Send(ctx, g, "amy", "while away", ""); return err },
		func() error { _, err := h.eng.AddMembers(ctx, g, "amy", []string{"cal"}); return err },
		func() error { _, err := h.eng.Send(ctx, g, "amy", "welcome back", ""); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	calView, err := h.eng.Conversation(ctx, g, "cal")
	if err != nil {
		t.Fatalf("conversation for cal: %v", err)
	}
	if calView.UnreadCount != 1 {
		t.Fatalf("re-added unread: expected 1 got %d", calView.UnreadCount)
	}

	benView, _ := h.eng.Conversation(ctx, g, "ben")
	if benView.UnreadCount != 5 {
		t.Fatalf("ben unread: expected 5 got %d", benView.UnreadCount)
	}
	if benView.LastMessage == nil || benView.LastMessage.Message != "welcome back" {
		t.Fatalf("ben lastMessage: got %+v", benView.LastMessage)
	}
}

func TestEngine_MembershipRules(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.group(t, "ben")
	h.connect(t, "c-1", "cal")

	if _, err := h.eng.AddMembers(ctx, g, "amy", []string{"ben"}); !IsInvalidInput(err) {
		t.Fatalf("add existing: expected invalid input got %v", err)
	}
	if _, err := h.eng.AddMembers(ctx, g, "cal", []string{"cal"}); !IsUnauthorized(err) {
		t.Fatalf("add by outsider: expected unauthorized got %v", err)
	}
	if _, err := h.eng.RemoveMembers(ctx, g, "amy", []string{"ben"}); !IsInvalidInput(err) {
		t.Fatalf("remove below two: expected invalid input got %v", err)
	}
	if _, err := h.eng.RemoveMembers(ctx, g, "amy", []string{"amy"}); !IsInvalidInput(err) {
		t.Fatalf("remove self: expected invalid input got %v", err)
	}

	m, err := h.eng.AddMembers(ctx, g, "amy", []string{"cal"})
	if err != nil {
		t.Fatalf("add cal: %v", err)
	}
	if m.Kind != MessageSystemAddMembers || m.System == nil || !m.System.Targets("cal") {
		t.Fatalf("add cal: expected typed add message, got %+v", m)
	}
	if n := len(h.em.events("c-1", eventNewGroupConversation)); n != 1 {
		t.Fatalf("add cal: expected new-group-conversation for cal, got %d", n)
	}
	msgs := h.em.events("c-1", eventMessage)
	if len(msgs) != 1 || !strings.Contains(string(msgs[0].payload), "You were added to Crew by Amy Adams") {
		t.Fatalf("add cal: expected personalized system message, got %v", msgs)
	}

	if _, err := h.eng.LeaveGroup(ctx, g, "cal"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	c, _ := h.store.GetConversation(ctx, g)
	if c.HasParticipant("cal") || c.ParticipantsHash != ParticipantsHash([]string{"amy", "ben"}) {
		t.Fatalf("leave: membership or hash not updated: %v", c.ParticipantIDs())
	}
	if n := len(h.em.events("c-1", eventConversationUpdated)); n != 1 {
		t.Fatalf("leave: expected removal notice for cal, got %d", n)
	}
}

func TestEngine_PinEmitsSystemMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.group(t, "ben")

	m, _ := h.eng.Send(ctx, g, "ben", "important", "")
	if _, err := h.eng.Unpin(ctx, m.ID, "amy"); !IsConflict(err) {
		t.Fatalf("unpin unpinned: expected conflict got %v", err)
	}
	pinned, err := h.eng.Pin(ctx, m.ID, "amy")
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	if !pinned.IsPinned() || pinned.Pin.By != "amy" {
		t.Fatalf("pin: expected pinned by amy, got %+v", pinned.Pin)
	}
	if _, err := h.eng.Pin(ctx, m.ID, "amy"); !IsConflict(err) {
		t.Fatalf("pin twice: expected conflict got %v", err)
	}

	last, _ := h.store.LatestMessage(ctx, g)
	if last.Kind != MessageSystem || last.Body != "Amy Adams pinned a message" {
		t.Fatalf("pin notice: got %s %q", last.Kind, last.Body)
	}
}

func TestEngine_MediaAndDelete(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	conv, _ := h.eng.CreateDirect(ctx, "amy", "ben")
	h.connect(t, "b-1", "ben")

	m, err := h.eng.SendMedia(ctx, conv.ID, "amy", Media{URL: "https://cdn/p.png", Type: "image/png"}, "", "")
	if err != nil {
		t.Fatalf("send media: %v", err)
	}
	if m.Kind != MessageImage {
		t.Fatalf("send media: expected IMAGE got %s", m.Kind)
	}
	notice, _ := h.store.LatestMessage(ctx, conv.ID)
	if notice.Kind != MessageSystemFile || notice.Body != "Amy Adams uploaded an image" {
		t.Fatalf("media notice: got %s %q", notice.Kind, notice.Body)
	}

	if err := h.eng.DeleteMedia(ctx, m.ID, "ben"); !IsUnauthorized(err) {
		t.Fatalf("delete by other: expected unauthorized got %v", err)
	}
	if err := h.eng.DeleteMedia(ctx, notice.ID, "amy"); !IsInvalidInput(err) {
		t.Fatalf("delete non-media: expected invalid input got %v", err)
	}
	if err := h.eng.DeleteMedia(ctx, m.ID, "amy"); err != nil {
		t.Fatalf("delete media: %v", err)
	}
	if _, err := h.store.GetMessage(ctx, m.ID); !IsNotFound(err) {
		t.Fatalf("delete media: message still present")
	}
	if n := len(h.em.events("b-1", eventMessageDeleted)); n != 1 {
		t.Fatalf("delete media: expected one message-deleted, got %d", n)
	}

	cases := map[string]MessageKind{
		"video/mp4":       MessageVideo,
		"audio/ogg":       MessageAudio,
		"application/pdf": MessageDocument,
		"text/plain":      MessageDocument,
		"x-unknown/thing": MessageFile,
	}
	for mime, want := range cases {
		if got := MediaKind(mime); got != want {
			t.Fatalf("media kind %s: expected %s got %s", mime, want, got)
		}
	}
}

func TestEngine_ReactionUpdatePerViewer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	conv, _ := h.eng.CreateDirect(ctx, "amy", "ben")
	h.connect(t, "a-1", "amy")
	h.connect(t, "b-1", "ben")

	m, _ := h.eng.Send(ctx, conv.ID, "ben", "lunch?", "")
	for want := 1; want <= 2; want++ {
		n, err := h.eng.React(ctx, m.ID, "amy", "👍")
		if err != nil || n != want {
			t.Fatalf("react #%d: expected %d got %d err=%v", want, want, n, err)
		}
	}
	if _, err := h.eng.React(ctx, m.ID, "cal", "👍"); !IsUnauthorized(err) {
		t.Fatalf("react by outsider: expected unauthorized got %v", err)
	}
	if _, err := h.eng.React(ctx, m.ID, "amy", " "); !IsInvalidInput(err) {
		t.Fatalf("react blank icon: expected invalid input got %v", err)
	}

	decode := func(c captured) ReactionUpdate {
		var u ReactionUpdate
		if err := json.Unmarshal(c.payload, &u); err != nil {
			t.Fatalf("decode reaction update: %v", err)
		}
		return u
	}
	forAmy := h.em.events("a-1", eventReactionUpdate)
	forBen := h.em.events("b-1", eventReactionUpdate)
	if len(forAmy) != 2 || len(forBen) != 2 {
		t.Fatalf("reaction fanout: expected 2 events each, got %d/%d", len(forAmy), len(forBen))
	}
	a, b := decode(forAmy[1]), decode(forBen[1])
	if !a.Reactions[0].ReactedByMe || a.Reactions[0].MyCount != 2 {
		t.Fatalf("reaction for amy: expected reactedByMe count=2, got %+v", a.Reactions[0])
	}
	if b.Reactions[0].ReactedByMe || b.Reactions[0].TotalCount != 2 {
		t.Fatalf("reaction for ben: expected not reactedByMe total=2, got %+v", b.Reactions[0])
	}

	on, _ := h.eng.ToggleReaction(ctx, m.ID, "ben", "🎉")
	off, _ := h.eng.ToggleReaction(ctx, m.ID, "ben", "🎉")
	if !on || off {
		t.Fatalf("toggle: expected true then false, got %v %v", on, off)
	}
}

func TestEngine_EditGroupInfoRoutesByViewing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.group(t, "ben")
	h.connect(t, "a-1", "amy")
	h.connect(t, "b-1", "ben")
	if err := h.reg.Enter(ctx, "a-1", g); err != nil {
		t.Fatalf("enter: %v", err)
	}

	name := "Crew 2"
	v, err := h.eng.EditGroupInfo(ctx, g, "amy", &name, nil)
	if err != nil {
		t.Fatalf("edit group info: %v", err)
	}
	if v.Name != "Crew 2" {
		t.Fatalf("edit group info: expected renamed view, got %q", v.Name)
	}

	if n := len(h.em.events("a-1", eventGroupInfoUpdated)); n != 1 {
		t.Fatalf("viewer: expected group-info-updated, got %d", n)
	}
	if n := len(h.em.events("b-1", eventConversationUpdated)); n != 1 {
		t.Fatalf("non-viewer: expected conversation-updated, got %d", n)
	}

	last, _ := h.store.LatestMessage(ctx, g)
	if last.Kind != MessageSystemGroupName || last.Body != `Amy Adams changed group name from "Crew" to "Crew 2"` {
		t.Fatalf("rename notice: got %s %q", last.Kind, last.Body)
	}
}

func TestEngine_HistoryProjectsPerViewer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.group(t, "ben")

	m, _ := h.eng.Send(ctx, g, "amy", "first", "")
	_, _ = h.eng.Send(ctx, g, "ben", "reply", m.ID)
	_, _ = h.eng.Recall(ctx, m.ID, "amy", RecallEveryone)

	page, err := h.eng.History(ctx, g, "ben", HistoryQuery{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Messages) != 3 || page.HasMore {
		t.Fatalf("history: expected welcome + 2 messages, got %d more=%v", len(page.Messages), page.HasMore)
	}
	if got := page.Messages[1]; got.Message != RecallPlaceholder || !got.IsRecalled {
		t.Fatalf("history: expected recalled first message, got %+v", got)
	}
	if got := page.Messages[2]; got.ReplyTo == nil || !got.ReplyTo.IsRecalled || !got.IsMine {
		t.Fatalf("history: expected ben's reply with recalled preview, got %+v", got)
	}

	if _, err := h.eng.History(ctx, g, "cal", HistoryQuery{}); !IsNotFound(err) {
		t.Fatalf("history by outsider: expected not found got %v", err)
	}
}

func TestEngine_Forward(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	direct, _ := h.eng.CreateDirect(ctx, "amy", "ben")
	g := h.group(t, "cal")

	m, _ := h.eng.Send(ctx, direct.ID, "ben", "pass it on", "")
	fwd, err := h.eng.Forward(ctx, m.ID, g, "amy")
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if fwd.ConversationID != g || fwd.Body != "pass it on" || fwd.SenderID() != "amy" || fwd.Kind != MessageText {
		t.Fatalf("forward: unexpected copy %+v", fwd)
	}
	if _, err := h.eng.Forward(ctx, m.ID, g, "ben"); !IsNotFound(err) {
		t.Fatalf("forward into foreign conversation: expected not found got %v", err)
	}

	// ben hides his message from himself only; amy still sees and may forward it.
	if _, err := h.eng.Recall(ctx, m.ID, "ben", RecallSelf); err != nil {
		t.Fatalf("recall self: %v", err)
	}
	fwd, err = h.eng.Forward(ctx, m.ID, g, "amy")
	if err != nil {
		t.Fatalf("forward after self recall: %v", err)
	}
	if fwd.Body != "pass it on" || fwd.IsRecalled() {
		t.Fatalf("forward after self recall: expected original body, got %+v", fwd)
	}
	if _, err := h.eng.Forward(ctx, m.ID, direct.ID, "ben"); !IsConflict(err) {
		t.Fatalf("forward by recaller: expected conflict got %v", err)
	}

	other, _ := h.eng.Send(ctx, direct.ID, "ben", "gone", "")
	_, _ = h.eng.Recall(ctx, other.ID, "ben", RecallEveryone)
	if _, err := h.eng.Forward(ctx, other.ID, g, "amy"); !IsConflict(err) {
		t.Fatalf("forward after everyone recall: expected conflict got %v", err)
	}
}

func TestEngine_SendAbortsWithoutSenderProfile(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	conv, _ := h.eng.CreateDirect(ctx, "amy", "ben")
	h.connect(t, "b-1", "ben")
	before, _, _ := h.store.ListMessages(ctx, conv.ID, HistoryQuery{Limit: 200})

	h.dir.setDown("amy")

	if _, err := h.eng.Send(ctx, conv.ID, "amy", "hello?", ""); Code(err) != "upstream_unavailable" {
		t.Fatalf("send: expected upstream_unavailable got %v", err)
	}
	media := Media{URL: "https://cdn/x.png", Type: "image/png", FileName: "x.png", Size: 10}
	if _, err := h.eng.SendMedia(ctx, conv.ID, "amy", media, "", ""); !IsUpstreamUnavailable(err) {
		t.Fatalf("send media: expected upstream unavailable got %v", err)
	}

	after, _, _ := h.store.ListMessages(ctx, conv.ID, HistoryQuery{Limit: 200})
	if len(after) != len(before) {
		t.Fatalf("history: expected %d messages got %d", len(before), len(after))
	}
	if n := len(h.em.events("b-1", eventMessage)); n != 0 {
		t.Fatalf("fanout: expected no message events got %d", n)
	}
	c, _ := h.store.GetConversation(ctx, conv.ID)
	if c.LastMessage == nil || c.LastMessage.ID != c.BootstrapMessageID {
		t.Fatalf("lastMessage: expected bootstrap message, got %+v", c.LastMessage)
	}
}

func TestEngine_RecallFanoutPerViewer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	g := h.group(t, "ben")
	h.connect(t, "a-1", "amy")
	h.connect(t, "b-1", "ben")

	decode := func(c captured) View {
		var v View
		if err := json.Unmarshal(c.payload, &v); err != nil {
			t.Fatalf("decode recall event: %v", err)
		}
		return v
	}

	self, _ := h.eng.Send(ctx, g, "amy", "secret plan", "")
	if _, err := h.eng.Recall(ctx, self.ID, "amy", RecallSelf); err != nil {
		t.Fatalf("recall self: %v", err)
	}
	forAmy := h.em.events("a-1", eventMessageRecalled)
	forBen := h.em.events("b-1", eventMessageRecalled)
	if len(forAmy) != 1 || len(forBen) != 1 {
		t.Fatalf("self recall fanout: expected 1 event each, got %d/%d", len(forAmy), len(forBen))
	}
	if v := decode(forAmy[0]); v.Message != RecallPlaceholder || !v.IsRecalled {
		t.Fatalf("self recall for recaller: expected placeholder, got %q recalled=%v", v.Message, v.IsRecalled)
	}
	if v := decode(forBen[0]); v.Message != "secret plan" || v.IsRecalled {
		t.Fatalf("self recall for ben: expected original, got %q recalled=%v", v.Message, v.IsRecalled)
	}

	all, _ := h.eng.Send(ctx, g, "amy", "oops", "")
	if _, err := h.eng.Recall(ctx, all.ID, "amy", RecallEveryone); err != nil {
		t.Fatalf("recall everyone: %v", err)
	}
	for _, conn := range []string{"a-1", "b-1"} {
		got := h.em.events(conn, eventMessageRecalled)
		if len(got) != 2 {
			t.Fatalf("everyone recall fanout %s: expected 2 events got %d", conn, len(got))
		}
		if v := decode(got[1]); v.ID != all.ID || v.Message != RecallPlaceholder || !v.IsRecalled {
			t.Fatalf("everyone recall for %s: expected placeholder, got %+v", conn, v)
		}
	}
}

func TestEngine_CreateDirectIgnoresForeignHashHit(t *testing.T) {
	t.Parallel()

	h := newHarness(t,
		profile.Profile{UserID: "a_b", Username: "a_b"},
		profile.Profile{UserID: "c", Username: "c"},
		profile.Profile{UserID: "a", Username: "a"},
		profile.Profile{UserID: "b_c", Username: "b_c"},
	)
	ctx := context.Background()

	first, err := h.eng.CreateDirect(ctx, "a_b", "c")
	if err != nil {
		t.Fatalf("create direct a_b/c: %v", err)
	}
	if _, err := h.eng.Send(ctx, first.ID, "a_b", "between a_b and c", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := h.eng.CreateDirect(ctx, "a", "b_c")
	if err != nil {
		t.Fatalf("create direct a/b_c: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("create direct: a/b_c received the a_b/c conversation")
	}
	if second.LastMessage != nil && second.LastMessage.Message == "between a_b and c" {
		t.Fatalf("create direct: leaked last message %+v", second.LastMessage)
	}

	// A stored conversation whose hash names another pair is never handed out.
	hash := ParticipantsHash([]string{"amy", "ben"})
	foreign := Conversation{
		ID:               "foreign",
		Kind:             KindDirect,
		Participants:     []Participant{ben, cal},
		ParticipantsHash: hash,
	}
	if err := h.store.CreateConversation(ctx, foreign); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if v, err := h.eng.CreateDirect(ctx, "amy", "ben"); !IsConflict(err) {
		t.Fatalf("create direct on foreign hash hit: expected conflict got view=%+v err=%v", v, err)
	}
}
