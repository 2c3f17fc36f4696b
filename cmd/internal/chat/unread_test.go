package chat

import "testing"

func msgFrom(id string, sender *Participant, readers ...Participant) Message {
	return Message{ID: id, Sender: sender, Kind: MessageText, Status: StatusSent, Readers: readers}
}

func TestUnreadCount_Group(t *testing.T) {
	t.Parallel()

	a, b := amy, ben
	c := Conversation{ID: "g", Kind: KindGroup, BootstrapMessageID: "welcome"}

	readByCal := msgFrom("m2", &a, amy, cal)
	readByCal.Status = StatusSeen

	addCal := msgFrom("add", &a, amy)
	addCal.Kind = MessageSystemAddMembers
	addCal.System = &SystemMeta{Event: SystemMembersAdded, ActorID: "amy", TargetIDs: []string{"cal"}}

	msgs := []Message{
		{ID: "welcome", Kind: MessageSystem, Status: StatusSent},
		msgFrom("m1", &a, amy),
		readByCal,
		msgFrom("m3", &b, ben),
	}

	if got := UnreadCount(c, msgs, "cal"); got != 2 {
		t.Fatalf("unread before re-add: expected 2 got %d", got)
	}
	// A message from cal never counts for cal.
	cc := cal
	if got := UnreadCount(c, append(msgs, msgFrom("m4", &cc, cal)), "cal"); got != 2 {
		t.Fatalf("unread with own message: expected 2 got %d", got)
	}

	withReadd := append(append([]Message{}, msgs...), addCal, msgFrom("m5", &a, amy), msgFrom("m6", &b, ben, amy))
	if got := UnreadCount(c, withReadd, "cal"); got != 2 {
		t.Fatalf("unread after re-add: expected only m5 and m6, got %d", got)
	}
	if got := UnreadCount(c, withReadd, "ben"); got != 4 {
		t.Fatalf("unread for ben: expected m1 m2 add m5, got %d", got)
	}
}

func TestUnreadCount_Direct(t *testing.T) {
	t.Parallel()

	a := amy
	c := Conversation{ID: "d", Kind: KindDirect, BootstrapMessageID: "boot"}

	seen := msgFrom("m2", &a, amy, ben)
	seen.Status = StatusSeen

	msgs := []Message{
		{ID: "boot", Kind: MessageSystem, Status: StatusSent},
		msgFrom("m1", &a, amy),
		seen,
		msgFrom("m3", &a, amy),
	}
	if got := UnreadCount(c, msgs, "ben"); got != 2 {
		t.Fatalf("direct unread: expected 2 got %d", got)
	}
	if got := UnreadCount(c, msgs, "amy"); got != 0 {
		t.Fatalf("direct unread for sender: expected 0 got %d", got)
	}
}
