package chat

// UnreadCount counts what viewerID has not read in c. msgs must be in log order;
// messages sent by the viewer are ignored, so callers may pass a pre-filtered set.
//
// GROUP: everything up to and including the latest add event naming the viewer is
// skipped (re-adding resets history), then messages whose readers lack the viewer
// count, except the conversation's bootstrap message.
//
// DIRECT: messages whose status is not SEEN count, except the bootstrap message.
func UnreadCount(c Conversation, msgs []Message, viewerID string) int {
	start := 0
	if c.Kind == KindGroup {
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			if m.Kind == MessageSystemAddMembers && m.System != nil && m.System.Targets(viewerID) {
				start = i + 1
				break
			}
		}
	}

	n := 0
	for _, m := range msgs[start:] {
		if m.SenderID() == viewerID && viewerID != "" {
			continue
		}
		if c.BootstrapMessageID != "" && m.ID == c.BootstrapMessageID {
			continue
		}

		switch c.Kind {
		case KindGroup:
			if !m.HasReader(viewerID) {
				n++
			}
		default:
			if m.Status != StatusSeen {
				n++
			}
		}
	}
	return n
}
