package reaction

import "relay/cmd/internal/profile"

// Reactor is one user's contribution to an icon, with display info.
type Reactor struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar,omitempty"`
	Count     int    `json:"count"`
}

// Summary is the per-icon aggregate as seen by one viewer.
type Summary struct {
	Icon        string         `json:"icon"`
	TotalCount  int            `json:"count"`
	UserIDs     []string       `json:"userIds"`
	ReactedByMe bool           `json:"reactedByMe"`
	MyCount     int            `json:"myReactionCount"`
	UserCounts  map[string]int `json:"userReactionCounts"`
	Users       []Reactor      `json:"users"`
}

// Snapshot is the viewer-independent reaction state of one message.
type Snapshot struct {
	MessageID string
	Entries   []Entry
	Profiles  map[string]profile.Profile
}

// For renders the snapshot for viewerID. Icons keep first-reaction order.
// It performs no I/O; reactors missing from Profiles render as placeholders.
func (s Snapshot) For(viewerID string) []Summary {
	if len(s.Entries) == 0 {
		return []Summary{}
	}

	order := make([]string, 0, 4)
	byIcon := make(map[string]*Summary, 4)

	for _, e := range s.Entries {
		sum, ok := byIcon[e.Icon]
		if !ok {
			sum = &Summary{Icon: e.Icon, UserCounts: make(map[string]int)}
			byIcon[e.Icon] = sum
			order = append(order, e.Icon)
		}

		sum.TotalCount += e.Count
		if _, seen := sum.UserCounts[e.UserID]; !seen {
			sum.UserIDs = append(sum.UserIDs, e.UserID)
		}
		sum.UserCounts[e.UserID] += e.Count

		if e.UserID == viewerID {
			sum.ReactedByMe = true
			sum.MyCount += e.Count
		}
	}

	out := make([]Summary, 0, len(order))
	for _, icon := range order {
		sum := byIcon[icon]
		sum.Users = make([]Reactor, 0, len(sum.UserIDs))
		for _, uid := range sum.UserIDs {
			p, ok := s.Profiles[uid]
			if !ok {
				p = profile.Placeholder(uid)
			}
			sum.Users = append(sum.Users, Reactor{
				UserID:    uid,
				Username:  p.Username,
				FirstName: p.FirstName,
				LastName:  p.LastName,
				Avatar:    p.Avatar,
				Count:     sum.UserCounts[uid],
			})
		}
		out = append(out, *sum)
	}
	return out
}
