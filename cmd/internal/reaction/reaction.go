// Package reaction aggregates per-message reactions: one row per
// (message, user, icon) with a count, summarized per icon for a given viewer.
package reaction

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"relay/cmd/internal/profile"
)

const maxIconBytes = 64

var ErrInvalidIcon = errors.New("reaction: invalid icon")

// Entry is one (message, user, icon) row.
type Entry struct {
	MessageID string
	UserID    string
	Icon      string
	Count     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists reaction rows. Each method is atomic for its (message, user, icon) key.
type Store interface {
	// Increment bumps an existing row or creates it with count=1.
	Increment(ctx context.Context, messageID, userID, icon string, at time.Time) (Entry, error)
	// Toggle deletes the row if present, otherwise creates it. Returns whether the row exists afterwards.
	Toggle(ctx context.Context, messageID, userID, icon string, at time.Time) (bool, error)
	// Remove deletes the row outright. Returns whether a row was deleted.
	Remove(ctx context.Context, messageID, userID, icon string) (bool, error)
	// List returns every row of a message ordered by creation.
	List(ctx context.Context, messageID string) ([]Entry, error)
	DeleteByMessage(ctx context.Context, messageID string) error
}

// Profiles enriches reactors; failed lookups must come back as placeholders.
type Profiles interface {
	Many(ctx context.Context, userIDs []string) map[string]profile.Profile
}

// Aggregator is the reaction entry point used by the message engine.
type Aggregator struct {
	store    Store
	profiles Profiles
	now      func() time.Time
}

// NewAggregator constructs an Aggregator. A nil store falls back to NewMemoryStore.
func NewAggregator(store Store, profiles Profiles) *Aggregator {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Aggregator{
		store:    store,
		profiles: profiles,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Add increments the viewer's count for icon and returns the new count.
func (a *Aggregator) Add(ctx context.Context, messageID, userID, icon string) (int, error) {
	icon, err := normalizeIcon(icon)
	if err != nil {
		return 0, err
	}
	e, err := a.store.Increment(ctx, messageID, userID, icon, a.now())
	if err != nil {
		return 0, err
	}
	return e.Count, nil
}

// Toggle creates the row if absent and deletes it if present.
func (a *Aggregator) Toggle(ctx context.Context, messageID, userID, icon string) (bool, error) {
	icon, err := normalizeIcon(icon)
	if err != nil {
		return false, err
	}
	return a.store.Toggle(ctx, messageID, userID, icon, a.now())
}

// Remove deletes the row regardless of its count.
func (a *Aggregator) Remove(ctx context.Context, messageID, userID, icon string) (bool, error) {
	icon, err := normalizeIcon(icon)
	if err != nil {
		return false, err
	}
	return a.store.Remove(ctx, messageID, userID, icon)
}

// Forget drops every reaction of a deleted message.
func (a *Aggregator) Forget(ctx context.Context, messageID string) error {
	return a.store.DeleteByMessage(ctx, messageID)
}

// Load reads the rows of a message and resolves reactor profiles once, so the
// result can be rendered for any number of viewers without further I/O.
func (a *Aggregator) Load(ctx context.Context, messageID string) (Snapshot, error) {
	entries, err := a.store.List(ctx, messageID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{MessageID: messageID, Entries: entries}
	if len(entries) == 0 {
		return snap, nil
	}

	ids := distinctUsers(entries)
	if a.profiles != nil {
		snap.Profiles = a.profiles.Many(ctx, ids)
	}
	return snap, nil
}

// Summarize is Load followed by Snapshot.For.
func (a *Aggregator) Summarize(ctx context.Context, messageID, viewerID string) ([]Summary, error) {
	snap, err := a.Load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return snap.For(viewerID), nil
}

func normalizeIcon(icon string) (string, error) {
	icon = strings.TrimSpace(icon)
	if icon == "" || len(icon) > maxIconBytes || !utf8.ValidString(icon) {
		return "", ErrInvalidIcon
	}
	return icon, nil
}

func distinctUsers(entries []Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.UserID]; ok {
			continue
		}
		seen[e.UserID] = struct{}{}
		out = append(out, e.UserID)
	}
	return out
}
