// Package profile adapts the external profile directory used to snapshot sender,
// participant and reactor display information.
package profile

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrNotFound    = errors.New("profile: not found")
	ErrUnavailable = errors.New("profile: directory unavailable")
)

// Profile is the display information the directory returns for one user.
type Profile struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar,omitempty"`
}

// DisplayName returns "First Last", falling back to the username.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name != "" {
		return name
	}
	return strings.TrimSpace(p.Username)
}

// Placeholder is substituted when a lookup fails on a read path.
func Placeholder(userID string) Profile {
	return Profile{
		UserID:    userID,
		Username:  "unknown",
		FirstName: "Unknown",
		LastName:  "User",
	}
}

// Directory looks up one profile by user id.
type Directory interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
}

// StaticDirectory is an in-memory Directory for development and tests.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStaticDirectory seeds a StaticDirectory.
func NewStaticDirectory(profiles ...Profile) *StaticDirectory {
	d := &StaticDirectory{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.UserID] = p
	}
	return d
}

// Put adds or replaces a profile.
func (d *StaticDirectory) Put(p Profile) {
	d.mu.Lock()
	d.profiles[p.UserID] = p
	d.mu.Unlock()
}

func (d *StaticDirectory) GetProfile(ctx context.Context, userID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	d.mu.RLock()
	p, ok := d.profiles[userID]
	d.mu.RUnlock()

	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}
