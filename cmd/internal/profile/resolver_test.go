package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type slowDirectory struct {
	delay time.Duration
	inner Directory
}

func (d slowDirectory) GetProfile(ctx context.Context, userID string) (Profile, error) {
	select {
	case <-ctx.Done():
		return Profile{}, ctx.Err()
	case <-time.After(d.delay):
	}
	return d.inner.GetProfile(ctx, userID)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestResolver_TimeoutDegradesToPlaceholder(t *testing.T) {
	t.Parallel()

	dir := slowDirectory{delay: 200 * time.Millisecond, inner: NewStaticDirectory(Profile{UserID: "u1", FirstName: "Ann"})}
	r := NewResolver(dir, quietLogger(), WithLookupTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := r.Get(context.Background(), "u1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("get: expected ErrUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("get: lookup not bounded, took %v", elapsed)
	}

	p := r.GetOrPlaceholder(context.Background(), "u1")
	if p.UserID != "u1" || p.DisplayName() != "Unknown User" {
		t.Fatalf("placeholder: unexpected %+v", p)
	}
}

func TestResolver_ManyIsolatesFailures(t *testing.T) {
	t.Parallel()

	dir := NewStaticDirectory(
		Profile{UserID: "u1", FirstName: "Ann", LastName: "Lee"},
		Profile{UserID: "u3", Username: "cid"},
	)
	r := NewResolver(dir, quietLogger())

	got := r.Many(context.Background(), []string{"u1", "u2", "u3"})
	if len(got) != 3 {
		t.Fatalf("many: expected 3 entries got %d", len(got))
	}
	if got["u1"].DisplayName() != "Ann Lee" {
		t.Fatalf("many: u1 name=%q", got["u1"].DisplayName())
	}
	if got["u2"].DisplayName() != "Unknown User" {
		t.Fatalf("many: u2 expected placeholder, got %+v", got["u2"])
	}
	if got["u3"].DisplayName() != "cid" {
		t.Fatalf("many: u3 expected username fallback, got %q", got["u3"].DisplayName())
	}
}

func TestResolver_GetAllFailsFast(t *testing.T) {
	t.Parallel()

	r := NewResolver(NewStaticDirectory(Profile{UserID: "u1"}), quietLogger())

	if _, err := r.GetAll(context.Background(), []string{"u1", "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get all: expected ErrNotFound, got %v", err)
	}

	out, err := r.GetAll(context.Background(), []string{"u1"})
	if err != nil || out["u1"].UserID != "u1" {
		t.Fatalf("get all: unexpected out=%v err=%v", out, err)
	}
}
