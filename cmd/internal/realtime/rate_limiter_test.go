package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, 3*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 3 {
		if !rl.Allow(now) {
			t.Fatalf("allow %d: expected true within burst", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("allow: expected false after burst")
	}
	if !rl.Allow(now.Add(time.Second)) {
		t.Fatalf("allow: expected one token refilled after 1s")
	}
	if rl.Allow(now.Add(time.Second)) {
		t.Fatalf("allow: expected only one refilled token")
	}
}

func TestRateLimiter_InvalidInputsUseDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	now := time.Now()
	for i := range rateLimitEvents {
		if !rl.Allow(now) {
			t.Fatalf("allow %d: expected default burst of %d", i, rateLimitEvents)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("allow: expected default burst to be exhausted")
	}
}
