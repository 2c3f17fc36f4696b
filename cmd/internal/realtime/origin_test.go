package realtime

import (
	"net/http/httptest"
	"slices"
	"testing"
)

func TestOriginPolicy_Check(t *testing.T) {
	t.Parallel()

	p := OriginPolicy{Required: true, Allowed: []string{"http://localhost:3000", "https://chat.example.com"}}

	cases := []struct {
		origin string
		ok     bool
	}{
		{"http://localhost:3000", true},
		{"http://localhost:5173", true},
		{"https://CHAT.example.com", true},
		{"https://evil.example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if err := p.check(r); (err == nil) != tc.ok {
			t.Fatalf("check %q: expected ok=%v got err=%v", tc.origin, tc.ok, err)
		}
	}

	r := httptest.NewRequest("GET", "/ws", nil)
	if err := (OriginPolicy{}).check(r); err != nil {
		t.Fatalf("check optional: expected missing origin allowed, got %v", err)
	}
}

func TestOriginPolicy_Patterns(t *testing.T) {
	t.Parallel()

	p := OriginPolicy{Allowed: []string{"https://b.example.com", "*", "http://localhost:3000", "localhost:8080"}}
	want := []string{"b.example.com", "localhost"}
	if got := p.patterns(); !slices.Equal(got, want) {
		t.Fatalf("patterns: expected %v got %v", want, got)
	}
}
