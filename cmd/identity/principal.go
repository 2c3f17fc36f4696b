package identity

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Principal is the authenticated actor behind a connection.
type Principal struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Verifier resolves a bearer token into a Principal.
// Implementations MUST return an error wrapping ErrUnauthenticated for any rejected token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter (browsers cannot set headers on WS upgrades).
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}

	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}

	return strings.TrimSpace(r.URL.Query().Get("token"))
}
