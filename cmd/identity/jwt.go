package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtDefaultLeeway = 30 * time.Second

// Claims is the access-token payload issued by the account service.
// UserID falls back to the registered subject when absent.
type Claims struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 access tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// JWTOption configures JWTVerifier behavior.
type JWTOption func(*JWTVerifier)

// WithIssuer requires the "iss" claim to match.
func WithIssuer(iss string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = strings.TrimSpace(iss) }
}

// WithLeeway sets the clock skew tolerance for exp/nbf checks.
func WithLeeway(d time.Duration) JWTOption {
	return func(v *JWTVerifier) {
		if d >= 0 {
			v.leeway = d
		}
	}
}

// WithClock overrides the verifier clock (tests).
func WithClock(now func() time.Time) JWTOption {
	return func(v *JWTVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewJWTVerifier constructs a verifier for tokens signed with secret.
func NewJWTVerifier(secret string, opts ...JWTOption) (*JWTVerifier, error) {
	if len(secret) < 32 {
		return nil, OpError{Op: "identity.NewJWTVerifier", Kind: ErrInvalidInput, Msg: "secret must be at least 32 bytes"}
	}

	v := &JWTVerifier{
		secret: []byte(secret),
		leeway: jwtDefaultLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify parses and validates token.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	const op = "identity.Verify"

	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, OpError{Op: op, Kind: ErrUnauthenticated, Msg: "missing token"}
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token expired"
		}
		return Principal{}, OpError{Op: op, Kind: ErrUnauthenticated, Msg: msg}
	}
	if !parsed.Valid {
		return Principal{}, OpError{Op: op, Kind: ErrUnauthenticated, Msg: "invalid token"}
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Principal{}, OpError{Op: op, Kind: ErrUnauthenticated, Msg: "missing subject"}
	}

	p := Principal{UserID: userID, Username: claims.Username}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// Sign issues a token for userID. Used by dev tooling and tests; production tokens come
// from the account service.
func (v *JWTVerifier) Sign(userID, username string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", OpError{Op: "identity.Sign", Kind: ErrInvalidInput, Msg: "empty user id"}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := v.now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
