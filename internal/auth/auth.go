// Package auth verifies bearer tokens issued by the hostel identity provider
// and carries the resulting principal through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/hostel-outpass/internal/errs"
)

// Role is the caller's surface.
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
	RoleGate    Role = "gate"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleStudent || r == RoleAdmin || r == RoleGate }

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Role    Role
	Source  string // peer address as seen by the transport
}

// Claims are the JWT claims accepted by the verifier.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// Verifier checks HS256 tokens.
type Verifier struct {
	key    []byte
	leeway time.Duration
}

// NewVerifier returns a verifier for tokens signed with key.
func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key, leeway: 30 * time.Second}
}

// Verify parses token and returns its principal. Every failure wraps
// errs.ErrUnauthorized.
func (v *Verifier) Verify(token string) (Principal, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.key, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Principal{}, fmt.Errorf("invalid token: %w", errs.ErrUnauthorized)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, fmt.Errorf("empty subject: %w", errs.ErrUnauthorized)
	}
	if !claims.Role.Valid() {
		return Principal{}, fmt.Errorf("unknown role %q: %w", claims.Role, errs.ErrUnauthorized)
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

// Sign mints a token for sub. The server never calls it; operators and
// tests use it to obtain tokens from the shared key.
func Sign(key []byte, sub string, role Role, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	v := strings.TrimSpace(header)
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return "", false
	}
	t := strings.TrimSpace(v[7:])
	return t, t != ""
}

type ctxKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext fetches the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Require returns the principal in ctx if it holds one of roles.
func Require(ctx context.Context, roles ...Role) (Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return Principal{}, fmt.Errorf("no principal: %w", errs.ErrUnauthorized)
	}
	for _, r := range roles {
		if p.Role == r {
			return p, nil
		}
	}
	return Principal{}, fmt.Errorf("role %s not allowed: %w", p.Role, errs.ErrUnauthorized)
}
