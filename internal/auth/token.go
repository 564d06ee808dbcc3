// Package auth manages the bearer token lifecycle for the engine.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshWindow is how close to expiry a token may get before the engine
// refreshes it proactively.
const RefreshWindow = 5 * time.Minute

// ErrNoToken is returned when the identity provider has no token available.
var ErrNoToken = errors.New("no auth token available")

// TokenSource supplies bearer tokens from the identity collaborator.
// Refresh with force=false may return a cached token; force=true must hit
// the provider.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context, force bool) (string, error)
}

// Expiry returns the exp claim of a JWT. The client holds no signing key, so
// the token is parsed without signature verification; the server remains the
// authority on validity.
func Expiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}

// ExpiresWithin reports whether the token expires within d of now. Opaque
// tokens with no readable expiry report false: there is nothing to refresh
// proactively, and a rejected token still hits the reactive 401 path.
func ExpiresWithin(token string, d time.Duration, now time.Time) bool {
	exp, err := Expiry(token)
	if err != nil {
		return false
	}
	return exp.Before(now.Add(d))
}

// StaticTokenSource serves a fixed token, optionally swapped on Refresh.
// Used by the daemon (env-provided token) and by tests.
type StaticTokenSource struct {
	mu      sync.Mutex
	token   string
	refresh func(ctx context.Context, force bool) (string, error)
}

// NewStaticTokenSource creates a source around a fixed token. The optional
// refresh function, when set, replaces the stored token.
func NewStaticTokenSource(token string, refresh func(ctx context.Context, force bool) (string, error)) *StaticTokenSource {
	return &StaticTokenSource{token: token, refresh: refresh}
}

// Token returns the current token.
func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// Refresh swaps in a new token via the refresh function, if any.
func (s *StaticTokenSource) Refresh(ctx context.Context, force bool) (string, error) {
	s.mu.Lock()
	refresh := s.refresh
	current := s.token
	s.mu.Unlock()

	if refresh == nil {
		if current == "" {
			return "", ErrNoToken
		}
		return current, nil
	}

	token, err := refresh(ctx, force)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return token, nil
}
