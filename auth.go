package huddlesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Token Source
// ============================================================================

// TokenSource supplies bearer tokens for the backend. The engine never
// performs logins itself; when the backend answers 401 it asks the source
// for a replacement and retries once.
type TokenSource interface {
	// Token returns a credential believed to be valid.
	Token(ctx context.Context) (string, error)
	// Refresh obtains a replacement credential after the current one was
	// rejected. Sources that cannot re-authenticate return
	// ErrTokenNotRefreshable.
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token and cannot refresh. Suitable for
// long-lived API keys and for tests.
type StaticTokenSource struct {
	token string
}

var _ TokenSource = (*StaticTokenSource)(nil)

// NewStaticTokenSource wraps a fixed credential.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(context.Context) (string, error) { return s.token, nil }

func (s *StaticTokenSource) Refresh(context.Context) (string, error) {
	return "", ErrTokenNotRefreshable
}

// RefreshingTokenSource holds a JWT and calls out to an application-owned
// refresh function when the token is rejected or about to expire. The exp
// claim is read without signature verification; verifying is the server's
// job, the client only schedules renewals with it.
type RefreshingTokenSource struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time // zero when the token carries no exp claim
	leeway    time.Duration
	refresh   func(ctx context.Context) (string, error)
}

var _ TokenSource = (*RefreshingTokenSource)(nil)

// NewRefreshingTokenSource creates a source seeded with initial (may be
// empty) that renews through refresh. Tokens are renewed 30 seconds before
// their exp claim.
func NewRefreshingTokenSource(initial string, refresh func(ctx context.Context) (string, error)) *RefreshingTokenSource {
	s := &RefreshingTokenSource{leeway: 30 * time.Second, refresh: refresh}
	if initial != "" {
		s.token = initial
		s.expiresAt, _ = tokenExpiry(initial)
	}
	return s
}

// Token returns the held token, renewing first when it is missing or
// within the expiry leeway.
func (s *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && (s.expiresAt.IsZero() || time.Until(s.expiresAt) > s.leeway) {
		return s.token, nil
	}
	return s.renewLocked(ctx)
}

// Refresh discards the held token and obtains a new one.
func (s *RefreshingTokenSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewLocked(ctx)
}

func (s *RefreshingTokenSource) renewLocked(ctx context.Context) (string, error) {
	if s.refresh == nil {
		return "", ErrTokenNotRefreshable
	}
	token, err := s.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	s.token = token
	s.expiresAt, _ = tokenExpiry(token)
	return token, nil
}

// tokenExpiry reads the exp claim from a JWT. ok is false when the token
// is not a JWT or carries no exp.
func tokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
