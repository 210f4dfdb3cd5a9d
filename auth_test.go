package huddlesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Token Sources
// ============================================================================

// mintJWT signs a throwaway HS256 token with the given expiry.
func mintJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestStaticTokenSource(t *testing.T) {
	s := NewStaticTokenSource("api-key-1")
	tok, err := s.Token(context.Background())
	if err != nil || tok != "api-key-1" {
		t.Fatalf("token: %q err=%v", tok, err)
	}
	if _, err := s.Refresh(context.Background()); !errors.Is(err, ErrTokenNotRefreshable) {
		t.Fatalf("refresh: got %v, want ErrTokenNotRefreshable", err)
	}
}

func TestRefreshingTokenSourceHoldsValidToken(t *testing.T) {
	initial := mintJWT(t, time.Now().Add(time.Hour))
	calls := 0
	s := NewRefreshingTokenSource(initial, func(context.Context) (string, error) {
		calls++
		return mintJWT(t, time.Now().Add(time.Hour)), nil
	})

	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != initial {
		t.Fatal("valid token was replaced early")
	}
	if calls != 0 {
		t.Fatalf("refresh called %d times for a valid token", calls)
	}
}

func TestRefreshingTokenSourceRenewsNearExpiry(t *testing.T) {
	// Ten seconds left is inside the thirty-second leeway.
	initial := mintJWT(t, time.Now().Add(10*time.Second))
	renewed := mintJWT(t, time.Now().Add(time.Hour))
	calls := 0
	s := NewRefreshingTokenSource(initial, func(context.Context) (string, error) {
		calls++
		return renewed, nil
	})

	tok, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != renewed {
		t.Fatal("near-expiry token was not renewed")
	}
	if calls != 1 {
		t.Fatalf("refresh called %d times, want 1", calls)
	}
}

func TestRefreshingTokenSourceRefresh(t *testing.T) {
	initial := mintJWT(t, time.Now().Add(time.Hour))
	renewed := mintJWT(t, time.Now().Add(2*time.Hour))
	s := NewRefreshingTokenSource(initial, func(context.Context) (string, error) {
		return renewed, nil
	})

	tok, err := s.Refresh(context.Background())
	if err != nil || tok != renewed {
		t.Fatalf("refresh: %q err=%v", tok, err)
	}
	// The replacement sticks for subsequent Token calls.
	tok, _ = s.Token(context.Background())
	if tok != renewed {
		t.Fatal("refreshed token was not retained")
	}
}

func TestRefreshingTokenSourceOpaqueToken(t *testing.T) {
	// Opaque (non-JWT) tokens carry no expiry; they are served until the
	// backend rejects them.
	calls := 0
	s := NewRefreshingTokenSource("opaque-session-token", func(context.Context) (string, error) {
		calls++
		return "opaque-session-token-2", nil
	})
	tok, err := s.Token(context.Background())
	if err != nil || tok != "opaque-session-token" {
		t.Fatalf("token: %q err=%v", tok, err)
	}
	if calls != 0 {
		t.Fatal("opaque token triggered an eager refresh")
	}
}

func TestRefreshingTokenSourceRefreshFailure(t *testing.T) {
	s := NewRefreshingTokenSource("", func(context.Context) (string, error) {
		return "", errors.New("session revoked")
	})
	if _, err := s.Token(context.Background()); err == nil {
		t.Fatal("expected error when refresh fails")
	}

	none := NewRefreshingTokenSource("", nil)
	if _, err := none.Token(context.Background()); !errors.Is(err, ErrTokenNotRefreshable) {
		t.Fatalf("nil refresh func: got %v, want ErrTokenNotRefreshable", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := tokenExpiry(mintJWT(t, exp))
	if !ok {
		t.Fatal("exp claim not found")
	}
	if got.Unix() != exp.Unix() {
		t.Fatalf("expiry: got %v, want %v", got, exp)
	}

	if _, ok := tokenExpiry("not-a-jwt"); ok {
		t.Fatal("opaque string reported an expiry")
	}

	// A JWT without exp parses but reports no expiry.
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1"}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, ok := tokenExpiry(noExp); ok {
		t.Fatal("token without exp reported an expiry")
	}
}
