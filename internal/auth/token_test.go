// ABOUTME: Unit tests for session token issuance and verification
// ABOUTME: Covers kind separation, expiry, rotation uniqueness and secret validation

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	accessSecret  = []byte("access-secret-for-session-tests!")
	refreshSecret = []byte("refresh-secret-for-session-test!")
)

func newIssuer(t *testing.T, now func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(accessSecret, refreshSecret, WithNow(now))
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	return issuer
}

func TestNewTokenIssuer_RejectsWeakSecrets(t *testing.T) {
	tests := []struct {
		name    string
		access  []byte
		refresh []byte
	}{
		{"short access", []byte("short"), refreshSecret},
		{"short refresh", accessSecret, []byte("short")},
		{"identical secrets", accessSecret, accessSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(tt.access, tt.refresh); err == nil {
				t.Error("NewTokenIssuer() should have returned an error")
			}
		})
	}
}

func TestIssuePair_RoundTrip(t *testing.T) {
	issuer := newIssuer(t, time.Now)

	pair, err := issuer.IssuePair("admin")
	if err != nil {
		t.Fatalf("IssuePair() error = %v", err)
	}

	got, err := issuer.Verify(pair.AccessToken, KindAccess)
	if err != nil {
		t.Fatalf("Verify(access) error = %v", err)
	}
	if got != "admin" {
		t.Errorf("Verify(access) = %q, want %q", got, "admin")
	}

	got, err = issuer.Verify(pair.RefreshToken, KindRefresh)
	if err != nil {
		t.Fatalf("Verify(refresh) error = %v", err)
	}
	if got != "admin" {
		t.Errorf("Verify(refresh) = %q, want %q", got, "admin")
	}
}

func TestVerify_KindsAreNotInterchangeable(t *testing.T) {
	issuer := newIssuer(t, time.Now)
	pair, _ := issuer.IssuePair("admin")

	if _, err := issuer.Verify(pair.AccessToken, KindRefresh); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("access token as refresh: err = %v, want ErrInvalidToken", err)
	}
	if _, err := issuer.Verify(pair.RefreshToken, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("refresh token as access: err = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_Expiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	issuer := newIssuer(t, func() time.Time { return now })
	pair, _ := issuer.IssuePair("admin")

	now = now.Add(DefaultAccessTTL + time.Second)
	if _, err := issuer.Verify(pair.AccessToken, KindAccess); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expired access token: err = %v, want ErrExpiredToken", err)
	}
	if _, err := issuer.Verify(pair.RefreshToken, KindRefresh); err != nil {
		t.Errorf("refresh token should still be valid: %v", err)
	}

	now = now.Add(DefaultRefreshTTL)
	if _, err := issuer.Verify(pair.RefreshToken, KindRefresh); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expired refresh token: err = %v, want ErrExpiredToken", err)
	}
}

func TestVerify_InvalidTokens(t *testing.T) {
	issuer := newIssuer(t, time.Now)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{
			name: "wrong secret",
			token: func() string {
				other, _ := NewTokenIssuer([]byte("another-access-secret-32-bytes!!"), refreshSecret)
				pair, _ := other.IssuePair("admin")
				return pair.AccessToken
			}(),
		},
		{
			name: "no expiry",
			token: func() string {
				tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
					Type:             KindAccess,
					RegisteredClaims: jwt.RegisteredClaims{Subject: "admin"},
				})
				s, _ := tok.SignedString(accessSecret)
				return s
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := issuer.Verify(tt.token, KindAccess); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestIssuePair_Unique(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	issuer := newIssuer(t, func() time.Time { return now })

	a, _ := issuer.IssuePair("admin")
	b, _ := issuer.IssuePair("admin")
	if a.RefreshToken == b.RefreshToken {
		t.Error("two pairs issued at the same instant must differ")
	}
}

func TestIssuePair_RequiresIdentity(t *testing.T) {
	issuer := newIssuer(t, time.Now)
	if _, err := issuer.IssuePair(""); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("IssuePair(\"\") err = %v, want ErrMissingClaim", err)
	}
}

func TestRefreshTokenMatches(t *testing.T) {
	hash := HashRefreshToken("token-a")
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(hash))
	}
	if !RefreshTokenMatches(hash, "token-a") {
		t.Error("matching token rejected")
	}
	if RefreshTokenMatches(hash, "token-b") {
		t.Error("different token accepted")
	}
}
