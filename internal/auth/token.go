// ABOUTME: Access and refresh token issuance and verification for the operator session
// ABOUTME: HS256 JWTs with independent secrets per token kind

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the minimum accepted signing secret length in bytes.
const MinSecretLength = 32

// Default token lifetimes.
const (
	DefaultAccessTTL  = 5 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("secret must be at least %d bytes", MinSecretLength)
)

// Kind distinguishes access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims are the JWT claims carried by both token kinds.
type Claims struct {
	Type Kind `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// TokenVerifier validates a token of the given kind and returns its subject.
type TokenVerifier interface {
	Verify(tokenString string, kind Kind) (identity string, err error)
}

// TokenIssuer signs and verifies session tokens. Its only state is the
// two secrets, so it is safe for concurrent use.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// IssuerOption configures a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithTTLs overrides the default lifetimes. Zero values keep the default.
func WithTTLs(access, refresh time.Duration) IssuerOption {
	return func(t *TokenIssuer) {
		if access > 0 {
			t.accessTTL = access
		}
		if refresh > 0 {
			t.refreshTTL = refresh
		}
	}
}

// WithNow sets the time source used for iat/exp and for validation.
func WithNow(now func() time.Time) IssuerOption {
	return func(t *TokenIssuer) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTokenIssuer creates an issuer. Both secrets must be at least
// MinSecretLength bytes and must differ.
func NewTokenIssuer(accessSecret, refreshSecret []byte, opts ...IssuerOption) (*TokenIssuer, error) {
	if len(accessSecret) < MinSecretLength || len(refreshSecret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if string(accessSecret) == string(refreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	t := &TokenIssuer{
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		accessTTL:     DefaultAccessTTL,
		refreshTTL:    DefaultRefreshTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// AccessTTL returns the configured access token lifetime.
func (t *TokenIssuer) AccessTTL() time.Duration { return t.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (t *TokenIssuer) RefreshTTL() time.Duration { return t.refreshTTL }

// IssuePair signs a fresh access/refresh pair for identity. Each token
// carries a random jti so two pairs issued in the same second still differ.
func (t *TokenIssuer) IssuePair(identity string) (TokenPair, error) {
	if identity == "" {
		return TokenPair{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	access, err := t.sign(identity, KindAccess)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := t.sign(identity, KindRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (t *TokenIssuer) sign(identity string, kind Kind) (string, error) {
	secret, ttl := t.keyFor(kind)
	now := t.now()
	claims := Claims{
		Type: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", kind, err)
	}
	return signed, nil
}

func (t *TokenIssuer) keyFor(kind Kind) ([]byte, time.Duration) {
	if kind == KindRefresh {
		return t.refreshSecret, t.refreshTTL
	}
	return t.accessSecret, t.accessTTL
}

// Verify validates the signature, expiry and kind of tokenString and
// returns the identity from its "sub" claim.
func (t *TokenIssuer) Verify(tokenString string, kind Kind) (string, error) {
	secret, _ := t.keyFor(kind)

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Type != kind {
		return "", fmt.Errorf("%w: expected %s token", ErrInvalidToken, kind)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}
