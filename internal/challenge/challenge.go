// ABOUTME: Short-lived ceremony state: one-time codes, the OTP-verified flag and WebAuthn challenges
// ABOUTME: Everything here lives in the keyed store under a fixed five minute TTL

package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/stillsafe-gateway/internal/store"
)

// TTL bounds every record written by the ledger.
const TTL = 300 * time.Second

// CodeLength is the number of decimal digits in a one-time code.
const CodeLength = 6

var (
	// ErrNoCode is returned when no live one-time code exists.
	ErrNoCode = errors.New("no one-time code")
	// ErrCodeMismatch is returned when the presented code differs from the stored one.
	ErrCodeMismatch = errors.New("one-time code mismatch")
	// ErrNoChallenge is returned when the WebAuthn challenge is missing or expired.
	ErrNoChallenge = errors.New("challenge missing or expired")
)

// Ledger reads and writes ceremony state in the keyed store.
type Ledger struct {
	kv store.KV
}

// NewLedger creates a Ledger over kv.
func NewLedger(kv store.KV) *Ledger {
	return &Ledger{kv: kv}
}

func otpKey(identity string) string       { return "otp:" + identity }
func verifiedKey(identity string) string  { return "otp:" + identity + ":verified" }
func challengeKey(identity string) string { return "challenge:" + identity }

// GenerateCode returns a uniformly random numeric code of CodeLength digits.
func GenerateCode() (string, error) {
	const digits = "0123456789"
	// 250 is the largest multiple of 10 below 256; rejecting above it keeps
	// every digit equally likely.
	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(out) < CodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			out = append(out, digits[b%10])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}

// IssueCode creates a fresh code for identity, replacing any earlier one.
func (l *Ledger) IssueCode(ctx context.Context, identity string) (string, error) {
	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	if err := l.kv.Set(ctx, otpKey(identity), code, TTL); err != nil {
		return "", fmt.Errorf("storing one-time code: %w", err)
	}
	return code, nil
}

// CurrentCode returns the live code for identity, or ErrNoCode.
func (l *Ledger) CurrentCode(ctx context.Context, identity string) (string, error) {
	code, err := l.kv.Get(ctx, otpKey(identity))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoCode
	}
	if err != nil {
		return "", fmt.Errorf("loading one-time code: %w", err)
	}
	return code, nil
}

// VerifyCode compares code against the stored one in constant time and,
// on a match, raises the verified flag. The code itself is left in place
// until it expires.
func (l *Ledger) VerifyCode(ctx context.Context, identity, code string) error {
	stored, err := l.CurrentCode(ctx, identity)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return ErrCodeMismatch
	}
	if err := l.kv.Set(ctx, verifiedKey(identity), "true", TTL); err != nil {
		return fmt.Errorf("storing verified flag: %w", err)
	}
	return nil
}

// IsVerified reports whether identity passed the code check within the TTL.
func (l *Ledger) IsVerified(ctx context.Context, identity string) (bool, error) {
	return store.Exists(ctx, l.kv, verifiedKey(identity))
}

// PutSession stores WebAuthn session data for identity, replacing any
// challenge already in flight.
func (l *Ledger) PutSession(ctx context.Context, identity string, session *webauthn.SessionData) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding challenge: %w", err)
	}
	if err := l.kv.Set(ctx, challengeKey(identity), string(data), TTL); err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

// Session returns the pending WebAuthn session data, or ErrNoChallenge.
func (l *Ledger) Session(ctx context.Context, identity string) (*webauthn.SessionData, error) {
	raw, err := l.kv.Get(ctx, challengeKey(identity))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("decoding challenge: %w", err)
	}
	return &session, nil
}

// ConsumeSession removes the pending challenge so it cannot be replayed.
func (l *Ledger) ConsumeSession(ctx context.Context, identity string) error {
	if err := l.kv.Delete(ctx, challengeKey(identity)); err != nil {
		return fmt.Errorf("consuming challenge: %w", err)
	}
	return nil
}
