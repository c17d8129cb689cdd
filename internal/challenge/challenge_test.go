package challenge

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/stillsafe-gateway/internal/clock"
	"github.com/2389/stillsafe-gateway/internal/store"
)

func newLedger() (*Ledger, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewLedger(store.NewMemoryStore(clk)), clk
}

func TestGenerateCode_SixDigits(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9]{6}$`)
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
	}
}

func TestIssueCode_Overwrites(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	first, err := l.IssueCode(ctx, "admin")
	require.NoError(t, err)
	second, err := l.IssueCode(ctx, "admin")
	require.NoError(t, err)

	current, err := l.CurrentCode(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, second, current)
	if first != second {
		assert.ErrorIs(t, l.VerifyCode(ctx, "admin", first), ErrCodeMismatch)
	}
}

func TestVerifyCode(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	assert.ErrorIs(t, l.VerifyCode(ctx, "admin", "123456"), ErrNoCode)

	code, err := l.IssueCode(ctx, "admin")
	require.NoError(t, err)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	assert.ErrorIs(t, l.VerifyCode(ctx, "admin", wrong), ErrCodeMismatch)

	ok, err := l.IsVerified(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.VerifyCode(ctx, "admin", code))
	ok, err = l.IsVerified(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCodeAndFlagExpire(t *testing.T) {
	l, clk := newLedger()
	ctx := context.Background()

	code, err := l.IssueCode(ctx, "admin")
	require.NoError(t, err)
	require.NoError(t, l.VerifyCode(ctx, "admin", code))

	clk.Advance(TTL - time.Second)
	ok, err := l.IsVerified(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, ok, "flag is reusable within its window")

	clk.Advance(2 * time.Second)
	ok, err = l.IsVerified(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, l.VerifyCode(ctx, "admin", code), ErrNoCode)
}

func TestSessionLifecycle(t *testing.T) {
	l, clk := newLedger()
	ctx := context.Background()

	_, err := l.Session(ctx, "admin")
	assert.ErrorIs(t, err, ErrNoChallenge)

	session := &webauthn.SessionData{
		Challenge:        "c2Vzc2lvbi1jaGFsbGVuZ2U",
		UserID:           []byte("admin"),
		UserVerification: protocol.VerificationRequired,
	}
	require.NoError(t, l.PutSession(ctx, "admin", session))

	got, err := l.Session(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, session.Challenge, got.Challenge)
	assert.Equal(t, []byte("admin"), got.UserID)

	require.NoError(t, l.ConsumeSession(ctx, "admin"))
	_, err = l.Session(ctx, "admin")
	assert.ErrorIs(t, err, ErrNoChallenge)

	require.NoError(t, l.PutSession(ctx, "admin", session))
	clk.Advance(TTL)
	_, err = l.Session(ctx, "admin")
	assert.ErrorIs(t, err, ErrNoChallenge)
}
