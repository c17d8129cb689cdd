package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := New(KindNotFound, "no credential enrolled")
	wrapped := fmt.Errorf("begin login: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, "no credential enrolled", Message(wrapped))
}

func TestKindOf_Unclassified(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindUnknown, KindOf(err))
	assert.Equal(t, "internal error", Message(err))
}

func TestIs_MatchesKind(t *testing.T) {
	err := Wrap(KindExternalService, errors.New("disk full"), "store unavailable")

	assert.True(t, errors.Is(err, New(KindExternalService, "")))
	assert.False(t, errors.Is(err, New(KindNotFound, "")))
}

func TestUnwrap_ExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindExternalService, cause, "store unavailable")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidArgument:           http.StatusBadRequest,
		KindInvalidCredentials:        http.StatusBadRequest,
		KindChallengeMissingOrExpired: http.StatusBadRequest,
		KindInvalidToken:              http.StatusUnauthorized,
		KindInvalidSession:            http.StatusUnauthorized,
		KindNotFound:                  http.StatusNotFound,
		KindExternalService:           http.StatusInternalServerError,
		KindUnknown:                   http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind.String())
	}
}
