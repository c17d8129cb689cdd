// ABOUTME: Error taxonomy shared by the ceremony, ledger and HTTP layers
// ABOUTME: Every client-visible failure carries a Kind that maps to an HTTP status

package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for propagation to clients.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindUnauthorized
	KindInvalidCredentials
	KindNotFound
	KindVerificationFailed
	KindChallengeMissingOrExpired
	KindInvalidToken
	KindInvalidSession
	KindExternalService
	KindDeliveryFailed
	KindBadDeviceToken
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindNotFound:
		return "not_found"
	case KindVerificationFailed:
		return "verification_failed"
	case KindChallengeMissingOrExpired:
		return "challenge_missing_or_expired"
	case KindInvalidToken:
		return "invalid_token"
	case KindInvalidSession:
		return "invalid_session"
	case KindExternalService:
		return "external_service_error"
	case KindDeliveryFailed:
		return "delivery_failed"
	case KindBadDeviceToken:
		return "bad_device_token"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Msg is safe to show to clients; Err is the
// underlying cause and is only logged.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, apperr.New(apperr.KindNotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error with a client-visible message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies cause under kind. The message is what clients see.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the client-visible message for err. Unclassified errors
// never leak their text.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// HTTPStatus maps a Kind to its default HTTP status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidArgument, KindInvalidCredentials, KindChallengeMissingOrExpired,
		KindVerificationFailed, KindUnauthorized:
		return http.StatusBadRequest
	case KindInvalidToken, KindInvalidSession:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
