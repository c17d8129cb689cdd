// ABOUTME: HTTP middleware for operator bearer tokens and the device shared secret
// ABOUTME: Rejects with a JSON error body and adds AuthContext to the request context

package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DeviceHeader carries the device's shared secret.
const DeviceHeader = "X-Device-Hash"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// BearerMiddleware requires a valid access token and attaches the operator
// identity to the request context.
func BearerMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeUnauthorized(w, errMsg)
				return
			}

			identity, err := verifier.Verify(token, KindAccess)
			if err != nil {
				logger.Debug("rejected bearer token", "path", r.URL.Path, "error", err)
				writeUnauthorized(w, "invalid token")
				return
			}

			authCtx := &AuthContext{Identity: identity, Caller: CallerOperator}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// DeviceSecret checks the value of the device header. The configured
// secret is either the literal value or a bcrypt hash of it.
type DeviceSecret struct {
	secret []byte
	hashed bool
}

// NewDeviceSecret recognises bcrypt hashes by their "$2" prefix.
func NewDeviceSecret(secret string) *DeviceSecret {
	_, err := bcrypt.Cost([]byte(secret))
	return &DeviceSecret{secret: []byte(secret), hashed: err == nil}
}

// Matches reports whether presented is the device secret.
func (d *DeviceSecret) Matches(presented string) bool {
	if presented == "" || len(d.secret) == 0 {
		return false
	}
	if d.hashed {
		return bcrypt.CompareHashAndPassword(d.secret, []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare(d.secret, []byte(presented)) == 1
}

// DeviceMiddleware requires the X-Device-Hash header to match secret.
func DeviceMiddleware(secret *DeviceSecret, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !secret.Matches(r.Header.Get(DeviceHeader)) {
				logger.Warn("rejected device request", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeUnauthorized(w, "invalid device credentials")
				return
			}
			authCtx := &AuthContext{Caller: CallerDevice}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
