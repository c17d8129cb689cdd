// ABOUTME: HTTP handlers for the auth ceremony, device endpoints and operator alert API
// ABOUTME: JSON in, JSON out; failures become {"error": ...} with a status from apperr

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/stillsafe-gateway/internal/apperr"
	"github.com/2389/stillsafe-gateway/internal/auth"
)

// maxBodyBytes caps request bodies. Attestation objects are the largest
// thing a client sends.
const maxBodyBytes = 64 << 10

// UsernameRequest is the body of POST /auth/otp/generate.
type UsernameRequest struct {
	Username string `json:"username"`
}

// VerifyOTPRequest is the body of POST /auth/otp/verify.
type VerifyOTPRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

// RegisterVerifyRequest wraps the browser's attestation response.
type RegisterVerifyRequest struct {
	Credential json.RawMessage `json:"credential"`
}

// LoginVerifyRequest wraps the browser's assertion response.
type LoginVerifyRequest struct {
	Assertion json.RawMessage `json:"assertion"`
}

// LoginVerifyResponse is returned after a successful login.
type LoginVerifyResponse struct {
	Verified     bool   `json:"verified"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshRequest is the body of /auth/refresh and /auth/webauthn/logout.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TimestampRequest is what the device posts for motion and heartbeats.
type TimestampRequest struct {
	Timestamp Timestamp `json:"timestamp"`
}

// AckRequest is the body of PUT /motion-detection/alert/ack.
type AckRequest struct {
	Key string `json:"key"`
}

// PushTokenRequest is the body of POST /notifications/register-token.
type PushTokenRequest struct {
	PushToken string `json:"pushToken"`
}

// Timestamp accepts either a JSON string or a JSON number and keeps the
// exact text the device sent.
type Timestamp string

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Timestamp(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("timestamp must be a string or a number: %w", err)
	}
	*t = Timestamp(n.String())
	return nil
}

type successResponse struct {
	Success bool `json:"success"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status via its apperr.Kind. overrides replace
// the default status for specific kinds on a given route.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error, overrides map[apperr.Kind]int) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if s, ok := overrides[kind]; ok {
		status = s
	}
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind.String(), "error", err)
	} else {
		g.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind.String(), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": apperr.Message(err)})
}

// decodeJSON reads a JSON body into v. An empty body leaves v zeroed.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Wrap(apperr.KindInvalidArgument, err, "request body too large")
		}
		return apperr.Wrap(apperr.KindInvalidArgument, err, "reading request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, err, "invalid JSON body")
	}
	return nil
}

// operator is the identity every ceremony runs for.
func (g *Gateway) operator() string {
	return g.config.Operator.Identity
}

// handleOTPGenerate handles POST /auth/otp/generate.
func (g *Gateway) handleOTPGenerate(w http.ResponseWriter, r *http.Request) {
	var req UsernameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	if err := g.ceremony.RequestOTP(r.Context(), req.Username); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleOTPVerify handles POST /auth/otp/verify.
func (g *Gateway) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	if err := g.ceremony.VerifyOTP(r.Context(), req.Username, req.Code); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleRegisterOptions handles POST /auth/webauthn/register/options.
func (g *Gateway) handleRegisterOptions(w http.ResponseWriter, r *http.Request) {
	creation, err := g.ceremony.BeginRegistration(r.Context(), g.operator())
	if err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, creation.Response)
}

// handleRegisterVerify handles POST /auth/webauthn/register/verify.
func (g *Gateway) handleRegisterVerify(w http.ResponseWriter, r *http.Request) {
	var req RegisterVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	if len(req.Credential) == 0 {
		g.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "credential is required"), nil)
		return
	}
	if err := g.ceremony.CompleteRegistration(r.Context(), g.operator(), req.Credential); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// handleLoginOptions handles POST /auth/webauthn/login/options.
func (g *Gateway) handleLoginOptions(w http.ResponseWriter, r *http.Request) {
	assertion, err := g.ceremony.BeginLogin(r.Context(), g.operator())
	if err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, assertion.Response)
}

// loginOverrides: a failed assertion or a missing challenge is an
// authentication failure.
var loginOverrides = map[apperr.Kind]int{
	apperr.KindVerificationFailed:        http.StatusUnauthorized,
	apperr.KindChallengeMissingOrExpired: http.StatusUnauthorized,
}

// handleLoginVerify handles POST /auth/webauthn/login/verify.
func (g *Gateway) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	var req LoginVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	if len(req.Assertion) == 0 {
		g.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "assertion is required"), nil)
		return
	}
	pair, err := g.ceremony.CompleteLogin(r.Context(), g.operator(), req.Assertion)
	if err != nil {
		g.writeError(w, r, err, loginOverrides)
		return
	}
	writeJSON(w, http.StatusOK, LoginVerifyResponse{
		Verified:     true,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// handleLogout handles POST /auth/webauthn/logout.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	if err := g.ceremony.Logout(r.Context(), req.RefreshToken); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleRefresh handles POST /auth/refresh.
func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	pair, err := g.ceremony.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleMotionAlert handles POST /motion-detection/alert from the device.
func (g *Gateway) handleMotionAlert(w http.ResponseWriter, r *http.Request) {
	var req TimestampRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	if _, err := g.ledger.RecordMotion(r.Context(), string(req.Timestamp)); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// handleHeartbeatPost handles POST /motion-detection/heartbeat from the device.
func (g *Gateway) handleHeartbeatPost(w http.ResponseWriter, r *http.Request) {
	var req TimestampRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	if err := g.ledger.RecordHeartbeat(r.Context(), string(req.Timestamp)); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// handleDeviceOTP handles GET /motion-detection/otp so the device can show
// the pending code. The body is empty when no code is pending.
func (g *Gateway) handleDeviceOTP(w http.ResponseWriter, r *http.Request) {
	code, err := g.ceremony.CurrentOTP(r.Context(), g.operator())
	if err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, code)
}

// handleHeartbeatGet handles GET /motion-detection/heartbeat for the operator.
func (g *Gateway) handleHeartbeatGet(w http.ResponseWriter, r *http.Request) {
	liveness, err := g.monitor.Status(r.Context())
	if err != nil {
		g.writeError(w, r, apperr.Wrap(apperr.KindExternalService, err, "failed to read device status"), nil)
		return
	}
	writeJSON(w, http.StatusOK, liveness)
}

// handleListAlerts handles GET /motion-detection/alerts.
func (g *Gateway) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	list, err := g.ledger.List(r.Context())
	if err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list})
}

// handleAckAlert handles PUT /motion-detection/alert/ack.
func (g *Gateway) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	if err := g.ledger.Acknowledge(r.Context(), req.Key); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// identityFrom returns the operator identity attached by BearerMiddleware.
func (g *Gateway) identityFrom(r *http.Request) string {
	if a := auth.FromContext(r.Context()); a != nil && a.Identity != "" {
		return a.Identity
	}
	return g.operator()
}

// handleRegisterPushToken handles POST /notifications/register-token.
func (g *Gateway) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	var req PushTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err, nil)
		return
	}
	if strings.TrimSpace(req.PushToken) == "" {
		g.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "pushToken is required"), nil)
		return
	}
	if err := g.pushTokens.Register(r.Context(), g.identityFrom(r), req.PushToken); err != nil {
		g.writeError(w, r, apperr.Wrap(apperr.KindExternalService, err, "failed to store push token"), nil)
		return
	}
	writeJSON(w, http.StatusCreated, successResponse{Success: true})
}

// handleUnregisterPushToken handles DELETE /notifications/unregister-token.
func (g *Gateway) handleUnregisterPushToken(w http.ResponseWriter, r *http.Request) {
	if err := g.pushTokens.Unregister(r.Context(), g.identityFrom(r)); err != nil {
		g.writeError(w, r, apperr.Wrap(apperr.KindExternalService, err, "failed to remove push token"), nil)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the keyed store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.kv.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
