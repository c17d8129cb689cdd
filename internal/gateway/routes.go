// ABOUTME: Route table for the HTTP API and the access-log middleware around it
// ABOUTME: Device routes check X-Device-Hash, operator routes check the bearer access token

package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/stillsafe-gateway/internal/assets"
	"github.com/2389/stillsafe-gateway/internal/auth"
)

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = "X-Request-ID"

// routes builds the HTTP handler.
func (g *Gateway) routes() (http.Handler, error) {
	mux := http.NewServeMux()

	bearer := auth.BearerMiddleware(g.tokens, g.logger.With("component", "auth"))
	device := auth.DeviceMiddleware(g.device, g.logger.With("component", "auth"))
	operatorRoute := func(h http.HandlerFunc) http.Handler { return bearer(h) }
	deviceRoute := func(h http.HandlerFunc) http.Handler { return device(h) }

	mux.HandleFunc("POST /auth/otp/generate", g.handleOTPGenerate)
	mux.HandleFunc("POST /auth/otp/verify", g.handleOTPVerify)
	mux.HandleFunc("POST /auth/webauthn/register/options", g.handleRegisterOptions)
	mux.HandleFunc("POST /auth/webauthn/register/verify", g.handleRegisterVerify)
	mux.HandleFunc("POST /auth/webauthn/login/options", g.handleLoginOptions)
	mux.HandleFunc("POST /auth/webauthn/login/verify", g.handleLoginVerify)
	mux.HandleFunc("POST /auth/webauthn/logout", g.handleLogout)
	mux.HandleFunc("POST /auth/refresh", g.handleRefresh)

	mux.Handle("POST /motion-detection/alert", deviceRoute(g.handleMotionAlert))
	mux.Handle("POST /motion-detection/heartbeat", deviceRoute(g.handleHeartbeatPost))
	mux.Handle("GET /motion-detection/otp", deviceRoute(g.handleDeviceOTP))

	mux.Handle("GET /motion-detection/heartbeat", operatorRoute(g.handleHeartbeatGet))
	mux.Handle("GET /motion-detection/alerts", operatorRoute(g.handleListAlerts))
	mux.Handle("PUT /motion-detection/alert/ack", operatorRoute(g.handleAckAlert))
	mux.Handle("POST /notifications/register-token", operatorRoute(g.handleRegisterPushToken))
	mux.Handle("DELETE /notifications/unregister-token", operatorRoute(g.handleUnregisterPushToken))

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	landing, err := assets.LandingHandler(g.config.WebAuthn.RPDisplayName)
	if err != nil {
		return nil, fmt.Errorf("preparing landing page: %w", err)
	}
	mux.Handle("GET /{$}", landing)
	mux.Handle("GET /static/", http.StripPrefix("/static", assets.FileServer()))
	mux.Handle("GET /.well-known/apple-app-site-association", assets.AppSiteAssociation(g.config.WebAuthn.AppIDs))

	return g.accessLog(mux), nil
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// accessLog logs one line per request and tags it with a request ID.
// Health probes are logged at debug.
func (g *Gateway) accessLog(next http.Handler) http.Handler {
	logger := g.logger.With("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		level := logger.Info
		if r.URL.Path == "/health" || r.URL.Path == "/health/ready" {
			level = logger.Debug
		}
		level("http request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start),
		)
	})
}
