// Package gateway orchestrates the stillsafe-gateway server components.
//
// # Overview
//
// The gateway owns the keyed store and everything built on it: the
// authentication ceremony, the alert ledger, the push-token registry and
// the liveness monitor. It serves them over HTTP and mirrors the device's
// liveness on the standard gRPC health service.
//
// # HTTP API
//
// Ceremony (no prior authentication; registration requires a verified
// one-time code):
//
//   - POST /auth/otp/generate
//   - POST /auth/otp/verify
//   - POST /auth/webauthn/register/options
//   - POST /auth/webauthn/register/verify
//   - POST /auth/webauthn/login/options
//   - POST /auth/webauthn/login/verify
//   - POST /auth/webauthn/logout
//   - POST /auth/refresh
//
// Device (X-Device-Hash header):
//
//   - POST /motion-detection/alert
//   - POST /motion-detection/heartbeat
//   - GET /motion-detection/otp
//
// Operator (Authorization: Bearer <access token>):
//
//   - GET /motion-detection/heartbeat
//   - GET /motion-detection/alerts
//   - PUT /motion-detection/alert/ack
//   - POST /notifications/register-token
//   - DELETE /notifications/unregister-token
//
// Unauthenticated: GET /health, GET /health/ready, the landing page at /,
// /static/ and /.well-known/apple-app-site-association.
//
// Errors are JSON objects of the form {"error": "..."}.
//
// # gRPC
//
// grpc.health.v1.Health is served on server.grpc_addr. The "device"
// service is SERVING while heartbeats are fresh and NOT_SERVING otherwise.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	err = gw.Run(ctx) // blocks; shuts down when ctx ends
//
// Run also starts the monitor loop and, for the SQLite store, a janitor
// that deletes expired keys every database.purge_interval.
package gateway
