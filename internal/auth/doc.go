// Package auth issues and checks the credentials used after the ceremony.
//
// # Session Tokens
//
// TokenIssuer signs two HS256 JWTs per login: a short-lived access token and
// a long-lived refresh token, each with its own secret. Both carry the
// operator identity in "sub", the token kind in "typ" and a random "jti".
// A token of one kind never verifies as the other.
//
// Only the SHA-256 digest of the live refresh token is persisted
// (HashRefreshToken); rotation replaces it.
//
// # HTTP Middleware
//
//	BearerMiddleware(issuer, logger)  // Authorization: Bearer <access>
//	DeviceMiddleware(secret, logger)  // X-Device-Hash: <secret>
//
// The device secret may be configured in plain text or as a bcrypt hash.
// Handlers read the caller with FromContext.
package auth
