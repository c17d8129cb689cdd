// Package ceremony authenticates the single operator.
//
// The flow has four states:
//
//	AWAITING_OTP -> OTP_VERIFIED -> CHALLENGE_ISSUED -> AUTHENTICATED
//
// A verified one-time code opens a five minute window in which a WebAuthn
// credential can be enrolled. Login needs only the enrolled credential and
// yields an access/refresh token pair. Exactly one refresh token is live per
// identity; Refresh rotates it and Logout revokes it.
//
// Challenges are consumed only by a successful verification, so a failed
// attempt can be retried until the challenge expires.
package ceremony
