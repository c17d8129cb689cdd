// Package challenge holds the transient state of the authentication ceremony.
//
// A one-time code is stored under otp:<identity>; once it is matched the
// flag otp:<identity>:verified is raised and stays usable until it expires.
// WebAuthn session data (the random challenge plus the options it was issued
// with) is stored under challenge:<identity>. A new challenge replaces the old
// one, and only a successful verification consumes it.
package challenge
