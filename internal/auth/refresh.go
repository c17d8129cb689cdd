// ABOUTME: Hashing helpers for the stored refresh token
// ABOUTME: The session record keeps a digest, never the bearer token itself

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashRefreshToken returns the SHA-256 hex digest of token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RefreshTokenMatches reports whether token hashes to storedHash, in
// constant time.
func RefreshTokenMatches(storedHash, token string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(HashRefreshToken(token))) == 1
}
