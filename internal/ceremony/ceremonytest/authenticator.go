// ABOUTME: Software WebAuthn platform authenticator for tests
// ABOUTME: Produces ES256 credentials with "none" attestation and signed assertions

// Package ceremonytest provides a software authenticator that answers
// WebAuthn creation and assertion challenges the way a phone would.
package ceremonytest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

// Authenticator data flags.
const (
	flagUserPresent  = 0x01
	flagUserVerified = 0x04
	flagAttested     = 0x40
)

var b64 = base64.RawURLEncoding.EncodeToString

// Authenticator holds one ES256 key pair bound to an RP ID and origin.
type Authenticator struct {
	CredentialID []byte
	// Counter is the signature counter reported in the next assertion,
	// before Login adds its step.
	Counter uint32

	t      testing.TB
	key    *ecdsa.PrivateKey
	rpID   string
	origin string
	user   []byte
}

// NewAuthenticator creates a fresh credential for user.
func NewAuthenticator(t testing.TB, rpID, origin, user string) *Authenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	credID := make([]byte, 16)
	_, err = rand.Read(credID)
	require.NoError(t, err)
	return &Authenticator{CredentialID: credID, t: t, key: key, rpID: rpID, origin: origin, user: []byte(user)}
}

func ctap2() cbor.EncMode {
	em, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func (a *Authenticator) coseKey() []byte {
	pub, err := a.key.PublicKey.ECDH()
	require.NoError(a.t, err)
	raw := pub.Bytes() // 0x04 || X || Y
	out, err := ctap2().Marshal(map[int]any{
		1:  2,  // kty: EC2
		3:  -7, // alg: ES256
		-1: 1,  // crv: P-256
		-2: raw[1:33],
		-3: raw[33:65],
	})
	require.NoError(a.t, err)
	return out
}

func (a *Authenticator) authData(flags byte, attested bool) []byte {
	rpHash := sha256.Sum256([]byte(a.rpID))
	var buf bytes.Buffer
	buf.Write(rpHash[:])
	buf.WriteByte(flags)
	_ = binary.Write(&buf, binary.BigEndian, a.Counter)
	if attested {
		buf.Write(make([]byte, 16)) // AAGUID
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(a.CredentialID)))
		buf.Write(a.CredentialID)
		buf.Write(a.coseKey())
	}
	return buf.Bytes()
}

func (a *Authenticator) clientData(typ string, challenge []byte) []byte {
	out, err := json.Marshal(map[string]any{
		"type":        typ,
		"challenge":   b64(challenge),
		"origin":      a.origin,
		"crossOrigin": false,
	})
	require.NoError(a.t, err)
	return out
}

// Register answers a creation challenge with a registration response body.
func (a *Authenticator) Register(challenge []byte) []byte {
	authData := a.authData(flagUserPresent|flagUserVerified|flagAttested, true)
	attObj, err := ctap2().Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	require.NoError(a.t, err)

	body, err := json.Marshal(map[string]any{
		"id":                      b64(a.CredentialID),
		"rawId":                   b64(a.CredentialID),
		"type":                    "public-key",
		"authenticatorAttachment": "platform",
		"clientExtensionResults":  map[string]any{},
		"response": map[string]any{
			"clientDataJSON":    b64(a.clientData("webauthn.create", challenge)),
			"attestationObject": b64(attObj),
			"transports":        []string{"internal"},
		},
	})
	require.NoError(a.t, err)
	return body
}

// Login answers an assertion challenge after bumping the counter by step.
func (a *Authenticator) Login(challenge []byte, step uint32) []byte {
	a.Counter += step
	authData := a.authData(flagUserPresent|flagUserVerified, false)
	clientData := a.clientData("webauthn.get", challenge)

	cdHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), cdHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	require.NoError(a.t, err)

	body, err := json.Marshal(map[string]any{
		"id":                     b64(a.CredentialID),
		"rawId":                  b64(a.CredentialID),
		"type":                   "public-key",
		"clientExtensionResults": map[string]any{},
		"response": map[string]any{
			"clientDataJSON":    b64(clientData),
			"authenticatorData": b64(authData),
			"signature":         b64(sig),
			"userHandle":        b64(a.user),
		},
	})
	require.NoError(a.t, err)
	return body
}
