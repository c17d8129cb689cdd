// ABOUTME: Adapter exposing the operator and their stored credential to go-webauthn
// ABOUTME: Converts between the credential record and webauthn.Credential

package ceremony

import (
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/stillsafe-gateway/internal/credential"
)

// webAuthnUser wraps the operator identity to implement webauthn.User.
type webAuthnUser struct {
	identity    string
	displayName string
	cred        *credential.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.identity)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.identity
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	if u.displayName != "" {
		return u.displayName
	}
	return u.identity
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	if u.cred == nil {
		return nil
	}
	return []webauthn.Credential{toWebAuthn(u.cred)}
}

func toWebAuthn(c *credential.Credential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, len(c.Transports))
	for i, t := range c.Transports {
		transports[i] = protocol.AuthenticatorTransport(t)
	}
	return webauthn.Credential{
		ID:              c.CredentialID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}

func fromWebAuthn(identity string, wc *webauthn.Credential) *credential.Credential {
	transports := make([]string, len(wc.Transport))
	for i, t := range wc.Transport {
		transports[i] = string(t)
	}
	return &credential.Credential{
		Identity:        identity,
		CredentialID:    wc.ID,
		PublicKey:       wc.PublicKey,
		SignCount:       wc.Authenticator.SignCount,
		AttestationType: wc.AttestationType,
		Transports:      transports,
		AAGUID:          wc.Authenticator.AAGUID,
		BackupEligible:  wc.Flags.BackupEligible,
		BackupState:     wc.Flags.BackupState,
	}
}
