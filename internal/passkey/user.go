// ABOUTME: webauthn.User adapter over stored mossy credentials
// ABOUTME: Bridges store.Credential rows into the go-webauthn interface

package passkey

import (
	"encoding/json"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/mattholy/mossy/internal/store"
)

// ceremonyUser implements webauthn.User for a mossy account. The WebAuthn
// user handle is the username's bytes, matching what registration options
// advertise to the authenticator.
type ceremonyUser struct {
	username string
	creds    []*store.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.username)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.username
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.username
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

// WebAuthnCredentials returns the user's non-revoked credentials. Revoked
// credentials are excluded so assertions against them cannot validate.
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.creds))
	for _, c := range u.creds {
		if c.Revoked {
			continue
		}
		cred := webauthn.Credential{
			ID:              c.CredentialID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Authenticator: webauthn.Authenticator{
				SignCount: c.SignCount,
			},
		}
		if c.Transports != "" {
			var transports []protocol.AuthenticatorTransport
			_ = json.Unmarshal([]byte(c.Transports), &transports)
			cred.Transport = transports
		}
		creds = append(creds, cred)
	}
	return creds
}
