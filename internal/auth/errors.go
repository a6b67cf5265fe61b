// ABOUTME: Sentinel errors for session token issuance and validation
// ABOUTME: Callers branch on these with errors.Is

package auth

import "errors"

var (
	// ErrTokenMalformed means the token could not be decoded at all.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrTokenExpired means the token or its backing session has aged out.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid means the signature did not verify or the token
	// does not belong to the session it names.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrSessionRevoked means the session was explicitly deactivated.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrCredentialRevoked means the credential that keys the session
	// is no longer valid, which invalidates every token it signed.
	ErrCredentialRevoked = errors.New("credential revoked")

	// ErrUserAgentMismatch means the token was presented from a client
	// other than the one it was issued to.
	ErrUserAgentMismatch = errors.New("user agent mismatch")
)
