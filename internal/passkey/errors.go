// ABOUTME: Error taxonomy for passkey ceremony outcomes
// ABOUTME: Sentinel errors distinguish conflicts, expiry, replay, and verification failures

package passkey

import "errors"

// Ceremony errors. Origin mismatches get their own sentinel so callers can
// surface misconfiguration distinctly; ErrNoSuchCredential and
// ErrAssertionInvalid must stay indistinguishable to external clients to
// avoid account enumeration (the HTTP layer collapses them).
var (
	// ErrInvalidUsername is returned when a username fails validation.
	ErrInvalidUsername = errors.New("invalid username")

	// ErrAlreadyRegistered is returned when the identity already has a passkey.
	ErrAlreadyRegistered = errors.New("user already registered")

	// ErrRegistrationInProgress is returned when an unexpired registration
	// challenge is still pending for the identity.
	ErrRegistrationInProgress = errors.New("registration already in progress")

	// ErrChallengeNotFound is returned when a challenge is absent or was
	// already consumed.
	ErrChallengeNotFound = errors.New("challenge not found or already used")

	// ErrChallengeExpired is returned when the ceremony outlived the
	// challenge TTL. The stale challenge is gone; the caller may retry
	// from the beginning.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrNoSuchCredential is returned when the presented credential id is
	// unknown or the credential has been revoked.
	ErrNoSuchCredential = errors.New("unknown credential")

	// ErrReplayDetected is returned when an assertion's sign counter does
	// not strictly exceed the stored one. Zero-to-zero is exempt:
	// authenticators without counters report zero on every use.
	ErrReplayDetected = errors.New("sign counter regression, possible cloned authenticator")

	// ErrOriginMismatch is returned when the client signed for a different
	// origin than the relying party expects.
	ErrOriginMismatch = errors.New("origin mismatch")

	// ErrRPMismatch is returned when the relying-party id hash does not match.
	ErrRPMismatch = errors.New("relying party mismatch")

	// ErrUserVerification is returned when the authenticator did not verify
	// the user even though verification is required.
	ErrUserVerification = errors.New("user verification not satisfied")

	// ErrMalformedAssertion is returned when the client payload cannot be parsed.
	ErrMalformedAssertion = errors.New("malformed assertion")

	// ErrAssertionInvalid is returned for any other cryptographic
	// verification failure.
	ErrAssertionInvalid = errors.New("assertion verification failed")
)
