// ABOUTME: Classification of go-webauthn verification failures
// ABOUTME: Maps library errors onto the ceremony error taxonomy

package passkey

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
)

// classifyVerificationError maps a go-webauthn failure onto the ceremony
// taxonomy. The library reports failures as *protocol.Error with a type
// tag and diagnostic details; everything it cannot parse arrives as a
// parse error, and anything unrecognized collapses into the generic
// ErrAssertionInvalid bucket so external responses cannot reveal which
// cryptographic check failed.
func classifyVerificationError(err error) error {
	var protoErr *protocol.Error
	if !errors.As(err, &protoErr) {
		return fmt.Errorf("%w: %v", ErrAssertionInvalid, err)
	}

	detail := strings.ToLower(protoErr.Type + " " + protoErr.Details + " " + protoErr.DevInfo)
	switch {
	case strings.Contains(detail, "origin"):
		return fmt.Errorf("%w: %s", ErrOriginMismatch, protoErr.Details)
	case strings.Contains(detail, "rp id"), strings.Contains(detail, "relying party"), strings.Contains(detail, "rpid"):
		return fmt.Errorf("%w: %s", ErrRPMismatch, protoErr.Details)
	case strings.Contains(detail, "expire"):
		return ErrChallengeExpired
	case strings.Contains(detail, "user verification"), strings.Contains(detail, "not verified"):
		return fmt.Errorf("%w: %s", ErrUserVerification, protoErr.Details)
	case strings.Contains(detail, "parse"), strings.Contains(detail, "unmarshal"), strings.Contains(detail, "request data"):
		return fmt.Errorf("%w: %s", ErrMalformedAssertion, protoErr.Details)
	case strings.Contains(detail, "challenge"):
		return fmt.Errorf("%w: challenge mismatch", ErrAssertionInvalid)
	default:
		return fmt.Errorf("%w: %s", ErrAssertionInvalid, protoErr.Details)
	}
}

// counterAdvanced reports whether an assertion's counter satisfies the
// anti-replay rule: strictly greater than the stored value, except that
// zero-to-zero is allowed for authenticators that never increment.
func counterAdvanced(stored, reported uint32) bool {
	if stored == 0 && reported == 0 {
		return true
	}
	return reported > stored
}
