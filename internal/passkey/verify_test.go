// ABOUTME: Tests for verification error classification
// ABOUTME: Maps protocol errors onto the ceremony error taxonomy

package passkey

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
)

func TestClassifyVerificationError(t *testing.T) {
	tests := []struct {
		name    string
		details string
		want    error
	}{
		{"origin", "Error validating origin", ErrOriginMismatch},
		{"rp id", "RP ID hash mismatch", ErrRPMismatch},
		{"user verification", "User verification required but flag not set", ErrUserVerification},
		{"parse failure", "Unable to parse credential request data", ErrMalformedAssertion},
		{"challenge mismatch", "Error validating challenge", ErrAssertionInvalid},
		{"unknown", "Something cryptographic went wrong", ErrAssertionInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			protoErr := &protocol.Error{Type: "verification_error", Details: tt.details}
			got := classifyVerificationError(protoErr)
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%q) = %v, want %v", tt.details, got, tt.want)
			}
		})
	}
}

func TestClassifyVerificationError_Wrapped(t *testing.T) {
	inner := &protocol.Error{Type: "verification_error", Details: "Error validating origin"}
	wrapped := fmt.Errorf("creating credential: %w", inner)
	if got := classifyVerificationError(wrapped); !errors.Is(got, ErrOriginMismatch) {
		t.Errorf("wrapped protocol error = %v, want ErrOriginMismatch", got)
	}
}

func TestClassifyVerificationError_NonProtocol(t *testing.T) {
	got := classifyVerificationError(errors.New("plain failure"))
	if !errors.Is(got, ErrAssertionInvalid) {
		t.Errorf("non-protocol error = %v, want ErrAssertionInvalid", got)
	}
}
