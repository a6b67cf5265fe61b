// ABOUTME: Package documentation for session tokens
// ABOUTME: Describes the per-credential signing model and two-phase validation

// Package auth issues and validates session tokens for authenticated
// passkeys.
//
// Tokens are HS256 JWTs signed with the secret stored on the credential
// that completed the ceremony, not a server-wide key. Validation is
// two-phase: an unverified decode recovers the token id, which locates
// the session and through it the signing credential; only then is the
// signature verified with that credential's secret. Revoking either the
// session or the credential invalidates the token immediately.
package auth
