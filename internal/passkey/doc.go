// ABOUTME: Package documentation for the passkey ceremony engine
// ABOUTME: Explains the two-ceremony model and single-use challenge contract

// Package passkey implements the WebAuthn registration and authentication
// ceremonies.
//
// Every ceremony is a begin/finish pair joined by a single-use challenge.
// Begin generates options and persists the serialized session state;
// finish atomically consumes the challenge before any verification runs,
// so no response can be replayed against it and concurrent completions
// resolve to exactly one winner. Challenges expire after a configurable
// TTL (three minutes by default) measured from issuance.
//
// Registration requires user verification and a resident key. Each stored
// credential carries its own random signing secret used by the auth
// package to key session tokens, and a device class derived from the
// authenticator's backup-eligible flag.
//
// Authentication is discoverable: the client presents a credential and
// the engine resolves the account from it. Assertions must advance the
// signature counter strictly, with the both-zero exception for
// authenticators that never increment; a regression is treated as a
// cloned-credential signal and rejected.
package passkey
