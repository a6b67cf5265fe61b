// ABOUTME: Store interface and data types for mossy passkey persistence
// ABOUTME: Defines User, Challenge, Credential, Session and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleCounter is returned when a compare-and-set counter update loses a race.
var ErrStaleCounter = errors.New("stale sign counter")

// ErrDuplicateUser is returned when creating a user whose username is taken.
var ErrDuplicateUser = errors.New("user already exists")

// ErrDuplicateCredential is returned when a raw credential id is already registered.
var ErrDuplicateCredential = errors.New("credential already exists")

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers may retry with backoff; the core never retries on its own.
var ErrUnavailable = errors.New("store unavailable")

// Device classes reported by an authenticator at registration time.
// Multi-device credentials are synced passkeys; their sign counters are
// typically zero forever, which weakens clone detection for that class.
const (
	DeviceClassSingle = "single_device"
	DeviceClassMulti  = "multi_device"
)

// User represents a registered account. Created on first successful
// passkey registration. The recovery key is handed out exactly once;
// only its bcrypt hash is kept.
type User struct {
	Username        string
	RecoveryKeyHash string
	CreatedAt       time.Time
}

// Challenge is a one-time ceremony nonce plus the WebAuthn session state
// needed to verify the client response. User is empty for login challenges
// (credential discovery is client-driven). Consumed exactly once.
type Challenge struct {
	ID          string
	User        string
	SessionData []byte // serialized webauthn.SessionData
	UserAgent   string
	RemoteAddr  string
	CreatedAt   time.Time
}

// Credential is a registered passkey: the authenticator's public key plus
// server-side bookkeeping. SigningSecret keys session tokens for this
// credential only and is never sent to clients. Revoked credentials are
// kept for audit, never deleted.
type Credential struct {
	ID              string
	Username        string
	CredentialID    []byte // raw credential identifier, unique
	PublicKey       []byte
	AttestationType string
	Transports      string // JSON array
	SignCount       uint32
	SigningSecret   string // hex-encoded, 32 random bytes
	DeviceClass     string
	Revoked         bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// Session backs an issued bearer token. ID is the token id (jti claim).
// Deactivated on logout or administrative revocation; expired rows are
// inert and cleaned up lazily.
type Session struct {
	ID           string
	CredentialID string
	Username     string
	UserAgent    string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Active       bool
}

// Store defines the persistence contract for the ceremony engine and the
// session issuer. Implementations must make ConsumeChallenge and
// AdvanceSignCount single atomic operations: concurrent ceremony
// completions race on them, and exactly one caller may win.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)

	// Challenges
	CreateChallenge(ctx context.Context, challenge *Challenge) error
	GetChallengeByUser(ctx context.Context, username string) (*Challenge, error)
	// ConsumeChallenge atomically deletes and returns the challenge.
	// A second consume of the same id returns ErrNotFound.
	ConsumeChallenge(ctx context.Context, id string) (*Challenge, error)
	DeleteChallenge(ctx context.Context, id string) error
	DeleteExpiredChallenges(ctx context.Context, before time.Time) error

	// Credentials
	CreateCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error)
	GetCredentialsByUser(ctx context.Context, username string) ([]*Credential, error)
	// AdvanceSignCount updates the counter only if it still equals
	// expectedOld. A compare-and-set miss returns ErrStaleCounter.
	AdvanceSignCount(ctx context.Context, id string, expectedOld, newCount uint32) error
	RevokeCredential(ctx context.Context, id string) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	SetSessionActive(ctx context.Context, id string, active bool) error
	ListSessionsByUser(ctx context.Context, username string) ([]*Session, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) error

	Close() error
}
