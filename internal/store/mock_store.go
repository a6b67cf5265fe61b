// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing. Its
// ConsumeChallenge and AdvanceSignCount honor the same atomicity contract
// as SQLiteStore: all mutations happen under one lock.
type MockStore struct {
	mu          sync.RWMutex
	users       map[string]*User       // keyed by username
	challenges  map[string]*Challenge  // keyed by challenge ID
	credentials map[string]*Credential // keyed by credential row ID
	sessions    map[string]*Session    // keyed by token ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:       make(map[string]*User),
		challenges:  make(map[string]*Challenge),
		credentials: make(map[string]*Credential),
		sessions:    make(map[string]*Session),
	}
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.Username]; ok {
		return ErrDuplicateUser
	}
	u := *user
	m.users[u.Username] = &u
	return nil
}

// GetUser retrieves a user by username.
func (m *MockStore) GetUser(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	u := *user
	return &u, nil
}

// ListUsers retrieves all registered users.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var users []*User
	for _, user := range m.users {
		u := *user
		users = append(users, &u)
	}
	return users, nil
}

// CreateChallenge stores a new challenge.
func (m *MockStore) CreateChallenge(ctx context.Context, challenge *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *challenge
	m.challenges[c.ID] = &c
	return nil
}

// GetChallengeByUser returns the newest challenge recorded for a user.
func (m *MockStore) GetChallengeByUser(ctx context.Context, username string) (*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *Challenge
	for _, c := range m.challenges {
		if c.User != username {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	c := *newest
	return &c, nil
}

// ConsumeChallenge atomically deletes and returns a challenge.
func (m *MockStore) ConsumeChallenge(ctx context.Context, id string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	challenge, ok := m.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.challenges, id)
	c := *challenge
	return &c, nil
}

// DeleteChallenge removes a challenge by id.
func (m *MockStore) DeleteChallenge(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.challenges, id)
	return nil
}

// DeleteExpiredChallenges removes challenges issued before the cutoff.
func (m *MockStore) DeleteExpiredChallenges(ctx context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.challenges {
		if c.CreatedAt.Before(before) {
			delete(m.challenges, id)
		}
	}
	return nil
}

// CreateCredential stores a new credential.
func (m *MockStore) CreateCredential(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.credentials {
		if bytes.Equal(existing.CredentialID, cred.CredentialID) {
			return ErrDuplicateCredential
		}
	}
	c := *cred
	m.credentials[c.ID] = &c
	return nil
}

// GetCredential retrieves a credential by row id.
func (m *MockStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cred
	return &c, nil
}

// GetCredentialByCredentialID retrieves a credential by raw authenticator id.
func (m *MockStore) GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cred := range m.credentials {
		if bytes.Equal(cred.CredentialID, credentialID) {
			c := *cred
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// GetCredentialsByUser retrieves all credentials for a user.
func (m *MockStore) GetCredentialsByUser(ctx context.Context, username string) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var creds []*Credential
	for _, cred := range m.credentials {
		if cred.Username == username {
			c := *cred
			creds = append(creds, &c)
		}
	}
	return creds, nil
}

// AdvanceSignCount updates the counter with compare-and-set semantics.
func (m *MockStore) AdvanceSignCount(ctx context.Context, id string, expectedOld, newCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.credentials[id]
	if !ok {
		return ErrNotFound
	}
	if cred.SignCount != expectedOld {
		return ErrStaleCounter
	}
	cred.SignCount = newCount
	now := time.Now().UTC()
	cred.LastUsedAt = &now
	return nil
}

// RevokeCredential marks a credential revoked.
func (m *MockStore) RevokeCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, ok := m.credentials[id]
	if !ok {
		return ErrNotFound
	}
	cred.Revoked = true
	return nil
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by token id.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s := *session
	return &s, nil
}

// SetSessionActive flips the active flag.
func (m *MockStore) SetSessionActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Active = active
	return nil
}

// ListSessionsByUser retrieves all sessions for a user.
func (m *MockStore) ListSessionsByUser(ctx context.Context, username string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*Session
	for _, session := range m.sessions {
		if session.Username == username {
			s := *session
			sessions = append(sessions, &s)
		}
	}
	return sessions, nil
}

// DeleteExpiredSessions removes sessions expired before the cutoff.
func (m *MockStore) DeleteExpiredSessions(ctx context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		if session.ExpiresAt.Before(before) {
			delete(m.sessions, id)
		}
	}
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)
