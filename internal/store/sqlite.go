// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides passkey/challenge/session persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			username          TEXT PRIMARY KEY,
			recovery_key_hash TEXT NOT NULL,
			created_at        TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS challenges (
			id           TEXT PRIMARY KEY,
			user         TEXT,
			session_data BLOB NOT NULL,
			user_agent   TEXT,
			remote_addr  TEXT,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_challenges_user ON challenges(user);

		CREATE TABLE IF NOT EXISTS credentials (
			id               TEXT PRIMARY KEY,
			username         TEXT NOT NULL,
			credential_id    BLOB NOT NULL UNIQUE,
			public_key       BLOB NOT NULL,
			attestation_type TEXT,
			transports       TEXT,
			sign_count       INTEGER NOT NULL DEFAULT 0,
			signing_secret   TEXT NOT NULL,
			device_class     TEXT NOT NULL,
			revoked          INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			last_used_at     TEXT,

			CHECK (device_class IN ('single_device', 'multi_device'))
		);

		CREATE INDEX IF NOT EXISTS idx_credentials_username ON credentials(username);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			credential_id TEXT NOT NULL,
			username      TEXT NOT NULL,
			user_agent    TEXT,
			issued_at     TEXT NOT NULL,
			expires_at    TEXT NOT NULL,
			active        INTEGER NOT NULL DEFAULT 1,

			FOREIGN KEY (credential_id) REFERENCES credentials(id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_username ON sessions(username);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// unavailable tags a driver-level failure so callers can distinguish
// transient store trouble from domain outcomes and retry with backoff.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

// CreateUser creates a new user row.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, recovery_key_hash, created_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.Username,
		user.RecoveryKeyHash,
		user.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateUser
		}
		return unavailable("inserting user", err)
	}

	s.logger.Info("created user", "username", user.Username)
	return nil
}

// GetUser retrieves a user by username.
func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT username, recovery_key_hash, created_at
		FROM users
		WHERE username = ?
	`

	var user User
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.Username,
		&user.RecoveryKeyHash,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying user", err)
	}

	user.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &user, nil
}

// ListUsers retrieves all registered users ordered by username.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	query := `
		SELECT username, recovery_key_hash, created_at
		FROM users
		ORDER BY username
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, unavailable("querying users", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		var user User
		var createdAt string
		if err := rows.Scan(&user.Username, &user.RecoveryKeyHash, &createdAt); err != nil {
			return nil, unavailable("scanning user", err)
		}
		user.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		users = append(users, &user)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating users", err)
	}
	return users, nil
}

// CreateChallenge stores a new ceremony challenge.
func (s *SQLiteStore) CreateChallenge(ctx context.Context, challenge *Challenge) error {
	query := `
		INSERT INTO challenges (id, user, session_data, user_agent, remote_addr, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		challenge.ID,
		challenge.User,
		challenge.SessionData,
		challenge.UserAgent,
		challenge.RemoteAddr,
		challenge.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return unavailable("inserting challenge", err)
	}
	return nil
}

// GetChallengeByUser retrieves the pending registration challenge for a user, if any.
func (s *SQLiteStore) GetChallengeByUser(ctx context.Context, username string) (*Challenge, error) {
	query := `
		SELECT id, user, session_data, user_agent, remote_addr, created_at
		FROM challenges
		WHERE user = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := s.db.QueryRowContext(ctx, query, username)
	return s.scanChallenge(row)
}

// ConsumeChallenge atomically deletes and returns a challenge. The single
// DELETE ... RETURNING statement guarantees at-most-once consumption even
// under concurrent ceremony completions.
func (s *SQLiteStore) ConsumeChallenge(ctx context.Context, id string) (*Challenge, error) {
	query := `
		DELETE FROM challenges
		WHERE id = ?
		RETURNING id, user, session_data, user_agent, remote_addr, created_at
	`

	row := s.db.QueryRowContext(ctx, query, id)
	return s.scanChallenge(row)
}

func (s *SQLiteStore) scanChallenge(row *sql.Row) (*Challenge, error) {
	var challenge Challenge
	var user, userAgent, remoteAddr sql.NullString
	var createdAt string

	err := row.Scan(
		&challenge.ID,
		&user,
		&challenge.SessionData,
		&userAgent,
		&remoteAddr,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scanning challenge", err)
	}

	challenge.User = user.String
	challenge.UserAgent = userAgent.String
	challenge.RemoteAddr = remoteAddr.String
	challenge.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &challenge, nil
}

// DeleteChallenge removes a challenge by id.
func (s *SQLiteStore) DeleteChallenge(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE id = ?`, id)
	if err != nil {
		return unavailable("deleting challenge", err)
	}
	return nil
}

// DeleteExpiredChallenges removes all challenges issued before the cutoff.
func (s *SQLiteStore) DeleteExpiredChallenges(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM challenges WHERE created_at < ?`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return unavailable("deleting expired challenges", err)
	}
	return nil
}

// CreateCredential stores a new passkey credential.
func (s *SQLiteStore) CreateCredential(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO credentials (id, username, credential_id, public_key, attestation_type,
			transports, sign_count, signing_secret, device_class, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cred.ID,
		cred.Username,
		cred.CredentialID,
		cred.PublicKey,
		cred.AttestationType,
		cred.Transports,
		cred.SignCount,
		cred.SigningSecret,
		cred.DeviceClass,
		cred.Revoked,
		cred.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateCredential
		}
		return unavailable("inserting credential", err)
	}

	s.logger.Info("created credential", "id", cred.ID, "username", cred.Username, "device_class", cred.DeviceClass)
	return nil
}

// GetCredential retrieves a credential by id.
func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, credentialQuery+` WHERE id = ?`, id)
	return scanCredential(row)
}

// GetCredentialByCredentialID retrieves a credential by its raw authenticator id.
func (s *SQLiteStore) GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, credentialQuery+` WHERE credential_id = ?`, credentialID)
	return scanCredential(row)
}

const credentialQuery = `
	SELECT id, username, credential_id, public_key, attestation_type,
		transports, sign_count, signing_secret, device_class, revoked,
		created_at, last_used_at
	FROM credentials
`

type credentialScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row credentialScanner) (*Credential, error) {
	var cred Credential
	var attestationType, transports, lastUsedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&cred.ID,
		&cred.Username,
		&cred.CredentialID,
		&cred.PublicKey,
		&attestationType,
		&transports,
		&cred.SignCount,
		&cred.SigningSecret,
		&cred.DeviceClass,
		&cred.Revoked,
		&createdAt,
		&lastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scanning credential", err)
	}

	cred.AttestationType = attestationType.String
	cred.Transports = transports.String
	cred.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastUsedAt.Valid {
		t, err := time.Parse(time.RFC3339, lastUsedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_used_at: %w", err)
		}
		cred.LastUsedAt = &t
	}
	return &cred, nil
}

// GetCredentialsByUser retrieves all credentials registered to a user,
// revoked ones included.
func (s *SQLiteStore) GetCredentialsByUser(ctx context.Context, username string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, credentialQuery+` WHERE username = ? ORDER BY created_at`, username)
	if err != nil {
		return nil, unavailable("querying credentials", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating credentials", err)
	}
	return creds, nil
}

// AdvanceSignCount updates the sign counter only if the stored value still
// equals expectedOld. The conditional UPDATE is the synchronization point
// for racing authentication completions; the loser sees ErrStaleCounter.
func (s *SQLiteStore) AdvanceSignCount(ctx context.Context, id string, expectedOld, newCount uint32) error {
	query := `
		UPDATE credentials
		SET sign_count = ?, last_used_at = ?
		WHERE id = ? AND sign_count = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		newCount,
		time.Now().UTC().Format(time.RFC3339),
		id,
		expectedOld,
	)
	if err != nil {
		return unavailable("updating sign count", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("checking sign count update", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM credentials WHERE id = ?)`, id,
		).Scan(&exists); err != nil {
			return unavailable("checking credential existence", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleCounter
	}
	return nil
}

// RevokeCredential marks a credential revoked. The row is kept for audit.
func (s *SQLiteStore) RevokeCredential(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE credentials SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return unavailable("revoking credential", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("checking revoke", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Info("revoked credential", "id", id)
	return nil
}

// CreateSession stores a new authenticated session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, credential_id, username, user_agent, issued_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.CredentialID,
		session.Username,
		session.UserAgent,
		session.IssuedAt.UTC().Format(time.RFC3339),
		session.ExpiresAt.UTC().Format(time.RFC3339),
		session.Active,
	)
	if err != nil {
		return unavailable("inserting session", err)
	}
	return nil
}

// GetSession retrieves a session by token id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, credential_id, username, user_agent, issued_at, expires_at, active
		FROM sessions
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	return scanSession(row)
}

func scanSession(row credentialScanner) (*Session, error) {
	var session Session
	var userAgent sql.NullString
	var issuedAt, expiresAt string

	err := row.Scan(
		&session.ID,
		&session.CredentialID,
		&session.Username,
		&userAgent,
		&issuedAt,
		&expiresAt,
		&session.Active,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scanning session", err)
	}

	session.UserAgent = userAgent.String
	session.IssuedAt, err = time.Parse(time.RFC3339, issuedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}
	session.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &session, nil
}

// SetSessionActive flips the active flag. Idempotent: setting an already
// matching state is a no-op success, but an unknown id is ErrNotFound.
func (s *SQLiteStore) SetSessionActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return unavailable("updating session", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("checking session update", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessionsByUser retrieves all sessions for a user, newest first.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, username string) ([]*Session, error) {
	query := `
		SELECT id, credential_id, username, user_agent, issued_at, expires_at, active
		FROM sessions
		WHERE username = ?
		ORDER BY issued_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, unavailable("querying sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating sessions", err)
	}
	return sessions, nil
}

// DeleteExpiredSessions removes sessions whose expiry is before the cutoff.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return unavailable("deleting expired sessions", err)
	}
	return nil
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
