// ABOUTME: Session token issuer and validator keyed per credential
// ABOUTME: HS256 tokens whose signing secret lives on the passkey that minted them

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mattholy/mossy/internal/store"
)

// DefaultSessionLifetime is how long an issued session stays valid.
const DefaultSessionLifetime = 48 * time.Hour

// Identity is the result of a successful token validation.
type Identity struct {
	Username     string
	SessionID    string
	CredentialID string
	ExpiresAt    time.Time
}

// Issuer mints and validates session tokens. Each token is an HS256 JWT
// signed with the secret of the credential that authenticated the
// session, so revoking a credential invalidates every token it signed
// without any shared key rotation.
type Issuer struct {
	store    store.Store
	lifetime time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewIssuer creates a session issuer backed by the given store.
func NewIssuer(st store.Store, lifetime time.Duration) *Issuer {
	if lifetime <= 0 {
		lifetime = DefaultSessionLifetime
	}
	return &Issuer{
		store:    st,
		lifetime: lifetime,
		logger:   slog.Default().With("component", "auth"),
		now:      time.Now,
	}
}

// Issue creates a session for an authenticated credential and returns the
// signed token. The token's jti is the session id; the session row is the
// server-side anchor that revocation flips.
func (i *Issuer) Issue(ctx context.Context, cred *store.Credential, userAgent string) (string, *store.Session, error) {
	now := i.now()
	session := &store.Session{
		ID:           uuid.NewString(),
		CredentialID: cred.ID,
		Username:     cred.Username,
		UserAgent:    userAgent,
		IssuedAt:     now,
		ExpiresAt:    now.Add(i.lifetime),
		Active:       true,
	}

	claims := jwt.RegisteredClaims{
		ID:        session.ID,
		Subject:   cred.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cred.SigningSecret))
	if err != nil {
		return "", nil, fmt.Errorf("signing session token: %w", err)
	}

	if err := i.store.CreateSession(ctx, session); err != nil {
		return "", nil, fmt.Errorf("storing session: %w", err)
	}

	i.logger.Info("session issued", "user", cred.Username, "session_id", session.ID, "credential_id", cred.ID)
	return token, session, nil
}

// Validate checks a presented token in two phases. The first decode is
// unverified and only recovers the jti, which locates the session and
// from it the credential whose secret keys the signature; the second
// decode verifies the signature with that secret. Nothing from the first
// decode is trusted beyond the lookup key.
func (i *Issuer) Validate(ctx context.Context, tokenString, userAgent string) (*Identity, error) {
	parser := jwt.NewParser()
	unverified := &jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, unverified); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if unverified.ID == "" {
		return nil, fmt.Errorf("%w: missing token id", ErrTokenMalformed)
	}

	session, err := i.store.GetSession(ctx, unverified.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	if !session.Active {
		return nil, ErrSessionRevoked
	}

	cred, err := i.store.GetCredential(ctx, session.CredentialID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCredentialRevoked
		}
		return nil, fmt.Errorf("looking up credential: %w", err)
	}
	if cred.Revoked {
		return nil, ErrCredentialRevoked
	}

	// Claims validation is deferred so the client-binding check runs
	// before expiry; the session row carries the authoritative deadline.
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return []byte(cred.SigningSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject != session.Username {
		return nil, ErrTokenInvalid
	}

	// Strict comparison. A session issued without a user agent is bound
	// to clients that present none.
	if session.UserAgent != userAgent {
		i.logger.Warn("session presented from unexpected client", "session_id", session.ID, "user", session.Username)
		return nil, ErrUserAgentMismatch
	}
	if i.now().After(session.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	return &Identity{
		Username:     session.Username,
		SessionID:    session.ID,
		CredentialID: session.CredentialID,
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

// Revoke deactivates a session. Already-revoked and unknown sessions are
// not distinguished; revocation is idempotent.
func (i *Issuer) Revoke(ctx context.Context, sessionID string) error {
	if err := i.store.SetSessionActive(ctx, sessionID, false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("revoking session: %w", err)
	}
	i.logger.Info("session revoked", "session_id", sessionID)
	return nil
}
