// ABOUTME: Passkey ceremony engine driving registration and authentication
// ABOUTME: Owns challenge lifecycle, attestation/assertion verification, and counter tracking

package passkey

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mattholy/mossy/internal/store"
)

// DefaultChallengeTTL bounds how long a client has to complete a ceremony.
const DefaultChallengeTTL = 3 * time.Minute

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,64}$`)

// Config holds the relying-party identity the engine verifies against.
type Config struct {
	RPID         string
	RPName       string
	RPOrigins    []string
	ChallengeTTL time.Duration
}

// RequestContext carries the client context recorded with a challenge.
type RequestContext struct {
	UserAgent  string
	RemoteAddr string
}

// RegistrationChallenge is the begin-registration output: an opaque
// challenge id plus the creation options to relay to the client.
type RegistrationChallenge struct {
	ChallengeID string
	Options     *protocol.CredentialCreation
}

// LoginChallenge is the begin-authentication output.
type LoginChallenge struct {
	ChallengeID string
	Options     *protocol.CredentialAssertion
}

// RegistrationResult reports a stored credential. RecoveryKey is set only
// when this registration created the account; it is shown once and never
// stored in the clear.
type RegistrationResult struct {
	Credential  *store.Credential
	RecoveryKey string
}

// LoginResult reports a successful authentication ceremony.
type LoginResult struct {
	Credential   *store.Credential
	Username     string
	NewSignCount uint32
}

// Engine drives the WebAuthn registration and authentication ceremonies.
// It holds no mutable state; all synchronization happens through the
// store's atomic challenge consumption and counter compare-and-set.
type Engine struct {
	webauthn *webauthn.WebAuthn
	store    store.Store
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a ceremony engine for the given relying party.
func NewEngine(cfg Config, st store.Store) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	ttl := cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}

	wconfig := &webauthn.Config{
		RPDisplayName: cfg.RPName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: protocol.VerificationRequired,
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: ttl, TimeoutUVD: ttl},
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: ttl, TimeoutUVD: ttl},
		},
	}

	w, err := webauthn.New(wconfig)
	if err != nil {
		return nil, fmt.Errorf("creating webauthn instance: %w", err)
	}

	return &Engine{
		webauthn: w,
		store:    st,
		ttl:      ttl,
		logger:   slog.Default().With("component", "passkey"),
		now:      time.Now,
	}, nil
}

// BeginRegistration starts a registration ceremony for an identity that
// does not have a passkey yet. An unexpired pending registration or an
// existing credential is a conflict; a stale pending registration is
// cleaned up and the new ceremony proceeds.
func (e *Engine) BeginRegistration(ctx context.Context, username string, reqCtx RequestContext) (*RegistrationChallenge, error) {
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}

	creds, err := e.store.GetCredentialsByUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("checking existing credentials: %w", err)
	}
	for _, c := range creds {
		if !c.Revoked {
			return nil, ErrAlreadyRegistered
		}
	}

	pending, err := e.store.GetChallengeByUser(ctx, username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking pending registration: %w", err)
	}
	if pending != nil {
		if e.now().Sub(pending.CreatedAt) <= e.ttl {
			return nil, ErrRegistrationInProgress
		}
		e.logger.Debug("removing stale registration challenge", "user", username, "challenge_id", pending.ID)
		if err := e.store.DeleteChallenge(ctx, pending.ID); err != nil {
			return nil, fmt.Errorf("removing stale challenge: %w", err)
		}
	}

	user := &ceremonyUser{username: username}
	options, session, err := e.webauthn.BeginRegistration(user)
	if err != nil {
		return nil, fmt.Errorf("generating registration options: %w", err)
	}

	challengeID, err := e.persistChallenge(ctx, username, session, reqCtx)
	if err != nil {
		return nil, err
	}

	e.logger.Info("registration ceremony started", "user", username, "challenge_id", challengeID)
	return &RegistrationChallenge{ChallengeID: challengeID, Options: options}, nil
}

// FinishRegistration completes a registration ceremony. The challenge is
// consumed atomically up front, so a concurrent duplicate completion
// observes ErrChallengeNotFound regardless of which copy wins.
func (e *Engine) FinishRegistration(ctx context.Context, challengeID string, credentialJSON []byte, reqCtx RequestContext) (*RegistrationResult, error) {
	challenge, err := e.consumeChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if challenge.User == "" {
		return nil, ErrChallengeNotFound
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(credentialJSON))
	if err != nil {
		return nil, classifyVerificationError(err)
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(challenge.SessionData, &session); err != nil {
		return nil, fmt.Errorf("decoding challenge session: %w", err)
	}

	user := &ceremonyUser{username: challenge.User}
	webauthnCred, err := e.webauthn.CreateCredential(user, session, parsed)
	if err != nil {
		return nil, classifyVerificationError(err)
	}
	if !webauthnCred.Flags.UserVerified {
		return nil, ErrUserVerification
	}

	secret, err := newSigningSecret()
	if err != nil {
		return nil, fmt.Errorf("generating signing secret: %w", err)
	}

	transportsJSON, err := json.Marshal(webauthnCred.Transport)
	if err != nil {
		return nil, fmt.Errorf("encoding transports: %w", err)
	}

	deviceClass := store.DeviceClassSingle
	if webauthnCred.Flags.BackupEligible {
		deviceClass = store.DeviceClassMulti
	}

	cred := &store.Credential{
		ID:              uuid.NewString(),
		Username:        challenge.User,
		CredentialID:    webauthnCred.ID,
		PublicKey:       webauthnCred.PublicKey,
		AttestationType: webauthnCred.AttestationType,
		Transports:      string(transportsJSON),
		SignCount:       webauthnCred.Authenticator.SignCount,
		SigningSecret:   secret,
		DeviceClass:     deviceClass,
		CreatedAt:       e.now(),
	}

	recoveryKey, err := e.ensureUser(ctx, challenge.User)
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateCredential(ctx, cred); err != nil {
		if errors.Is(err, store.ErrDuplicateCredential) {
			return nil, ErrAlreadyRegistered
		}
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	e.logger.Info("passkey registered", "user", challenge.User, "credential_id", cred.ID, "device_class", deviceClass)
	return &RegistrationResult{Credential: cred, RecoveryKey: recoveryKey}, nil
}

// BeginLogin starts an authentication ceremony. No identity is required:
// credential discovery is client-driven.
func (e *Engine) BeginLogin(ctx context.Context, reqCtx RequestContext) (*LoginChallenge, error) {
	options, session, err := e.webauthn.BeginDiscoverableLogin()
	if err != nil {
		return nil, fmt.Errorf("generating login options: %w", err)
	}

	challengeID, err := e.persistChallenge(ctx, "", session, reqCtx)
	if err != nil {
		return nil, err
	}

	return &LoginChallenge{ChallengeID: challengeID, Options: options}, nil
}

// FinishLogin completes an authentication ceremony: resolves the presented
// credential, verifies the assertion, enforces the anti-replay counter
// rule, and advances the stored counter with compare-and-set. Exactly one
// of two racing completions can succeed; the loser observes
// ErrChallengeNotFound or store.ErrStaleCounter.
func (e *Engine) FinishLogin(ctx context.Context, challengeID string, credentialJSON []byte, reqCtx RequestContext) (*LoginResult, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(credentialJSON))
	if err != nil {
		return nil, classifyVerificationError(err)
	}

	stored, err := e.store.GetCredentialByCredentialID(ctx, parsed.RawID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoSuchCredential
		}
		return nil, fmt.Errorf("resolving credential: %w", err)
	}
	if stored.Revoked {
		return nil, ErrNoSuchCredential
	}

	challenge, err := e.consumeChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if challenge.User != "" {
		// A registration challenge cannot authorize a login.
		return nil, ErrChallengeNotFound
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(challenge.SessionData, &session); err != nil {
		return nil, fmt.Errorf("decoding challenge session: %w", err)
	}

	creds, err := e.store.GetCredentialsByUser(ctx, stored.Username)
	if err != nil {
		return nil, fmt.Errorf("loading user credentials: %w", err)
	}
	user := &ceremonyUser{username: stored.Username, creds: creds}

	verified, err := e.webauthn.ValidateDiscoverableLogin(e.credentialFinder(user), session, parsed)
	if err != nil {
		return nil, classifyVerificationError(err)
	}

	newCount := verified.Authenticator.SignCount
	if verified.Authenticator.CloneWarning || !counterAdvanced(stored.SignCount, newCount) {
		e.logger.Warn("sign counter regression",
			"user", stored.Username,
			"credential_id", stored.ID,
			"stored", stored.SignCount,
			"reported", newCount,
		)
		return nil, ErrReplayDetected
	}

	if err := e.store.AdvanceSignCount(ctx, stored.ID, stored.SignCount, newCount); err != nil {
		return nil, fmt.Errorf("advancing sign counter: %w", err)
	}
	stored.SignCount = newCount

	e.logger.Info("passkey login verified", "user", stored.Username, "credential_id", stored.ID)
	return &LoginResult{Credential: stored, Username: stored.Username, NewSignCount: newCount}, nil
}

// credentialFinder builds the discoverable-login handler. The user handle
// reported by the authenticator must match the resolved account.
func (e *Engine) credentialFinder(user *ceremonyUser) func(rawID, userHandle []byte) (webauthn.User, error) {
	return func(rawID, userHandle []byte) (webauthn.User, error) {
		if len(userHandle) > 0 && string(userHandle) != user.username {
			return nil, errors.New("user handle mismatch")
		}
		return user, nil
	}
}

// persistChallenge serializes the webauthn session state and stores it
// with the requester context.
func (e *Engine) persistChallenge(ctx context.Context, username string, session *webauthn.SessionData, reqCtx RequestContext) (string, error) {
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("encoding challenge session: %w", err)
	}

	challenge := &store.Challenge{
		ID:          uuid.NewString(),
		User:        username,
		SessionData: sessionJSON,
		UserAgent:   reqCtx.UserAgent,
		RemoteAddr:  reqCtx.RemoteAddr,
		CreatedAt:   e.now(),
	}
	if err := e.store.CreateChallenge(ctx, challenge); err != nil {
		return "", fmt.Errorf("storing challenge: %w", err)
	}
	return challenge.ID, nil
}

// consumeChallenge atomically claims the challenge and applies the TTL.
// Expiry is discovered after the atomic delete, so a timed-out ceremony
// also clears its pending-registration marker and a retry can proceed.
func (e *Engine) consumeChallenge(ctx context.Context, id string) (*store.Challenge, error) {
	challenge, err := e.store.ConsumeChallenge(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}
	if e.now().Sub(challenge.CreatedAt) > e.ttl {
		e.logger.Debug("challenge expired", "challenge_id", id, "issued_at", challenge.CreatedAt)
		return nil, ErrChallengeExpired
	}
	return challenge, nil
}

// ensureUser creates the account row on first registration and returns
// the one-time recovery key. An existing account returns no key.
func (e *Engine) ensureUser(ctx context.Context, username string) (string, error) {
	_, err := e.store.GetUser(ctx, username)
	if err == nil {
		return "", nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("looking up user: %w", err)
	}

	recoveryKey, err := newRecoveryKey()
	if err != nil {
		return "", fmt.Errorf("generating recovery key: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(recoveryKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing recovery key: %w", err)
	}

	user := &store.User{
		Username:        username,
		RecoveryKeyHash: string(hash),
		CreatedAt:       e.now(),
	}
	if err := e.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			// Lost a creation race; the account exists now.
			return "", nil
		}
		return "", fmt.Errorf("creating user: %w", err)
	}
	return recoveryKey, nil
}

// newSigningSecret returns 32 random bytes hex-encoded. The secret keys
// session tokens for a single credential and never leaves the server.
func newSigningSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// newRecoveryKey returns four dash-separated groups of six lowercase
// letters, e.g. "qwerty-asdfgh-zxcvbn-poiuyt".
func newRecoveryKey() (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	groups := make([]string, 4)
	buf := make([]byte, 6)
	for i := range groups {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		chars := make([]byte, len(buf))
		for j, b := range buf {
			chars[j] = letters[int(b)%len(letters)]
		}
		groups[i] = string(chars)
	}
	return strings.Join(groups, "-"), nil
}
