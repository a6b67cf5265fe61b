// ABOUTME: Request handlers for the passkey ceremonies and session endpoints
// ABOUTME: Decodes JSON, calls the core, translates error kinds to statuses

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mattholy/mossy/internal/auth"
	"github.com/mattholy/mossy/internal/passkey"
	"github.com/mattholy/mossy/internal/store"
)

const maxBodyBytes = 1 << 20

func requestContext(r *http.Request) passkey.RequestContext {
	return passkey.RequestContext{
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return token
	}
	return ""
}

func (s *Server) handleRegistrationOptions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	challenge, err := s.engine.BeginRegistration(r.Context(), req.Username, requestContext(r))
	if err != nil {
		s.writeCeremonyError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": challenge.ChallengeID,
		"options":      challenge.Options,
	})
}

func (s *Server) handleRegistrationFinish(w http.ResponseWriter, r *http.Request) {
	challengeID, credential, ok := s.decodeFinish(w, r)
	if !ok {
		return
	}

	result, err := s.engine.FinishRegistration(r.Context(), challengeID, credential, requestContext(r))
	if err != nil {
		s.writeCeremonyError(w, err)
		return
	}

	token, _, err := s.issuer.Issue(r.Context(), result.Credential, r.UserAgent())
	if err != nil {
		s.logger.Error("failed to issue session after registration", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}

	resp := map[string]any{
		"token":        token,
		"username":     result.Credential.Username,
		"device_class": result.Credential.DeviceClass,
	}
	if result.RecoveryKey != "" {
		resp["recovery_key"] = result.RecoveryKey
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLoginOptions(w http.ResponseWriter, r *http.Request) {
	challenge, err := s.engine.BeginLogin(r.Context(), requestContext(r))
	if err != nil {
		s.writeCeremonyError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"challenge_id": challenge.ChallengeID,
		"options":      challenge.Options,
	})
}

func (s *Server) handleLoginFinish(w http.ResponseWriter, r *http.Request) {
	challengeID, credential, ok := s.decodeFinish(w, r)
	if !ok {
		return
	}

	result, err := s.engine.FinishLogin(r.Context(), challengeID, credential, requestContext(r))
	if err != nil {
		s.writeCeremonyError(w, err)
		return
	}

	token, _, err := s.issuer.Issue(r.Context(), result.Credential, r.UserAgent())
	if err != nil {
		s.logger.Error("failed to issue session after login", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"token":        token,
		"username":     result.Username,
		"device_class": result.Credential.DeviceClass,
	})
}

func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.writeError(w, http.StatusUnauthorized, "missing_token", "no bearer token")
		return
	}

	identity, err := s.issuer.Validate(r.Context(), token, r.UserAgent())
	if err != nil {
		s.writeTokenError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"username":   identity.Username,
		"session_id": identity.SessionID,
		"expires_at": identity.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.writeError(w, http.StatusUnauthorized, "missing_token", "no bearer token")
		return
	}

	identity, err := s.issuer.Validate(r.Context(), token, r.UserAgent())
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	if err := s.issuer.Revoke(r.Context(), identity.SessionID); err != nil {
		s.logger.Error("failed to revoke session", "session_id", identity.SessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "failed to revoke session")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeFinish reads the shared finish-ceremony request shape. The
// credential is kept as raw JSON; parsing belongs to the engine.
func (s *Server) decodeFinish(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	var req struct {
		ChallengeID string          `json:"challenge_id"`
		Credential  json.RawMessage `json:"credential"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return "", nil, false
	}
	if req.ChallengeID == "" || len(req.Credential) == 0 {
		s.writeError(w, http.StatusBadRequest, "bad_request", "challenge_id and credential are required")
		return "", nil, false
	}
	return req.ChallengeID, req.Credential, true
}

// writeCeremonyError maps engine failures to HTTP statuses. Conflicts are
// 403, an expired challenge is 406, and everything else that is the
// client's fault collapses into 401 so responses do not reveal which
// verification step failed; only origin mismatch keeps a distinct code
// because it usually means a misconfigured deployment, not an attack.
func (s *Server) writeCeremonyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, passkey.ErrInvalidUsername):
		s.writeError(w, http.StatusBadRequest, "invalid_username", "username must be 3-64 characters of a-z, A-Z, 0-9, _ or -")
	case errors.Is(err, passkey.ErrAlreadyRegistered):
		s.writeError(w, http.StatusForbidden, "already_registered", "identity already has a passkey")
	case errors.Is(err, passkey.ErrRegistrationInProgress):
		s.writeError(w, http.StatusForbidden, "registration_in_progress", "a registration ceremony is already pending")
	case errors.Is(err, passkey.ErrChallengeExpired):
		s.writeError(w, http.StatusNotAcceptable, "challenge_expired", "challenge expired, request new options")
	case errors.Is(err, passkey.ErrOriginMismatch):
		s.writeError(w, http.StatusUnauthorized, "origin_mismatch", "response origin does not match this relying party")
	case errors.Is(err, passkey.ErrChallengeNotFound),
		errors.Is(err, passkey.ErrNoSuchCredential),
		errors.Is(err, passkey.ErrReplayDetected),
		errors.Is(err, passkey.ErrRPMismatch),
		errors.Is(err, passkey.ErrUserVerification),
		errors.Is(err, passkey.ErrMalformedAssertion),
		errors.Is(err, passkey.ErrAssertionInvalid),
		errors.Is(err, store.ErrStaleCounter):
		s.writeError(w, http.StatusUnauthorized, "authentication_failed", "could not verify the ceremony response")
	case errors.Is(err, store.ErrUnavailable):
		s.logger.Error("store unavailable", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "temporary storage failure")
	default:
		s.logger.Error("ceremony failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "ceremony failed")
	}
}

func (s *Server) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		s.writeError(w, http.StatusUnauthorized, "token_expired", "session has expired")
	case errors.Is(err, auth.ErrTokenMalformed),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrSessionRevoked),
		errors.Is(err, auth.ErrCredentialRevoked),
		errors.Is(err, auth.ErrUserAgentMismatch):
		s.writeError(w, http.StatusUnauthorized, "invalid_token", "session token was rejected")
	case errors.Is(err, store.ErrUnavailable):
		s.logger.Error("store unavailable", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "temporary storage failure")
	default:
		s.logger.Error("token validation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "validation failed")
	}
}
