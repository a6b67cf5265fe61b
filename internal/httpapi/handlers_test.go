// ABOUTME: Handler tests for the JSON authentication API
// ABOUTME: Covers status mapping, full register/login flow, and session endpoints

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"

	"github.com/mattholy/mossy/internal/auth"
	"github.com/mattholy/mossy/internal/passkey"
	"github.com/mattholy/mossy/internal/store"
)

const (
	testRPID   = "example.com"
	testOrigin = "https://example.com"
	testUA     = "test-agent/1.0"
)

func newTestServer(t *testing.T) (*http.ServeMux, *store.MockStore) {
	t.Helper()

	st := store.NewMockStore()
	engine, err := passkey.NewEngine(passkey.Config{
		RPID:      testRPID,
		RPName:    "mossy test",
		RPOrigins: []string{testOrigin},
	}, st)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	issuer := auth.NewIssuer(st, time.Hour)

	mux := http.NewServeMux()
	NewServer(engine, issuer, st).RegisterRoutes(mux)
	return mux, st
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("User-Agent", testUA)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestHealthz(t *testing.T) {
	mux, _ := newTestServer(t)
	rec := doJSON(t, mux, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRegistrationOptions_BadJSON(t *testing.T) {
	mux, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/m1/auth/registration/options", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRegistrationOptions_InvalidUsername(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/m1/auth/registration/options",
		map[string]string{"username": "no spaces allowed"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_username" {
		t.Errorf("code = %q, want invalid_username", code)
	}
}

func TestRegistrationOptions_Conflicts(t *testing.T) {
	mux, st := newTestServer(t)
	ctx := context.Background()

	// Existing credential means the identity is taken.
	if err := st.CreateCredential(ctx, &store.Credential{
		ID:            "cred-1",
		Username:      "taken",
		CredentialID:  []byte("raw-1"),
		PublicKey:     []byte{0x01},
		SigningSecret: "ff",
		DeviceClass:   store.DeviceClassSingle,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/api/m1/auth/registration/options",
		map[string]string{"username": "taken"}, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if code := errorCode(t, rec); code != "already_registered" {
		t.Errorf("code = %q, want already_registered", code)
	}

	// A live pending ceremony also conflicts.
	rec = doJSON(t, mux, http.MethodPost, "/api/m1/auth/registration/options",
		map[string]string{"username": "pending_user"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("first options status = %d, want 200", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodPost, "/api/m1/auth/registration/options",
		map[string]string{"username": "pending_user"}, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("second options status = %d, want 403", rec.Code)
	}
	if code := errorCode(t, rec); code != "registration_in_progress" {
		t.Errorf("code = %q, want registration_in_progress", code)
	}
}

func TestFinish_MissingFields(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/m1/auth/registration",
		map[string]string{"challenge_id": ""}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestFinishRegistration_UnknownChallenge(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/m1/auth/registration",
		map[string]any{"challenge_id": "no-such", "credential": map[string]string{}}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec); code != "authentication_failed" {
		t.Errorf("code = %q, want authentication_failed", code)
	}
}

func TestFinishRegistration_ExpiredChallenge(t *testing.T) {
	mux, st := newTestServer(t)

	// Challenge older than the TTL, as if the client stalled mid-ceremony.
	if err := st.CreateChallenge(context.Background(), &store.Challenge{
		ID:          "stale",
		User:        "alice",
		SessionData: []byte("{}"),
		CreatedAt:   time.Now().Add(-10 * time.Minute),
	}); err != nil {
		t.Fatalf("CreateChallenge failed: %v", err)
	}

	rec := doJSON(t, mux, http.MethodPost, "/api/m1/auth/registration",
		map[string]any{"challenge_id": "stale", "credential": map[string]string{}}, "")
	if rec.Code != http.StatusNotAcceptable {
		t.Errorf("status = %d, want 406", rec.Code)
	}
	if code := errorCode(t, rec); code != "challenge_expired" {
		t.Errorf("code = %q, want challenge_expired", code)
	}
}

func TestCeremonyErrorStatusMapping(t *testing.T) {
	st := store.NewMockStore()
	engine, err := passkey.NewEngine(passkey.Config{
		RPID:      testRPID,
		RPName:    "mossy test",
		RPOrigins: []string{testOrigin},
	}, st)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	srv := NewServer(engine, auth.NewIssuer(st, time.Hour), st)

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"already registered", passkey.ErrAlreadyRegistered, http.StatusForbidden, "already_registered"},
		{"in progress", passkey.ErrRegistrationInProgress, http.StatusForbidden, "registration_in_progress"},
		{"expired", passkey.ErrChallengeExpired, http.StatusNotAcceptable, "challenge_expired"},
		{"origin", passkey.ErrOriginMismatch, http.StatusUnauthorized, "origin_mismatch"},
		{"replay", passkey.ErrReplayDetected, http.StatusUnauthorized, "authentication_failed"},
		{"counter race lost", fmt.Errorf("advancing sign counter: %w", store.ErrStaleCounter), http.StatusUnauthorized, "authentication_failed"},
		{"store down", fmt.Errorf("storing challenge: %w", store.ErrUnavailable), http.StatusServiceUnavailable, "store_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.writeCeremonyError(rec, tt.err)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("code = %q, want %q", code, tt.code)
			}
		})
	}
}

func TestSession_MissingToken(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := doJSON(t, mux, http.MethodGet, "/api/m1/auth/session", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec); code != "missing_token" {
		t.Errorf("code = %q, want missing_token", code)
	}
}

func TestSession_GarbageToken(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := doJSON(t, mux, http.MethodGet, "/api/m1/auth/session", nil, "garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_token" {
		t.Errorf("code = %q, want invalid_token", code)
	}
}

// TestFullFlowOverHTTP drives register, login, session check, and logout
// through the HTTP surface with a virtual authenticator.
func TestFullFlowOverHTTP(t *testing.T) {
	mux, _ := newTestServer(t)

	rp := virtualwebauthn.RelyingParty{Name: "mossy test", ID: testRPID, Origin: testOrigin}
	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	// Registration options.
	rec := doJSON(t, mux, http.MethodPost, "/api/m1/auth/registration/options",
		map[string]string{"username": "alice"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("options status = %d: %s", rec.Code, rec.Body.String())
	}
	var regOptions struct {
		ChallengeID string `json:"challenge_id"`
		Options     struct {
			PublicKey json.RawMessage `json:"publicKey"`
		} `json:"options"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &regOptions); err != nil {
		t.Fatalf("decoding options: %v", err)
	}

	parsedOptions, err := virtualwebauthn.ParseAttestationOptions(string(regOptions.Options.PublicKey))
	if err != nil {
		t.Fatalf("parsing attestation options: %v", err)
	}
	attestation := virtualwebauthn.CreateAttestationResponse(rp, authenticator, credential, *parsedOptions)

	// Finish registration.
	rec = doJSON(t, mux, http.MethodPost, "/api/m1/auth/registration",
		map[string]any{"challenge_id": regOptions.ChallengeID, "credential": json.RawMessage(attestation)}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("registration status = %d: %s", rec.Code, rec.Body.String())
	}
	var regResult struct {
		Token       string `json:"token"`
		Username    string `json:"username"`
		RecoveryKey string `json:"recovery_key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &regResult); err != nil {
		t.Fatalf("decoding registration result: %v", err)
	}
	if regResult.Username != "alice" || regResult.Token == "" || regResult.RecoveryKey == "" {
		t.Fatalf("unexpected registration result: %+v", regResult)
	}

	// The registration token authorizes a session check.
	rec = doJSON(t, mux, http.MethodGet, "/api/m1/auth/session", nil, regResult.Token)
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d: %s", rec.Code, rec.Body.String())
	}

	// Login options and assertion.
	rec = doJSON(t, mux, http.MethodPost, "/api/m1/auth/login/options", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login options status = %d", rec.Code)
	}
	var loginOptions struct {
		ChallengeID string `json:"challenge_id"`
		Options     struct {
			PublicKey json.RawMessage `json:"publicKey"`
		} `json:"options"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &loginOptions); err != nil {
		t.Fatalf("decoding login options: %v", err)
	}

	parsedAssertOptions, err := virtualwebauthn.ParseAssertionOptions(string(loginOptions.Options.PublicKey))
	if err != nil {
		t.Fatalf("parsing assertion options: %v", err)
	}
	discoverable := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: []byte("alice"),
	})
	credential.Counter = 1
	discoverable.AddCredential(credential)
	assertion := virtualwebauthn.CreateAssertionResponse(rp, discoverable, credential, *parsedAssertOptions)

	rec = doJSON(t, mux, http.MethodPost, "/api/m1/auth/login",
		map[string]any{"challenge_id": loginOptions.ChallengeID, "credential": json.RawMessage(assertion)}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var loginResult struct {
		Token    string `json:"token"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &loginResult); err != nil {
		t.Fatalf("decoding login result: %v", err)
	}
	if loginResult.Username != "alice" || loginResult.Token == "" {
		t.Fatalf("unexpected login result: %+v", loginResult)
	}

	// Token is bound to the client that got it.
	req := httptest.NewRequest(http.MethodGet, "/api/m1/auth/session", nil)
	req.Header.Set("User-Agent", "different-client/2.0")
	req.Header.Set("Authorization", "Bearer "+loginResult.Token)
	wrongUA := httptest.NewRecorder()
	mux.ServeHTTP(wrongUA, req)
	if wrongUA.Code != http.StatusUnauthorized {
		t.Errorf("wrong UA status = %d, want 401", wrongUA.Code)
	}

	// Logout kills the session.
	rec = doJSON(t, mux, http.MethodDelete, "/api/m1/auth/session", nil, loginResult.Token)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, mux, http.MethodGet, "/api/m1/auth/session", nil, loginResult.Token)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("session after logout = %d, want 401", rec.Code)
	}
}
