// ABOUTME: JSON HTTP surface over the passkey engine and session issuer
// ABOUTME: Thin handlers, no business logic, status codes map from error kinds

package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/mattholy/mossy/internal/auth"
	"github.com/mattholy/mossy/internal/passkey"
	"github.com/mattholy/mossy/internal/store"
)

// Server exposes the authentication API. It owns no state of its own;
// everything lives in the engine, the issuer, and the store behind them.
type Server struct {
	engine *passkey.Engine
	issuer *auth.Issuer
	store  store.Store
	logger *slog.Logger
}

// NewServer creates the API surface.
func NewServer(engine *passkey.Engine, issuer *auth.Issuer, st store.Store) *Server {
	return &Server{
		engine: engine,
		issuer: issuer,
		store:  st,
		logger: slog.Default().With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux. Method
// dispatch is done by hand because the Go 1.21 ServeMux does not support
// the 1.22+ "METHOD /path" pattern syntax; mismatched methods get the
// same 405-with-Allow response the newer mux would produce.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	routes := map[string]map[string]http.HandlerFunc{
		"/api/m1/auth/registration/options": {http.MethodPost: s.handleRegistrationOptions},
		"/api/m1/auth/registration":         {http.MethodPost: s.handleRegistrationFinish},
		"/api/m1/auth/login/options":        {http.MethodPost: s.handleLoginOptions},
		"/api/m1/auth/login":                {http.MethodPost: s.handleLoginFinish},
		"/api/m1/auth/session": {
			http.MethodGet:    s.handleSessionCheck,
			http.MethodDelete: s.handleLogout,
		},
		"/healthz": {http.MethodGet: s.handleHealth},
	}
	for path, byMethod := range routes {
		byMethod := byMethod
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if h, ok := byMethod[r.Method]; ok {
				h(w, r)
				return
			}
			if h, ok := byMethod[http.MethodGet]; ok && r.Method == http.MethodHead {
				h(w, r)
				return
			}
			allowed := make([]string, 0, len(byMethod)+1)
			for m := range byMethod {
				allowed = append(allowed, m)
				if m == http.MethodGet {
					allowed = append(allowed, http.MethodHead)
				}
			}
			sort.Strings(allowed)
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		})
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
