// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
	"github.com/flyingrobots/dubbing-orchestrator/internal/rbac"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin verifies a username/password pair and sets the session +
// CSRF cookies used by the cookie-resolution step of identity.Resolver
// (spec §4.5). Path is exempt from identity.Middleware, since resolving an
// identity is the point of calling it.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, apperr.Validation("malformed json body"))
		return
	}

	user, err := s.deps.DB.GetUserByUsername(req.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, apperr.Unauthenticated("invalid username or password"))
		return
	}

	scopes := defaultScopesFor(user.Role)
	access, err := s.deps.Tokens.IssueAccess(user.ID, user.Role, scopes)
	if err != nil {
		writeError(w, err)
		return
	}
	csrfToken, err := identity.NewCSRFToken()
	if err != nil {
		writeError(w, apperr.Internal("generate csrf token", err))
		return
	}

	identity.SetSessionCookies(w, s.deps.Config.Auth.CSRFCookieName, access, csrfToken,
		s.deps.Config.Auth.AccessTTL, s.deps.Config.Auth.CookieSecure)

	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":    user.ID,
		"role":       string(user.Role),
		"csrf_token": csrfToken,
	})
}

func defaultScopesFor(role store.Role) []string {
	if role == store.RoleAdmin {
		return []string{rbac.ScopeAdminAll}
	}
	return []string{rbac.ScopeReadJob, rbac.ScopeSubmitJob}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity.ClearSessionCookies(w, s.deps.Config.Auth.CSRFCookieName)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleCreateAPIKey issues a new API key scoped to the caller; the secret
// is returned once and never persisted, only its bcrypt hash is (spec
// §4.5 step 1 / §4.6 scopes).
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	var req struct {
		Scopes []string `json:"scopes"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req)
	if len(req.Scopes) == 0 {
		req.Scopes = defaultScopesFor(id.Role)
	}

	generated, err := identity.GenerateAPIKey()
	if err != nil {
		writeError(w, err)
		return
	}

	key := &store.ApiKey{
		ID:      generated.Prefix,
		Prefix:  generated.Prefix,
		KeyHash: generated.Hash,
		Scopes:  req.Scopes,
		UserID:  id.UserID,
	}
	if err := s.deps.DB.PutApiKey(key); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"api_key": generated.Full,
		"prefix":  generated.Prefix,
	})
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	keyID := mux.Vars(r)["id"]

	key, err := s.deps.DB.GetApiKeyByPrefix(keyID)
	if err != nil {
		writeError(w, err)
		return
	}
	if key == nil {
		writeError(w, apperr.NotFound("api key not found"))
		return
	}
	if err := rbac.RequireObjectWrite(id, key.UserID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.DB.RevokeApiKey(key.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
