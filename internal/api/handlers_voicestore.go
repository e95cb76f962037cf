// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
	"github.com/flyingrobots/dubbing-orchestrator/internal/rbac"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
	"github.com/flyingrobots/dubbing-orchestrator/internal/validate"
)

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	series := mux.Vars(r)["series"]
	chars, err := s.deps.Voices.ListCharacters(series)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chars)
}

type voiceRefRequest struct {
	SeriesSlug    string `json:"series_slug"`
	CharacterSlug string `json:"character_slug"`
	RefPath       string `json:"ref_path"`
	DisplayName   string `json:"display_name"`
}

// handleSaveCharacterRef registers or updates a character's canonical
// reference clip, requiring editor-or-above since this mutates a shared
// per-series resource rather than a caller-owned object (spec §4.6, §4.11).
func (s *Server) handleSaveCharacterRef(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	if err := rbac.RequireRole(id, store.RoleEditor); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, apperr.Validation("could not read request body"))
		return
	}
	if err := s.deps.Validator.Validate(validate.SchemaVoiceRef, body); err != nil {
		writeError(w, err)
		return
	}

	var req voiceRefRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperr.Validation("malformed json body"))
		return
	}

	versionID, err := s.deps.Voices.SaveCharacterRef(vars["series"], vars["character"], req.RefPath, "", map[string]string{
		"display_name": req.DisplayName,
		"created_by":   id.UserID,
		"source":       "api",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version_id": versionID})
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	if err := rbac.RequireRole(id, store.RoleEditor); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)

	deleted, err := s.deps.Voices.DeleteCharacter(vars["series"], vars["character"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, apperr.NotFound("character not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListCharacterVersions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	versions, err := s.deps.Voices.ListCharacterVersions(vars["series"], vars["character"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type rollbackRequest struct {
	VersionID string `json:"version_id"`
}

func (s *Server) handleRollbackCharacter(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	if err := rbac.RequireRole(id, store.RoleEditor); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)

	var req rollbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, apperr.Validation("malformed json body"))
		return
	}

	versionID, err := s.deps.Voices.RollbackCharacterRef(vars["series"], vars["character"], req.VersionID, id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version_id": versionID})
}
