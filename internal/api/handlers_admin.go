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

func (s *Server) handleGetQuotaOverride(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	if err := rbac.RequireRole(id, store.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	userID := mux.Vars(r)["id"]

	override, err := s.deps.DB.GetQuotaOverride(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if override == nil {
		writeJSON(w, http.StatusOK, store.QuotaOverride{UserID: userID})
		return
	}
	writeJSON(w, http.StatusOK, override)
}

type quotaUpdateRequest struct {
	MaxUploadBytes             *int64 `json:"max_upload_bytes"`
	MaxStorageBytes            *int64 `json:"max_storage_bytes_per_user"`
	JobsPerDay                 *int   `json:"jobs_per_day_per_user"`
	MaxConcurrentJobs          *int   `json:"max_concurrent_jobs_per_user"`
	MaxQueuedJobs              *int   `json:"max_queued_jobs_per_user"`
	MaxProcessingMinutesPerDay *int   `json:"max_processing_minutes_per_day"`
}

// handlePutQuotaOverride replaces a user's quota override row wholesale;
// an omitted field in the request falls back to the global default rather
// than the row's previous value, matching store.QuotaOverride's own
// nil-means-default semantics (spec §3.5).
func (s *Server) handlePutQuotaOverride(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	if err := rbac.RequireRole(id, store.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	userID := mux.Vars(r)["id"]

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, apperr.Validation("could not read request body"))
		return
	}
	if err := s.deps.Validator.Validate(validate.SchemaQuotaUpdate, body); err != nil {
		writeError(w, err)
		return
	}

	var req quotaUpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperr.Validation("malformed json body"))
		return
	}

	override := &store.QuotaOverride{
		UserID:                     userID,
		MaxUploadBytes:             req.MaxUploadBytes,
		MaxStorageBytes:            req.MaxStorageBytes,
		JobsPerDay:                 req.JobsPerDay,
		MaxConcurrentJobs:          req.MaxConcurrentJobs,
		MaxQueuedJobs:              req.MaxQueuedJobs,
		MaxProcessingMinutesPerDay: req.MaxProcessingMinutesPerDay,
	}
	if err := s.deps.DB.PutQuotaOverride(override); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, override)
}
