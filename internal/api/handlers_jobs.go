// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
	"github.com/flyingrobots/dubbing-orchestrator/internal/policy"
	"github.com/flyingrobots/dubbing-orchestrator/internal/queuebackend"
	"github.com/flyingrobots/dubbing-orchestrator/internal/rbac"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
	"github.com/flyingrobots/dubbing-orchestrator/internal/validate"
)

type jobSubmitRequest struct {
	VideoPath     string `json:"video_path"`
	Mode          string `json:"mode"`
	Device        string `json:"device"`
	SrcLang       string `json:"src_lang"`
	TgtLang       string `json:"tgt_lang"`
	SeriesTitle   string `json:"series_title"`
	SeriesSlug    string `json:"series_slug"`
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
	Visibility    string `json:"visibility"`
}

// policyLimitsFor merges a resolved quota.Limits with the scheduler's
// global high-mode caps into the shape policy.EvaluateSubmission wants.
func (s *Server) policyLimitsFor(userID string) (policy.Limits, error) {
	q, err := s.deps.Quota.ResolveLimits(userID)
	if err != nil {
		return policy.Limits{}, err
	}
	return policy.Limits{
		MaxRunning:           q.MaxConcurrentJobs,
		MaxQueued:            q.MaxQueuedJobs,
		DailyCap:             q.JobsPerDay,
		MaxHighRunningGlobal: s.deps.Config.Scheduler.MaxHighRunningGlobal,
		HighModeAdminOnly:    s.deps.Config.Scheduler.HighModeAdminOnly,
	}, nil
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	if err := rbac.RequireScope(id, rbac.ScopeSubmitJob); err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, apperr.Validation("could not read request body"))
		return
	}
	if err := s.deps.Validator.Validate(validate.SchemaJobSubmit, body); err != nil {
		writeError(w, err)
		return
	}

	var req jobSubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperr.Validation("malformed json body"))
		return
	}

	limits, err := s.policyLimitsFor(id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.deps.Backend.Counters(id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	jobID := uuid.NewString()
	result := policy.EvaluateSubmission(
		id.Role, req.Mode, req.Device,
		policy.Counts{Running: counts.Running, Queued: counts.Queued, Today: counts.Today},
		limits, s.deps.GPUProbe, s.deps.Audit, id.UserID, jobID,
	)
	if !result.OK {
		ae := apperr.New(statusToKind(result.StatusCode), result.Detail)
		if len(result.Reasons) > 0 {
			ae = ae.WithReason(result.Reasons[len(result.Reasons)-1])
		}
		if result.StatusCode == http.StatusTooManyRequests {
			ae = apperr.Quota(result.Reasons[len(result.Reasons)-1], result.Detail)
		}
		writeError(w, ae)
		return
	}

	reservation, err := s.deps.Quota.ReserveDailyJobs(r.Context(), id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	visibility := store.Visibility(req.Visibility)
	if visibility == "" {
		visibility = store.VisibilityPrivate
	}

	effMode, reason, err := s.deps.Backend.Submit(queuebackend.QueueItem{
		JobID:       jobID,
		OwnerID:     id.UserID,
		Mode:        result.EffectiveMode,
		Priority:    0,
		AvailableAt: now,
		CreatedAt:   now,
	})
	if err != nil {
		_ = reservation.Release(r.Context(), s.deps.Quota)
		writeError(w, err)
		return
	}

	job := &store.Job{
		ID:            jobID,
		OwnerID:       id.UserID,
		VideoPath:     req.VideoPath,
		Mode:          effMode,
		Device:        result.EffectiveDevice,
		SrcLang:       req.SrcLang,
		TgtLang:       req.TgtLang,
		SeriesTitle:   req.SeriesTitle,
		SeriesSlug:    req.SeriesSlug,
		SeasonNumber:  req.SeasonNumber,
		EpisodeNumber: req.EpisodeNumber,
		Visibility:    visibility,
		CreatedAt:     now,
		UpdatedAt:     now,
		State:         store.StateQueued,
		Message:       reason,
	}
	if err := s.deps.DB.PutJob(job); err != nil {
		_, _ = s.deps.Backend.Cancel(jobID)
		_ = reservation.Release(r.Context(), s.deps.Quota)
		writeError(w, err)
		return
	}
	reservation.Commit()

	writeJSON(w, http.StatusCreated, job)
}

func statusToKind(status int) apperr.Kind {
	switch status {
	case http.StatusForbidden:
		return apperr.KindForbidden
	case http.StatusTooManyRequests:
		return apperr.KindQuota
	default:
		return apperr.KindValidation
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	filter := store.JobFilter{SeriesSlug: r.URL.Query().Get("series_slug")}
	if id.Role != store.RoleAdmin {
		filter.OwnerID = id.UserID
	} else if owner := r.URL.Query().Get("owner_id"); owner != "" {
		filter.OwnerID = owner
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}

	jobs, err := s.deps.DB.ListJobs(filter, limit, offset, store.OrderUpdatedDesc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	job, err := s.lookupJob(w, r)
	if err != nil {
		return
	}
	if err := rbac.RequireObjectView(id, job.OwnerID, job.Visibility, true); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*store.Job, error) {
	jobID := mux.Vars(r)["id"]
	job, err := s.deps.DB.GetJob(jobID)
	if err != nil {
		writeError(w, err)
		return nil, err
	}
	if job == nil {
		err := apperr.NotFound("job not found")
		writeError(w, err)
		return nil, err
	}
	return job, nil
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	job, err := s.lookupJob(w, r)
	if err != nil {
		return
	}
	if err := rbac.RequireObjectWrite(id, job.OwnerID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Sched.Cancel(job.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type jobPriorityRequest struct {
	Priority int `json:"priority"`
}

func (s *Server) handleSetJobPriority(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	job, err := s.lookupJob(w, r)
	if err != nil {
		return
	}
	if err := rbac.RequireObjectWrite(id, job.OwnerID); err != nil {
		writeError(w, err)
		return
	}

	var req jobPriorityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, apperr.Validation("malformed json body"))
		return
	}
	if err := s.deps.Sched.SetPriority(job.ID, req.Priority); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
