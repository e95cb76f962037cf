// Copyright 2025 James Ross

// Package policy implements the submission-time and dispatch-time decision
// rules of spec §4.7, followed exactly from
// original_source/src/dubbing_pipeline/jobs/policy.py including its rule
// order and retry_after_s constants (60s high-mode-admin-only, 5s
// user-running-cap, 10s global-high-running-cap).
package policy

import (
	"strings"

	"github.com/flyingrobots/dubbing-orchestrator/internal/audit"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// Counts are the running/queued/today figures a decision is evaluated
// against, sourced from quota.Enforcer/queuebackend.Backend.
type Counts struct {
	Running int
	Queued  int
	Today   int
}

// Limits are the resolved per-user caps a decision is evaluated against.
type Limits struct {
	MaxRunning           int
	MaxQueued            int
	DailyCap             int
	MaxHighRunningGlobal int
	HighModeAdminOnly    bool
}

// Result is the submission-time verdict (spec §4.7 PolicyResult).
type Result struct {
	OK              bool
	StatusCode      int
	Detail          string
	EffectiveMode   string
	EffectiveDevice string
	Reasons         []string
	Counts          Counts
}

// DispatchDecision is the dispatch-time verdict (spec §4.7 DispatchDecision).
type DispatchDecision struct {
	OK          bool
	Reasons     []string
	RetryAfterS float64
}

// GPUProbe reports whether CUDA hardware is usable, standing in for the
// original's best-effort `torch.cuda.is_available()` check.
type GPUProbe func() bool

// EvaluateSubmission runs the five submission-time rules in order and
// returns a single verdict, emitting exactly one audit entry.
func EvaluateSubmission(
	role store.Role,
	requestedMode, requestedDevice string,
	counts Counts,
	limits Limits,
	gpuAvailable GPUProbe,
	emitter audit.Emitter,
	userID, jobID string,
) Result {
	mode := normalize(requestedMode, "medium")
	device := normalize(requestedDevice, "auto")
	inflight := counts.Running + counts.Queued
	isAdmin := role == store.RoleAdmin

	var reasons []string

	if mode == "high" && limits.HighModeAdminOnly && !isAdmin {
		reasons = append(reasons, "high_mode_admin_only")
		result := Result{
			OK: false, StatusCode: 403, Detail: "high mode is restricted to admin",
			EffectiveMode: mode, EffectiveDevice: device, Reasons: reasons,
			Counts: Counts{Running: counts.Running, Queued: counts.Queued, Today: inflight},
		}
		auditSubmission(emitter, userID, jobID, result)
		return result
	}

	if device == "cuda" && gpuAvailable != nil && !gpuAvailable() {
		reasons = append(reasons, "gpu_unavailable_device_downgrade")
		device = "cpu"
		if mode == "high" {
			reasons = append(reasons, "gpu_unavailable_mode_downgrade")
			mode = "medium"
		}
	}

	if limits.DailyCap > 0 && counts.Today >= limits.DailyCap && !isAdmin {
		reasons = append(reasons, "daily_job_cap")
		result := Result{
			OK: false, StatusCode: 429, Detail: "daily job cap exceeded",
			EffectiveMode: mode, EffectiveDevice: device, Reasons: reasons,
			Counts: Counts{Running: counts.Running, Queued: counts.Queued, Today: inflight},
		}
		auditSubmission(emitter, userID, jobID, result)
		return result
	}

	if !isAdmin && limits.MaxQueued > 0 && counts.Queued >= limits.MaxQueued {
		reasons = append(reasons, "user_queued_cap")
		result := Result{
			OK: false, StatusCode: 429, Detail: "too many queued jobs",
			EffectiveMode: mode, EffectiveDevice: device, Reasons: reasons,
			Counts: Counts{Running: counts.Running, Queued: counts.Queued, Today: inflight},
		}
		auditSubmission(emitter, userID, jobID, result)
		return result
	}

	result := Result{
		OK: true, StatusCode: 200, Detail: "ok",
		EffectiveMode: mode, EffectiveDevice: device, Reasons: reasons,
		Counts: Counts{Running: counts.Running, Queued: counts.Queued, Today: inflight},
	}
	auditSubmission(emitter, userID, jobID, result)
	return result
}

// EvaluateDispatch runs the dispatch-time safety net (spec §4.7), repeating
// the high-admin-only check since submission-time state may be stale.
func EvaluateDispatch(
	role store.Role,
	requestedMode string,
	running int,
	globalHighRunning int,
	limits Limits,
	emitter audit.Emitter,
	userID, jobID string,
) DispatchDecision {
	mode := normalize(requestedMode, "medium")
	isAdmin := role == store.RoleAdmin

	if mode == "high" && limits.HighModeAdminOnly && !isAdmin {
		d := DispatchDecision{OK: false, Reasons: []string{"high_mode_admin_only"}, RetryAfterS: 60.0}
		auditDispatch(emitter, userID, jobID, d)
		return d
	}

	if !isAdmin && limits.MaxRunning > 0 && running >= limits.MaxRunning {
		d := DispatchDecision{OK: false, Reasons: []string{"user_running_cap"}, RetryAfterS: 5.0}
		auditDispatch(emitter, userID, jobID, d)
		return d
	}

	if mode == "high" && limits.MaxHighRunningGlobal > 0 && globalHighRunning >= limits.MaxHighRunningGlobal {
		d := DispatchDecision{OK: false, Reasons: []string{"global_high_running_cap"}, RetryAfterS: 10.0}
		auditDispatch(emitter, userID, jobID, d)
		return d
	}

	d := DispatchDecision{OK: true}
	auditDispatch(emitter, userID, jobID, d)
	return d
}

func normalize(v, fallback string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return fallback
	}
	return v
}

func auditSubmission(emitter audit.Emitter, userID, jobID string, r Result) {
	if emitter == nil {
		return
	}
	action := "policy.job_accepted"
	result := "ALLOWED"
	if !r.OK {
		action = "policy.job_rejected"
		result = "DENIED"
	}
	reason := ""
	if len(r.Reasons) > 0 {
		reason = r.Reasons[len(r.Reasons)-1]
	}
	emitter.Emit(audit.Entry{
		Subject:  userID,
		Action:   action,
		Resource: jobID,
		Result:   result,
		Reason:   reason,
		Details: map[string]any{
			"effective_mode":   r.EffectiveMode,
			"effective_device": r.EffectiveDevice,
			"reasons":          r.Reasons,
			"running":          r.Counts.Running,
			"queued":           r.Counts.Queued,
		},
	})
}

func auditDispatch(emitter audit.Emitter, userID, jobID string, d DispatchDecision) {
	if emitter == nil {
		return
	}
	action := "policy.dispatch_allowed"
	result := "ALLOWED"
	if !d.OK {
		action = "policy.dispatch_deferred"
		result = "DENIED"
	}
	reason := ""
	if len(d.Reasons) > 0 {
		reason = d.Reasons[len(d.Reasons)-1]
	}
	emitter.Emit(audit.Entry{
		Subject:  userID,
		Action:   action,
		Resource: jobID,
		Result:   result,
		Reason:   reason,
		Details: map[string]any{
			"retry_after_s": d.RetryAfterS,
			"reasons":       d.Reasons,
		},
	})
}
