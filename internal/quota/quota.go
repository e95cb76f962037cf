// Copyright 2025 James Ross

// Package quota enforces per-user resource limits at the earliest correct
// moment, using atomic reservations to avoid TOCTOU under concurrent
// submissions (spec §4.8).
package quota

import (
	"context"
	"time"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/config"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// Limits is one user's fully-resolved quota (defaults merged with any
// QuotaOverride row, spec §3.5).
type Limits struct {
	MaxUploadBytes             int64
	MaxStorageBytesPerUser     int64
	JobsPerDay                 int
	MaxConcurrentJobs          int
	MaxQueuedJobs              int
	MaxProcessingMinutesPerDay int
}

// Enforcer implements the spec §4.8 operations. Counters is pluggable so the
// same Enforcer works against the local in-process backend or the
// distributed Redis backend (spec §4.3's two queue_backend modes).
type Enforcer struct {
	db       *store.DB
	defaults config.QuotaDefaults
	counters Counters
}

// Counters is the minimal atomic-counter surface the enforcer needs for
// reserve_daily_jobs; implemented by LocalCounters (in-process) and
// RedisCounters (server-side INCR) so the reservation is atomic under
// either queue_backend mode.
type Counters interface {
	IncrAndGetDailyJobCount(ctx context.Context, userID string, day string) (int64, error)
	DecrDailyJobCount(ctx context.Context, userID string, day string) error
}

func NewEnforcer(db *store.DB, defaults config.QuotaDefaults, counters Counters) *Enforcer {
	return &Enforcer{db: db, defaults: defaults, counters: counters}
}

// ResolveLimits merges global defaults with a user's QuotaOverride row.
func (e *Enforcer) ResolveLimits(userID string) (Limits, error) {
	lim := Limits{
		MaxUploadBytes:             e.defaults.MaxUploadBytes,
		MaxStorageBytesPerUser:     e.defaults.MaxStorageBytesPerUser,
		JobsPerDay:                 e.defaults.JobsPerDayPerUser,
		MaxConcurrentJobs:          e.defaults.MaxConcurrentJobsPerUser,
		MaxQueuedJobs:              e.defaults.MaxQueuedJobsPerUser,
		MaxProcessingMinutesPerDay: e.defaults.MaxProcessingMinutesPerDay,
	}

	override, err := e.db.GetQuotaOverride(userID)
	if err != nil {
		return Limits{}, err
	}
	if override == nil {
		return lim, nil
	}
	if override.MaxUploadBytes != nil {
		lim.MaxUploadBytes = *override.MaxUploadBytes
	}
	if override.MaxStorageBytes != nil {
		lim.MaxStorageBytesPerUser = *override.MaxStorageBytes
	}
	if override.JobsPerDay != nil {
		lim.JobsPerDay = *override.JobsPerDay
	}
	if override.MaxConcurrentJobs != nil {
		lim.MaxConcurrentJobs = *override.MaxConcurrentJobs
	}
	if override.MaxQueuedJobs != nil {
		lim.MaxQueuedJobs = *override.MaxQueuedJobs
	}
	if override.MaxProcessingMinutesPerDay != nil {
		lim.MaxProcessingMinutesPerDay = *override.MaxProcessingMinutesPerDay
	}
	return lim, nil
}

// RequireUploadBytes refuses an upload whose declared size exceeds the
// per-upload cap or would push the user's total stored bytes over their cap.
func (e *Enforcer) RequireUploadBytes(userID string, totalBytes int64) error {
	lim, err := e.ResolveLimits(userID)
	if err != nil {
		return err
	}
	if lim.MaxUploadBytes > 0 && totalBytes > lim.MaxUploadBytes {
		return apperr.Quota("file_too_large", "upload exceeds max_upload_bytes")
	}
	current, err := e.db.GetUserStorageBytes(userID)
	if err != nil {
		return err
	}
	if lim.MaxStorageBytesPerUser > 0 && current+totalBytes > lim.MaxStorageBytesPerUser {
		return apperr.Quota("storage_quota", "upload would exceed max_storage_bytes")
	}
	return nil
}

// RequireUploadProgress re-checks the storage cap as chunks accumulate, so a
// session that started under quota can still be killed if usage elsewhere
// grew during the upload (spec §4.9 chunk handler).
func (e *Enforcer) RequireUploadProgress(userID string, writtenBytes int64) error {
	lim, err := e.ResolveLimits(userID)
	if err != nil {
		return err
	}
	if lim.MaxStorageBytesPerUser <= 0 {
		return nil
	}
	current, err := e.db.GetUserStorageBytes(userID)
	if err != nil {
		return err
	}
	if current+writtenBytes > lim.MaxStorageBytesPerUser {
		return apperr.Quota("storage_quota", "upload progress would exceed max_storage_bytes")
	}
	return nil
}

// Reservation is an opaque token from ReserveDailyJobs; callers must call
// exactly one of Commit or Release.
type Reservation struct {
	userID string
	day    string
	done   bool
}

// ReserveDailyJobs atomically increments today's per-user job counter and
// returns a Reservation, preventing TOCTOU when many submissions race
// (spec §4.8). Callers Commit() once the job is durably persisted, or
// Release() if submission fails downstream.
func (e *Enforcer) ReserveDailyJobs(ctx context.Context, userID string) (*Reservation, error) {
	lim, err := e.ResolveLimits(userID)
	if err != nil {
		return nil, err
	}
	day := time.Now().UTC().Format("2006-01-02")
	count, err := e.counters.IncrAndGetDailyJobCount(ctx, userID, day)
	if err != nil {
		return nil, apperr.Internal("reserve daily job slot", err)
	}
	if lim.JobsPerDay > 0 && count > int64(lim.JobsPerDay) {
		_ = e.counters.DecrDailyJobCount(ctx, userID, day)
		return nil, apperr.Quota("daily_job_cap", "daily job submission cap reached")
	}
	return &Reservation{userID: userID, day: day}, nil
}

// Commit finalizes a reservation once the job row is persisted.
func (r *Reservation) Commit() { r.done = true }

// Release gives back a reservation's slot if submission failed after the
// counter was incremented but before the job was persisted.
func (r *Reservation) Release(ctx context.Context, e *Enforcer) error {
	if r.done {
		return nil
	}
	r.done = true
	return e.counters.DecrDailyJobCount(ctx, r.userID, r.day)
}

// RequireConcurrentJobs is the cheap pre-dispatch check: running+queued jobs
// for this user must stay within their concurrent/queued caps.
func (e *Enforcer) RequireConcurrentJobs(userID string, running, queued int) error {
	lim, err := e.ResolveLimits(userID)
	if err != nil {
		return err
	}
	if lim.MaxConcurrentJobs > 0 && running >= lim.MaxConcurrentJobs {
		return apperr.Quota("user_running_cap", "user concurrent job cap reached")
	}
	if lim.MaxQueuedJobs > 0 && queued >= lim.MaxQueuedJobs {
		return apperr.Quota("user_queued_cap", "user queued job cap reached")
	}
	return nil
}

// RequireProcessingMinutes enforces the optional per-day CPU-minute cap.
// Folded under the daily_job_cap reason family per DESIGN.md: the spec's
// closed reason set has no distinct code for this optional check.
func (e *Enforcer) RequireProcessingMinutes(lim Limits, minutesUsedToday float64, duration time.Duration) error {
	if lim.MaxProcessingMinutesPerDay <= 0 {
		return nil
	}
	if minutesUsedToday+duration.Minutes() > float64(lim.MaxProcessingMinutesPerDay) {
		return apperr.Quota("daily_job_cap", "daily processing-minutes cap reached")
	}
	return nil
}
