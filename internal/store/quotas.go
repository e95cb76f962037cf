// Copyright 2025 James Ross
package store

import (
	"database/sql"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

// GetQuotaOverride returns a user's quota override row, or nil if the user
// has none (meaning every field falls back to the global default).
func (db *DB) GetQuotaOverride(userID string) (*QuotaOverride, error) {
	row := db.sql.QueryRow(`
		SELECT user_id, max_upload_bytes, max_storage_bytes, jobs_per_day,
		       max_concurrent_jobs, max_queued_jobs, max_processing_minutes_per_day
		FROM quota_overrides WHERE user_id = ?`, userID)

	var q QuotaOverride
	var maxUpload, maxStorage, jobsPerDay, maxConcurrent, maxQueued, maxMinutes sql.NullInt64
	err := row.Scan(&q.UserID, &maxUpload, &maxStorage, &jobsPerDay, &maxConcurrent, &maxQueued, &maxMinutes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.PersistFailed("get quota override", err)
	}
	q.MaxUploadBytes = nullInt64Ptr(maxUpload)
	q.MaxStorageBytes = nullInt64Ptr(maxStorage)
	q.JobsPerDay = nullIntPtr(jobsPerDay)
	q.MaxConcurrentJobs = nullIntPtr(maxConcurrent)
	q.MaxQueuedJobs = nullIntPtr(maxQueued)
	q.MaxProcessingMinutesPerDay = nullIntPtr(maxMinutes)
	return &q, nil
}

// PutQuotaOverride inserts or replaces a user's quota override row.
func (db *DB) PutQuotaOverride(q *QuotaOverride) error {
	return db.withWriteLock(func() error {
		_, err := db.sql.Exec(`
			INSERT INTO quota_overrides (
				user_id, max_upload_bytes, max_storage_bytes, jobs_per_day,
				max_concurrent_jobs, max_queued_jobs, max_processing_minutes_per_day
			) VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(user_id) DO UPDATE SET
				max_upload_bytes=excluded.max_upload_bytes,
				max_storage_bytes=excluded.max_storage_bytes,
				jobs_per_day=excluded.jobs_per_day,
				max_concurrent_jobs=excluded.max_concurrent_jobs,
				max_queued_jobs=excluded.max_queued_jobs,
				max_processing_minutes_per_day=excluded.max_processing_minutes_per_day
		`, q.UserID, q.MaxUploadBytes, q.MaxStorageBytes, q.JobsPerDay,
			q.MaxConcurrentJobs, q.MaxQueuedJobs, q.MaxProcessingMinutesPerDay)
		if err != nil {
			return apperr.PersistFailed("put quota override", err)
		}
		return nil
	})
}

func nullInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
