// Copyright 2025 James Ross
package store

import "database/sql"

const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,

	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		totp_secret TEXT NOT NULL DEFAULT '',
		totp_enabled INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		prefix TEXT NOT NULL UNIQUE,
		key_hash TEXT NOT NULL,
		scopes TEXT NOT NULL,
		user_id TEXT NOT NULL REFERENCES users(id),
		created_at TEXT NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		video_path TEXT NOT NULL,
		duration_s REAL NOT NULL DEFAULT 0,
		mode TEXT NOT NULL,
		device TEXT NOT NULL,
		src_lang TEXT NOT NULL,
		tgt_lang TEXT NOT NULL,
		series_title TEXT NOT NULL DEFAULT '',
		series_slug TEXT NOT NULL DEFAULT '',
		season_number INTEGER NOT NULL DEFAULT 0,
		episode_number INTEGER NOT NULL DEFAULT 0,
		visibility TEXT NOT NULL DEFAULT 'private',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		state TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		output_mkv TEXT NOT NULL DEFAULT '',
		output_srt TEXT NOT NULL DEFAULT '',
		work_dir TEXT NOT NULL DEFAULT '',
		log_path TEXT NOT NULL DEFAULT '',
		runtime_json TEXT NOT NULL DEFAULT '{}',
		storage_bytes INTEGER NOT NULL DEFAULT 0,
		trace_id TEXT NOT NULL DEFAULT '',
		span_id TEXT NOT NULL DEFAULT '',
		seq INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_series ON jobs(series_slug, season_number, episode_number)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at)`,

	`CREATE TABLE IF NOT EXISTS upload_sessions (
		upload_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		total_bytes INTEGER NOT NULL,
		chunk_bytes INTEGER NOT NULL,
		received_bytes INTEGER NOT NULL DEFAULT 0,
		sha256_partial TEXT NOT NULL DEFAULT '',
		chunks_received TEXT NOT NULL DEFAULT '[]',
		finalized INTEGER NOT NULL DEFAULT 0,
		video_path TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uploads_owner ON upload_sessions(owner_id)`,

	`CREATE TABLE IF NOT EXISTS quota_overrides (
		user_id TEXT PRIMARY KEY,
		max_upload_bytes INTEGER,
		max_storage_bytes INTEGER,
		jobs_per_day INTEGER,
		max_concurrent_jobs INTEGER,
		max_queued_jobs INTEGER,
		max_processing_minutes_per_day INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS job_events_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_job ON job_events_audit(job_id)`,
}

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, schemaVersion); err != nil {
			return err
		}
	}
	return tx.Commit()
}
