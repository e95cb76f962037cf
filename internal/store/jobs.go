// Copyright 2025 James Ross
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

// PutJob inserts or overwrites a job by id (spec §4.1 put).
func (db *DB) PutJob(j *Job) error {
	return db.withWriteLock(func() error {
		runtimeJSON, err := json.Marshal(j.Runtime)
		if err != nil {
			return apperr.Internal("marshal job runtime", err)
		}
		_, err = db.sql.Exec(`
			INSERT INTO jobs (
				id, owner_id, video_path, duration_s, mode, device, src_lang, tgt_lang,
				series_title, series_slug, season_number, episode_number, visibility,
				created_at, updated_at, state, progress, message, error,
				output_mkv, output_srt, work_dir, log_path, runtime_json, storage_bytes,
				trace_id, span_id, seq
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				owner_id=excluded.owner_id, video_path=excluded.video_path,
				duration_s=excluded.duration_s, mode=excluded.mode, device=excluded.device,
				src_lang=excluded.src_lang, tgt_lang=excluded.tgt_lang,
				series_title=excluded.series_title, series_slug=excluded.series_slug,
				season_number=excluded.season_number, episode_number=excluded.episode_number,
				visibility=excluded.visibility, updated_at=excluded.updated_at,
				state=excluded.state, progress=excluded.progress, message=excluded.message,
				error=excluded.error, output_mkv=excluded.output_mkv, output_srt=excluded.output_srt,
				work_dir=excluded.work_dir, log_path=excluded.log_path,
				runtime_json=excluded.runtime_json, storage_bytes=excluded.storage_bytes,
				trace_id=excluded.trace_id, span_id=excluded.span_id, seq=excluded.seq
		`,
			j.ID, j.OwnerID, j.VideoPath, j.DurationS, j.Mode, j.Device, j.SrcLang, j.TgtLang,
			j.SeriesTitle, j.SeriesSlug, j.SeasonNumber, j.EpisodeNumber, string(j.Visibility),
			formatTime(j.CreatedAt), formatTime(j.UpdatedAt), string(j.State), j.Progress, j.Message, j.Error,
			j.OutputMKV, j.OutputSRT, j.WorkDir, j.LogPath, string(runtimeJSON), j.StorageBytes,
			j.TraceID, j.SpanID, j.Seq,
		)
		if err != nil {
			return apperr.PersistFailed("put job", err)
		}
		return nil
	})
}

// GetJob returns a job by id, or apperr NOT_FOUND.
func (db *DB) GetJob(id string) (*Job, error) {
	row := db.sql.QueryRow(jobSelectColumns+` WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("job not found")
	}
	if err != nil {
		return nil, apperr.PersistFailed("get job", err)
	}
	return j, nil
}

// UpdateJob applies patch atomically, validating the state transition and
// bumping updated_at (spec §4.1 update).
func (db *DB) UpdateJob(id string, patch JobPatch) (*Job, error) {
	var result *Job
	err := db.withWriteLock(func() error {
		tx, err := db.sql.Begin()
		if err != nil {
			return apperr.PersistFailed("begin update", err)
		}
		defer tx.Rollback()

		row := tx.QueryRow(jobSelectColumns+` WHERE id = ?`, id)
		current, err := scanJob(row)
		if err == sql.ErrNoRows {
			return apperr.NotFound("job not found")
		}
		if err != nil {
			return apperr.PersistFailed("read job for update", err)
		}

		if patch.State != nil && !CanTransition(current.State, *patch.State) {
			return apperr.IllegalTransition(string(current.State), string(*patch.State))
		}

		next := *current
		if patch.State != nil {
			next.State = *patch.State
			if next.State == StateQueued {
				next.Progress = 0
			}
		}
		if patch.Progress != nil {
			next.Progress = *patch.Progress
		}
		if patch.Message != nil {
			next.Message = *patch.Message
		}
		if patch.Error != nil {
			next.Error = *patch.Error
		}
		if patch.OutputMKV != nil {
			next.OutputMKV = *patch.OutputMKV
		}
		if patch.OutputSRT != nil {
			next.OutputSRT = *patch.OutputSRT
		}
		if patch.WorkDir != nil {
			next.WorkDir = *patch.WorkDir
		}
		if patch.LogPath != nil {
			next.LogPath = *patch.LogPath
		}
		if patch.Runtime != nil {
			next.Runtime = patch.Runtime
		}
		next.UpdatedAt = nowAfter(current.UpdatedAt)

		runtimeJSON, err := json.Marshal(next.Runtime)
		if err != nil {
			return apperr.Internal("marshal job runtime", err)
		}
		_, err = tx.Exec(`
			UPDATE jobs SET state=?, progress=?, message=?, error=?, output_mkv=?,
				output_srt=?, work_dir=?, log_path=?, runtime_json=?, updated_at=?
			WHERE id = ?`,
			string(next.State), next.Progress, next.Message, next.Error, next.OutputMKV,
			next.OutputSRT, next.WorkDir, next.LogPath, string(runtimeJSON), formatTime(next.UpdatedAt), id,
		)
		if err != nil {
			return apperr.PersistFailed("update job", err)
		}
		if err := tx.Commit(); err != nil {
			return apperr.PersistFailed("commit update", err)
		}
		result = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteJob removes a job, refusing when it is not in a terminal state, and
// releases its accounted storage bytes.
func (db *DB) DeleteJob(id string) error {
	return db.withWriteLock(func() error {
		tx, err := db.sql.Begin()
		if err != nil {
			return apperr.PersistFailed("begin delete", err)
		}
		defer tx.Rollback()

		var state string
		if err := tx.QueryRow(`SELECT state FROM jobs WHERE id = ?`, id).Scan(&state); err != nil {
			if err == sql.ErrNoRows {
				return apperr.NotFound("job not found")
			}
			return apperr.PersistFailed("read job for delete", err)
		}
		if State(state) == StateQueued || State(state) == StateRunning {
			return apperr.Conflict("cannot delete a job in " + state + " state")
		}
		if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
			return apperr.PersistFailed("delete job", err)
		}
		return tx.Commit()
	})
}

// SetJobStorageBytes records the bytes a job occupies on disk; GetUserStorageBytes
// sums these per owner, keeping the two in agreement (spec §4.1 invariant).
func (db *DB) SetJobStorageBytes(jobID string, bytes int64) error {
	return db.withWriteLock(func() error {
		res, err := db.sql.Exec(`UPDATE jobs SET storage_bytes = ? WHERE id = ?`, bytes, jobID)
		if err != nil {
			return apperr.PersistFailed("set job storage bytes", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperr.NotFound("job not found")
		}
		return nil
	})
}

func (db *DB) GetUserStorageBytes(userID string) (int64, error) {
	var total int64
	err := db.sql.QueryRow(`SELECT COALESCE(SUM(storage_bytes), 0) FROM jobs WHERE owner_id = ?`, userID).Scan(&total)
	if err != nil {
		return 0, apperr.PersistFailed("get user storage bytes", err)
	}
	return total, nil
}

// ListJobs filters and orders jobs per spec §4.1 list.
func (db *DB) ListJobs(filter JobFilter, limit, offset int, order JobOrder) ([]*Job, error) {
	query := jobSelectColumns + ` WHERE 1=1`
	var args []any

	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if len(filter.States) > 0 {
		query += ` AND state IN (` + placeholders(len(filter.States)) + `)`
		for _, s := range filter.States {
			args = append(args, string(s))
		}
	}
	if filter.SeriesSlug != "" {
		query += ` AND series_slug = ?`
		args = append(args, filter.SeriesSlug)
	}
	if filter.Visibility != "" {
		query += ` AND visibility = ?`
		args = append(args, string(filter.Visibility))
	}
	if filter.Tag != "" {
		query += ` AND runtime_json LIKE ?`
		args = append(args, `%"`+filter.Tag+`"%`)
	}

	switch order {
	case OrderCreatedAsc:
		query += ` ORDER BY created_at ASC`
	default:
		query += ` ORDER BY updated_at DESC`
	}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := db.sql.Query(query, args...)
	if err != nil {
		return nil, apperr.PersistFailed("list jobs", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperr.PersistFailed("scan job row", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const jobSelectColumns = `SELECT
	id, owner_id, video_path, duration_s, mode, device, src_lang, tgt_lang,
	series_title, series_slug, season_number, episode_number, visibility,
	created_at, updated_at, state, progress, message, error,
	output_mkv, output_srt, work_dir, log_path, runtime_json, storage_bytes,
	trace_id, span_id, seq
FROM jobs`

// rowScanner lets scanJob accept either *sql.Row or *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var visibility, createdAt, updatedAt, state, runtimeJSON string
	var seq sql.NullInt64
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.VideoPath, &j.DurationS, &j.Mode, &j.Device, &j.SrcLang, &j.TgtLang,
		&j.SeriesTitle, &j.SeriesSlug, &j.SeasonNumber, &j.EpisodeNumber, &visibility,
		&createdAt, &updatedAt, &state, &j.Progress, &j.Message, &j.Error,
		&j.OutputMKV, &j.OutputSRT, &j.WorkDir, &j.LogPath, &runtimeJSON, &j.StorageBytes,
		&j.TraceID, &j.SpanID, &seq,
	)
	if err != nil {
		return nil, err
	}
	j.Visibility = Visibility(visibility)
	j.State = State(state)
	j.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	j.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	if seq.Valid {
		j.Seq = seq.Int64
	}
	if runtimeJSON != "" {
		if err := json.Unmarshal([]byte(runtimeJSON), &j.Runtime); err != nil {
			return nil, fmt.Errorf("unmarshal job runtime: %w", err)
		}
	}
	if j.Runtime == nil {
		j.Runtime = map[string]any{}
	}
	return &j, nil
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// nowAfter returns a timestamp strictly after prev, satisfying the
// "updated_at strictly increases on every mutation" invariant even when the
// system clock's resolution is coarser than successive calls.
func nowAfter(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}
