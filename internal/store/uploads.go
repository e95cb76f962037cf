// Copyright 2025 James Ross
package store

import (
	"database/sql"
	"encoding/json"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

// PutUploadSession inserts a new session; upload_id must be globally unique
// (spec §3.3 invariant: no two sessions share an upload_id).
func (db *DB) PutUploadSession(s *UploadSession) error {
	return db.withWriteLock(func() error {
		chunks, err := marshalChunkSet(s.ChunksReceived)
		if err != nil {
			return apperr.Internal("marshal chunks_received", err)
		}
		_, err = db.sql.Exec(`
			INSERT INTO upload_sessions (
				upload_id, owner_id, filename, total_bytes, chunk_bytes, received_bytes,
				sha256_partial, chunks_received, finalized, video_path, created_at, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		`, s.UploadID, s.OwnerID, s.Filename, s.TotalBytes, s.ChunkBytes, s.ReceivedBytes,
			s.SHA256Partial, chunks, boolToInt(s.Finalized), s.VideoPath,
			formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Conflict("upload_id already exists")
			}
			return apperr.PersistFailed("put upload session", err)
		}
		return nil
	})
}

func (db *DB) GetUploadSession(uploadID string) (*UploadSession, error) {
	row := db.sql.QueryRow(uploadSelectColumns+` WHERE upload_id = ?`, uploadID)
	return scanUploadSession(row)
}

// UpdateUploadSession atomically rewrites a session's progress fields; used
// after accepting a chunk and at finalize (spec §4.9).
func (db *DB) UpdateUploadSession(s *UploadSession) error {
	return db.withWriteLock(func() error {
		chunks, err := marshalChunkSet(s.ChunksReceived)
		if err != nil {
			return apperr.Internal("marshal chunks_received", err)
		}
		res, err := db.sql.Exec(`
			UPDATE upload_sessions SET received_bytes=?, sha256_partial=?, chunks_received=?,
				finalized=?, video_path=?, updated_at=?
			WHERE upload_id = ?
		`, s.ReceivedBytes, s.SHA256Partial, chunks, boolToInt(s.Finalized), s.VideoPath,
			formatTime(s.UpdatedAt), s.UploadID)
		if err != nil {
			return apperr.PersistFailed("update upload session", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperr.NotFound("upload session not found")
		}
		return nil
	})
}

// DeleteUploadSession removes a session. Nothing in this module calls it:
// no janitor reclaims non-finalized sessions that outlive their TTL.
func (db *DB) DeleteUploadSession(uploadID string) error {
	return db.withWriteLock(func() error {
		_, err := db.sql.Exec(`DELETE FROM upload_sessions WHERE upload_id = ?`, uploadID)
		if err != nil {
			return apperr.PersistFailed("delete upload session", err)
		}
		return nil
	})
}

// ListExpiredUploadSessions returns non-finalized sessions whose updated_at
// is older than cutoff. Nothing in this module calls it.
func (db *DB) ListExpiredUploadSessions(cutoffRFC3339 string) ([]*UploadSession, error) {
	rows, err := db.sql.Query(uploadSelectColumns+` WHERE finalized = 0 AND updated_at < ?`, cutoffRFC3339)
	if err != nil {
		return nil, apperr.PersistFailed("list expired upload sessions", err)
	}
	defer rows.Close()

	var out []*UploadSession
	for rows.Next() {
		s, err := scanUploadSessionRows(rows)
		if err != nil {
			return nil, apperr.PersistFailed("scan upload session", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const uploadSelectColumns = `SELECT
	upload_id, owner_id, filename, total_bytes, chunk_bytes, received_bytes,
	sha256_partial, chunks_received, finalized, video_path, created_at, updated_at
FROM upload_sessions`

func scanUploadSession(row *sql.Row) (*UploadSession, error) {
	s, err := scanUploadSessionRows(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("upload session not found")
	}
	if err != nil {
		return nil, apperr.PersistFailed("get upload session", err)
	}
	return s, nil
}

func scanUploadSessionRows(row rowScanner) (*UploadSession, error) {
	var s UploadSession
	var chunksJSON, createdAt, updatedAt string
	var finalized int
	err := row.Scan(&s.UploadID, &s.OwnerID, &s.Filename, &s.TotalBytes, &s.ChunkBytes,
		&s.ReceivedBytes, &s.SHA256Partial, &chunksJSON, &finalized, &s.VideoPath, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Finalized = finalized != 0
	s.ChunksReceived, err = unmarshalChunkSet(chunksJSON)
	if err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func marshalChunkSet(set map[int]bool) (string, error) {
	indices := make([]int, 0, len(set))
	for idx := range set {
		indices = append(indices, idx)
	}
	b, err := json.Marshal(indices)
	return string(b), err
}

func unmarshalChunkSet(s string) (map[int]bool, error) {
	out := map[int]bool{}
	if s == "" {
		return out, nil
	}
	var indices []int
	if err := json.Unmarshal([]byte(s), &indices); err != nil {
		return nil, err
	}
	for _, idx := range indices {
		out[idx] = true
	}
	return out, nil
}
