// Copyright 2025 James Ross

// Package upload implements the resumable chunked upload protocol of spec
// §4.9: init/chunk/complete against a sidecar file on disk, idempotent
// chunk re-sends, and per-chunk sha256 verification.
package upload

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/config"
	"github.com/flyingrobots/dubbing-orchestrator/internal/quota"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// Manager drives upload sessions, persisting bookkeeping to the store and
// chunk bytes to a sidecar file under stateDir/uploads/<upload_id>.part.
type Manager struct {
	db       *store.DB
	quota    *quota.Enforcer
	cfg      config.UploadConfig
	stateDir string
	inputDir string
}

func NewManager(db *store.DB, enforcer *quota.Enforcer, cfg config.UploadConfig, stateDir, inputDir string) *Manager {
	return &Manager{db: db, quota: enforcer, cfg: cfg, stateDir: stateDir, inputDir: inputDir}
}

func (m *Manager) sidecarPath(uploadID string) string {
	return filepath.Join(m.stateDir, "uploads", uploadID+".part")
}

// Init starts a new upload session, picking chunk_bytes within the
// configured [min, max] bounds and applying require_upload_bytes.
func (m *Manager) Init(userID, filename string, totalBytes int64, mime string) (*store.UploadSession, error) {
	if err := m.quota.RequireUploadBytes(userID, totalBytes); err != nil {
		return nil, err
	}

	chunkBytes := m.cfg.MaxChunkBytes
	if chunkBytes < m.cfg.MinChunkBytes {
		chunkBytes = m.cfg.MinChunkBytes
	}
	if totalBytes > 0 && totalBytes < chunkBytes {
		chunkBytes = totalBytes
	}
	if chunkBytes < m.cfg.MinChunkBytes {
		chunkBytes = m.cfg.MinChunkBytes
	}

	uploadID := uuid.NewString()
	sidecar := m.sidecarPath(uploadID)
	if err := os.MkdirAll(filepath.Dir(sidecar), 0o755); err != nil {
		return nil, apperr.Internal("create upload state dir", err)
	}
	f, err := os.OpenFile(sidecar, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, apperr.Internal("create sidecar file", err)
	}
	_ = f.Close()

	now := time.Now()
	session := &store.UploadSession{
		UploadID:       uploadID,
		OwnerID:        userID,
		Filename:       filename,
		TotalBytes:     totalBytes,
		ChunkBytes:     chunkBytes,
		ChunksReceived: map[int]bool{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.db.PutUploadSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get returns the session, mainly for GET /uploads/{upload_id} polling.
func (m *Manager) Get(uploadID string) (*store.UploadSession, error) {
	return m.db.GetUploadSession(uploadID)
}

// Chunk accepts one chunk of a session. Re-sending an already-received
// range with matching content is idempotent and returns nil (spec §4.9).
func (m *Manager) Chunk(uploadID string, index int, offset int64, body []byte, sha256Hex string) error {
	session, err := m.db.GetUploadSession(uploadID)
	if err != nil {
		return err
	}
	if session.Finalized {
		return apperr.Conflict("upload session already finalized")
	}

	maxLen := session.ChunkBytes + m.cfg.ChunkSlack
	if int64(len(body)) > maxLen {
		return apperr.Validation("chunk_too_large")
	}

	sum := sha256.Sum256(body)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), sha256Hex) {
		return apperr.Validation("chunk_hash_mismatch")
	}

	if offset < session.ReceivedBytes {
		return m.verifyIdempotentResend(uploadID, offset, body)
	}
	if offset > session.ReceivedBytes {
		return apperr.Validation("offset does not match first unreceived byte")
	}

	if err := m.appendChunk(uploadID, offset, body); err != nil {
		return err
	}

	session.ReceivedBytes += int64(len(body))
	session.ChunksReceived[index] = true
	session.UpdatedAt = time.Now()

	if err := m.quota.RequireUploadProgress(session.OwnerID, session.ReceivedBytes); err != nil {
		_ = m.db.UpdateUploadSession(session)
		return err
	}

	return m.db.UpdateUploadSession(session)
}

func (m *Manager) verifyIdempotentResend(uploadID string, offset int64, body []byte) error {
	f, err := os.Open(m.sidecarPath(uploadID))
	if err != nil {
		return apperr.Internal("open sidecar file", err)
	}
	defer f.Close()

	existing := make([]byte, len(body))
	n, err := f.ReadAt(existing, offset)
	if err != nil && err != io.EOF {
		return apperr.Internal("read sidecar file", err)
	}
	if n != len(body) || subtle.ConstantTimeCompare(existing, body) != 1 {
		return apperr.Conflict("re-sent chunk does not match previously received bytes")
	}
	return nil
}

func (m *Manager) appendChunk(uploadID string, offset int64, body []byte) error {
	f, err := os.OpenFile(m.sidecarPath(uploadID), os.O_WRONLY, 0o644)
	if err != nil {
		return apperr.Internal("open sidecar file", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(body, offset); err != nil {
		return apperr.Internal("write sidecar file", err)
	}
	return nil
}

// Complete validates total byte count (and optionally a full-content hash),
// renames the sidecar into the canonical input directory, and marks the
// session finalized.
func (m *Manager) Complete(uploadID string, finalSHA256 *string) (string, error) {
	session, err := m.db.GetUploadSession(uploadID)
	if err != nil {
		return "", err
	}
	if session.Finalized {
		return session.VideoPath, nil
	}
	if session.ReceivedBytes != session.TotalBytes {
		return "", apperr.Validation(fmt.Sprintf("incomplete upload: received %d of %d bytes", session.ReceivedBytes, session.TotalBytes))
	}

	sidecar := m.sidecarPath(uploadID)
	if finalSHA256 != nil && *finalSHA256 != "" {
		sum, err := sha256File(sidecar)
		if err != nil {
			return "", err
		}
		if !strings.EqualFold(sum, *finalSHA256) {
			return "", apperr.Validation("final_sha256 does not match uploaded content")
		}
	}

	if err := os.MkdirAll(m.inputDir, 0o755); err != nil {
		return "", apperr.Internal("create input dir", err)
	}
	videoPath := filepath.Join(m.inputDir, canonicalFilename(uploadID, session.Filename))
	if err := os.Rename(sidecar, videoPath); err != nil {
		return "", apperr.Internal("finalize upload", err)
	}

	session.Finalized = true
	session.VideoPath = videoPath
	session.UpdatedAt = time.Now()
	if err := m.db.UpdateUploadSession(session); err != nil {
		return "", err
	}
	return videoPath, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// canonicalFilename maps an arbitrary client-supplied filename into a safe,
// collision-free path component keyed by upload_id (spec §4.9 "filename-safe
// mapping").
func canonicalFilename(uploadID, original string) string {
	ext := filepath.Ext(filepath.Base(original))
	ext = unsafeFilenameChars.ReplaceAllString(ext, "")
	if ext == "" {
		ext = ".bin"
	}
	return uploadID + ext
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperr.Internal("open file for hashing", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", apperr.Internal("hash file", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
