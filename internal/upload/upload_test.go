// Copyright 2025 James Ross
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/dubbing-orchestrator/internal/config"
	"github.com/flyingrobots/dubbing-orchestrator/internal/quota"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

type zeroCounters struct{}

func (zeroCounters) IncrAndGetDailyJobCount(ctx context.Context, userID string, day string) (int64, error) {
	return 0, nil
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "upload.db"), store.DefaultOpenOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	defaults := config.QuotaDefaults{
		MaxUploadBytes:         10 << 20,
		MaxStorageBytesPerUser: 1 << 30,
	}
	enforcer := quota.NewEnforcer(db, defaults, zeroCounters{})

	cfg := config.UploadConfig{
		MinChunkBytes: 4,
		MaxChunkBytes: 1 << 20,
		ChunkSlack:    8,
		SessionTTL:    time.Hour,
	}
	return NewManager(db, enforcer, cfg, filepath.Join(dir, "state"), filepath.Join(dir, "input"))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestInitCreatesSessionAndSidecar(t *testing.T) {
	m := testManager(t)
	session, err := m.Init("user-1", "clip.mp4", 12, "video/mp4")
	require.NoError(t, err)
	assert.NotEmpty(t, session.UploadID)
	assert.Equal(t, int64(12), session.TotalBytes)
	assert.Equal(t, int64(12), session.ChunkBytes)

	_, err = m.Get(session.UploadID)
	require.NoError(t, err)
}

func TestChunkAppendsAndTracksProgress(t *testing.T) {
	m := testManager(t)
	session, err := m.Init("user-1", "clip.mp4", 8, "video/mp4")
	require.NoError(t, err)

	part1 := []byte("abcd")
	require.NoError(t, m.Chunk(session.UploadID, 0, 0, part1, sha256Hex(part1)))

	part2 := []byte("efgh")
	require.NoError(t, m.Chunk(session.UploadID, 1, 4, part2, sha256Hex(part2)))

	got, err := m.Get(session.UploadID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.ReceivedBytes)
}

func TestChunkRejectsHashMismatch(t *testing.T) {
	m := testManager(t)
	session, err := m.Init("user-1", "clip.mp4", 8, "video/mp4")
	require.NoError(t, err)

	err = m.Chunk(session.UploadID, 0, 0, []byte("abcd"), "deadbeef")
	require.Error(t, err)
}

func TestChunkRejectsOversizedChunk(t *testing.T) {
	m := testManager(t)
	session, err := m.Init("user-1", "clip.mp4", 8, "video/mp4")
	require.NoError(t, err)
	session.ChunkBytes = 2
	require.NoError(t, m.db.UpdateUploadSession(session))

	body := []byte("abcdefghijk")
	err = m.Chunk(session.UploadID, 0, 0, body, sha256Hex(body))
	require.Error(t, err)
}

func TestChunkReSendOfSameRangeIsIdempotent(t *testing.T) {
	m := testManager(t)
	session, err := m.Init("user-1", "clip.mp4", 4, "video/mp4")
	require.NoError(t, err)

	body := []byte("abcd")
	require.NoError(t, m.Chunk(session.UploadID, 0, 0, body, sha256Hex(body)))
	require.NoError(t, m.Chunk(session.UploadID, 0, 0, body, sha256Hex(body)))

	got, err := m.Get(session.UploadID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.ReceivedBytes)
}

func TestChunkReSendWithDifferentContentConflicts(t *testing.T) {
	m := testManager(t)
	session, err := m.Init("user-1", "clip.mp4", 4, "video/mp4")
	require.NoError(t, err)

	body := []byte("abcd")
	require.NoError(t, m.Chunk(session.UploadID, 0, 0, body, sha256Hex(body)))

	other := []byte("wxyz")
	err = m.Chunk(session.UploadID, 0, 0, other, sha256Hex(other))
	require.Error(t, err)
}

func TestCompleteRenamesIntoInputDirAndMarksFinalized(t *testing.T) {
	m := testManager(t)
	session, err := m.Init("user-1", "clip.mp4", 4, "video/mp4")
	require.NoError(t, err)

	body := []byte("abcd")
	require.NoError(t, m.Chunk(session.UploadID, 0, 0, body, sha256Hex(body)))

	videoPath, err := m.Complete(session.UploadID, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.inputDir, session.UploadID+".mp4"), videoPath)

	got, err := m.Get(session.UploadID)
	require.NoError(t, err)
	assert.True(t, got.Finalized)
	assert.Equal(t, videoPath, got.VideoPath)
}

func TestCompleteRejectsIncompleteUpload(t *testing.T) {
	m := testManager(t)
	session, err := m.Init("user-1", "clip.mp4", 8, "video/mp4")
	require.NoError(t, err)

	body := []byte("abcd")
	require.NoError(t, m.Chunk(session.UploadID, 0, 0, body, sha256Hex(body)))

	_, err = m.Complete(session.UploadID, nil)
	require.Error(t, err)
}

func TestCompleteVerifiesFinalHashWhenProvided(t *testing.T) {
	m := testManager(t)
	session, err := m.Init("user-1", "clip.mp4", 4, "video/mp4")
	require.NoError(t, err)

	body := []byte("abcd")
	require.NoError(t, m.Chunk(session.UploadID, 0, 0, body, sha256Hex(body)))

	bad := "deadbeef"
	_, err = m.Complete(session.UploadID, &bad)
	require.Error(t, err)

	good := sha256Hex(body)
	_, err = m.Complete(session.UploadID, &good)
	require.NoError(t, err)
}

func TestCanonicalFilenameSanitizesUnsafeExtension(t *testing.T) {
	name := canonicalFilename("abc-123", "../../etc/passwd; rm -rf/.mp4")
	assert.Equal(t, "abc-123.mp4", name)
}
