// Copyright 2025 James Ross
package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestReadMissingFileReturnsFresh(t *testing.T) {
	ckpt := Read(filepath.Join(t.TempDir(), "none.json"), "job-1")
	assert.Equal(t, schemaVersion, ckpt.Version)
	assert.Equal(t, "job-1", ckpt.JobID)
	assert.Empty(t, ckpt.Stages)
}

func TestReadCorruptFileReturnsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	ckpt := Read(path, "job-1")
	assert.Empty(t, ckpt.Stages)
}

func TestRecordDoneThenIsDone(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir)
	artifact := writeArtifact(t, dir, "audio.wav", "fake-audio-bytes")

	require.NoError(t, RecordStarted(path, "job-1", "audio", nil))
	require.NoError(t, RecordDone(path, "job-1", "audio", map[string]string{"audio": artifact}, nil))

	ckpt := Read(path, "job-1")
	assert.True(t, IsDone(ckpt, "audio"))
	assert.False(t, IsDone(ckpt, "transcribe"))
	assert.Equal(t, "audio", ckpt.LastStage)
	entry := ckpt.Stages["audio"]
	require.NotNil(t, entry.StartedAt)
	require.NotNil(t, entry.DoneAt)
	require.Len(t, entry.Events, 2)
	assert.Equal(t, "stage_started", entry.Events[0].Type)
	assert.Equal(t, "stage_finished", entry.Events[1].Type)
}

func TestIsDoneFalseWhenArtifactMissing(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir)
	artifact := filepath.Join(dir, "gone.wav")
	require.NoError(t, os.WriteFile(artifact, []byte("x"), 0o644))

	require.NoError(t, RecordDone(path, "job-1", "audio", map[string]string{"audio": artifact}, nil))
	require.NoError(t, os.Remove(artifact))

	ckpt := Read(path, "job-1")
	assert.False(t, IsDone(ckpt, "audio"))
}

func TestIsDoneFalseWhenArtifactModified(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir)
	artifact := writeArtifact(t, dir, "audio.wav", "original")

	require.NoError(t, RecordDone(path, "job-1", "audio", map[string]string{"audio": artifact}, nil))
	require.NoError(t, os.WriteFile(artifact, []byte("tampered"), 0o644))

	ckpt := Read(path, "job-1")
	assert.False(t, IsDone(ckpt, "audio"))
}

func TestRecordSkippedSetsReason(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir)

	require.NoError(t, RecordSkipped(path, "job-1", "mux", "no_subtitles_requested", nil))

	ckpt := Read(path, "job-1")
	entry := ckpt.Stages["mux"]
	assert.Equal(t, "skipped", entry.Status)
	assert.Equal(t, "no_subtitles_requested", entry.SkipReason)
	require.NotNil(t, entry.SkippedAt)
	assert.False(t, IsDone(ckpt, "mux"))
}

func TestRecordStartedPreservesFirstStartedAt(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir)

	require.NoError(t, RecordStarted(path, "job-1", "tts", nil))
	first := Read(path, "job-1").Stages["tts"].StartedAt

	require.NoError(t, RecordStarted(path, "job-1", "tts", map[string]any{"attempt": 2}))
	second := Read(path, "job-1").Stages["tts"]

	assert.Equal(t, *first, *second.StartedAt)
	assert.Equal(t, float64(2), second.Meta["attempt"])
}

func TestWriteIsAtomicNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir)
	require.NoError(t, RecordStarted(path, "job-1", "audio", nil))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
