// Copyright 2025 James Ross
package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/dubbing-orchestrator/internal/config"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

type fakeExporter struct {
	exported []Record
	failNext bool
	closed   bool
}

func (f *fakeExporter) Export(ctx context.Context, records []Record) error {
	if f.failNext {
		f.failNext = false
		return assertErr{}
	}
	f.exported = append(f.exported, records...)
	return nil
}

func (f *fakeExporter) Close() error {
	f.closed = true
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "export failed" }

func testDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "archive.db"), store.DefaultOpenOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func putJob(t *testing.T, db *store.DB, id string, state store.State, updatedAt time.Time, workDir string) {
	t.Helper()
	require.NoError(t, db.PutJob(&store.Job{
		ID:         id,
		OwnerID:    "user-1",
		VideoPath:  "/in/video.mp4",
		Mode:       "medium",
		Visibility: store.VisibilityPrivate,
		State:      state,
		CreatedAt:  updatedAt,
		UpdatedAt:  updatedAt,
		WorkDir:    workDir,
	}))
}

func TestSweepOnceArchivesAndDeletesOldTerminalJobs(t *testing.T) {
	db := testDB(t)
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "marker.txt"), []byte("x"), 0o644))

	old := time.Now().AddDate(0, 0, -40)
	putJob(t, db, "job-old", store.StateDone, old, workDir)

	exp := &fakeExporter{}
	s := NewSweeper(db, config.ArchiveConfig{RetentionDays: 30}, []Exporter{exp}, nil)

	swept, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	require.Len(t, exp.exported, 1)
	assert.Equal(t, "job-old", exp.exported[0].JobID)

	_, err = db.GetJob("job-old")
	assert.Error(t, err)

	_, statErr := os.Stat(workDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSweepOnceSkipsRecentAndNonTerminalJobs(t *testing.T) {
	db := testDB(t)
	recent := time.Now().AddDate(0, 0, -1)
	putJob(t, db, "job-recent", store.StateDone, recent, "")
	putJob(t, db, "job-queued", store.StateQueued, recent.AddDate(0, 0, -60), "")

	exp := &fakeExporter{}
	s := NewSweeper(db, config.ArchiveConfig{RetentionDays: 30}, []Exporter{exp}, nil)

	swept, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
	assert.Empty(t, exp.exported)

	_, err = db.GetJob("job-recent")
	assert.NoError(t, err)
	_, err = db.GetJob("job-queued")
	assert.NoError(t, err)
}

func TestSweepOnceLeavesJobInPlaceWhenExportFails(t *testing.T) {
	db := testDB(t)
	old := time.Now().AddDate(0, 0, -40)
	putJob(t, db, "job-old", store.StateFailed, old, "")

	exp := &fakeExporter{failNext: true}
	s := NewSweeper(db, config.ArchiveConfig{RetentionDays: 30}, []Exporter{exp}, nil)

	swept, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	_, err = db.GetJob("job-old")
	assert.NoError(t, err)
}

func TestSweeperCloseClosesEveryExporter(t *testing.T) {
	a, b := &fakeExporter{}, &fakeExporter{}
	s := NewSweeper(testDB(t), config.ArchiveConfig{}, []Exporter{a, b, nil}, nil)
	require.NoError(t, s.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestS3ExporterKeyForPartitionsByDate(t *testing.T) {
	e := &S3Exporter{bucket: "b", prefix: "archives"}
	rec := Record{JobID: "job-1", ArchivedAt: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)}
	key := e.keyFor(rec)
	assert.Contains(t, key, "year=2026/month=07/day=31")
	assert.Contains(t, key, "job-1_")
}
