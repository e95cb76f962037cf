// Copyright 2025 James Ross
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

const schemaVersion = 1

// ArtifactRecord is a hashed, stat'd reference to one stage output file.
type ArtifactRecord struct {
	Path   string    `json:"path"`
	SHA256 string    `json:"sha256"`
	Size   int64     `json:"size"`
	MTime  time.Time `json:"mtime"`
}

// Event is an append-only record of a stage lifecycle transition.
type Event struct {
	Type   string    `json:"type"`
	TS     time.Time `json:"ts"`
	Reason string    `json:"reason,omitempty"`
}

// StageEntry is one stage's checkpoint record (spec §3.4).
type StageEntry struct {
	Status     string                    `json:"status"` // started | done | skipped
	StartedAt  *time.Time                `json:"started_at,omitempty"`
	DoneAt     *time.Time                `json:"done_at,omitempty"`
	SkippedAt  *time.Time                `json:"skipped_at,omitempty"`
	SkipReason string                    `json:"skip_reason,omitempty"`
	Artifacts  map[string]ArtifactRecord `json:"artifacts,omitempty"`
	Meta       map[string]any            `json:"meta,omitempty"`
	Events     []Event                   `json:"events,omitempty"`
}

// Checkpoint is the on-disk, per-job stage-progress record.
type Checkpoint struct {
	Version   int                   `json:"version"`
	JobID     string                `json:"job_id"`
	LastStage string                `json:"last_stage,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
	Stages    map[string]StageEntry `json:"stages"`
}

// PathFor returns the canonical checkpoint file location for a job's work_dir.
func PathFor(workDir string) string {
	return filepath.Join(workDir, ".checkpoint.json")
}

// Read loads the checkpoint file at path. A missing or corrupt file is
// treated as "no stages done" — callers get a fresh checkpoint, never an
// error, so a crashed job can always safely re-run (spec §4.2 invariant).
func Read(path, jobID string) *Checkpoint {
	b, err := os.ReadFile(path)
	if err != nil {
		return fresh(jobID)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(b, &ckpt); err != nil {
		return fresh(jobID)
	}
	if ckpt.Stages == nil {
		ckpt.Stages = map[string]StageEntry{}
	}
	ckpt.JobID = jobID
	return &ckpt
}

func fresh(jobID string) *Checkpoint {
	return &Checkpoint{Version: schemaVersion, JobID: jobID, Stages: map[string]StageEntry{}}
}

// IsDone reports whether stage is done and every one of its recorded
// artifacts still exists with a matching hash (spec §4.2 is_done).
func IsDone(ckpt *Checkpoint, stage string) bool {
	if ckpt == nil {
		return false
	}
	entry, ok := ckpt.Stages[stage]
	if !ok || entry.Status != "done" {
		return false
	}
	return artifactsValid(entry.Artifacts)
}

func artifactsValid(artifacts map[string]ArtifactRecord) bool {
	if len(artifacts) == 0 {
		return false
	}
	for _, rec := range artifacts {
		info, err := os.Stat(rec.Path)
		if err != nil || info.IsDir() {
			return false
		}
		if rec.SHA256 != "" {
			sum, err := sha256File(rec.Path)
			if err != nil || sum != rec.SHA256 {
				return false
			}
		}
	}
	return true
}

// RecordStarted writes status=started for stage, preserving an existing
// started_at if the stage was already attempted (spec §4.2 record_started).
func RecordStarted(path, jobID, stage string, meta map[string]any) error {
	ckpt := Read(path, jobID)
	entry := ckpt.Stages[stage]
	now := time.Now().UTC()
	if entry.StartedAt == nil {
		entry.StartedAt = &now
	}
	entry.Status = "started"
	entry.Meta = mergeMeta(entry.Meta, meta)
	entry.Events = append(entry.Events, Event{Type: "stage_started", TS: now})
	ckpt.Stages[stage] = entry
	ckpt.UpdatedAt = now
	return write(path, ckpt)
}

// RecordDone hashes each artifact file and writes status=done, appending a
// stage_finished event (spec §4.2 record_done).
func RecordDone(path, jobID, stage string, artifacts map[string]string, meta map[string]any) error {
	ckpt := Read(path, jobID)
	recs := map[string]ArtifactRecord{}
	for name, p := range artifacts {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		sum, err := sha256File(p)
		if err != nil {
			return apperr.Internal("hash checkpoint artifact", err)
		}
		recs[name] = ArtifactRecord{Path: p, SHA256: sum, Size: info.Size(), MTime: info.ModTime().UTC()}
	}

	now := time.Now().UTC()
	prior := ckpt.Stages[stage]
	entry := StageEntry{
		Status:    "done",
		DoneAt:    &now,
		Artifacts: recs,
		Meta:      meta,
		StartedAt: prior.StartedAt,
	}
	if prior.SkipReason != "" {
		entry.SkippedAt = prior.SkippedAt
		entry.SkipReason = prior.SkipReason
	}
	entry.Events = append(append([]Event{}, prior.Events...), Event{Type: "stage_finished", TS: now})

	ckpt.LastStage = stage
	ckpt.UpdatedAt = now
	ckpt.Stages[stage] = entry
	return write(path, ckpt)
}

// RecordSkipped writes status=skipped with a reason, appending a
// stage_skipped event (spec §4.2 record_skipped).
func RecordSkipped(path, jobID, stage, reason string, meta map[string]any) error {
	ckpt := Read(path, jobID)
	entry := ckpt.Stages[stage]
	now := time.Now().UTC()
	if entry.StartedAt == nil {
		entry.StartedAt = &now
	}
	entry.SkippedAt = &now
	if reason == "" {
		reason = "skipped"
	}
	entry.SkipReason = reason
	entry.Status = "skipped"
	entry.Meta = mergeMeta(entry.Meta, meta)
	entry.Events = append(entry.Events, Event{Type: "stage_skipped", TS: now, Reason: reason})
	ckpt.Stages[stage] = entry
	ckpt.UpdatedAt = now
	return write(path, ckpt)
}

func mergeMeta(existing, incoming map[string]any) map[string]any {
	if incoming == nil {
		return existing
	}
	out := map[string]any{}
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// write persists ckpt atomically via temp-then-rename (spec §3.4 invariant).
func write(path string, ckpt *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.PersistFailed("create checkpoint dir", err)
	}
	b, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return apperr.Internal("marshal checkpoint", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return apperr.PersistFailed("write checkpoint tmp", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.PersistFailed("rename checkpoint", err)
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
