// Copyright 2025 James Ross

// Package library maintains the filesystem manifest registry described by
// original_source/src/dubbing_pipeline/library/registry.py: a denormalized
// `_state/manifest_registry.json` under the output directory, rebuilt by
// walking job output folders for `manifest.json` files. This is a recovery
// path distinct from internal/store.DB.ListLibraryEpisodes's authoritative
// DB-backed browse view (spec §3.7/§4.1) — it lets the library survive a
// lost or corrupted job database by reconstructing entries straight from
// on-disk manifests.
package library

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// Entry is one registry row, keyed by job_id.
type Entry struct {
	JobID         string `json:"job_id"`
	ManifestPath  string `json:"manifest_path"`
	OwnerUserID   string `json:"owner_user_id"`
	SeriesTitle   string `json:"series_title"`
	SeriesSlug    string `json:"series_slug"`
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
	Visibility    string `json:"visibility"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type registryFile struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// Registry manages the manifest_registry.json file rooted at outputDir.
type Registry struct {
	OutputDir string
}

func New(outputDir string) *Registry {
	return &Registry{OutputDir: outputDir}
}

func (r *Registry) path() string {
	return filepath.Join(r.OutputDir, "_state", "manifest_registry.json")
}

// Read returns the current entries, keyed by job_id. A missing file reads
// as empty, not an error.
func (r *Registry) Read() (map[string]Entry, error) {
	data, err := os.ReadFile(r.path())
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, apperr.Internal("read manifest registry", err)
	}
	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return map[string]Entry{}, nil
	}
	if rf.Entries == nil {
		return map[string]Entry{}, nil
	}
	return rf.Entries, nil
}

// Write atomically rewrites the registry file (temp-then-rename, matching
// internal/checkpoint and internal/voicestore's own idiom).
func (r *Registry) Write(entries map[string]Entry) error {
	path := r.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.Internal("create state dir", err)
	}
	data, err := json.MarshalIndent(registryFile{Version: 1, Entries: entries}, "", "  ")
	if err != nil {
		return apperr.Internal("marshal manifest registry", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Internal("write temp registry file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.Internal("rename temp registry file", err)
	}
	return nil
}

// manifestPriority prefers manifests that live under a "library" path
// segment over any other location, matching the original's
// `_manifest_priority` tie-break (0 = preferred, 1 = fallback).
func manifestPriority(path string) int {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.EqualFold(part, "library") {
			return 0
		}
	}
	return 1
}

func normalizeVisibility(v string) store.Visibility {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "public":
		return store.VisibilityPublic
	case "shared":
		return store.VisibilityShared
	default:
		return store.VisibilityPrivate
	}
}

func entryFromManifest(manifestPath string, manifest map[string]any, job *store.Job) (Entry, bool) {
	jobID := strOf(manifest["job_id"])
	if job != nil {
		jobID = job.ID
	}
	if jobID == "" {
		return Entry{}, false
	}

	owner := ""
	seriesTitle, seriesSlug, vis := "", "", ""
	season, episode := 0, 0
	if job != nil {
		owner = job.OwnerID
		seriesTitle = job.SeriesTitle
		seriesSlug = job.SeriesSlug
		season = job.SeasonNumber
		episode = job.EpisodeNumber
		vis = string(job.Visibility)
	} else {
		owner = strOf(manifest["owner_user_id"])
		seriesTitle = strOf(manifest["series_title"])
		seriesSlug = strOf(manifest["series_slug"])
		season = intOf(manifest["season_number"])
		episode = intOf(manifest["episode_number"])
		vis = strOf(manifest["visibility"])
	}

	createdAt := strOf(manifest["created_at"])
	updatedAt := strOf(manifest["updated_at"])
	if updatedAt == "" {
		updatedAt = createdAt
	}

	return Entry{
		JobID:         jobID,
		ManifestPath:  manifestPath,
		OwnerUserID:   owner,
		SeriesTitle:   seriesTitle,
		SeriesSlug:    seriesSlug,
		SeasonNumber:  season,
		EpisodeNumber: episode,
		Visibility:    string(normalizeVisibility(vis)),
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, true
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// safeUnderRoot guards against a manifest path escaping outputDir via a
// symlink or `..` traversal, matching the original's `_safe_under_root`.
func safeUnderRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

// RegisterManifest upserts a single job's registry entry from its
// manifest.json, called right after a job writes its manifest.
func (r *Registry) RegisterManifest(job *store.Job, manifestPath string) error {
	resolved, err := filepath.Abs(manifestPath)
	if err != nil {
		return apperr.Validation("invalid manifest path")
	}
	if !safeUnderRoot(resolved, r.OutputDir) {
		return apperr.Validation("manifest path escapes output directory")
	}
	if info, err := os.Lstat(resolved); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return apperr.Validation("manifest path must not be a symlink")
	}

	manifest := readManifestBestEffort(resolved, job.ID)
	entry, ok := entryFromManifest(resolved, manifest, job)
	if !ok {
		return nil
	}

	entries, err := r.Read()
	if err != nil {
		return err
	}
	entries[entry.JobID] = entry
	return r.Write(entries)
}

// RemoveManifestEntry drops a job's registry row, e.g. on job deletion.
func (r *Registry) RemoveManifestEntry(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil
	}
	entries, err := r.Read()
	if err != nil {
		return err
	}
	if _, ok := entries[jobID]; !ok {
		return nil
	}
	delete(entries, jobID)
	return r.Write(entries)
}

func readManifestBestEffort(path, fallbackJobID string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{"job_id": fallbackJobID}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"job_id": fallbackJobID}
	}
	return m
}

// JobGetter is the subset of *store.DB Repair needs.
type JobGetter interface {
	GetJob(id string) (*store.Job, error)
}

// RepairResult summarizes a full registry rebuild.
type RepairResult struct {
	Entries       map[string]Entry
	Scanned       int
	SkippedOrphan int
}

// Repair walks outputDir for manifest.json files and rebuilds the registry
// from scratch, preferring manifests under a "library" path segment when
// the same job_id appears more than once (spec-adjacent recovery path; see
// original_source's repair_manifest_registry and its prefer_library tie-break).
func (r *Registry) Repair(jobs JobGetter, preferLibrary bool) (RepairResult, error) {
	type withPriority struct {
		entry    Entry
		priority int
	}
	found := map[string]withPriority{}
	scanned := 0
	skippedOrphan := 0

	err := filepath.WalkDir(r.OutputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if info, lerr := os.Lstat(path); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != "manifest.json" {
			return nil
		}
		if info, lerr := os.Lstat(path); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		resolved, rerr := filepath.Abs(path)
		if rerr != nil || !safeUnderRoot(resolved, r.OutputDir) {
			return nil
		}

		manifest := readManifestBestEffort(resolved, "")
		scanned++
		jobID := strOf(manifest["job_id"])
		if jobID == "" {
			return nil
		}
		job, gerr := jobs.GetJob(jobID)
		if gerr != nil || job == nil {
			skippedOrphan++
			return nil
		}
		entry, ok := entryFromManifest(resolved, manifest, job)
		if !ok {
			return nil
		}
		priority := manifestPriority(resolved)
		if cur, exists := found[jobID]; exists {
			if preferLibrary && priority < cur.priority {
				found[jobID] = withPriority{entry: entry, priority: priority}
			}
		} else {
			found[jobID] = withPriority{entry: entry, priority: priority}
		}
		return nil
	})
	if err != nil {
		return RepairResult{}, apperr.Internal("walk output directory", err)
	}

	entries := make(map[string]Entry, len(found))
	for id, wp := range found {
		entries[id] = wp.entry
	}
	if err := r.Write(entries); err != nil {
		return RepairResult{}, err
	}
	return RepairResult{Entries: entries, Scanned: scanned, SkippedOrphan: skippedOrphan}, nil
}
