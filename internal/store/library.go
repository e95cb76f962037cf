// Copyright 2025 James Ross
package store

import (
	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

// ListLibrarySeries returns the distinct, non-empty series_slug values known
// to the library view, for the GET /library/series browse route (spec §6.1).
func (db *DB) ListLibrarySeries() ([]string, error) {
	rows, err := db.sql.Query(`
		SELECT DISTINCT series_slug FROM jobs
		WHERE series_slug != ''
		ORDER BY series_slug ASC`)
	if err != nil {
		return nil, apperr.PersistFailed("list library series", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, apperr.PersistFailed("scan library series", err)
		}
		out = append(out, slug)
	}
	return out, rows.Err()
}

// ListLibrarySeasons returns the distinct season numbers a series has jobs
// under, for the GET /library/{slug}/seasons browse route (spec §6.1).
func (db *DB) ListLibrarySeasons(seriesSlug string) ([]int, error) {
	rows, err := db.sql.Query(`
		SELECT DISTINCT season_number FROM jobs
		WHERE series_slug = ? AND series_slug != ''
		ORDER BY season_number ASC`, seriesSlug)
	if err != nil {
		return nil, apperr.PersistFailed("list library seasons", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var season int
		if err := rows.Scan(&season); err != nil {
			return nil, apperr.PersistFailed("scan library season", err)
		}
		out = append(out, season)
	}
	return out, rows.Err()
}

// ListLibraryEpisodes rebuilds the denormalized library browse view from
// authoritative job rows (spec §4.1 list_library_episodes, §3.7). When
// includeVersions is false, only the most-recently-updated row per
// (series_slug, season_number, episode_number) is returned; otherwise all
// rows are returned ordered (episode asc, updated_at desc). seasonNumber and
// episodeNumber of 0 mean "any" (the GET /library/{slug}/{S}/episodes and
// episode_number= query param scope these down per spec.md:338/413).
func (db *DB) ListLibraryEpisodes(seriesSlug string, seasonNumber, episodeNumber int, includeVersions bool) ([]*LibraryEpisode, error) {
	var filters string
	args := []any{seriesSlug}
	if seasonNumber > 0 {
		filters += " AND season_number = ?"
		args = append(args, seasonNumber)
	}
	if episodeNumber > 0 {
		filters += " AND episode_number = ?"
		args = append(args, episodeNumber)
	}

	var query string
	if includeVersions {
		query = `
			SELECT id, owner_id, series_slug, series_title, season_number, episode_number,
			       visibility, created_at, updated_at
			FROM jobs
			WHERE series_slug = ? AND series_slug != ''` + filters + `
			ORDER BY episode_number ASC, updated_at DESC`
	} else {
		query = `
			WITH ranked AS (
				SELECT id, owner_id, series_slug, series_title, season_number, episode_number,
				       visibility, created_at, updated_at,
				       ROW_NUMBER() OVER (
				           PARTITION BY series_slug, season_number, episode_number
				           ORDER BY updated_at DESC
				       ) AS rn
				FROM jobs
				WHERE series_slug = ? AND series_slug != ''` + filters + `
			)
			SELECT id, owner_id, series_slug, series_title, season_number, episode_number,
			       visibility, created_at, updated_at
			FROM ranked WHERE rn = 1
			ORDER BY episode_number ASC`
	}

	rows, err := db.sql.Query(query, args...)
	if err != nil {
		return nil, apperr.PersistFailed("list library episodes", err)
	}
	defer rows.Close()

	var out []*LibraryEpisode
	for rows.Next() {
		var e LibraryEpisode
		var visibility, createdAt, updatedAt string
		if err := rows.Scan(&e.JobID, &e.OwnerID, &e.SeriesSlug, &e.SeriesTitle,
			&e.SeasonNumber, &e.EpisodeNumber, &visibility, &createdAt, &updatedAt); err != nil {
			return nil, apperr.PersistFailed("scan library episode", err)
		}
		e.Visibility = Visibility(visibility)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, apperr.Internal("parse library created_at", err)
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, apperr.Internal("parse library updated_at", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
