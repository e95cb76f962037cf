// Copyright 2025 James Ross
package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// handleListLibrarySeries returns the distinct series known to the library
// view (GET /library/series, spec.md:338).
func (s *Server) handleListLibrarySeries(w http.ResponseWriter, r *http.Request) {
	slugs, err := s.deps.DB.ListLibrarySeries()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slugs)
}

// handleListLibrarySeasons returns the distinct season numbers a series has
// jobs under (GET /library/{slug}/seasons, spec.md:338).
func (s *Server) handleListLibrarySeasons(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	seasons, err := s.deps.DB.ListLibrarySeasons(slug)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seasons)
}

// handleListLibraryEpisodes returns the browse view for one series and
// (optionally) one season, filtered to rows the caller may view (spec §4.6
// require_library_access applied per-row rather than all-or-nothing, so a
// shared/public episode still surfaces even when the caller owns none of the
// rest of the series). Serves both GET /library/{slug}/{S}/episodes and, via
// the optional episode_number query param, spec.md:413's episode-scoped
// version filtering.
func (s *Server) handleListLibraryEpisodes(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	vars := mux.Vars(r)
	seriesSlug := vars["slug"]
	if seriesSlug == "" {
		writeError(w, apperr.Validation("series slug is required"))
		return
	}

	seasonNumber := 0
	if raw := vars["season"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, apperr.Validation("season_number must be a positive integer"))
			return
		}
		seasonNumber = n
	}

	episodeNumber := 0
	if raw := r.URL.Query().Get("episode_number"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, apperr.Validation("episode_number must be a positive integer"))
			return
		}
		episodeNumber = n
	}

	includeVersions := r.URL.Query().Get("include_versions") == "true" || r.URL.Query().Get("include_versions") == "1"

	rows, err := s.deps.DB.ListLibraryEpisodes(seriesSlug, seasonNumber, episodeNumber, includeVersions)
	if err != nil {
		writeError(w, err)
		return
	}

	visible := make([]*store.LibraryEpisode, 0, len(rows))
	for _, row := range rows {
		if identity.CanView(id, row.OwnerID, row.Visibility, true) {
			visible = append(visible, row)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}
