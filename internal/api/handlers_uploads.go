// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
	"github.com/flyingrobots/dubbing-orchestrator/internal/rbac"
	"github.com/flyingrobots/dubbing-orchestrator/internal/validate"
)

type uploadInitRequest struct {
	Filename   string `json:"filename"`
	TotalBytes int64  `json:"total_bytes"`
	Mime       string `json:"mime"`
}

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, apperr.Validation("could not read request body"))
		return
	}
	if err := s.deps.Validator.Validate(validate.SchemaUploadInit, body); err != nil {
		writeError(w, err)
		return
	}

	var req uploadInitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperr.Validation("malformed json body"))
		return
	}

	session, err := s.deps.Uploads.Init(id.UserID, req.Filename, req.TotalBytes, req.Mime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	uploadID := mux.Vars(r)["id"]

	session, err := s.deps.Uploads.Get(uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		writeError(w, apperr.NotFound("upload session not found"))
		return
	}
	if err := rbac.RequireObjectWrite(id, session.OwnerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleUploadChunk accepts raw chunk bytes; offset and sha256 travel as
// headers since the body itself is the chunk payload (spec §4.9).
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	vars := mux.Vars(r)
	uploadID := vars["id"]

	session, err := s.deps.Uploads.Get(uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		writeError(w, apperr.NotFound("upload session not found"))
		return
	}
	if err := rbac.RequireObjectWrite(id, session.OwnerID); err != nil {
		writeError(w, err)
		return
	}

	index, err := strconv.Atoi(vars["index"])
	if err != nil || index < 0 {
		writeError(w, apperr.Validation("chunk index must be a non-negative integer"))
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get("X-Chunk-Offset"), 10, 64)
	if err != nil {
		writeError(w, apperr.Validation("X-Chunk-Offset header must be a non-negative integer"))
		return
	}
	sha256Hex := r.Header.Get("X-Chunk-SHA256")

	maxChunk := session.ChunkBytes + (1 << 20)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChunk))
	if err != nil {
		writeError(w, apperr.Validation("could not read chunk body"))
		return
	}

	if err := s.deps.Uploads.Chunk(uploadID, index, offset, body, sha256Hex); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

type uploadCompleteRequest struct {
	FinalSHA256 *string `json:"final_sha256"`
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	uploadID := mux.Vars(r)["id"]

	session, err := s.deps.Uploads.Get(uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		writeError(w, apperr.NotFound("upload session not found"))
		return
	}
	if err := rbac.RequireObjectWrite(id, session.OwnerID); err != nil {
		writeError(w, err)
		return
	}

	var req uploadCompleteRequest
	_ = json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req)

	videoPath, err := s.deps.Uploads.Complete(uploadID, req.FinalSHA256)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"video_path": videoPath})
}
