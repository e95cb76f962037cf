// Copyright 2025 James Ross
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// JobLister is the subset of *store.DB the SSE/WebSocket handlers need.
type JobLister interface {
	ListJobs(filter store.JobFilter, limit, offset int, order store.JobOrder) ([]*store.Job, error)
	GetJob(id string) (*store.Job, error)
}

// SSEHandler serves GET /jobs/events: a per-connection poll loop emitting
// one SSE "job" event per changed, visible job.
type SSEHandler struct {
	Jobs JobLister
	Log  *zap.Logger
}

func NewSSEHandler(jobs JobLister, log *zap.Logger) *SSEHandler {
	return &SSEHandler{Jobs: jobs, Log: log}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	lastKey := map[string]string{}
	writeErr := make(chan error, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := h.Jobs.ListJobs(store.JobFilter{}, 0, 0, store.OrderUpdatedDesc)
			if err != nil {
				if h.Log != nil {
					h.Log.Warn("sse list jobs failed", zap.Error(err))
				}
				continue
			}
			visible := visibleJobs(id, jobs)

			deadline := time.NewTimer(SendDeadline)
			go func() {
				writeErr <- h.writeChanges(w, flusher, visible, lastKey)
			}()
			select {
			case err := <-writeErr:
				deadline.Stop()
				if err != nil {
					return
				}
			case <-deadline.C:
				if h.Log != nil {
					h.Log.Warn("sse subscriber exceeded send deadline, dropping")
				}
				return
			}
		}
	}
}

func (h *SSEHandler) writeChanges(w http.ResponseWriter, flusher http.Flusher, jobs []*store.Job, lastKey map[string]string) error {
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		seen[j.ID] = true
		key := deltaKey(j)
		if lastKey[j.ID] == key {
			continue
		}
		lastKey[j.ID] = key

		payload, err := json.Marshal(deltaOf(j))
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: job\ndata: %s\n\n", payload); err != nil {
			return err
		}
	}
	for id := range lastKey {
		if !seen[id] {
			delete(lastKey, id)
		}
	}
	flusher.Flush()
	return nil
}
