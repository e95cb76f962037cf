// Copyright 2025 James Ross

// Package events implements the SSE and WebSocket job-event fan-out of spec
// §4.10: short-interval polling of the job store, delta-keyed so only
// changed records are sent, filtered per-subscriber by visibility, with a
// bounded send deadline so a slow reader is dropped rather than stalling
// the poll loop.
package events

import (
	"strconv"
	"time"

	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// PollInterval is how often the job store is re-scanned for changes.
const PollInterval = 750 * time.Millisecond

// SendDeadline bounds how long a single write to a subscriber may block
// before it is considered unresponsive and dropped.
const SendDeadline = 2 * time.Second

// Delta is one job's observable event payload.
type Delta struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func deltaOf(j *store.Job) Delta {
	return Delta{
		JobID:     j.ID,
		State:     string(j.State),
		UpdatedAt: j.UpdatedAt,
		Progress:  j.Progress,
		Message:   j.Message,
		Error:     j.Error,
	}
}

// deltaKey is the "state:updated_at:progress:message" string spec §4.10
// names as the change-detection key; it intentionally ignores fields not
// listed there (e.g. error) so those alone never trigger a re-send.
func deltaKey(j *store.Job) string {
	return string(j.State) + ":" + j.UpdatedAt.Format(time.RFC3339Nano) + ":" +
		strconv.FormatFloat(j.Progress, 'f', -1, 64) + ":" + j.Message
}

func isTerminal(s store.State) bool {
	switch s {
	case store.StateDone, store.StateFailed, store.StateCanceled:
		return true
	default:
		return false
	}
}

// visibleJobs filters jobs to those the identity may view (spec §4.6),
// allowing shared-visibility reads for any authenticated identity.
func visibleJobs(id identity.Identity, jobs []*store.Job) []*store.Job {
	out := make([]*store.Job, 0, len(jobs))
	for _, j := range jobs {
		if identity.CanView(id, j.OwnerID, j.Visibility, true) {
			out = append(out, j)
		}
	}
	return out
}
