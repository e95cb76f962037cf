// Copyright 2025 James Ross

// Package scheduler drains the ready queue into the stage runner, honoring
// global and per-phase concurrency limits and cooperative cancellation
// (spec §4.4). It never performs the audio/transcription/TTS/mux work
// itself — that is the StageRunner's job; the scheduler only owns dispatch
// ordering, concurrency, checkpoints, and cancellation.
package scheduler

import (
	"context"

	"github.com/flyingrobots/dubbing-orchestrator/internal/checkpoint"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// Phase names the scheduler tracks capacity for; stage runners acquire
// these via JobContext.Phases.WithPhase, not the scheduler directly.
const (
	PhaseAudio      = "audio"
	PhaseTranscribe = "transcribe"
	PhaseTTS        = "tts"
	PhaseMux        = "mux"
)

// ProgressReporter lets a stage runner push progress/message updates as it
// works through a job without depending on the store or event bus directly.
type ProgressReporter interface {
	Report(progress float64, message string)
}

// EventPublisher is the narrow seam into internal/events; nil-safe so the
// scheduler can run (e.g. in tests) without a fan-out layer attached.
type EventPublisher interface {
	PublishJobUpdate(jobID string)
}

// JobContext is everything a StageRunner needs for one dispatch.
type JobContext struct {
	Ctx            context.Context
	Job            *store.Job
	Cancel         <-chan struct{}
	Progress       ProgressReporter
	Checkpoint     *checkpoint.Checkpoint
	CheckpointPath string
	Phases         *PhaseSemaphores
}

// Done reports whether the cooperative cancel flag has been raised.
func (jc *JobContext) Done() bool {
	select {
	case <-jc.Cancel:
		return true
	default:
		return false
	}
}

// Outcome is a stage runner's terminal result for one dispatch.
type Outcome struct {
	State   store.State // DONE, FAILED, or CANCELED
	Message string
	Error   string
}

// StageRunner performs the actual per-job work. Implementations wrap each
// ML-intensive section in JobContext.Phases.WithPhase(name, fn); phase
// ordering is the runner's decision, not the scheduler's (spec §4.4).
type StageRunner interface {
	Run(jc *JobContext) Outcome
}
