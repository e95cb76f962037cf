// Copyright 2025 James Ross
package scheduler

import "github.com/flyingrobots/dubbing-orchestrator/internal/store"

// UnimplementedRunner is a StageRunner that fails every job immediately. It
// exists so the scheduler, queue backend and HTTP API can be wired and
// exercised end to end without the audio/transcription/TTS/mux backends
// that actually perform dubbing — those are provided at deployment time by
// whatever ML stack the operator has installed, not by this module.
type UnimplementedRunner struct{}

func (UnimplementedRunner) Run(jc *JobContext) Outcome {
	return Outcome{
		State:   store.StateFailed,
		Message: "no stage runner configured",
		Error:   "stage runner not implemented: install an audio/transcribe/tts/mux backend",
	}
}
