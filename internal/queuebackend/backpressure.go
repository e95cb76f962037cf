// Copyright 2025 James Ross
package queuebackend

import (
	"math/rand"
	"time"
)

// ApplyBackpressure implements the spec §4.3 policy: when the ready queue
// depth Q exceeds threshold M, high/medium modes degrade one step; low mode
// instead defers dispatch by a jittered delay capped at 30s.
func ApplyBackpressure(mode string, q, m int) (effectiveMode string, delay time.Duration, reason string) {
	if q <= m {
		return mode, 0, ""
	}
	switch mode {
	case "high":
		return "medium", 0, "backpressure_degrade"
	case "medium":
		return "low", 0, "backpressure_degrade"
	default:
		over := float64(q - m)
		jitter := rand.Float64() * 0.75
		seconds := 0.5 + over*0.75 + jitter
		if seconds > 30 {
			seconds = 30
		}
		return mode, time.Duration(seconds * float64(time.Second)), "backpressure_delay"
	}
}
