// Copyright 2025 James Ross
package scheduler

import (
	"context"

	"github.com/flyingrobots/dubbing-orchestrator/internal/obs"
)

// PhaseSemaphores gates concurrent ML-intensive sections by name. Capacities
// are configured independently of the scheduler's global slot count (spec
// §4.4 "Per-phase semaphores ... configurable capacities").
type PhaseSemaphores struct {
	sems map[string]chan struct{}
}

func NewPhaseSemaphores(capacities map[string]int) *PhaseSemaphores {
	sems := make(map[string]chan struct{}, len(capacities))
	for name, n := range capacities {
		if n < 1 {
			n = 1
		}
		sems[name] = make(chan struct{}, n)
	}
	return &PhaseSemaphores{sems: sems}
}

// WithPhase acquires the named phase's slot for the duration of fn, blocking
// until a slot frees or ctx is canceled. Unknown phase names run unthrottled.
func (p *PhaseSemaphores) WithPhase(ctx context.Context, name string, fn func() error) error {
	sem, ok := p.sems[name]
	if !ok {
		return fn()
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	obs.PhaseActive.WithLabelValues(name).Inc()
	defer func() {
		obs.PhaseActive.WithLabelValues(name).Dec()
		<-sem
	}()

	return fn()
}
