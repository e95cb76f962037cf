// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseSemaphoresLimitsConcurrency(t *testing.T) {
	p := NewPhaseSemaphores(map[string]int{PhaseAudio: 1})

	var active, maxSeen int32
	release := make(chan struct{})
	done := make(chan struct{})

	run := func() {
		err := p.WithPhase(context.Background(), PhaseAudio, func() error {
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
			return nil
		})
		require.NoError(t, err)
		done <- struct{}{}
	}

	go run()
	go run()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&active))

	close(release)
	<-done
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
}

func TestPhaseSemaphoresUnknownPhaseRunsUnthrottled(t *testing.T) {
	p := NewPhaseSemaphores(map[string]int{})
	called := false
	err := p.WithPhase(context.Background(), "unknown", func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}
