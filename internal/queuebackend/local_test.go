// Copyright 2025 James Ross
package queuebackend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItem(jobID, ownerID string, priority int, createdAt time.Time) QueueItem {
	return QueueItem{
		JobID:       jobID,
		OwnerID:     ownerID,
		Mode:        "medium",
		Priority:    priority,
		AvailableAt: createdAt,
		CreatedAt:   createdAt,
	}
}

func TestLocalBackendFIFOWithinSamePriority(t *testing.T) {
	b := NewLocalBackend(1000)
	base := time.Now()

	_, _, err := b.Submit(newItem("a", "u1", 5, base))
	require.NoError(t, err)
	_, _, err = b.Submit(newItem("b", "u1", 5, base.Add(time.Millisecond)))
	require.NoError(t, err)
	_, _, err = b.Submit(newItem("c", "u1", 5, base.Add(2*time.Millisecond)))
	require.NoError(t, err)

	first, ok, err := b.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", first.JobID)

	second, ok, err := b.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", second.JobID)
}

func TestLocalBackendHigherPriorityFirst(t *testing.T) {
	b := NewLocalBackend(1000)
	base := time.Now()

	_, _, err := b.Submit(newItem("low", "u1", 1, base))
	require.NoError(t, err)
	_, _, err = b.Submit(newItem("high", "u1", 9, base.Add(time.Millisecond)))
	require.NoError(t, err)

	item, ok, err := b.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "high", item.JobID)
}

func TestLocalBackendNextRespectsAvailableAt(t *testing.T) {
	b := NewLocalBackend(1000)
	future := time.Now().Add(time.Hour)
	_, _, err := b.Submit(newItem("future", "u1", 5, future))
	require.NoError(t, err)

	_, ok, err := b.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalBackendSubmitRejectsDuplicateJobID(t *testing.T) {
	b := NewLocalBackend(1000)
	base := time.Now()
	_, _, err := b.Submit(newItem("dup", "u1", 5, base))
	require.NoError(t, err)
	_, _, err = b.Submit(newItem("dup", "u1", 5, base))
	require.Error(t, err)
}

func TestLocalBackendCancelRemovesQueuedJob(t *testing.T) {
	b := NewLocalBackend(1000)
	_, _, err := b.Submit(newItem("x", "u1", 5, time.Now()))
	require.NoError(t, err)

	wasQueued, err := b.Cancel("x")
	require.NoError(t, err)
	assert.True(t, wasQueued)

	depth, err := b.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestLocalBackendCancelOfRunningJobReportsNotQueued(t *testing.T) {
	b := NewLocalBackend(1000)
	wasQueued, err := b.Cancel("not-present")
	require.NoError(t, err)
	assert.False(t, wasQueued)
}

func TestLocalBackendBackpressureDegradesHighMode(t *testing.T) {
	b := NewLocalBackend(1)
	base := time.Now()
	_, _, err := b.Submit(newItem("a", "u1", 1, base))
	require.NoError(t, err)
	_, _, err = b.Submit(newItem("a2", "u1", 1, base))
	require.NoError(t, err)

	item := newItem("b", "u1", 1, base.Add(time.Millisecond))
	item.Mode = "high"
	mode, reason, err := b.Submit(item)
	require.NoError(t, err)
	assert.Equal(t, "medium", mode)
	assert.Equal(t, "backpressure_degrade", reason)
}

func TestLocalBackendCountersTrackQueuedAndRunning(t *testing.T) {
	b := NewLocalBackend(1000)
	_, _, err := b.Submit(newItem("a", "u1", 5, time.Now()))
	require.NoError(t, err)

	c, err := b.Counters("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Queued)
	assert.Equal(t, 0, c.Running)

	_, ok, err := b.Next()
	require.NoError(t, err)
	require.True(t, ok)

	c, err = b.Counters("u1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Queued)
	assert.Equal(t, 1, c.Running)

	require.NoError(t, b.OnJobDone("a", "u1", "medium"))
	c, err = b.Counters("u1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Running)
}

func TestLocalBackendSetPriorityReordersHeap(t *testing.T) {
	b := NewLocalBackend(1000)
	base := time.Now()
	_, _, err := b.Submit(newItem("a", "u1", 1, base))
	require.NoError(t, err)
	_, _, err = b.Submit(newItem("b", "u1", 1, base.Add(time.Millisecond)))
	require.NoError(t, err)

	require.NoError(t, b.SetPriority("b", 10))

	item, ok, err := b.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", item.JobID)
}

func TestLocalBackendWakeClosesOnSubmit(t *testing.T) {
	b := NewLocalBackend(1000)
	w := b.Wake()
	_, _, err := b.Submit(newItem("a", "u1", 5, time.Now()))
	require.NoError(t, err)

	select {
	case <-w:
	default:
		t.Fatal("expected wake channel to be closed after submit")
	}
}
