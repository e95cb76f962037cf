// Copyright 2025 James Ross
package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	jobIDs []string
}

func (r *recordingPublisher) PublishJobUpdate(jobID string) {
	r.jobIDs = append(r.jobIDs, jobID)
}

func TestMultiFansOutToEveryPublisher(t *testing.T) {
	a, b := &recordingPublisher{}, &recordingPublisher{}
	m := Multi{a, b, nil}
	m.PublishJobUpdate("job-1")

	assert.Equal(t, []string{"job-1"}, a.jobIDs)
	assert.Equal(t, []string{"job-1"}, b.jobIDs)
}

func TestLocalBusDeliversToSubscribers(t *testing.T) {
	bus := NewLocalBus()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.PublishJobUpdate("job-1")

	select {
	case got := <-ch:
		assert.Equal(t, "job-1", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestLocalBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewLocalBus()
	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestLocalBusDropsRatherThanBlocksOnFullSubscriber(t *testing.T) {
	bus := NewLocalBus()
	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.PublishJobUpdate("job-1")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
	require.True(t, true)
}
