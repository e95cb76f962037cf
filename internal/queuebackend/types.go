// Copyright 2025 James Ross

// Package queuebackend implements the two dispatch-ordering backends behind
// one interface: an in-process priority heap for queue_backend=local, and a
// Redis-backed implementation for queue_backend=distributed (spec §4.3).
package queuebackend

import "time"

// QueueItem is one ready-or-pending dispatch entry.
type QueueItem struct {
	JobID       string
	OwnerID     string
	Mode        string // high | medium | low, possibly rewritten by backpressure
	Priority    int
	AvailableAt time.Time
	CreatedAt   time.Time
	Seq         int64
}

// UserCounters are the authoritative per-user counts policy checks need.
type UserCounters struct {
	Running int
	Queued  int
	Today   int
}

// GlobalCounters are cross-instance counts for high-mode gating.
type GlobalCounters struct {
	HighRunning int
}

// Backend is the queue_backend contract (spec §4.3). Both implementations
// apply the backpressure policy inside Submit before an item becomes ready.
type Backend interface {
	// Submit enqueues item for dispatch, applying backpressure degrade/delay
	// and returning once durable. Returns the possibly-rewritten mode and a
	// human-readable reason when backpressure altered the submission.
	Submit(item QueueItem) (effectiveMode string, reason string, err error)

	Counters(userID string) (UserCounters, error)
	GlobalCounters() (GlobalCounters, error)

	SetPriority(jobID string, newPriority int) error

	// Cancel removes a queued job and reports wasQueued=true; for any other
	// job it returns false and does nothing. The RUNNING-side cooperative
	// cancel lives in internal/scheduler.
	Cancel(jobID string) (wasQueued bool, err error)

	// BeforeJobRun is the dispatch-time safety net (spec §4.3/§4.7 dispatch
	// rules); false means requeue with backoff.
	BeforeJobRun(jobID, userID, mode string) (bool, error)

	// OnJobDone decrements running/high-running counters for jobID's owner.
	OnJobDone(jobID, ownerID, mode string) error

	// Next pops the next ready item (available_at <= now, highest priority,
	// FIFO tiebreak by created_at/seq), or ok=false if none is ready yet.
	Next() (item *QueueItem, ok bool, err error)

	// PeekAvailableAt reports the head item's available_at without popping
	// it, letting the scheduler sleep precisely until it is ready (spec
	// §4.4 dispatch loop step 2). ok=false when the queue is empty.
	PeekAvailableAt() (availableAt time.Time, ok bool, err error)

	// Depth reports the current ready-queue length, for backpressure (§4.3)
	// and the /metrics queue_depth gauge.
	Depth() (int, error)

	// Wake is closed/replaced on submit, cancel, priority change and job
	// completion, letting the scheduler's dispatch loop avoid busy-polling
	// (spec §4.4 step 1). It is not closed when a delayed item's
	// available_at passes; PeekAvailableAt gives the loop that time.
	Wake() <-chan struct{}
}
