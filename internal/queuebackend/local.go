// Copyright 2025 James Ross
package queuebackend

import (
	"container/heap"
	"sync"
	"time"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

// itemHeap orders by (available_at, priority desc, created_at, seq), the
// exact tiebreak chain spec §4.3/§4.4 names for the local backend.
type itemHeap []*QueueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*QueueItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// LocalBackend is the single-process queue_backend=local implementation: an
// in-memory priority heap under one mutex, counters derived from maps kept
// in lockstep with heap/running-set mutations (spec §4.3 "locks are
// no-ops (single writer)").
type LocalBackend struct {
	mu           sync.Mutex
	heap         itemHeap
	byJobID      map[string]*QueueItem
	running      map[string]string // jobID -> ownerID
	runningMode  map[string]string // jobID -> mode, for high-running accounting
	userQueued   map[string]int
	userRunning  map[string]int
	userToday    map[string]int
	highRunning  int
	backpressure int // configured threshold M
	seq          int64
	wake         chan struct{}
}

func NewLocalBackend(backpressureQMax int) *LocalBackend {
	return &LocalBackend{
		byJobID:      map[string]*QueueItem{},
		running:      map[string]string{},
		runningMode:  map[string]string{},
		userQueued:   map[string]int{},
		userRunning:  map[string]int{},
		userToday:    map[string]int{},
		backpressure: backpressureQMax,
		wake:         make(chan struct{}),
	}
}

func (b *LocalBackend) notifyLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *LocalBackend) Wake() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wake
}

func (b *LocalBackend) Submit(item QueueItem) (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.byJobID[item.JobID]; exists {
		return "", "", apperr.Conflict("job already submitted")
	}

	effMode, delay, reason := ApplyBackpressure(item.Mode, len(b.heap), b.backpressure)
	item.Mode = effMode
	if delay > 0 {
		item.AvailableAt = item.AvailableAt.Add(delay)
	}
	b.seq++
	item.Seq = b.seq

	cp := item
	heap.Push(&b.heap, &cp)
	b.byJobID[item.JobID] = &cp
	b.userQueued[item.OwnerID]++
	b.userToday[item.OwnerID]++
	b.notifyLocked()

	return effMode, reason, nil
}

func (b *LocalBackend) Counters(userID string) (UserCounters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return UserCounters{
		Running: b.userRunning[userID],
		Queued:  b.userQueued[userID],
		Today:   b.userToday[userID],
	}, nil
}

func (b *LocalBackend) GlobalCounters() (GlobalCounters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return GlobalCounters{HighRunning: b.highRunning}, nil
}

func (b *LocalBackend) SetPriority(jobID string, newPriority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.byJobID[jobID]
	if !ok {
		return apperr.NotFound("job not queued")
	}
	item.Priority = newPriority
	heap.Fix(&b.heap, indexOf(b.heap, jobID))
	b.notifyLocked()
	return nil
}

func indexOf(h itemHeap, jobID string) int {
	for i, it := range h {
		if it.JobID == jobID {
			return i
		}
	}
	return -1
}

func (b *LocalBackend) Cancel(jobID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if item, ok := b.byJobID[jobID]; ok {
		idx := indexOf(b.heap, jobID)
		if idx >= 0 {
			heap.Remove(&b.heap, idx)
		}
		delete(b.byJobID, jobID)
		if b.userQueued[item.OwnerID] > 0 {
			b.userQueued[item.OwnerID]--
		}
		b.notifyLocked()
		return true, nil
	}

	// RUNNING: scheduler owns the cooperative cancel signal; the backend
	// only reports whether it was queued.
	return false, nil
}

func (b *LocalBackend) BeforeJobRun(jobID, userID, mode string) (bool, error) {
	return true, nil
}

func (b *LocalBackend) OnJobDone(jobID, ownerID, mode string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.running, jobID)
	delete(b.runningMode, jobID)
	if b.userRunning[ownerID] > 0 {
		b.userRunning[ownerID]--
	}
	if mode == "high" && b.highRunning > 0 {
		b.highRunning--
	}
	b.notifyLocked()
	return nil
}

func (b *LocalBackend) Next() (*QueueItem, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.heap.Len() == 0 {
		return nil, false, nil
	}
	head := b.heap[0]
	if head.AvailableAt.After(time.Now()) {
		return nil, false, nil
	}
	item := heap.Pop(&b.heap).(*QueueItem)
	b.markRunningLocked(item.JobID, item.OwnerID, item.Mode)
	delete(b.byJobID, item.JobID)
	cp := *item
	return &cp, true, nil
}

func (b *LocalBackend) markRunningLocked(jobID, ownerID, mode string) {
	b.running[jobID] = ownerID
	b.runningMode[jobID] = mode
	if b.userQueued[ownerID] > 0 {
		b.userQueued[ownerID]--
	}
	b.userRunning[ownerID]++
	if mode == "high" {
		b.highRunning++
	}
}

func (b *LocalBackend) PeekAvailableAt() (time.Time, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.heap.Len() == 0 {
		return time.Time{}, false, nil
	}
	return b.heap[0].AvailableAt, true, nil
}

func (b *LocalBackend) Depth() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heap.Len(), nil
}
