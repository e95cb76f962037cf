// Copyright 2025 James Ross

// Package reaper recovers from a crashed or restarted scheduler process:
// any job left RUNNING belongs to a dispatcher that no longer exists (this
// module runs one scheduler per process, so there is no live-heartbeat
// check to make the way the teacher's worker-pool reaper makes one — a
// RUNNING row found at startup is unconditionally orphaned), and the
// in-memory local queue backend loses every QUEUED item on restart, so
// those must be re-admitted too (spec's "scheduler restart with existing
// QUEUED jobs re-admits them in the same ordering" requirement).
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dubbing-orchestrator/internal/obs"
	"github.com/flyingrobots/dubbing-orchestrator/internal/queuebackend"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// Reconciler runs once at scheduler startup, before the dispatch loop.
type Reconciler struct {
	db      *store.DB
	backend queuebackend.Backend
	// localQueue is true when the backend's ready queue lives only in
	// process memory (queue_backend=local); the distributed backend's
	// Redis-resident ready set survives a scheduler restart on its own, so
	// only still-RUNNING jobs need re-admission in that mode.
	localQueue bool
	log        *zap.Logger
}

func New(db *store.DB, backend queuebackend.Backend, localQueue bool, log *zap.Logger) *Reconciler {
	return &Reconciler{db: db, backend: backend, localQueue: localQueue, log: log}
}

// ReconcileOnStart resets every RUNNING job back to QUEUED and re-submits
// it to the backend, then (local backend only) re-submits every job still
// QUEUED in the store, oldest first, so dispatch order matches what it
// would have been had the process never restarted.
func (r *Reconciler) ReconcileOnStart(ctx context.Context) error {
	running, err := r.db.ListJobs(store.JobFilter{States: []store.State{store.StateRunning}}, 10000, 0, store.OrderCreatedAsc)
	if err != nil {
		return err
	}
	for _, j := range running {
		if err := r.requeue(j, "recovered after scheduler restart"); err != nil {
			r.log.Warn("reaper: requeue running job failed", obs.String("job_id", j.ID), obs.Err(err))
			continue
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("reaper: recovered orphaned running job", obs.String("job_id", j.ID))
	}

	if !r.localQueue {
		return nil
	}

	queued, err := r.db.ListJobs(store.JobFilter{States: []store.State{store.StateQueued}}, 10000, 0, store.OrderCreatedAsc)
	if err != nil {
		return err
	}
	for _, j := range queued {
		if _, _, err := r.backend.Submit(queuebackend.QueueItem{
			JobID: j.ID, OwnerID: j.OwnerID, Mode: j.Mode,
			AvailableAt: j.CreatedAt, CreatedAt: j.CreatedAt,
		}); err != nil {
			r.log.Warn("reaper: re-admit queued job failed", obs.String("job_id", j.ID), obs.Err(err))
		}
	}
	return nil
}

func (r *Reconciler) requeue(j *store.Job, message string) error {
	state := store.StateQueued
	msg := message
	if _, err := r.db.UpdateJob(j.ID, store.JobPatch{State: &state, Message: &msg}); err != nil {
		return err
	}
	_, _, err := r.backend.Submit(queuebackend.QueueItem{
		JobID: j.ID, OwnerID: j.OwnerID, Mode: j.Mode,
		AvailableAt: time.Now(), CreatedAt: j.CreatedAt,
	})
	return err
}
