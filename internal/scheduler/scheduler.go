// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/checkpoint"
	"github.com/flyingrobots/dubbing-orchestrator/internal/config"
	"github.com/flyingrobots/dubbing-orchestrator/internal/obs"
	"github.com/flyingrobots/dubbing-orchestrator/internal/policy"
	"github.com/flyingrobots/dubbing-orchestrator/internal/queuebackend"
	"github.com/flyingrobots/dubbing-orchestrator/internal/quota"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
)

// QuotaLimits is the minimal surface Scheduler needs from quota.Enforcer,
// kept as its own interface (structurally satisfied, not just imported) so
// tests can stub it without a full Enforcer/counters setup.
type QuotaLimits interface {
	ResolveLimits(userID string) (quota.Limits, error)
}

// Scheduler is the dispatch loop described in spec §4.4: it drains
// queuebackend.Backend into a StageRunner, honoring a global concurrency
// slot and per-phase semaphores, and servicing cooperative cancellation.
type Scheduler struct {
	cfg     config.SchedulerConfig
	db      *store.DB
	backend queuebackend.Backend
	runner  StageRunner
	quota   QuotaLimits
	phases  *PhaseSemaphores
	log     *zap.Logger
	pub     EventPublisher

	globalSem chan struct{}

	mu       sync.Mutex
	cancels  map[string]chan struct{} // jobID -> cancel flag, RUNNING jobs only
	attempts map[string]int           // jobID -> before_job_run requeue count

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg config.SchedulerConfig, db *store.DB, backend queuebackend.Backend, runner StageRunner, quotaLimits QuotaLimits, pub EventPublisher, log *zap.Logger) *Scheduler {
	phases := NewPhaseSemaphores(map[string]int{
		PhaseAudio:      cfg.MaxConcurrencyAudio,
		PhaseTranscribe: cfg.MaxConcurrencyTranscribe,
		PhaseTTS:        cfg.MaxConcurrencyTTS,
		PhaseMux:        cfg.MaxConcurrencyMux,
	})

	maxGlobal := cfg.MaxConcurrencyGlobal
	if maxGlobal < 1 {
		maxGlobal = 1
	}
	sem := make(chan struct{}, maxGlobal)
	for i := 0; i < maxGlobal; i++ {
		sem <- struct{}{}
	}

	return &Scheduler{
		cfg:       cfg,
		db:        db,
		backend:   backend,
		runner:    runner,
		quota:     quotaLimits,
		phases:    phases,
		log:       log,
		pub:       pub,
		globalSem: sem,
		cancels:   map[string]chan struct{}{},
		attempts:  map[string]int{},
		stopCh:    make(chan struct{}),
	}
}

// Stop signals the dispatch loop to exit after its current iteration.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run is the dispatch loop (spec §4.4 steps 1-6). It blocks until ctx is
// canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		availableAt, ok, err := s.backend.PeekAvailableAt()
		if err != nil {
			s.log.Warn("peek ready queue failed", zap.Error(err))
			if !s.sleepOrWake(ctx, 250*time.Millisecond) {
				return
			}
			continue
		}
		if !ok {
			if !s.sleepOrWake(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		if wait := time.Until(availableAt); wait > 0 {
			if !s.sleepOrWake(ctx, wait) {
				return
			}
			continue
		}

		if !s.acquireGlobal(ctx) {
			return
		}

		item, ok, err := s.backend.Next()
		if err != nil || !ok {
			s.releaseGlobal()
			if err != nil {
				s.log.Warn("dequeue failed", zap.Error(err))
			}
			continue
		}

		allowed, err := s.backend.BeforeJobRun(item.JobID, item.OwnerID, item.Mode)
		if err != nil || !allowed {
			s.releaseGlobal()
			_ = s.backend.OnJobDone(item.JobID, item.OwnerID, item.Mode)
			s.requeueWithBackoff(item)
			continue
		}

		if decision := s.evaluateDispatchCaps(item); !decision.OK {
			s.releaseGlobal()
			_ = s.backend.OnJobDone(item.JobID, item.OwnerID, item.Mode)
			s.requeueAfter(item, time.Duration(decision.RetryAfterS*float64(time.Second)))
			continue
		}

		s.mu.Lock()
		delete(s.attempts, item.JobID)
		s.mu.Unlock()
		s.dispatch(ctx, item)
	}
}

// evaluateDispatchCaps is the dispatch-time safety net (spec §4.7
// evaluate_dispatch): it re-checks the per-user running cap and the global
// high-mode cap against live counters, since the submission-time check alone
// cannot see jobs that raced into RUNNING concurrently. backend.Next() has
// already optimistically counted item itself, so its own claim is subtracted
// back out before comparing against the limits.
func (s *Scheduler) evaluateDispatchCaps(item *queuebackend.QueueItem) policy.DispatchDecision {
	role := store.RoleViewer
	if user, err := s.db.GetUserByID(item.OwnerID); err != nil {
		s.log.Warn("dispatch cap check: user lookup failed, assuming non-admin", zap.String("job_id", item.JobID), zap.String("user_id", item.OwnerID), zap.Error(err))
	} else {
		role = user.Role
	}

	limits := policy.Limits{
		MaxHighRunningGlobal: s.cfg.MaxHighRunningGlobal,
		HighModeAdminOnly:    s.cfg.HighModeAdminOnly,
	}
	if s.quota != nil {
		if resolved, err := s.quota.ResolveLimits(item.OwnerID); err != nil {
			s.log.Warn("dispatch cap check: quota lookup failed, skipping per-user cap", zap.String("job_id", item.JobID), zap.String("user_id", item.OwnerID), zap.Error(err))
		} else {
			limits.MaxRunning = resolved.MaxConcurrentJobs
		}
	}

	running := 0
	if counters, err := s.backend.Counters(item.OwnerID); err != nil {
		s.log.Warn("dispatch cap check: counters unavailable", zap.String("job_id", item.JobID), zap.Error(err))
	} else {
		running = counters.Running - 1
		if running < 0 {
			running = 0
		}
	}

	globalHighRunning := 0
	if item.Mode == "high" {
		if gc, err := s.backend.GlobalCounters(); err != nil {
			s.log.Warn("dispatch cap check: global counters unavailable", zap.String("job_id", item.JobID), zap.Error(err))
		} else {
			globalHighRunning = gc.HighRunning - 1
			if globalHighRunning < 0 {
				globalHighRunning = 0
			}
		}
	}

	return policy.EvaluateDispatch(role, item.Mode, running, globalHighRunning, limits, nil, item.OwnerID, item.JobID)
}

// requeueAfter re-submits a job that was rejected by evaluateDispatchCaps,
// honoring the domain-prescribed retry_after_s from policy.DispatchDecision
// rather than the attempts-based exponential backoff used for lock
// contention in requeueWithBackoff.
func (s *Scheduler) requeueAfter(item *queuebackend.QueueItem, delay time.Duration) {
	next := *item
	next.AvailableAt = time.Now().Add(delay)
	if _, _, err := s.backend.Submit(next); err != nil {
		s.log.Error("requeue after dispatch cap rejection failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
}

// acquireGlobal blocks until a global slot is free or the scheduler stops.
func (s *Scheduler) acquireGlobal(ctx context.Context) bool {
	select {
	case <-s.globalSem:
		obs.SchedulerActiveGlobal.Inc()
		return true
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	}
}

func (s *Scheduler) releaseGlobal() {
	obs.SchedulerActiveGlobal.Dec()
	s.globalSem <- struct{}{}
}

// sleepOrWake blocks for d or until the backend signals a queue change,
// whichever comes first. Returns false if the scheduler was asked to stop.
func (s *Scheduler) sleepOrWake(ctx context.Context, d time.Duration) bool {
	wake := s.backend.Wake()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-wake:
		return true
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	}
}

// requeueWithBackoff re-submits a job that failed before_job_run, with
// exponential backoff capped at cfg.RequeueBackoffMax (spec §4.4 step 4).
func (s *Scheduler) requeueWithBackoff(item *queuebackend.QueueItem) {
	s.mu.Lock()
	n := s.attempts[item.JobID]
	s.attempts[item.JobID] = n + 1
	s.mu.Unlock()

	backoff := s.cfg.RequeueBackoffBase
	for i := 0; i < n; i++ {
		backoff *= 2
		if backoff > s.cfg.RequeueBackoffMax {
			backoff = s.cfg.RequeueBackoffMax
			break
		}
	}

	next := *item
	next.AvailableAt = time.Now().Add(backoff)
	if _, _, err := s.backend.Submit(next); err != nil {
		s.log.Error("requeue with backoff failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
}

// dispatch runs the stage runner for item in its own goroutine and handles
// the terminal transition and counters on completion.
func (s *Scheduler) dispatch(ctx context.Context, item *queuebackend.QueueItem) {
	job, err := s.db.GetJob(item.JobID)
	if err != nil {
		s.log.Error("dispatch: job missing from store", zap.String("job_id", item.JobID), zap.Error(err))
		s.releaseGlobal()
		_ = s.backend.OnJobDone(item.JobID, item.OwnerID, item.Mode)
		return
	}

	running := store.StateRunning
	if _, err := s.db.UpdateJob(job.ID, store.JobPatch{State: &running}); err != nil {
		s.log.Error("dispatch: failed to mark RUNNING", zap.String("job_id", job.ID), zap.Error(err))
	}
	obs.JobsDispatched.Inc()
	s.notify(job.ID)

	cancel := make(chan struct{})
	s.mu.Lock()
	s.cancels[job.ID] = cancel
	s.mu.Unlock()

	jobCtx, span := obs.ContextWithJobSpan(ctx, *job)

	go func() {
		defer span.End()
		start := time.Now()

		ckptPath := checkpoint.PathFor(job.WorkDir)
		ckpt := checkpoint.Read(ckptPath, job.ID)

		jc := &JobContext{
			Ctx:            jobCtx,
			Job:            job,
			Cancel:         cancel,
			Progress:       &storeProgressReporter{s: s, jobID: job.ID},
			Checkpoint:     ckpt,
			CheckpointPath: ckptPath,
			Phases:         s.phases,
		}

		outcome := s.runStageRunnerWithTeardownDeadline(jc)

		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
		s.finish(job.ID, item.OwnerID, item.Mode, outcome)
	}()
}

// runStageRunnerWithTeardownDeadline invokes the stage runner and, if the
// job's cancel flag is raised, forcibly reports CANCELED once
// cfg.TeardownDeadline elapses even if the runner has not returned (spec
// §4.4 "after it, the job is forcibly abandoned").
func (s *Scheduler) runStageRunnerWithTeardownDeadline(jc *JobContext) Outcome {
	result := make(chan Outcome, 1)
	go func() { result <- s.runner.Run(jc) }()

	deadline := s.cfg.TeardownDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	var teardownTimer *time.Timer
	for {
		var teardownC <-chan time.Time
		if teardownTimer != nil {
			teardownC = teardownTimer.C
		}
		select {
		case out := <-result:
			return out
		case <-jc.Cancel:
			if teardownTimer == nil {
				teardownTimer = time.NewTimer(deadline)
				defer teardownTimer.Stop()
			}
		case <-teardownC:
			return Outcome{State: store.StateCanceled, Message: "teardown deadline exceeded, job forcibly abandoned"}
		}
	}
}

func (s *Scheduler) finish(jobID, ownerID, mode string, outcome Outcome) {
	s.mu.Lock()
	delete(s.cancels, jobID)
	s.mu.Unlock()

	patch := store.JobPatch{State: &outcome.State}
	if outcome.Message != "" {
		patch.Message = &outcome.Message
	}
	if outcome.Error != "" {
		patch.Error = &outcome.Error
	}
	if _, err := s.db.UpdateJob(jobID, patch); err != nil {
		s.log.Error("finish: failed to persist terminal state", zap.String("job_id", jobID), zap.Error(err))
	}

	switch outcome.State {
	case store.StateDone:
		obs.JobsCompleted.Inc()
	case store.StateFailed:
		obs.JobsFailed.Inc()
	case store.StateCanceled:
		obs.JobsCanceled.Inc()
	}

	if err := s.backend.OnJobDone(jobID, ownerID, mode); err != nil {
		s.log.Error("on_job_done failed", zap.String("job_id", jobID), zap.Error(err))
	}
	s.releaseGlobal()
	s.notify(jobID)
}

// Cancel implements spec §4.4's cooperative cancellation: QUEUED jobs are
// removed and transitioned immediately; RUNNING jobs have their cancel flag
// raised for the stage runner to observe.
func (s *Scheduler) Cancel(jobID string) error {
	wasQueued, err := s.backend.Cancel(jobID)
	if err != nil {
		return err
	}
	if wasQueued {
		canceled := store.StateCanceled
		if _, err := s.db.UpdateJob(jobID, store.JobPatch{State: &canceled}); err != nil {
			return apperr.PersistFailed("persist canceled state", err)
		}
		obs.JobsCanceled.Inc()
		s.notify(jobID)
		return nil
	}

	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if !ok {
		return apperr.NotFound("job not queued or running")
	}
	select {
	case <-cancel:
		// already signaled
	default:
		close(cancel)
	}
	return nil
}

// SetPriority forwards to the backend, which reorders only queued jobs and
// returns a not-found error for a job that is not queued, RUNNING ones
// included (spec §4.4 only reorders the ready queue).
func (s *Scheduler) SetPriority(jobID string, newPriority int) error {
	return s.backend.SetPriority(jobID, newPriority)
}

func (s *Scheduler) notify(jobID string) {
	if s.pub != nil {
		s.pub.PublishJobUpdate(jobID)
	}
}

type storeProgressReporter struct {
	s     *Scheduler
	jobID string
}

func (r *storeProgressReporter) Report(progress float64, message string) {
	_, err := r.s.db.UpdateJob(r.jobID, store.JobPatch{Progress: &progress, Message: &message})
	if err != nil {
		r.s.log.Warn("progress report failed", zap.String("job_id", r.jobID), zap.Error(err))
	}
	r.s.notify(r.jobID)
}
