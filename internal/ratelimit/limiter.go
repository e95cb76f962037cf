// Copyright 2025 James Ross

// Package ratelimit throttles HTTP request rate independent of job-queue
// backpressure (internal/queuebackend's ApplyBackpressure degrades or delays
// submissions once the queue is deeper than BACKPRESSURE_Q_MAX; this governs
// how often a caller may hit the API at all). Grounded on the pack's internal/ratelimit (ManuGH-xg2g), whose
// global+per-key token-bucket-over-golang.org/x/time/rate shape is kept,
// narrowed from that package's per-IP/per-streaming-mode buckets to
// per-identity (user ID or API key prefix) since this API authenticates
// every request before routing it.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/flyingrobots/dubbing-orchestrator/internal/config"
)

var rejectedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dubbing",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the HTTP-layer rate limiter, by scope.",
	},
	[]string{"scope"},
)

// Limiter enforces a global request-rate cap and a per-identity cap on top
// of it; a request must pass both to be allowed.
type Limiter struct {
	cfg    config.RateLimitConfig
	global *rate.Limiter

	mu        sync.Mutex
	perUser   map[string]*rate.Limiter
	lastSweep time.Time
	sweepEvery time.Duration
}

// New builds a Limiter from cfg.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:        cfg,
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSecond), cfg.GlobalBurst),
		perUser:    make(map[string]*rate.Limiter),
		lastSweep:  time.Now(),
		sweepEvery: 10 * time.Minute,
	}
}

// Allow reports whether a request identified by identityKey (user ID or API
// key prefix) may proceed right now.
func (l *Limiter) Allow(identityKey string) bool {
	if !l.global.Allow() {
		rejectedTotal.WithLabelValues("global").Inc()
		return false
	}

	if !l.userLimiter(identityKey).Allow() {
		rejectedTotal.WithLabelValues("per_user").Inc()
		return false
	}

	l.maybeSweep()
	return true
}

func (l *Limiter) userLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.perUser[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.PerUserRatePerSecond), l.cfg.PerUserBurst)
		l.perUser[key] = lim
	}
	return lim
}

// maybeSweep drops all per-identity limiters periodically so a long-lived
// process doesn't accumulate one entry per caller forever; a dropped
// limiter just starts fresh (full burst) on the caller's next request.
func (l *Limiter) maybeSweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastSweep) < l.sweepEvery {
		return
	}
	l.perUser = make(map[string]*rate.Limiter)
	l.lastSweep = time.Now()
}
