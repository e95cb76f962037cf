// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/dubbing-orchestrator/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs submitted to the queue",
	})
	JobsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dispatched_total",
		Help: "Total number of jobs moved from QUEUED to RUNNING",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that reached DONE",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached FAILED",
	})
	JobsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_canceled_total",
		Help: "Total number of jobs that reached CANCELED",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job durations from RUNNING to a terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
	SchedulerActiveGlobal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_active_global",
		Help: "Number of jobs currently holding the global concurrency slot",
	})
	PhaseActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "phase_active",
		Help: "Number of stage runs currently holding a per-phase semaphore slot",
	}, []string{"phase"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Number of QUEUED jobs by priority mode",
	}, []string{"mode"})
	BackpressureDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backpressure_degraded_total",
		Help: "Total number of submissions rejected with BACKPRESSURE",
	})
	QuotaRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_rejected_total",
		Help: "Total number of requests rejected with QUOTA, labeled by reason",
	}, []string{"reason"})
	UploadChunksReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upload_chunks_received_total",
		Help: "Total number of upload chunks accepted (including idempotent re-sends)",
	})
	EventSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "event_subscribers",
		Help: "Number of currently connected event subscribers by transport",
	}, []string{"transport"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, labeled by stage",
	}, []string{"stage"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a stage's circuit breaker transitioned to Open",
	}, []string{"stage"})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of RUNNING jobs the janitor reset after a crashed dispatcher",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsDispatched, JobsCompleted, JobsFailed, JobsCanceled,
		JobProcessingDuration, SchedulerActiveGlobal, PhaseActive, QueueDepth,
		BackpressureDegraded, QuotaRejected, UploadChunksReceived, EventSubscribers,
		CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered,
	)
}

// StartMetricsServer exposes /metrics standalone; StartHTTPServer is preferred
// since it also wires /healthz and /readyz behind the same port.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
