// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubbing-orchestrator/internal/api"
	"github.com/flyingrobots/dubbing-orchestrator/internal/archive"
	"github.com/flyingrobots/dubbing-orchestrator/internal/audit"
	"github.com/flyingrobots/dubbing-orchestrator/internal/config"
	"github.com/flyingrobots/dubbing-orchestrator/internal/events"
	"github.com/flyingrobots/dubbing-orchestrator/internal/eventbus"
	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
	"github.com/flyingrobots/dubbing-orchestrator/internal/library"
	"github.com/flyingrobots/dubbing-orchestrator/internal/obs"
	"github.com/flyingrobots/dubbing-orchestrator/internal/queuebackend"
	"github.com/flyingrobots/dubbing-orchestrator/internal/quota"
	"github.com/flyingrobots/dubbing-orchestrator/internal/ratelimit"
	"github.com/flyingrobots/dubbing-orchestrator/internal/reaper"
	"github.com/flyingrobots/dubbing-orchestrator/internal/redisclient"
	"github.com/flyingrobots/dubbing-orchestrator/internal/scheduler"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
	"github.com/flyingrobots/dubbing-orchestrator/internal/upload"
	"github.com/flyingrobots/dubbing-orchestrator/internal/validate"
	"github.com/flyingrobots/dubbing-orchestrator/internal/voicestore"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to application YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := obs.NewFileLogger(cfg.Observability.LogLevel, cfg.Store.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		log.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.JobsDBPath), 0o755); err != nil {
		log.Fatal("create store dir", obs.Err(err))
	}
	db, err := store.Open(cfg.Store.JobsDBPath, store.DefaultOpenOptions())
	if err != nil {
		log.Fatal("open store", obs.Err(err))
	}
	defer db.Close()

	distributed := cfg.Scheduler.QueueBackend == "distributed"

	var rdb *redis.Client
	var backend queuebackend.Backend
	var quotaCounters quota.Counters
	if distributed {
		rdb = redisclient.New(cfg)
		defer rdb.Close()
		backend = queuebackend.NewDistributedBackend(rdb, "dbo")
		quotaCounters = quota.NewRedisCounters(rdb)
	} else {
		backend = queuebackend.NewLocalBackend(cfg.Scheduler.BackpressureQMax)
		quotaCounters = quota.NewLocalCounters()
	}

	enforcer := quota.NewEnforcer(db, cfg.Quota, quotaCounters)
	tokens := identity.NewTokenIssuer(cfg.Auth.JWTSigningSecret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	resolver := identity.NewResolver(db, tokens, cfg.Auth.CSRFCookieName, cfg.Auth.AllowLegacyTokenLogin)

	uploads := upload.NewManager(db, enforcer, cfg.Upload, cfg.Store.StateDir, cfg.Store.InputDir)
	voices := voicestore.New(cfg.VoiceStore.RootDir)
	lib := library.New(cfg.Store.OutputDir)

	sse := events.NewSSEHandler(db, log)
	ws := events.NewWSHandler(db, log)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.GlobalRatePerSecond > 0 {
		limiter = ratelimit.New(cfg.RateLimit)
	}

	auditEmitter := audit.NewLogEmitter(log)

	pub := buildEventPublisher(cfg, log)

	sched := scheduler.New(cfg.Scheduler, db, backend, scheduler.UnimplementedRunner{}, enforcer, pub, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, log)

	reconciler := reaper.New(db, backend, !distributed, log)
	if err := reconciler.ReconcileOnStart(ctx); err != nil {
		log.Error("startup reconciliation failed", obs.Err(err))
	}

	go sched.Run(ctx)
	defer sched.Stop()

	exporters, err := buildArchiveExporters(ctx, cfg, log)
	if err != nil {
		log.Fatal("build archive exporters", obs.Err(err))
	}
	sweeper := archive.NewSweeper(db, cfg.Archive, exporters, log)
	defer sweeper.Close()
	if cfg.Archive.SweepCron != "" {
		go func() {
			if err := sweeper.RunOnSchedule(ctx); err != nil {
				log.Error("archive sweep schedule stopped", obs.Err(err))
			}
		}()
	}

	readyCheck := func(c context.Context) error {
		if distributed {
			return rdb.Ping(c).Err()
		}
		return nil
	}
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	srv := api.NewServer(api.Deps{
		Config:    cfg,
		DB:        db,
		Tokens:    tokens,
		Resolver:  resolver,
		Validator: validate.New(),
		Quota:     enforcer,
		Backend:   backend,
		Sched:     sched,
		Uploads:   uploads,
		Voices:    voices,
		Library:   lib,
		SSE:       sse,
		WS:        ws,
		RateLimit: limiter,
		Audit:     auditEmitter,
		GPUProbe:  func() bool { return false },
		Log:       log,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown", obs.Err(err))
		}
	}()

	log.Info("dubbing orchestrator starting", obs.String("addr", fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)), obs.Bool("distributed", distributed))
	if err := srv.Start(); err != nil {
		log.Fatal("http server stopped", obs.Err(err))
	}
}

// buildEventPublisher wires the scheduler's wake bus to an in-process
// LocalBus and, when configured, a NATS publisher as well (spec §0 events
// ambient stack), following eventbus.Multi's fan-out shape.
func buildEventPublisher(cfg *config.Config, log *zap.Logger) eventbus.Publisher {
	local := eventbus.NewLocalBus()
	if cfg.Events.NATSURL == "" {
		return local
	}
	nats, err := eventbus.NewNATSBus(cfg.Events.NATSURL, "dubbing.jobs", log)
	if err != nil {
		log.Warn("nats publisher unavailable, falling back to local bus only", obs.Err(err))
		return local
	}
	return eventbus.Multi{local, nats}
}

// buildArchiveExporters constructs zero or more archive.Exporter instances
// from cfg.Archive; an unset DSN/bucket means that exporter is skipped, so
// a deployment with neither configured just deletes terminal jobs locally
// once they age out.
func buildArchiveExporters(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]archive.Exporter, error) {
	var exporters []archive.Exporter
	if cfg.Archive.S3Bucket != "" {
		exp, err := archive.NewS3Exporter(cfg.Archive.S3Bucket, cfg.Archive.S3Region, "dubbing-archive", log)
		if err != nil {
			return nil, fmt.Errorf("s3 exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	if cfg.Archive.ClickHouseDSN != "" {
		exp, err := archive.NewClickHouseExporter(ctx, cfg.Archive.ClickHouseDSN, "dubbing", "archived_jobs", log)
		if err != nil {
			return nil, fmt.Errorf("clickhouse exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	return exporters, nil
}

func handleSignals(cancel context.CancelFunc, log *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		log.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(10 * time.Second):
	}
}
