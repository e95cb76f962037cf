// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	RemoteAccessMode string `mapstructure:"remote_access_mode"` // off|private|proxied
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	CORSAllowOrigins []string      `mapstructure:"cors_allow_origins"`
}

type StoreConfig struct {
	JobsDBPath string `mapstructure:"jobs_db_path"`
	AuthDBPath string `mapstructure:"auth_db_path"`
	OutputDir  string `mapstructure:"output_dir"`
	InputDir   string `mapstructure:"input_dir"`
	LogDir     string `mapstructure:"log_dir"`
	StateDir   string `mapstructure:"state_dir"`
}

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	ConnMaxIdleTime    time.Duration `mapstructure:"conn_max_idle_time"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type SchedulerConfig struct {
	QueueBackend             string        `mapstructure:"queue_backend"` // local|distributed
	MaxConcurrencyGlobal     int           `mapstructure:"max_concurrency_global"`
	MaxConcurrencyAudio      int           `mapstructure:"max_concurrency_audio"`
	MaxConcurrencyTranscribe int           `mapstructure:"max_concurrency_transcribe"`
	MaxConcurrencyTTS        int           `mapstructure:"max_concurrency_tts"`
	MaxConcurrencyMux        int           `mapstructure:"max_concurrency_mux"`
	BackpressureQMax         int           `mapstructure:"backpressure_q_max"`
	MaxHighRunningGlobal     int           `mapstructure:"max_high_running_global"`
	HighModeAdminOnly        bool          `mapstructure:"high_mode_admin_only"`
	DispatchLockTTL          time.Duration `mapstructure:"dispatch_lock_ttl"`
	TeardownDeadline         time.Duration `mapstructure:"teardown_deadline"`
	RequeueBackoffBase       time.Duration `mapstructure:"requeue_backoff_base"`
	RequeueBackoffMax        time.Duration `mapstructure:"requeue_backoff_max"`
}

type QuotaDefaults struct {
	MaxUploadBytes             int64 `mapstructure:"max_upload_bytes"`
	MaxStorageBytesPerUser     int64 `mapstructure:"max_storage_bytes_per_user"`
	JobsPerDayPerUser          int   `mapstructure:"jobs_per_day_per_user"`
	MaxConcurrentJobsPerUser   int   `mapstructure:"max_concurrent_jobs_per_user"`
	MaxQueuedJobsPerUser       int   `mapstructure:"max_queued_jobs_per_user"`
	MaxProcessingMinutesPerDay int   `mapstructure:"max_processing_minutes_per_day"`
}

type UploadConfig struct {
	MinChunkBytes int64         `mapstructure:"min_chunk_bytes"`
	MaxChunkBytes int64         `mapstructure:"max_chunk_bytes"`
	ChunkSlack    int64         `mapstructure:"chunk_slack_bytes"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
}

type AuthConfig struct {
	JWTSigningSecret      string        `mapstructure:"jwt_signing_secret"`
	AccessTTL             time.Duration `mapstructure:"access_ttl"`
	RefreshTTL            time.Duration `mapstructure:"refresh_ttl"`
	CookieSecure           bool          `mapstructure:"cookie_secure"`
	CSRFCookieName        string        `mapstructure:"csrf_cookie_name"`
	AllowLegacyTokenLogin bool          `mapstructure:"allow_legacy_token_login"`
}

type EventsConfig struct {
	SSEPollInterval time.Duration `mapstructure:"sse_poll_interval"`
	SendDeadline    time.Duration `mapstructure:"send_deadline"`
	WSIdleTimeout   time.Duration `mapstructure:"ws_idle_timeout"`
	NATSURL         string        `mapstructure:"nats_url"`
}

type VoiceStoreConfig struct {
	RootDir        string  `mapstructure:"root_dir"`
	MatchThreshold float64 `mapstructure:"match_threshold"`
}

type ArchiveConfig struct {
	RetentionDays   int    `mapstructure:"retention_days"`
	SweepCron       string `mapstructure:"sweep_cron"`
	S3Bucket        string `mapstructure:"s3_bucket"`
	S3Region        string `mapstructure:"s3_region"`
	ClickHouseDSN   string `mapstructure:"clickhouse_dsn"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// RateLimitConfig bounds request rate at the HTTP layer, independent of the
// job-queue backpressure policy (§4.8): this caps how often a caller may hit
// the API at all, not how many jobs they may have in flight.
type RateLimitConfig struct {
	GlobalRatePerSecond  float64 `mapstructure:"global_rate_per_second"`
	GlobalBurst          int     `mapstructure:"global_burst"`
	PerUserRatePerSecond float64 `mapstructure:"per_user_rate_per_second"`
	PerUserBurst         int     `mapstructure:"per_user_burst"`
}

type Config struct {
	HTTP          HTTPConfig          `mapstructure:"http"`
	Store         StoreConfig         `mapstructure:"store"`
	Redis         Redis               `mapstructure:"redis"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Quota         QuotaDefaults       `mapstructure:"quota"`
	Upload        UploadConfig        `mapstructure:"upload"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Events        EventsConfig        `mapstructure:"events"`
	VoiceStore    VoiceStoreConfig    `mapstructure:"voice_store"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			RemoteAccessMode: "off",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			CORSAllowOrigins: nil,
		},
		Store: StoreConfig{
			JobsDBPath: "./state/jobs.db",
			AuthDBPath: "./state/auth.db",
			OutputDir:  "./output",
			InputDir:   "./input",
			LogDir:     "./logs",
			StateDir:   "./state",
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       2,
			ConnMaxIdleTime:    5 * time.Minute,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Scheduler: SchedulerConfig{
			QueueBackend:             "local",
			MaxConcurrencyGlobal:     4,
			MaxConcurrencyAudio:      4,
			MaxConcurrencyTranscribe: 2,
			MaxConcurrencyTTS:        2,
			MaxConcurrencyMux:        4,
			BackpressureQMax:         10,
			MaxHighRunningGlobal:     2,
			HighModeAdminOnly:        true,
			DispatchLockTTL:          10 * time.Second,
			TeardownDeadline:         15 * time.Second,
			RequeueBackoffBase:       500 * time.Millisecond,
			RequeueBackoffMax:        30 * time.Second,
		},
		Quota: QuotaDefaults{
			MaxUploadBytes:           8 << 30, // 8 GiB
			MaxStorageBytesPerUser:   64 << 30,
			JobsPerDayPerUser:        20,
			MaxConcurrentJobsPerUser: 2,
			MaxQueuedJobsPerUser:     5,
		},
		Upload: UploadConfig{
			MinChunkBytes: 256 << 10,
			MaxChunkBytes: 4 << 20,
			ChunkSlack:    4096,
			SessionTTL:    24 * time.Hour,
		},
		Auth: AuthConfig{
			AccessTTL:             15 * time.Minute,
			RefreshTTL:            30 * 24 * time.Hour,
			CookieSecure:          true,
			CSRFCookieName:        "csrf",
			AllowLegacyTokenLogin: false,
		},
		Events: EventsConfig{
			SSEPollInterval: 750 * time.Millisecond,
			SendDeadline:    5 * time.Second,
			WSIdleTimeout:   10 * time.Minute,
		},
		VoiceStore: VoiceStoreConfig{
			RootDir:        "./state/voices",
			MatchThreshold: 0.82,
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			SweepCron:     "0 * * * *",
		},
		RateLimit: RateLimitConfig{
			GlobalRatePerSecond:  200,
			GlobalBurst:          400,
			PerUserRatePerSecond: 10,
			PerUserBurst:         20,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from a YAML file plus the §6.3/§7.4 env var contract.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)
	bindEnv(v)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("http.host", def.HTTP.Host)
	v.SetDefault("http.port", def.HTTP.Port)
	v.SetDefault("http.remote_access_mode", def.HTTP.RemoteAccessMode)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", def.HTTP.IdleTimeout)
	v.SetDefault("http.cors_allow_origins", def.HTTP.CORSAllowOrigins)

	v.SetDefault("store.jobs_db_path", def.Store.JobsDBPath)
	v.SetDefault("store.auth_db_path", def.Store.AuthDBPath)
	v.SetDefault("store.output_dir", def.Store.OutputDir)
	v.SetDefault("store.input_dir", def.Store.InputDir)
	v.SetDefault("store.log_dir", def.Store.LogDir)
	v.SetDefault("store.state_dir", def.Store.StateDir)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.conn_max_idle_time", def.Redis.ConnMaxIdleTime)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("scheduler.queue_backend", def.Scheduler.QueueBackend)
	v.SetDefault("scheduler.max_concurrency_global", def.Scheduler.MaxConcurrencyGlobal)
	v.SetDefault("scheduler.max_concurrency_audio", def.Scheduler.MaxConcurrencyAudio)
	v.SetDefault("scheduler.max_concurrency_transcribe", def.Scheduler.MaxConcurrencyTranscribe)
	v.SetDefault("scheduler.max_concurrency_tts", def.Scheduler.MaxConcurrencyTTS)
	v.SetDefault("scheduler.max_concurrency_mux", def.Scheduler.MaxConcurrencyMux)
	v.SetDefault("scheduler.backpressure_q_max", def.Scheduler.BackpressureQMax)
	v.SetDefault("scheduler.max_high_running_global", def.Scheduler.MaxHighRunningGlobal)
	v.SetDefault("scheduler.high_mode_admin_only", def.Scheduler.HighModeAdminOnly)
	v.SetDefault("scheduler.dispatch_lock_ttl", def.Scheduler.DispatchLockTTL)
	v.SetDefault("scheduler.teardown_deadline", def.Scheduler.TeardownDeadline)
	v.SetDefault("scheduler.requeue_backoff_base", def.Scheduler.RequeueBackoffBase)
	v.SetDefault("scheduler.requeue_backoff_max", def.Scheduler.RequeueBackoffMax)

	v.SetDefault("quota.max_upload_bytes", def.Quota.MaxUploadBytes)
	v.SetDefault("quota.max_storage_bytes_per_user", def.Quota.MaxStorageBytesPerUser)
	v.SetDefault("quota.jobs_per_day_per_user", def.Quota.JobsPerDayPerUser)
	v.SetDefault("quota.max_concurrent_jobs_per_user", def.Quota.MaxConcurrentJobsPerUser)
	v.SetDefault("quota.max_queued_jobs_per_user", def.Quota.MaxQueuedJobsPerUser)
	v.SetDefault("quota.max_processing_minutes_per_day", def.Quota.MaxProcessingMinutesPerDay)

	v.SetDefault("upload.min_chunk_bytes", def.Upload.MinChunkBytes)
	v.SetDefault("upload.max_chunk_bytes", def.Upload.MaxChunkBytes)
	v.SetDefault("upload.chunk_slack_bytes", def.Upload.ChunkSlack)
	v.SetDefault("upload.session_ttl", def.Upload.SessionTTL)

	v.SetDefault("auth.access_ttl", def.Auth.AccessTTL)
	v.SetDefault("auth.refresh_ttl", def.Auth.RefreshTTL)
	v.SetDefault("auth.cookie_secure", def.Auth.CookieSecure)
	v.SetDefault("auth.csrf_cookie_name", def.Auth.CSRFCookieName)
	v.SetDefault("auth.allow_legacy_token_login", def.Auth.AllowLegacyTokenLogin)

	v.SetDefault("events.sse_poll_interval", def.Events.SSEPollInterval)
	v.SetDefault("events.send_deadline", def.Events.SendDeadline)
	v.SetDefault("events.ws_idle_timeout", def.Events.WSIdleTimeout)

	v.SetDefault("voice_store.root_dir", def.VoiceStore.RootDir)
	v.SetDefault("voice_store.match_threshold", def.VoiceStore.MatchThreshold)

	v.SetDefault("archive.retention_days", def.Archive.RetentionDays)
	v.SetDefault("archive.sweep_cron", def.Archive.SweepCron)

	v.SetDefault("rate_limit.global_rate_per_second", def.RateLimit.GlobalRatePerSecond)
	v.SetDefault("rate_limit.global_burst", def.RateLimit.GlobalBurst)
	v.SetDefault("rate_limit.per_user_rate_per_second", def.RateLimit.PerUserRatePerSecond)
	v.SetDefault("rate_limit.per_user_burst", def.RateLimit.PerUserBurst)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
}

// bindEnv maps the §6.3/§7.4 contract env var names onto viper keys; AutomaticEnv
// alone only covers the dotted-key-to-SNAKE_CASE default, these names diverge.
func bindEnv(v *viper.Viper) {
	binding := map[string]string{
		"store.output_dir":                        "OUTPUT_DIR",
		"store.input_dir":                          "INPUT_DIR",
		"store.log_dir":                            "LOG_DIR",
		"store.state_dir":                          "STATE_DIR",
		"http.host":                                "HOST",
		"http.port":                                "PORT",
		"http.remote_access_mode":                  "REMOTE_ACCESS_MODE",
		"quota.max_upload_bytes":                   "MAX_UPLOAD_BYTES",
		"quota.max_storage_bytes_per_user":          "MAX_STORAGE_BYTES_PER_USER",
		"quota.jobs_per_day_per_user":               "JOBS_PER_DAY_PER_USER",
		"quota.max_concurrent_jobs_per_user":        "MAX_CONCURRENT_JOBS_PER_USER",
		"quota.max_queued_jobs_per_user":            "MAX_QUEUED_JOBS_PER_USER",
		"scheduler.max_high_running_global":         "MAX_HIGH_RUNNING_GLOBAL",
		"scheduler.high_mode_admin_only":            "HIGH_MODE_ADMIN_ONLY",
		"scheduler.max_concurrency_global":          "MAX_CONCURRENCY_GLOBAL",
		"scheduler.max_concurrency_transcribe":      "MAX_CONCURRENCY_TRANSCRIBE",
		"scheduler.max_concurrency_tts":              "MAX_CONCURRENCY_TTS",
		"scheduler.backpressure_q_max":               "BACKPRESSURE_Q_MAX",
		"auth.allow_legacy_token_login":              "ALLOW_LEGACY_TOKEN_LOGIN",
		"auth.cookie_secure":                         "COOKIE_SECURE",
		"auth.jwt_signing_secret":                    "JWT_SIGNING_SECRET",
		"auth.access_ttl":                            "JWT_ACCESS_TTL",
		"auth.refresh_ttl":                           "JWT_REFRESH_TTL",
		"auth.csrf_cookie_name":                      "CSRF_COOKIE_NAME",
		"scheduler.dispatch_lock_ttl":                "DISTRIBUTED_LOCK_TTL_S",
		"redis.addr":                                 "REDIS_ADDR",
		"scheduler.queue_backend":                    "QUEUE_BACKEND",
		"events.nats_url":                             "NATS_URL",
		"archive.s3_bucket":                           "ARCHIVE_S3_BUCKET",
		"archive.s3_region":                           "ARCHIVE_S3_REGION",
		"archive.clickhouse_dsn":                      "ARCHIVE_CLICKHOUSE_DSN",
		"archive.retention_days":                      "ARCHIVE_RETENTION_DAYS",
	}
	for key, env := range binding {
		_ = v.BindEnv(key, env)
	}
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Scheduler.QueueBackend != "local" && cfg.Scheduler.QueueBackend != "distributed" {
		return fmt.Errorf("scheduler.queue_backend must be local|distributed")
	}
	if cfg.Scheduler.QueueBackend == "distributed" && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when scheduler.queue_backend=distributed")
	}
	if cfg.Scheduler.MaxConcurrencyGlobal < 1 {
		return fmt.Errorf("scheduler.max_concurrency_global must be >= 1")
	}
	if cfg.Upload.MinChunkBytes <= 0 || cfg.Upload.MaxChunkBytes < cfg.Upload.MinChunkBytes {
		return fmt.Errorf("upload chunk bounds invalid")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.HTTP.RemoteAccessMode != "off" && cfg.HTTP.RemoteAccessMode != "private" && cfg.HTTP.RemoteAccessMode != "proxied" {
		return fmt.Errorf("http.remote_access_mode must be off|private|proxied")
	}
	return nil
}
