package pairing

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/pairing/service"
	storage "pkg.world.dev/world-engine/pairing/storage/redis"
	"pkg.world.dev/world-engine/pairing/telemetry"
)

// config holds environment-based configuration for the coordinator.
type config struct {
	RedisAddress  string `env:"REDIS_ADDRESS" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Namespace prefixes every key so several deployments can share one store.
	Namespace string `env:"PAIRING_NAMESPACE"`
	Port      string `env:"PAIRING_PORT" envDefault:"4040"`

	// Log level configuration ("debug", "info", "warn", "error").
	LogLevel string `env:"PAIRING_LOG_LEVEL" envDefault:"info"`

	// Log format configuration ("json", "pretty").
	LogFormat string `env:"PAIRING_LOG_FORMAT" envDefault:"json"`

	HeartbeatTTLSeconds      int `env:"PAIRING_HEARTBEAT_TTL_SECONDS" envDefault:"10"`
	SignalTTLSeconds         int `env:"PAIRING_SIGNAL_TTL_SECONDS" envDefault:"30"`
	LockStaleMs              int `env:"PAIRING_LOCK_STALE_MS" envDefault:"10000"`
	ProcessIntervalMs        int `env:"PAIRING_PROCESS_INTERVAL_MS" envDefault:"1000"`
	ProcessBatch             int `env:"PAIRING_PROCESS_BATCH" envDefault:"100"`
	AloneThresholdSeconds    int `env:"PAIRING_ALONE_THRESHOLD_SECONDS" envDefault:"5"`
	AloneSweepMs             int `env:"PAIRING_ALONE_SWEEP_MS" envDefault:"2000"`
	ReconcileIntervalSeconds int `env:"PAIRING_RECONCILE_INTERVAL_SECONDS" envDefault:"60"`
	AbandonAfterSeconds      int `env:"PAIRING_ABANDON_AFTER_SECONDS" envDefault:"60"`
	LeftBehindTTLSeconds     int `env:"PAIRING_LEFT_BEHIND_TTL_SECONDS" envDefault:"600"`
	LeftBehindMaxAgeSeconds  int `env:"PAIRING_LEFT_BEHIND_MAX_AGE_SECONDS" envDefault:"300"`
	MatchTTLSeconds          int `env:"PAIRING_MATCH_TTL_SECONDS" envDefault:"7200"`
	ReportTTLSeconds         int `env:"PAIRING_REPORT_TTL_SECONDS" envDefault:"86400"`

	// AdminRoutesEnabled exposes the reconcile, validate and process endpoints.
	AdminRoutesEnabled bool `env:"PAIRING_ADMIN_ROUTES" envDefault:"true"`

	StatsdAddress   string `env:"STATSD_ADDRESS"`
	TraceEnabled    bool   `env:"TRACE_ENABLED" envDefault:"false"`
	ProfilerEnabled bool   `env:"PROFILER_ENABLED" envDefault:"false"`

	// SentryDSN enables error reporting. Empty disables it.
	SentryDSN string `env:"SENTRY_DSN"`

	// SentryEnvironment tells deployments apart in Sentry, e.g. "DEV" or "PROD".
	SentryEnvironment string `env:"SENTRY_ENV"`

	RoomProviderURL    string `env:"ROOM_PROVIDER_URL"`
	RoomProviderAPIKey string `env:"ROOM_PROVIDER_API_KEY"`
}

// loadConfig loads configuration from environment variables.
func loadConfig() (config, error) {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		return config{}, eris.Wrap(err, "failed to parse pairing config")
	}
	return cfg, nil
}

// Options is the resolved configuration of a Coordinator.
type Options struct {
	Redis     storage.Options
	Namespace string
	Port      string
	LogLevel  string
	LogFormat string

	Service            service.Config
	ProcessInterval    time.Duration
	AloneSweepInterval time.Duration
	ReconcileInterval  time.Duration
	AdminRoutes        bool

	StatsdAddress     string
	StatsdTags        []string
	TraceEnabled      bool
	ProfilerEnabled   bool
	SentryDSN         string
	SentryEnvironment string

	RoomProviderURL    string
	RoomProviderAPIKey string
}

func newDefaultOptions() Options {
	return Options{
		Redis:              storage.Options{Addr: "localhost:6379"},
		Port:               "4040",
		LogLevel:           "info",
		LogFormat:          "json",
		Service:            service.DefaultConfig(),
		ProcessInterval:    time.Second,
		AloneSweepInterval: 2 * time.Second,
		ReconcileInterval:  time.Minute,
		AdminRoutes:        true,
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// applyConfig copies the environment configuration into the options.
func (o *Options) applyConfig(cfg config) {
	o.Redis = storage.Options{Addr: cfg.RedisAddress, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	o.Namespace = cfg.Namespace
	o.Port = cfg.Port
	o.LogLevel = cfg.LogLevel
	o.LogFormat = cfg.LogFormat

	o.Service = service.Config{
		HeartbeatTTL:     seconds(cfg.HeartbeatTTLSeconds),
		SignalTTL:        seconds(cfg.SignalTTLSeconds),
		MatchTTL:         seconds(cfg.MatchTTLSeconds),
		LeftBehindTTL:    seconds(cfg.LeftBehindTTLSeconds),
		LeftBehindMaxAge: seconds(cfg.LeftBehindMaxAgeSeconds),
		LockStaleAfter:   millis(cfg.LockStaleMs),
		ProcessBatch:     cfg.ProcessBatch,
		AloneThreshold:   seconds(cfg.AloneThresholdSeconds),
		AbandonAfter:     seconds(cfg.AbandonAfterSeconds),
		ReportTTL:        seconds(cfg.ReportTTLSeconds),
	}
	o.ProcessInterval = millis(cfg.ProcessIntervalMs)
	o.AloneSweepInterval = millis(cfg.AloneSweepMs)
	o.ReconcileInterval = seconds(cfg.ReconcileIntervalSeconds)
	o.AdminRoutes = cfg.AdminRoutesEnabled

	o.StatsdAddress = cfg.StatsdAddress
	o.TraceEnabled = cfg.TraceEnabled
	o.ProfilerEnabled = cfg.ProfilerEnabled
	o.SentryDSN = cfg.SentryDSN
	o.SentryEnvironment = cfg.SentryEnvironment
	o.RoomProviderURL = cfg.RoomProviderURL
	o.RoomProviderAPIKey = cfg.RoomProviderAPIKey
}

// validate performs validation on the resolved options.
func (o *Options) validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(o.LogLevel)); err != nil {
		return eris.Errorf("invalid log level: %s (must be 'debug', 'info', 'warn', or 'error')", o.LogLevel)
	}
	if telemetry.ParseLogFormat(o.LogFormat) == telemetry.LogFormatUndefined {
		return eris.Errorf("invalid log format: %s (must be 'json' or 'pretty')", o.LogFormat)
	}
	if o.Port == "" {
		return eris.New("port cannot be empty")
	}

	durations := map[string]time.Duration{
		"heartbeat ttl":       o.Service.HeartbeatTTL,
		"signal ttl":          o.Service.SignalTTL,
		"match ttl":           o.Service.MatchTTL,
		"left-behind ttl":     o.Service.LeftBehindTTL,
		"left-behind max age": o.Service.LeftBehindMaxAge,
		"lock staleness":      o.Service.LockStaleAfter,
		"alone threshold":     o.Service.AloneThreshold,
		"abandon window":      o.Service.AbandonAfter,
		"report ttl":          o.Service.ReportTTL,
		"process interval":    o.ProcessInterval,
		"alone sweep":         o.AloneSweepInterval,
		"reconcile interval":  o.ReconcileInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return eris.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if o.Service.ProcessBatch < 2 {
		return eris.Errorf("process batch must hold at least one pair, got %d", o.Service.ProcessBatch)
	}
	return nil
}
