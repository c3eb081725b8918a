// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server, logging,
// persistence, queue, provider gateway and observability settings, plus the
// typed SyncConfig holding every threshold and window the sync engine uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-sync-engine/internal/domain"
	"github.com/tbourn/go-sync-engine/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the gorm dialect and its connection string.
type DBConfig struct {
	Driver string // sqlite|postgres|mysql
	Path   string // sqlite file path
	DSN    string // postgres/mysql DSN
}

// QueueConfig configures the asynq worker pool and the per-pair lock.
type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
	MaxRetry      int
	LockBackend   string // redis|local
}

// GatewayConfig points at the integration gateway that fronts the provider
// API, the credential store and the notification service.
type GatewayConfig struct {
	BaseURL            string
	Token              string
	Timeout            time.Duration
	WebhookCallbackURL string // public base URL the provider calls back
}

// PosthogConfig enables the optional product-analytics sink for sync metrics.
type PosthogConfig struct {
	APIKey   string
	Endpoint string
}

// IntervalProfile bounds the adaptive interval for one integration.
// Fallback is only meaningful for push-capable integrations.
type IntervalProfile struct {
	Default  time.Duration
	Min      time.Duration
	Max      time.Duration
	Fallback time.Duration
}

// SyncConfig holds every threshold, window and interval of the engine.
type SyncConfig struct {
	// Circuit breaker
	BreakerThreshold int           // consecutive failures before opening (3)
	BreakerCooldown  time.Duration // open duration (1h)
	TrialTimeout     time.Duration // a half_open trial older than this may be retaken

	// Adaptive scheduling
	OnboardingWindow   time.Duration // 24h
	OnboardingInterval time.Duration // pinned interval while onboarding
	WidenMultiplier    float64       // 1.5
	WidenTriggerCount  int           // 5 unchanged syncs before widening
	Profiles           map[domain.Integration]IntervalProfile

	// Webhooks
	RenewalWindow           time.Duration // 24h
	SilenceThreshold        time.Duration // 48h
	RegistrationRetryBudget int           // 3 retries after the first attempt
	RegistrationBackoff     time.Duration // 2s, doubled per retry

	// Tokens
	RefreshLookahead time.Duration // 24h

	// Execution
	SyncTimeout      time.Duration // hard wall-clock per sync job (60s)
	ManualSyncWindow time.Duration // one manual sync per user per window (1m)

	// Sweeps (cron expressions)
	DueSweepCron          string
	WebhookSweepCron      string
	TokenRefreshSweepCron string
}

// Profile returns the interval profile of an integration.
func (s SyncConfig) Profile(i domain.Integration) IntervalProfile {
	return s.Profiles[i]
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test
	ServiceMode       string // all|api|worker

	// Logging / Docs
	LogLevel       string
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	// Persistence
	DB DBConfig

	// Queue
	Queue QueueConfig

	// Provider gateway
	Gateway GatewayConfig

	// Admin endpoints (HS256 bearer tokens); empty disables auth (dev only)
	AdminJWTSecret string

	// Rate limiting for the public API
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration

	// Observability
	OTEL    OTELConfig
	Posthog PosthogConfig

	// Engine
	Sync SyncConfig
}

// DefaultSyncConfig returns the engine defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BreakerThreshold: 3,
		BreakerCooldown:  time.Hour,
		TrialTimeout:     2 * time.Minute,

		OnboardingWindow:   24 * time.Hour,
		OnboardingInterval: time.Hour,
		WidenMultiplier:    1.5,
		WidenTriggerCount:  5,
		Profiles: map[domain.Integration]IntervalProfile{
			domain.IntegrationCalendar: {
				Default:  6 * time.Hour,
				Min:      30 * time.Minute,
				Max:      24 * time.Hour,
				Fallback: 2 * time.Hour,
			},
			domain.IntegrationContacts: {
				Default: 24 * time.Hour,
				Min:     time.Hour,
				Max:     7 * 24 * time.Hour,
			},
		},

		RenewalWindow:           24 * time.Hour,
		SilenceThreshold:        48 * time.Hour,
		RegistrationRetryBudget: 3,
		RegistrationBackoff:     2 * time.Second,

		RefreshLookahead: 24 * time.Hour,

		SyncTimeout:      60 * time.Second,
		ManualSyncWindow: time.Minute,

		DueSweepCron:          "*/15 * * * *",
		WebhookSweepCron:      "0 */12 * * *",
		TokenRefreshSweepCron: "30 * * * *",
	}
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	sync := DefaultSyncConfig()
	sync.BreakerThreshold = getint("BREAKER_THRESHOLD", sync.BreakerThreshold)
	sync.BreakerCooldown = getdur("BREAKER_COOLDOWN", sync.BreakerCooldown)
	sync.TrialTimeout = getdur("BREAKER_TRIAL_TIMEOUT", sync.TrialTimeout)
	sync.OnboardingWindow = getdur("ONBOARDING_WINDOW", sync.OnboardingWindow)
	sync.OnboardingInterval = getdur("ONBOARDING_INTERVAL", sync.OnboardingInterval)
	sync.WidenMultiplier = getfloat("WIDEN_MULTIPLIER", sync.WidenMultiplier)
	sync.WidenTriggerCount = getint("WIDEN_TRIGGER_COUNT", sync.WidenTriggerCount)
	sync.RenewalWindow = getdur("WEBHOOK_RENEWAL_WINDOW", sync.RenewalWindow)
	sync.SilenceThreshold = getdur("WEBHOOK_SILENCE_THRESHOLD", sync.SilenceThreshold)
	sync.RegistrationRetryBudget = getint("WEBHOOK_REGISTRATION_RETRIES", sync.RegistrationRetryBudget)
	sync.RegistrationBackoff = getdur("WEBHOOK_REGISTRATION_BACKOFF", sync.RegistrationBackoff)
	sync.RefreshLookahead = getdur("TOKEN_REFRESH_LOOKAHEAD", sync.RefreshLookahead)
	sync.SyncTimeout = getdur("SYNC_TIMEOUT", sync.SyncTimeout)
	sync.ManualSyncWindow = getdur("MANUAL_SYNC_WINDOW", sync.ManualSyncWindow)
	sync.DueSweepCron = getenv("DUE_SWEEP_CRON", sync.DueSweepCron)
	sync.WebhookSweepCron = getenv("WEBHOOK_SWEEP_CRON", sync.WebhookSweepCron)
	sync.TokenRefreshSweepCron = getenv("TOKEN_REFRESH_SWEEP_CRON", sync.TokenRefreshSweepCron)
	for _, i := range domain.AllIntegrations {
		p := sync.Profiles[i]
		prefix := strings.ToUpper(string(i)) + "_"
		p.Default = getdur(prefix+"DEFAULT_INTERVAL", p.Default)
		p.Min = getdur(prefix+"MIN_INTERVAL", p.Min)
		p.Max = getdur(prefix+"MAX_INTERVAL", p.Max)
		p.Fallback = getdur(prefix+"FALLBACK_INTERVAL", p.Fallback)
		sync.Profiles[i] = p
	}

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 75*time.Second), // manual syncs run inline
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		ServiceMode:       strings.ToLower(getenv("SERVICE_MODE", "all")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "syncengine.db"),
			DSN:    getenv("DB_DSN", ""),
		},

		Queue: QueueConfig{
			RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getint("REDIS_DB", 0),
			Concurrency:   getint("WORKER_CONCURRENCY", 10),
			MaxRetry:      getint("QUEUE_MAX_RETRY", 5),
			LockBackend:   strings.ToLower(getenv("LOCK_BACKEND", "redis")),
		},

		Gateway: GatewayConfig{
			BaseURL:            strings.TrimRight(getenv("GATEWAY_URL", "http://localhost:9090"), "/"),
			Token:              getenv("GATEWAY_TOKEN", ""),
			Timeout:            getdur("GATEWAY_TIMEOUT", 30*time.Second),
			WebhookCallbackURL: strings.TrimRight(getenv("WEBHOOK_CALLBACK_URL", "http://localhost:8080"), "/"),
		},

		AdminJWTSecret: getenv("ADMIN_JWT_SECRET", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-sync-engine"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
		Posthog: PosthogConfig{
			APIKey:   getenv("POSTHOG_API_KEY", ""),
			Endpoint: getenv("POSTHOG_ENDPOINT", "https://eu.i.posthog.com"),
		},

		Sync: sync,
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	switch cfg.ServiceMode {
	case "all", "api", "worker":
	default:
		return cfg, errors.New("SERVICE_MODE must be one of: all, api, worker")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return cfg, errors.New("DB_DSN is required for postgres and mysql")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	if cfg.Queue.Concurrency < 1 {
		return cfg, errors.New("WORKER_CONCURRENCY must be >= 1")
	}
	if cfg.Queue.MaxRetry < 0 {
		return cfg, errors.New("QUEUE_MAX_RETRY must be >= 0")
	}
	switch cfg.Queue.LockBackend {
	case "redis", "local":
	default:
		return cfg, errors.New("LOCK_BACKEND must be one of: redis, local")
	}
	if cfg.Gateway.Timeout <= 0 {
		return cfg, errors.New("GATEWAY_TIMEOUT must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	if err := cfg.Sync.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the engine settings, including that every pinned interval
// (onboarding, fallback) sits inside its profile's [Min, Max] range.
func (s SyncConfig) Validate() error {
	if s.BreakerThreshold < 1 {
		return errors.New("BREAKER_THRESHOLD must be >= 1")
	}
	if s.BreakerCooldown <= 0 || s.TrialTimeout <= 0 {
		return errors.New("BREAKER_COOLDOWN and BREAKER_TRIAL_TIMEOUT must be > 0")
	}
	if s.OnboardingWindow < 0 || s.OnboardingInterval <= 0 {
		return errors.New("ONBOARDING_WINDOW must be >= 0 and ONBOARDING_INTERVAL > 0")
	}
	if s.WidenMultiplier <= 1 {
		return errors.New("WIDEN_MULTIPLIER must be > 1")
	}
	if s.WidenTriggerCount < 1 {
		return errors.New("WIDEN_TRIGGER_COUNT must be >= 1")
	}
	if s.RenewalWindow <= 0 || s.SilenceThreshold <= 0 {
		return errors.New("webhook renewal window and silence threshold must be > 0")
	}
	if s.RegistrationRetryBudget < 0 || s.RegistrationBackoff < 0 {
		return errors.New("webhook registration retries and backoff must be >= 0")
	}
	if s.RefreshLookahead <= 0 {
		return errors.New("TOKEN_REFRESH_LOOKAHEAD must be > 0")
	}
	if s.SyncTimeout <= 0 || s.ManualSyncWindow <= 0 {
		return errors.New("SYNC_TIMEOUT and MANUAL_SYNC_WINDOW must be > 0")
	}
	if s.DueSweepCron == "" || s.WebhookSweepCron == "" || s.TokenRefreshSweepCron == "" {
		return errors.New("sweep cron expressions must not be empty")
	}
	for _, i := range domain.AllIntegrations {
		p, ok := s.Profiles[i]
		if !ok {
			return fmt.Errorf("missing interval profile for %s", i)
		}
		if p.Min <= 0 || p.Min > p.Default || p.Default > p.Max {
			return fmt.Errorf("%s: intervals must satisfy 0 < min <= default <= max", i)
		}
		if s.OnboardingInterval < p.Min || s.OnboardingInterval > p.Max {
			return fmt.Errorf("%s: onboarding interval must be within [min, max]", i)
		}
		if i.SupportsPush() && (p.Fallback < p.Min || p.Fallback >= p.Default) {
			return fmt.Errorf("%s: fallback interval must be >= min and shorter than default", i)
		}
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch {
		case sysutil.IsTruthy(v):
			return true
		case sysutil.IsFalsy(v):
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
