// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the offline layer's
// settings such as retry/backoff policy, cache bounds, queue limits, durable
// storage paths, logging, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the
// diagnostics HTTP server.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-offline-client")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RetryConfig is the single canonical retry/backoff policy. Every call site
// starts from these defaults; per-call overrides are explicit arguments, not
// divergent magic numbers scattered around the codebase.
type RetryConfig struct {
	MaxRetries     int           // RETRY_MAX_RETRIES (>= 0)
	BaseDelay      time.Duration // RETRY_BASE_DELAY (> 0)
	MaxDelay       time.Duration // RETRY_MAX_DELAY (>= BaseDelay)
	BackoffFactor  float64       // RETRY_BACKOFF_FACTOR (> 1)
	RequestTimeout time.Duration // REQUEST_TIMEOUT hard per-attempt cutoff
}

// QueueConfig bounds the persisted offline request queue and paces its drain.
type QueueConfig struct {
	MaxRetries int     // QUEUE_MAX_RETRIES before an item is dropped
	DrainRPS   float64 // QUEUE_DRAIN_RPS outbound replay rate after reconnect
	DrainBurst int     // QUEUE_DRAIN_BURST
}

// CacheConfig bounds the in-memory message and subscription caches.
type CacheConfig struct {
	MessageMaxConversations int           // MSG_CACHE_MAX_CONVERSATIONS (LRU bound)
	MessageMaxAge           time.Duration // MSG_CACHE_MAX_AGE (entry TTL)
	MessageCleanupInterval  time.Duration // MSG_CACHE_CLEANUP_INTERVAL (sweeper period)
	SchemaVersion           string        // CACHE_SCHEMA_VERSION (bump on app upgrade)
}

// UploadConfig bounds the persisted offline image-upload queue.
type UploadConfig struct {
	MaxRetries int           // UPLOAD_MAX_RETRIES per queued item
	DrainDelay time.Duration // UPLOAD_DRAIN_DELAY after reconnect, lets connectivity settle
}

// Config holds all configuration values for the offline layer.
type Config struct {
	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Durable storage
	DBPath string // SQLite path for the persisted queues and counters

	// Core policies
	Retry  RetryConfig
	Queue  QueueConfig
	Cache  CacheConfig
	Upload UploadConfig

	// Messaging permissions
	DailyMessageLimit int // DAILY_MESSAGE_LIMIT (0 disables the cap)

	// Diagnostics HTTP server (local-only, development builds)
	DebugEnabled      bool   // DEBUG_SERVER_ENABLED
	DebugPort         string // DEBUG_SERVER_PORT
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	GinMode           string // debug|release|test
	CORS              CORSConfig

	// Observability
	OTEL OTELConfig
}

// LoadDotenv loads a .env file into the process environment when present.
// A missing file is not an error; explicit env always wins.
func LoadDotenv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
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
	cfg := Config{
		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Durable storage
		DBPath: getenv("DB_PATH", "offline.db"),

		// Canonical retry policy
		Retry: RetryConfig{
			MaxRetries:     getint("RETRY_MAX_RETRIES", 3),
			BaseDelay:      getdur("RETRY_BASE_DELAY", time.Second),
			MaxDelay:       getdur("RETRY_MAX_DELAY", 10*time.Second),
			BackoffFactor:  getfloat("RETRY_BACKOFF_FACTOR", 2.0),
			RequestTimeout: getdur("REQUEST_TIMEOUT", 30*time.Second),
		},

		// Offline request queue
		Queue: QueueConfig{
			MaxRetries: getint("QUEUE_MAX_RETRIES", 3),
			DrainRPS:   getfloat("QUEUE_DRAIN_RPS", 10.0),
			DrainBurst: getint("QUEUE_DRAIN_BURST", 5),
		},

		// In-memory caches
		Cache: CacheConfig{
			MessageMaxConversations: getint("MSG_CACHE_MAX_CONVERSATIONS", 100),
			MessageMaxAge:           getdur("MSG_CACHE_MAX_AGE", 30*time.Minute),
			MessageCleanupInterval:  getdur("MSG_CACHE_CLEANUP_INTERVAL", 5*time.Minute),
			SchemaVersion:           getenv("CACHE_SCHEMA_VERSION", "1"),
		},

		// Image upload queue
		Upload: UploadConfig{
			MaxRetries: getint("UPLOAD_MAX_RETRIES", 3),
			DrainDelay: getdur("UPLOAD_DRAIN_DELAY", 2*time.Second),
		},

		// Messaging permissions
		DailyMessageLimit: getint("DAILY_MESSAGE_LIMIT", 0),

		// Diagnostics server
		DebugEnabled:      getbool("DEBUG_SERVER_ENABLED", false),
		DebugPort:         getenv("DEBUG_SERVER_PORT", "7070"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-offline-client"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
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
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Retry.MaxRetries < 0 {
		return cfg, errors.New("RETRY_MAX_RETRIES must be >= 0")
	}
	if cfg.Retry.BaseDelay <= 0 {
		return cfg, errors.New("RETRY_BASE_DELAY must be > 0")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return cfg, errors.New("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY")
	}
	if cfg.Retry.BackoffFactor <= 1 {
		return cfg, errors.New("RETRY_BACKOFF_FACTOR must be > 1")
	}
	if cfg.Retry.RequestTimeout <= 0 {
		return cfg, errors.New("REQUEST_TIMEOUT must be > 0")
	}
	if cfg.Queue.MaxRetries < 0 {
		return cfg, errors.New("QUEUE_MAX_RETRIES must be >= 0")
	}
	if cfg.Queue.DrainRPS < 0 {
		return cfg, errors.New("QUEUE_DRAIN_RPS must be >= 0")
	}
	if cfg.Queue.DrainBurst < 1 {
		return cfg, errors.New("QUEUE_DRAIN_BURST must be >= 1")
	}
	if cfg.Cache.MessageMaxConversations < 1 {
		return cfg, errors.New("MSG_CACHE_MAX_CONVERSATIONS must be >= 1")
	}
	if cfg.Cache.MessageMaxAge <= 0 || cfg.Cache.MessageCleanupInterval <= 0 {
		return cfg, errors.New("message cache durations must be positive")
	}
	if strings.TrimSpace(cfg.Cache.SchemaVersion) == "" {
		return cfg, errors.New("CACHE_SCHEMA_VERSION must not be empty")
	}
	if cfg.Upload.MaxRetries < 0 {
		return cfg, errors.New("UPLOAD_MAX_RETRIES must be >= 0")
	}
	if cfg.Upload.DrainDelay < 0 {
		return cfg, errors.New("UPLOAD_DRAIN_DELAY must be >= 0")
	}
	if cfg.DailyMessageLimit < 0 {
		return cfg, errors.New("DAILY_MESSAGE_LIMIT must be >= 0")
	}
	if strings.TrimSpace(cfg.DebugPort) == "" {
		return cfg, errors.New("DEBUG_SERVER_PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
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
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
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
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
