package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	// No special env needed; defaults are valid.
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.DBPath == "" {
		t.Fatalf("unexpected empty config from MustLoad")
	}
}

// --- Load success + normalization + parsing ---

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	// Logging
	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")

	// Storage
	t.Setenv("DB_PATH", "offline-test.db")

	// Retry policy
	t.Setenv("RETRY_MAX_RETRIES", "5")
	t.Setenv("RETRY_BASE_DELAY", "500ms")
	t.Setenv("RETRY_MAX_DELAY", "8s")
	t.Setenv("RETRY_BACKOFF_FACTOR", "1.5")
	t.Setenv("REQUEST_TIMEOUT", "12s")

	// Queue (use invalids for parse to fall back to defaults)
	t.Setenv("QUEUE_MAX_RETRIES", "x")  // -> default 3
	t.Setenv("QUEUE_DRAIN_RPS", "nope") // -> default 10.0
	t.Setenv("QUEUE_DRAIN_BURST", "2")

	// Caches
	t.Setenv("MSG_CACHE_MAX_CONVERSATIONS", "50")
	t.Setenv("MSG_CACHE_MAX_AGE", "10m")
	t.Setenv("MSG_CACHE_CLEANUP_INTERVAL", "1m")
	t.Setenv("CACHE_SCHEMA_VERSION", "2")

	// Uploads
	t.Setenv("UPLOAD_MAX_RETRIES", "4")
	t.Setenv("UPLOAD_DRAIN_DELAY", "3s")

	// Permits
	t.Setenv("DAILY_MESSAGE_LIMIT", "25")

	// Diagnostics server
	t.Setenv("DEBUG_SERVER_ENABLED", "on")
	t.Setenv("DEBUG_SERVER_PORT", "7071")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")

	// OTEL
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Logging / storage
	if cfg.LogLevel != "warn" || !cfg.LogPretty || cfg.DBPath != "offline-test.db" {
		t.Fatalf("logging/storage unexpected: %+v", cfg)
	}

	// Retry
	if cfg.Retry.MaxRetries != 5 ||
		cfg.Retry.BaseDelay != 500*time.Millisecond ||
		cfg.Retry.MaxDelay != 8*time.Second ||
		cfg.Retry.BackoffFactor != 1.5 ||
		cfg.Retry.RequestTimeout != 12*time.Second {
		t.Fatalf("retry fields unexpected: %+v", cfg.Retry)
	}

	// Queue (parse fallback to defaults)
	if cfg.Queue.MaxRetries != 3 || cfg.Queue.DrainRPS != 10.0 || cfg.Queue.DrainBurst != 2 {
		t.Fatalf("queue fields unexpected: %+v", cfg.Queue)
	}

	// Caches
	if cfg.Cache.MessageMaxConversations != 50 ||
		cfg.Cache.MessageMaxAge != 10*time.Minute ||
		cfg.Cache.MessageCleanupInterval != time.Minute ||
		cfg.Cache.SchemaVersion != "2" {
		t.Fatalf("cache fields unexpected: %+v", cfg.Cache)
	}

	// Uploads / permits
	if cfg.Upload.MaxRetries != 4 || cfg.Upload.DrainDelay != 3*time.Second || cfg.DailyMessageLimit != 25 {
		t.Fatalf("upload/permit fields unexpected: %+v", cfg)
	}

	// Diagnostics server
	if !cfg.DebugEnabled || cfg.DebugPort != "7071" || cfg.GinMode != "release" {
		t.Fatalf("debug server fields unexpected: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}

	// OTEL
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	t.Run("invalid LOG_LEVEL", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "verbose")
		if _, err := Load(); err == nil {
			t.Fatalf("expected LOG_LEVEL validation error")
		}
	})
	t.Run("empty DB_PATH via spaces", func(t *testing.T) {
		t.Setenv("DB_PATH", "   ")
		if _, err := Load(); err == nil || !containsErr(err, "DB_PATH must not be empty") {
			t.Fatalf("expected DB_PATH validation error, got: %v", err)
		}
	})
	t.Run("retry max retries negative", func(t *testing.T) {
		t.Setenv("RETRY_MAX_RETRIES", "-1")
		if _, err := Load(); err == nil || !containsErr(err, "RETRY_MAX_RETRIES") {
			t.Fatalf("expected RETRY_MAX_RETRIES validation error, got: %v", err)
		}
	})
	t.Run("base delay non-positive", func(t *testing.T) {
		t.Setenv("RETRY_BASE_DELAY", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "RETRY_BASE_DELAY") {
			t.Fatalf("expected RETRY_BASE_DELAY validation error, got: %v", err)
		}
	})
	t.Run("max delay below base delay", func(t *testing.T) {
		t.Setenv("RETRY_BASE_DELAY", "5s")
		t.Setenv("RETRY_MAX_DELAY", "1s")
		if _, err := Load(); err == nil || !containsErr(err, "RETRY_MAX_DELAY") {
			t.Fatalf("expected RETRY_MAX_DELAY validation error, got: %v", err)
		}
	})
	t.Run("backoff factor <= 1", func(t *testing.T) {
		t.Setenv("RETRY_BACKOFF_FACTOR", "1")
		if _, err := Load(); err == nil || !containsErr(err, "RETRY_BACKOFF_FACTOR") {
			t.Fatalf("expected RETRY_BACKOFF_FACTOR validation error, got: %v", err)
		}
	})
	t.Run("request timeout non-positive", func(t *testing.T) {
		t.Setenv("REQUEST_TIMEOUT", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "REQUEST_TIMEOUT") {
			t.Fatalf("expected REQUEST_TIMEOUT validation error, got: %v", err)
		}
	})
	t.Run("queue drain rps negative", func(t *testing.T) {
		t.Setenv("QUEUE_DRAIN_RPS", "-1")
		if _, err := Load(); err == nil || !containsErr(err, "QUEUE_DRAIN_RPS") {
			t.Fatalf("expected QUEUE_DRAIN_RPS validation error, got: %v", err)
		}
	})
	t.Run("queue drain burst < 1", func(t *testing.T) {
		t.Setenv("QUEUE_DRAIN_BURST", "0")
		if _, err := Load(); err == nil || !containsErr(err, "QUEUE_DRAIN_BURST") {
			t.Fatalf("expected QUEUE_DRAIN_BURST validation error, got: %v", err)
		}
	})
	t.Run("cache bound < 1", func(t *testing.T) {
		t.Setenv("MSG_CACHE_MAX_CONVERSATIONS", "0")
		if _, err := Load(); err == nil || !containsErr(err, "MSG_CACHE_MAX_CONVERSATIONS") {
			t.Fatalf("expected MSG_CACHE_MAX_CONVERSATIONS validation error, got: %v", err)
		}
	})
	t.Run("cache durations non-positive", func(t *testing.T) {
		t.Setenv("MSG_CACHE_MAX_AGE", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "message cache durations") {
			t.Fatalf("expected cache duration validation error, got: %v", err)
		}
	})
	t.Run("empty schema version", func(t *testing.T) {
		t.Setenv("CACHE_SCHEMA_VERSION", "   ")
		if _, err := Load(); err == nil || !containsErr(err, "CACHE_SCHEMA_VERSION") {
			t.Fatalf("expected CACHE_SCHEMA_VERSION validation error, got: %v", err)
		}
	})
	t.Run("upload drain delay negative", func(t *testing.T) {
		t.Setenv("UPLOAD_DRAIN_DELAY", "-1s")
		if _, err := Load(); err == nil || !containsErr(err, "UPLOAD_DRAIN_DELAY") {
			t.Fatalf("expected UPLOAD_DRAIN_DELAY validation error, got: %v", err)
		}
	})
	t.Run("daily limit negative", func(t *testing.T) {
		t.Setenv("DAILY_MESSAGE_LIMIT", "-5")
		if _, err := Load(); err == nil || !containsErr(err, "DAILY_MESSAGE_LIMIT") {
			t.Fatalf("expected DAILY_MESSAGE_LIMIT validation error, got: %v", err)
		}
	})
	t.Run("empty debug port via spaces", func(t *testing.T) {
		t.Setenv("DEBUG_SERVER_PORT", "   ")
		if _, err := Load(); err == nil || !containsErr(err, "DEBUG_SERVER_PORT") {
			t.Fatalf("expected DEBUG_SERVER_PORT validation error, got: %v", err)
		}
	})
	t.Run("non-positive timeouts", func(t *testing.T) {
		t.Setenv("READ_TIMEOUT", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "timeouts must be positive") {
			t.Fatalf("expected timeouts validation error, got: %v", err)
		}
	})
	t.Run("otel sample ratio out of range", func(t *testing.T) {
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", "1.5")
		if _, err := Load(); err == nil || !containsErr(err, "OTEL_TRACES_SAMPLER_ARG") {
			t.Fatalf("expected OTEL_TRACES_SAMPLER_ARG validation error, got: %v", err)
		}
	})
}

// --- LoadDotenv ---

func TestLoadDotenv_MissingFileIsNoop(t *testing.T) {
	LoadDotenv(filepath.Join(t.TempDir(), "does-not-exist.env"))
}

func TestLoadDotenv_ReadsFile_ExplicitEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "DOTENV_ONLY=from-file\nDOTENV_EXPLICIT=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing env file: %v", err)
	}
	t.Setenv("DOTENV_EXPLICIT", "from-env")
	defer os.Unsetenv("DOTENV_ONLY")

	LoadDotenv(path)

	if got := os.Getenv("DOTENV_ONLY"); got != "from-file" {
		t.Fatalf("DOTENV_ONLY = %q; want from-file", got)
	}
	if got := os.Getenv("DOTENV_EXPLICIT"); got != "from-env" {
		t.Fatalf("DOTENV_EXPLICIT = %q; explicit env must win", got)
	}
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}

	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}

	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	trueVals := []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"}
	for i, v := range trueVals {
		k := "B_T_" + config_strconv(i)
		t.Setenv(k, v)
		if !getbool(k, false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	falseVals := []string{"0", "false", "FALSE", " no ", "N", "off", "Off"}
	for i, v := range falseVals {
		k := "B_F_" + config_strconv(i)
		t.Setenv(k, v)
		if getbool(k, true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	// default on unset/empty
	t.Setenv("B_EMPTY", "")
	if !getbool("B_EMPTY", true) || getbool("B_EMPTY", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

func TestHelpers_splitCSV(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	in := " a, ,b ,  c  ,"
	want := []string{"a", "b", "c"}
	if got := splitCSV(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV mismatch: got %#v want %#v", got, want)
	}
}

// small helper (avoid fmt just for ints)
func config_strconv(i int) string { return string('a' + rune(i)) }

// containsErr reports whether err's message contains the given substring.
func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}
