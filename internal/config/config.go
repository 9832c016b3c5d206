// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes sync-engine settings
// such as the durable store backend, backend API endpoint, retry policy,
// leadership lease timing, connectivity probing, logging, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the local
// status server.
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "stockroom-sync")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the sync engine and its local
// status server.
type Config struct {
	// Status server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Durable store
	StoreBackend   string        // sqlite|bolt
	DBPath         string        // SQLite path
	BoltPath       string        // BoltDB path (bolt backend only)
	PruneRetention time.Duration // how long terminal mutations are kept after notification
	PruneInterval  time.Duration // how often the dispatcher prunes

	// Backend write API
	APIBaseURL        string        // e.g. "http://localhost:9000/api/v1"
	IdempotencyHeader string        // request header carrying the idempotency key
	DispatchTimeout   time.Duration // per-send bound; exceeding it counts as a network failure

	// Retry policy
	RetryBase        time.Duration // first backoff ceiling
	RetryCap         time.Duration // exponential growth cap
	RetryMaxAttempts int           // terminal-failure threshold

	// Leadership lease
	LeaseTTL           time.Duration // lost-heartbeat timeout; ~3x renew interval
	LeaseRenewInterval time.Duration // holder heartbeat period

	// Connectivity probing
	ProbeURL      string        // health endpoint; defaults to APIBaseURL + "/healthz"
	ProbeInterval time.Duration // how often to probe
	ProbeTimeout  time.Duration // per-probe bound

	// Event fan-out across instances
	NotifyInterval time.Duration // how often the store is swept for terminal outcomes

	// Dispatch rate limiting (reconnect flood control)
	RateRPS   float64 // sends per second (>= 0; 0 disables)
	RateBurst int     // bucket size (>= 1)

	// Instance identity (lease holder); generated when empty
	InstanceID string

	// Web protection for the status server
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
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
		// Status server
		Port:              getenv("PORT", "8090"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Durable store
		StoreBackend:   strings.ToLower(getenv("STORE_BACKEND", "sqlite")),
		DBPath:         getenv("DB_PATH", "sync.db"),
		BoltPath:       getenv("BOLT_PATH", "sync.bolt"),
		PruneRetention: getdur("PRUNE_RETENTION", time.Hour),
		PruneInterval:  getdur("PRUNE_INTERVAL", 5*time.Minute),

		// Backend write API
		APIBaseURL:        strings.TrimRight(getenv("API_BASE_URL", "http://localhost:9000/api/v1"), "/"),
		IdempotencyHeader: getenv("IDEMPOTENCY_HEADER", "Idempotency-Key"),
		DispatchTimeout:   getdur("DISPATCH_TIMEOUT", 10*time.Second),

		// Retry policy
		RetryBase:        getdur("RETRY_BASE", time.Second),
		RetryCap:         getdur("RETRY_CAP", 60*time.Second),
		RetryMaxAttempts: getint("RETRY_MAX_ATTEMPTS", 5),

		// Leadership lease
		LeaseTTL:           getdur("LEASE_TTL", 15*time.Second),
		LeaseRenewInterval: getdur("LEASE_RENEW_INTERVAL", 5*time.Second),

		// Connectivity probing
		ProbeURL:      getenv("PROBE_URL", ""),
		ProbeInterval: getdur("PROBE_INTERVAL", 10*time.Second),
		ProbeTimeout:  getdur("PROBE_TIMEOUT", 3*time.Second),

		// Event fan-out
		NotifyInterval: getdur("NOTIFY_INTERVAL", time.Second),

		// Dispatch rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 10),

		// Instance identity
		InstanceID: getenv("INSTANCE_ID", ""),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "stockroom-sync"),
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
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = cfg.APIBaseURL + "/healthz"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
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
	switch cfg.StoreBackend {
	case "sqlite", "bolt":
	default:
		return cfg, errors.New("STORE_BACKEND must be one of: sqlite, bolt")
	}
	if cfg.StoreBackend == "sqlite" && strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.StoreBackend == "bolt" && strings.TrimSpace(cfg.BoltPath) == "" {
		return cfg, errors.New("BOLT_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return cfg, errors.New("API_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.IdempotencyHeader) == "" {
		return cfg, errors.New("IDEMPOTENCY_HEADER must not be empty")
	}
	if cfg.DispatchTimeout <= 0 {
		return cfg, errors.New("DISPATCH_TIMEOUT must be > 0")
	}
	if cfg.RetryBase <= 0 || cfg.RetryCap < cfg.RetryBase {
		return cfg, errors.New("RETRY_BASE must be > 0 and RETRY_CAP >= RETRY_BASE")
	}
	if cfg.RetryMaxAttempts < 1 {
		return cfg, errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.LeaseRenewInterval <= 0 || cfg.LeaseTTL < 2*cfg.LeaseRenewInterval {
		return cfg, errors.New("LEASE_TTL must be at least twice LEASE_RENEW_INTERVAL")
	}
	if cfg.ProbeInterval <= 0 || cfg.ProbeTimeout <= 0 {
		return cfg, errors.New("probe interval and timeout must be > 0")
	}
	if cfg.PruneRetention <= 0 || cfg.PruneInterval <= 0 {
		return cfg, errors.New("prune retention and interval must be > 0")
	}
	if cfg.NotifyInterval <= 0 {
		return cfg, errors.New("NOTIFY_INTERVAL must be > 0")
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
