// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Checkpoint backends.
const (
	CheckpointPostgres = "postgres"
	CheckpointSQLite   = "sqlite"
	CheckpointMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. Both are optional: without DATABASE_URL runs are not
	// recorded and checkpoints stay out of Postgres.
	DatabaseURL string // PgBouncer or direct Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.

	// Checkpoint settings.
	CheckpointBackend string // "postgres", "sqlite" or "memory"; defaults by DATABASE_URL.
	SQLitePath        string

	// Agents.
	AgentsDir         string // Directory of scripted agent YAML files.
	MaxConcurrentRuns int

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Clients.
	AdminAPIKey string // API key for the "admin" client.
	ClientKeys  string // id:role:key,... for additional clients.

	// OTEL settings.
	OTELEndpoint    string
	OTELInsecure    bool
	OTELSampleRatio float64
	ServiceName     string

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Operational settings.
	LogLevel            string
	EventBufferSize     int
	EventFlushTimeout   time.Duration
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
	SSEKeepalive        time.Duration

	// Shutdown settings.
	ShutdownHTTPTimeout        time.Duration // 0 waits for in-flight runs indefinitely.
	ShutdownBufferDrainTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	flt := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                       num("TSUMUGI_PORT", 8080),
		ReadTimeout:                dur("TSUMUGI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:               dur("TSUMUGI_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:                envStr("DATABASE_URL", ""),
		NotifyURL:                  envStr("NOTIFY_URL", ""),
		CheckpointBackend:          envStr("TSUMUGI_CHECKPOINT_BACKEND", ""),
		SQLitePath:                 envStr("TSUMUGI_SQLITE_PATH", "tsumugi.db"),
		AgentsDir:                  envStr("TSUMUGI_AGENTS_DIR", "agents"),
		MaxConcurrentRuns:          num("TSUMUGI_MAX_CONCURRENT_RUNS", 64),
		JWTPrivateKeyPath:          envStr("TSUMUGI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:           envStr("TSUMUGI_JWT_PUBLIC_KEY", ""),
		JWTExpiration:              dur("TSUMUGI_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:                envStr("TSUMUGI_ADMIN_API_KEY", ""),
		ClientKeys:                 envStr("TSUMUGI_CLIENT_KEYS", ""),
		OTELEndpoint:               envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:               boolean("TSUMUGI_OTEL_INSECURE", false),
		OTELSampleRatio:            flt("TSUMUGI_OTEL_SAMPLE_RATIO", 1),
		ServiceName:                envStr("OTEL_SERVICE_NAME", "tsumugi"),
		RateLimitEnabled:           boolean("TSUMUGI_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:               flt("TSUMUGI_RATE_LIMIT_RPS", 10),
		RateLimitBurst:             num("TSUMUGI_RATE_LIMIT_BURST", 20),
		LogLevel:                   envStr("TSUMUGI_LOG_LEVEL", "info"),
		EventBufferSize:            num("TSUMUGI_EVENT_BUFFER_SIZE", 1000),
		EventFlushTimeout:          dur("TSUMUGI_EVENT_FLUSH_TIMEOUT", 100*time.Millisecond),
		MaxRequestBodyBytes:        int64(num("TSUMUGI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		SSEKeepalive:               dur("TSUMUGI_SSE_KEEPALIVE", 15*time.Second),
		ShutdownHTTPTimeout:        dur("TSUMUGI_SHUTDOWN_HTTP_TIMEOUT", 0),
		ShutdownBufferDrainTimeout: dur("TSUMUGI_SHUTDOWN_BUFFER_DRAIN_TIMEOUT", 30*time.Second),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.CheckpointBackend == "" {
		cfg.CheckpointBackend = CheckpointMemory
		if cfg.DatabaseURL != "" {
			cfg.CheckpointBackend = CheckpointPostgres
		}
	}
	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.DatabaseURL
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is consistent.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: TSUMUGI_PORT must be between 1 and 65535"))
	}
	switch c.CheckpointBackend {
	case CheckpointPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("config: TSUMUGI_CHECKPOINT_BACKEND=postgres requires DATABASE_URL"))
		}
	case CheckpointSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("config: TSUMUGI_CHECKPOINT_BACKEND=sqlite requires TSUMUGI_SQLITE_PATH"))
		}
	case CheckpointMemory:
	default:
		errs = append(errs, fmt.Errorf("config: TSUMUGI_CHECKPOINT_BACKEND must be postgres, sqlite or memory, got %q", c.CheckpointBackend))
	}
	if c.MaxConcurrentRuns <= 0 {
		errs = append(errs, fmt.Errorf("config: TSUMUGI_MAX_CONCURRENT_RUNS must be positive"))
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("config: TSUMUGI_OTEL_SAMPLE_RATIO must be between 0 and 1"))
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, fmt.Errorf("config: TSUMUGI_RATE_LIMIT_RPS and TSUMUGI_RATE_LIMIT_BURST must be positive"))
	}
	if c.EventBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("config: TSUMUGI_EVENT_BUFFER_SIZE must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: TSUMUGI_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.SSEKeepalive <= 0 {
		errs = append(errs, fmt.Errorf("config: TSUMUGI_SSE_KEEPALIVE must be positive"))
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		errs = append(errs, fmt.Errorf("config: TSUMUGI_JWT_PRIVATE_KEY and TSUMUGI_JWT_PUBLIC_KEY must be set together"))
	}
	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
