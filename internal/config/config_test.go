package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v, "unset falls back to the default")

	t.Setenv("TEST_INT_BAD", "abc")
	_, err = envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	v, err := envFloat("TEST_FLOAT", 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, v, 1e-9)

	t.Setenv("TEST_FLOAT_BAD", "quarter")
	_, err = envFloat("TEST_FLOAT_BAD", 1)
	assert.EqualError(t, err, `TEST_FLOAT_BAD="quarter" is not a valid number`)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, v)

	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err = envBool("TEST_BOOL_BAD", false)
	assert.EqualError(t, err, `TEST_BOOL_BAD="maybe" is not a valid boolean`)
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)

	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err = envDuration("TEST_DUR_BAD", 0)
	assert.EqualError(t, err, `TEST_DUR_BAD="five-seconds" is not a valid duration`)
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TSUMUGI_CHECKPOINT_BACKEND", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, CheckpointMemory, cfg.CheckpointBackend, "no database means in-memory checkpoints")
	assert.Equal(t, 64, cfg.MaxConcurrentRuns)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Zero(t, cfg.ShutdownHTTPTimeout)
}

func TestLoadDefaultsToPostgresWithDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://tsumugi@localhost:5432/tsumugi")
	t.Setenv("NOTIFY_URL", "")
	t.Setenv("TSUMUGI_CHECKPOINT_BACKEND", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, CheckpointPostgres, cfg.CheckpointBackend)
	assert.Equal(t, cfg.DatabaseURL, cfg.NotifyURL, "notify falls back to the query URL")
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("TSUMUGI_PORT", "abc")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TSUMUGI_PORT")
	assert.Contains(t, err.Error(), "abc")
}

func TestLoadReportsEveryInvalidVariable(t *testing.T) {
	t.Setenv("TSUMUGI_PORT", "abc")
	t.Setenv("TSUMUGI_RATE_LIMIT_BURST", "xyz")
	t.Setenv("TSUMUGI_OTEL_INSECURE", "perhaps")
	_, err := Load()
	require.Error(t, err)
	for _, key := range []string{"TSUMUGI_PORT", "TSUMUGI_RATE_LIMIT_BURST", "TSUMUGI_OTEL_INSECURE"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		Port:                8080,
		CheckpointBackend:   CheckpointMemory,
		MaxConcurrentRuns:   4,
		OTELSampleRatio:     1,
		RateLimitEnabled:    true,
		RateLimitRPS:        1,
		RateLimitBurst:      1,
		EventBufferSize:     10,
		MaxRequestBodyBytes: 1024,
		SSEKeepalive:        time.Second,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without database", func(c *Config) { c.CheckpointBackend = CheckpointPostgres }, "requires DATABASE_URL"},
		{"sqlite without path", func(c *Config) { c.CheckpointBackend = CheckpointSQLite }, "requires TSUMUGI_SQLITE_PATH"},
		{"unknown backend", func(c *Config) { c.CheckpointBackend = "redis" }, `got "redis"`},
		{"zero port", func(c *Config) { c.Port = 0 }, "TSUMUGI_PORT"},
		{"no run slots", func(c *Config) { c.MaxConcurrentRuns = 0 }, "TSUMUGI_MAX_CONCURRENT_RUNS"},
		{"sample ratio", func(c *Config) { c.OTELSampleRatio = 2 }, "TSUMUGI_OTEL_SAMPLE_RATIO"},
		{"rate limit burst", func(c *Config) { c.RateLimitBurst = 0 }, "TSUMUGI_RATE_LIMIT_BURST"},
		{"half a key pair", func(c *Config) { c.JWTPrivateKeyPath = "/keys/priv.pem" }, "must be set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	disabled := valid
	disabled.RateLimitEnabled = false
	disabled.RateLimitRPS = 0
	assert.NoError(t, disabled.Validate(), "limits are ignored when rate limiting is off")
}
