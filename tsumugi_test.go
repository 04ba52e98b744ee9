package tsumugi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/checkpoint"
	"github.com/ashita-ai/tsumugi/internal/config"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/testutil"
)

const echoScript = `
name: echo
steps:
  - node: agent
    chunks:
      - content: "hello"
`

func TestLoadAgentsFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(echoScript), 0o600))

	agents, err := loadAgents(dir, checkpoint.NewMemoryStore(), nil, testutil.TestLogger())
	require.NoError(t, err)
	assert.Len(t, agents, 1)
	assert.Contains(t, agents, "echo")
}

func TestLoadAgentsFallsBackToBuiltin(t *testing.T) {
	agents, err := loadAgents(filepath.Join(t.TempDir(), "missing"), checkpoint.NewMemoryStore(), nil, testutil.TestLogger())
	require.NoError(t, err)
	for _, name := range []string{"approvals", "assistant", "review"} {
		assert.Contains(t, agents, name)
	}
}

func TestLoadAgentsExtraEngineWins(t *testing.T) {
	extra := scriptedEngine(t)
	agents, err := loadAgents("", checkpoint.NewMemoryStore(), map[string]engine.Engine{"approvals": extra}, testutil.TestLogger())
	require.NoError(t, err)
	assert.Same(t, extra, agents["approvals"])
}

func TestLoadAgentsEmptyDir(t *testing.T) {
	_, err := loadAgents(t.TempDir(), checkpoint.NewMemoryStore(), nil, testutil.TestLogger())
	assert.ErrorContains(t, err, "none registered")
}

func scriptedEngine(t *testing.T) engine.Engine {
	t.Helper()
	agents, err := loadAgents("", checkpoint.NewMemoryStore(), nil, testutil.TestLogger())
	require.NoError(t, err)
	return agents["assistant"]
}

func TestNewKeyring(t *testing.T) {
	kr, err := newKeyring(config.Config{
		AdminAPIKey: "admin-secret",
		ClientKeys:  "ui:runner:ui-secret, dash:reader:dash-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, kr.Len())

	c, ok := kr.Verify("admin", "admin-secret")
	require.True(t, ok)
	assert.Equal(t, model.RoleAdmin, c.Role)

	c, ok = kr.Verify("ui", "ui-secret")
	require.True(t, ok)
	assert.Equal(t, model.RoleRunner, c.Role)

	_, err = newKeyring(config.Config{ClientKeys: "ui:owner:x"})
	assert.Error(t, err)
}

func TestContextWithOptionalTimeout(t *testing.T) {
	ctx, cancel := contextWithOptionalTimeout(context.Background(), 0)
	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)
	cancel()

	ctx, cancel = contextWithOptionalTimeout(context.Background(), time.Minute)
	defer cancel()
	_, hasDeadline = ctx.Deadline()
	assert.True(t, hasDeadline)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestAppRunWithoutDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("NOTIFY_URL", "")
	t.Setenv("TSUMUGI_CHECKPOINT_BACKEND", "sqlite")
	t.Setenv("TSUMUGI_SQLITE_PATH", filepath.Join(t.TempDir(), "threads.db"))
	t.Setenv("TSUMUGI_AGENTS_DIR", "")
	t.Setenv("TSUMUGI_ADMIN_API_KEY", "admin-secret")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	port := freePort(t)
	app, err := New(WithPort(port), WithLogger(testutil.TestLogger()), WithVersion("test"))
	require.NoError(t, err)
	assert.Nil(t, app.db)
	assert.Nil(t, app.buf)
	assert.Nil(t, app.broker)
	assert.NotNil(t, app.sqlite)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test helper
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRejectsPostgresCheckpointsWithoutDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TSUMUGI_CHECKPOINT_BACKEND", "postgres")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	_, err := New(WithLogger(testutil.TestLogger()))
	assert.Error(t, err)
}
