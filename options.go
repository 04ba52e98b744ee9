package tsumugi

import (
	"io/fs"
	"log/slog"

	"github.com/ashita-ai/tsumugi/engine"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	agentsDir       string
	logger          *slog.Logger
	version         string
	agents          map[string]engine.Engine
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (TSUMUGI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when queries go through a connection pooler such as PgBouncer:
// LISTEN/NOTIFY requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithAgentsDir overrides the scripted agent directory (TSUMUGI_AGENTS_DIR env var).
func WithAgentsDir(dir string) Option {
	return func(o *resolvedOptions) { o.agentsDir = dir }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAgent registers an execution engine under name. It replaces a scripted
// agent of the same name. The engine owns its checkpoints; the configured
// checkpoint backend only serves scripted agents.
func WithAgent(name string, eng engine.Engine) Option {
	return func(o *resolvedOptions) {
		if o.agents == nil {
			o.agents = make(map[string]engine.Engine)
		}
		o.agents[name] = eng
	}
}

// WithExtraMigrations adds an SQL migration filesystem to run after the
// built-in migrations. Multiple filesystems are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
