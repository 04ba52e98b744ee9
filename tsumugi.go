// Package tsumugi is the public API for embedding the tsumugi AG-UI server.
//
// Programs that bring their own execution engine import this package and
// register it next to (or instead of) the scripted agents:
//
//	app, err := tsumugi.New(
//	    tsumugi.WithVersion(version),
//	    tsumugi.WithLogger(logger),
//	    tsumugi.WithAgent("planner", myEngine),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// tsumugi (root) imports internal/*, but internal/* never imports tsumugi.
// The only public type an embedder needs is engine.Engine.
package tsumugi

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tsumugi/api"
	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/engine/scripted"
	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/checkpoint"
	"github.com/ashita-ai/tsumugi/internal/config"
	"github.com/ashita-ai/tsumugi/internal/mcp"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/ratelimit"
	"github.com/ashita-ai/tsumugi/internal/server"
	"github.com/ashita-ai/tsumugi/internal/service/journal"
	"github.com/ashita-ai/tsumugi/internal/service/runs"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
	"github.com/ashita-ai/tsumugi/migrations"
)

// App is the tsumugi server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB              // nil without DATABASE_URL
	sqlite       *checkpoint.SQLiteStore  // nil unless the sqlite backend is selected
	buf          *journal.Buffer          // nil without DATABASE_URL
	broker       *server.Broker           // nil when no notify connection
	limiter      *ratelimit.MemoryLimiter // nil when rate limiting is disabled
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, connects the optional stores, registers agents and
// wires the HTTP server. It does NOT start any goroutines or accept
// connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		if cfg.NotifyURL == "" {
			cfg.NotifyURL = o.databaseURL
		}
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.agentsDir != "" {
		cfg.AgentsDir = o.agentsDir
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("tsumugi starting", "version", version, "port", cfg.Port)

	a := &App{cfg: cfg, logger: logger, version: version}
	ok := false
	defer func() {
		if !ok {
			a.closeResources(context.Background())
		}
	}()

	ctx := context.Background()

	a.otelShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.OTELSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if cfg.DatabaseURL != "" {
		if err := a.openDatabase(ctx, o.extraMigrations); err != nil {
			return nil, err
		}
	} else {
		logger.Info("postgres: disabled (no DATABASE_URL), runs are not recorded")
	}

	store, err := a.openCheckpoints(ctx)
	if err != nil {
		return nil, err
	}

	agents, err := loadAgents(cfg.AgentsDir, store, o.agents, logger)
	if err != nil {
		return nil, err
	}

	// Interfaces stay nil rather than holding typed nil pointers.
	var (
		recorder runs.Recorder
		jrnl     runs.Journal
		runStore server.RunStore
		pinger   server.Pinger
		bufStats server.BufferStats
		events   mcp.EventReader
	)
	if a.db != nil {
		a.buf = journal.NewBuffer(a.db, logger, cfg.EventBufferSize, cfg.EventFlushTimeout)
		recorder, jrnl, runStore, pinger, bufStats, events = a.db, a.buf, a.db, a.db, a.buf, a.db
	}

	svc := runs.New(agents, recorder, jrnl, logger, runs.Config{
		MaxConcurrentRuns: int64(cfg.MaxConcurrentRuns),
	})

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	keyring, err := newKeyring(cfg)
	if err != nil {
		return nil, err
	}
	if keyring.Len() == 0 {
		logger.Warn("auth: no clients configured, set TSUMUGI_ADMIN_API_KEY or TSUMUGI_CLIENT_KEYS")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		limiter = a.limiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	if a.db != nil && a.db.HasNotifyConn() {
		a.broker = server.NewBroker(a.db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	mcpSrv := mcp.New(svc, events, logger, version)

	a.srv = server.New(server.ServerConfig{
		Runs:                svc,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Logger:              logger,
		Store:               runStore,
		DB:                  pinger,
		Buffer:              bufStats,
		Limiter:             limiter,
		Broker:              a.broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CheckpointBackend:   cfg.CheckpointBackend,
		SSEKeepalive:        cfg.SSEKeepalive,
		OpenAPISpec:         api.OpenAPISpec,
	})

	ok = true
	return a, nil
}

// openDatabase connects to Postgres, applies migrations and closes out runs
// a previous process left running.
func (a *App) openDatabase(ctx context.Context, extra []fs.FS) error {
	db, err := storage.New(ctx, a.cfg.DatabaseURL, a.cfg.NotifyURL, a.logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.db = db

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	for i, m := range extra {
		if err := db.RunMigrations(ctx, m); err != nil {
			return fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// No run survives a restart: their streams died with the old process.
	n, err := db.AbandonRunningRuns(ctx, time.Now())
	if err != nil {
		a.logger.Warn("failed to close out abandoned runs", "error", err)
	} else if n > 0 {
		a.logger.Info("closed out runs abandoned by a previous process", "count", n)
	}
	return nil
}

func (a *App) openCheckpoints(ctx context.Context) (checkpoint.Store, error) {
	switch a.cfg.CheckpointBackend {
	case config.CheckpointPostgres:
		if a.db == nil {
			return nil, errors.New("checkpoints: postgres backend requires DATABASE_URL")
		}
		a.logger.Info("checkpoints: postgres")
		return a.db.Checkpoints(), nil
	case config.CheckpointSQLite:
		s, err := checkpoint.OpenSQLite(ctx, a.cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("checkpoints: %w", err)
		}
		a.sqlite = s
		a.logger.Info("checkpoints: sqlite", "path", a.cfg.SQLitePath)
		return s, nil
	default:
		a.logger.Warn("checkpoints: memory (threads are lost on restart)")
		return checkpoint.NewMemoryStore(), nil
	}
}

// loadAgents registers one scripted engine per script in dir, then the
// engines supplied with WithAgent. A missing dir falls back to the built-in
// scripts.
func loadAgents(dir string, store checkpoint.Store, extra map[string]engine.Engine, logger *slog.Logger) (map[string]engine.Engine, error) {
	if dir != "" {
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			logger.Info("agents: directory not found, loading built-in scripts", "dir", dir)
			dir = ""
		}
	}
	scripts, err := scripted.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}

	agents := make(map[string]engine.Engine, len(scripts)+len(extra))
	for _, s := range scripts {
		agents[s.Name] = scripted.New(s, store)
	}
	for name, eng := range extra {
		if _, dup := agents[name]; dup {
			logger.Warn("agents: engine replaces scripted agent", "agent", name)
		}
		agents[name] = eng
	}
	if len(agents) == 0 {
		return nil, errors.New("agents: none registered")
	}

	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	logger.Info("agents: registered", "count", len(agents), "agents", names)
	return agents, nil
}

// newKeyring registers the admin client and every TSUMUGI_CLIENT_KEYS entry.
func newKeyring(cfg config.Config) (*auth.Keyring, error) {
	keyring := auth.NewKeyring()
	if cfg.AdminAPIKey != "" {
		if err := keyring.Add("admin", model.RoleAdmin, cfg.AdminAPIKey); err != nil {
			return nil, fmt.Errorf("auth: admin key: %w", err)
		}
	}
	keys, err := auth.ParseClientKeys(cfg.ClientKeys)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := keyring.Add(k.ID, k.Role, k.Key); err != nil {
			return nil, fmt.Errorf("auth: client %q: %w", k.ID, err)
		}
	}
	return keyring, nil
}

// Run starts the background workers and the HTTP server, then blocks until
// ctx is cancelled or the server fails. Shutdown runs before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The buffer outlives ctx: Shutdown drains it after HTTP has stopped.
	if a.buf != nil {
		a.buf.Start(context.WithoutCancel(ctx))
	}
	if a.broker != nil {
		g.Go(func() error {
			a.broker.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops accepting HTTP requests and waits for in-flight runs, then
// flushes the event journal. It then closes the stores and the OTEL
// providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tsumugi shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.buf != nil {
		bufCtx, bufCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownBufferDrainTimeout)
		a.buf.Drain(bufCtx)
		bufCancel()
		if n := a.buf.Len(); n > 0 {
			a.logger.Error("journal drain incomplete, unflushed events will be lost",
				"remaining_events", n,
				"configured_timeout", a.cfg.ShutdownBufferDrainTimeout,
			)
		}
	}

	a.closeResources(ctx)
	a.logger.Info("tsumugi stopped")
	return nil
}

func (a *App) closeResources(ctx context.Context) {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("sqlite close failed", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close(ctx)
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
