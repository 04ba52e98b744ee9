package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsumugi/internal/auth"
	"github.com/ashita-ai/tsumugi/internal/ctxutil"
	"github.com/ashita-ai/tsumugi/internal/model"
	"github.com/ashita-ai/tsumugi/internal/ratelimit"
	"github.com/ashita-ai/tsumugi/internal/service/runs"
)

// Server is the tsumugi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Store, DB, Buffer, Limiter, Broker, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Runs    *runs.Service
	JWTMgr  *auth.JWTManager
	Keyring *auth.Keyring
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Store     RunStore
	DB        Pinger
	Buffer    BufferStats
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CheckpointBackend   string
	SSEKeepalive        time.Duration

	// Optional embedded assets.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runs:              cfg.Runs,
		Store:             cfg.Store,
		DB:                cfg.DB,
		JWTMgr:            cfg.JWTMgr,
		Keyring:           cfg.Keyring,
		Buffer:            cfg.Buffer,
		Broker:            cfg.Broker,
		Logger:            cfg.Logger,
		Version:           cfg.Version,
		CheckpointBackend: cfg.CheckpointBackend,
		OpenAPISpec:       cfg.OpenAPISpec,
		SSEKeepalive:      cfg.SSEKeepalive,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestID(r.Context())
	}
	runsRL := ratelimit.Middleware(cfg.Limiter, "runs", clientKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Runs (runner+, rate limited per client).
	runnerRole := requireRole(model.RoleRunner)
	mux.Handle("POST /v1/agents/{agent}/runs", runsRL(runnerRole(http.HandlerFunc(h.HandleRunAgent))))

	// Reads (reader+).
	readRole := requireRole(model.RoleReader)
	mux.Handle("GET /v1/agents", readRole(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/threads/{thread_id}/state", readRole(http.HandlerFunc(h.HandleThreadState)))
	mux.Handle("GET /v1/threads/{thread_id}/runs", readRole(http.HandlerFunc(h.HandleListThreadRuns)))
	mux.Handle("GET /v1/runs/{run_id}", readRole(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /v1/runs/{run_id}/events", readRole(http.HandlerFunc(h.HandleRunEvents)))

	// Subscription endpoint (reader+, no rate limit; long-lived connection).
	mux.Handle("GET /v1/subscribe", readRole(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport (auth required, reader+). Tool calls run
	// on the request context, so tools see the caller's claims.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → body limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
