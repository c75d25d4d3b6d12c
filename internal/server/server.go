package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/djb258/garage-mcp/internal/ratelimit"
	"github.com/djb258/garage-mcp/internal/service/orchestra"
	"github.com/djb258/garage-mcp/internal/sidecar"
	"github.com/djb258/garage-mcp/internal/storage"
)

// Server is the garage HTTP server.
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
// Optional fields (nil-safe): Emitter, Sink, Broker, MCPServer, Limiter,
// OpenAPISpec, ExtraRoutes, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Runner   *orchestra.Runner
	ErrorLog storage.ErrorLog
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Emitter   *sidecar.Emitter
	Sink      *sidecar.Sink
	Broker    *Broker
	MCPServer *mcpserver.MCPServer
	Limiter   ratelimit.Limiter // Applied per client to run and invoke.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	ActiveBay           string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Extension points for embedders.
	ExtraRoutes []func(*http.ServeMux)
	Middlewares []func(http.Handler) http.Handler // First is outermost.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runner:              cfg.Runner,
		ErrorLog:            cfg.ErrorLog,
		Emitter:             cfg.Emitter,
		Sink:                cfg.Sink,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		ActiveBay:           cfg.ActiveBay,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	// Orchestration.
	limited := func(prefix string, fn http.HandlerFunc) http.Handler {
		if cfg.Limiter == nil {
			return fn
		}
		return ratelimit.Middleware(cfg.Limiter, ratelimit.PrefixedIPKeyFunc(prefix), requestIDFromRequest, cfg.Logger)(fn)
	}
	mux.Handle("POST /v1/orchestra/run", limited("run", h.HandleRunPlan))
	mux.Handle("POST /v1/orchestra/invoke", limited("invoke", h.HandleInvoke))
	mux.HandleFunc("GET /v1/orchestra/active", h.HandleActive)
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)

	// Master error log.
	mux.HandleFunc("GET /v1/errors", h.HandleListErrors)
	mux.HandleFunc("GET /v1/errors/{error_id}", h.HandleGetError)
	mux.HandleFunc("POST /v1/errors/{error_id}/resolve", h.HandleResolveError)

	// Lifecycle event stream (long-lived connection).
	mux.HandleFunc("GET /v1/events", h.HandleEvents)

	// Embedded sidecar sink.
	if cfg.Sink != nil {
		mux.HandleFunc("POST /sidecar/events", h.HandleSidecarIngest)
		mux.HandleFunc("GET /sidecar/events", h.HandleSidecarEvents)
		mux.HandleFunc("GET /sidecar/stats", h.HandleSidecarStats)
		cfg.Logger.Info("sidecar sink enabled, serving /sidecar")
	}

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /info", h.HandleInfo)
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

func requestIDFromRequest(r *http.Request) string {
	return RequestIDFromContext(r.Context())
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
