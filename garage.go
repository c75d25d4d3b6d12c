// Package garage is the public API for embedding the garage orchestration
// server.
//
// Embedders construct an App, optionally binding real agents and hooks, and
// either serve HTTP + MCP or drive plans directly:
//
//	app, err := garage.New(
//	    garage.WithVersion(version),
//	    garage.WithLogger(logger),
//	    garage.WithAgent("output-reporter", myReporter),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// internal/* never imports this package.
package garage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/djb258/garage-mcp/api"
	"github.com/djb258/garage-mcp/internal/config"
	"github.com/djb258/garage-mcp/internal/delegate"
	"github.com/djb258/garage-mcp/internal/mcp"
	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/ratelimit"
	"github.com/djb258/garage-mcp/internal/server"
	"github.com/djb258/garage-mcp/internal/service/orchestra"
	"github.com/djb258/garage-mcp/internal/sidecar"
	"github.com/djb258/garage-mcp/internal/storage"
	"github.com/djb258/garage-mcp/internal/telemetry"
)

// OrchestrationFailure is returned by RunPlan when a step fails for good.
// Its ErrorID names the error record in the master error log.
type OrchestrationFailure = orchestra.OrchestrationFailure

// App is the garage server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	errlog       storage.ErrorLog
	emitter      *sidecar.Emitter
	runner       *orchestra.Runner
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
	closeOnce    sync.Once
}

// New loads configuration, opens the error log (applying migrations), and
// wires the runner, MCP server, and HTTP server. The event emitter's flush
// loop starts here so RunPlan works without Run; nothing listens on a port
// until Run is called.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.rateLimit != nil {
		cfg.RateLimitRPS = max(o.rateLimit.rps, 0)
		cfg.RateLimitBurst = o.rateLimit.burst
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("garage starting", "version", version, "port", cfg.Port, "active_bay", cfg.ActiveBay)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	errlog, err := storage.Open(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if db, ok := errlog.(*storage.DB); ok {
		db.RegisterPoolMetrics()
	}
	logger.Info("error log ready", "backend", errlog.Backend())

	// Lifecycle events fan out to the SSE broker, the embedded sink, the
	// remote sidecar, and any hooks.
	broker := server.NewBroker(logger)
	pubs := sidecar.Multi{broker}
	var sink *sidecar.Sink
	if cfg.SidecarEmbedded {
		sink = sidecar.NewSink(0)
		pubs = append(pubs, sink)
	}
	if cfg.SidecarURL != "" {
		pubs = append(pubs, sidecar.NewHTTPPublisher(cfg.SidecarURL, nil))
		logger.Info("sidecar: emitting events", "url", cfg.SidecarURL)
	}
	for _, h := range o.eventHooks {
		pubs = append(pubs, hookPublisher{hook: h, logger: logger})
	}
	emitter := sidecar.NewEmitter(pubs, logger, cfg.SidecarBufferSize, cfg.SidecarFlushInterval)

	registry := delegate.NewRegistry(cfg.DelegateLatencyScale)
	for id, a := range o.agents {
		registry.RegisterAgent(id, agentBehavior(a))
	}
	invoker := orchestra.NewInvoker(registry, orchestra.NewTracker(cfg.ActiveLimit), emitter, errlog, logger)
	invoker.SetDefaultTimeout(cfg.DefaultStepTimeout)
	runner := orchestra.NewRunner(invoker, errlog, logger)

	mcpSrv := mcp.New(runner, errlog, logger, version)

	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	srv := server.New(server.ServerConfig{
		Runner:              runner,
		ErrorLog:            errlog,
		Logger:              logger,
		Emitter:             emitter,
		Sink:                sink,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		ActiveBay:           cfg.ActiveBay,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	emitter.Start(context.Background())

	return &App{
		cfg:          cfg,
		errlog:       errlog,
		emitter:      emitter,
		runner:       runner,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for mounting in tests or another
// server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// RunPlan executes plan against hdo and returns the final HDO. On a step
// failure the error is *OrchestrationFailure and the partial HDO is returned
// alongside it.
func (a *App) RunPlan(ctx context.Context, plan Plan, hdo HDO) (HDO, error) {
	return a.runner.RunAltitudePlan(ctx, plan, hdo, &model.CallContext{CurrentOperation: "embedded_run"})
}

// ErrorRecord fetches one record from the master error log.
func (a *App) ErrorRecord(ctx context.Context, errorID string) (ErrorRecord, error) {
	id, err := parseErrorID(errorID)
	if err != nil {
		return ErrorRecord{}, err
	}
	return a.errlog.GetErrorRecord(ctx, id)
}

// Run serves HTTP and MCP until ctx is cancelled or the server fails. On
// return, Shutdown has already been called.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting HTTP requests and drains in-flight ones, flushes
// pending lifecycle events, then closes the error log and OTEL providers.
// Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.logger.Info("garage shutting down")

		httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
		if serr := a.srv.Shutdown(httpCtx); serr != nil {
			a.logger.Error("http shutdown error", "error", serr)
		}
		httpCancel()

		drainCtx, drainCancel := context.WithTimeout(ctx, 10*time.Second)
		a.emitter.Drain(drainCtx)
		drainCancel()
		if n := a.emitter.Len(); n > 0 {
			err = fmt.Errorf("garage: %d lifecycle events not delivered", n)
		}

		_ = a.limiter.Close()
		a.errlog.Close(context.Background())
		_ = a.otelShutdown(context.Background())
		a.logger.Info("garage stopped")
	})
	return err
}

// agentBehavior adapts a public Agent to the registry's behaviour interface.
func agentBehavior(a Agent) delegate.Behavior {
	return delegate.Func{Run: func(ctx context.Context, req delegate.Request) (delegate.Result, error) {
		res, err := a.Execute(ctx, AgentRequest{
			AgentID:    req.AgentID,
			Action:     req.Action,
			Parameters: req.Parameters,
			HDO:        req.HDO,
		})
		if err != nil {
			return delegate.Result{}, err
		}
		if res.Status == "" {
			res.Status = "completed"
		}
		return delegate.Result{Status: res.Status, Fields: res.Fields, Update: res.Update}, nil
	}}
}

// hookPublisher delivers emitter batches to a public EventHook.
// Hook errors are logged, never returned, so a failing hook cannot cause
// the other publishers to see a batch twice.
type hookPublisher struct {
	hook   EventHook
	logger *slog.Logger
}

func (p hookPublisher) Publish(ctx context.Context, events []model.SidecarEvent) error {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = Event{
			Type:        string(e.EventType),
			Timestamp:   e.Timestamp,
			ExecutionID: e.ExecutionID,
			ProcessID:   e.ProcessID,
			AgentID:     e.AgentID,
			Action:      e.Action,
			Data:        e.Data,
		}
	}
	if err := p.hook.OnEvents(ctx, out); err != nil {
		p.logger.Warn("event hook failed", "error", err, "batch_size", len(out))
	}
	return nil
}

func parseErrorID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("garage: invalid error_id %q: %w", s, err)
	}
	return id, nil
}
