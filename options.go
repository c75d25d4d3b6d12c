package garage

import "log/slog"

// Option configures an App. Options override the environment.
type Option func(*resolvedOptions)

type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	rateLimit       *rateLimit
	agents          map[string]Agent
	eventHooks      []EventHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

type rateLimit struct {
	rps   float64
	burst int
}

// WithPort sets the listen port (default GARAGE_PORT).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL sets the master error log location (default DATABASE_URL).
// Postgres URLs use pgx; "sqlite:" and "file:" URLs use embedded SQLite.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version reported by /health, /info and MCP.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithRateLimit limits each client to rps run and invoke requests per
// second with bursts of burst. rps <= 0 turns limiting off.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *resolvedOptions) { o.rateLimit = &rateLimit{rps: rps, burst: burst} }
}

// WithAgent makes agentID (case-insensitive) run a instead of the simulated
// behaviour its id would route to. The last registration for an id wins.
func WithAgent(agentID string, a Agent) Option {
	return func(o *resolvedOptions) {
		if o.agents == nil {
			o.agents = make(map[string]Agent)
		}
		o.agents[agentID] = a
	}
}

// WithEventHook adds a receiver for orchestration lifecycle events. Every
// hook sees every batch.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraRoutes mounts more handlers on the API mux, in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware wraps the whole API. The first registered runs first.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
