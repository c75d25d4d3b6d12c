package garage

import (
	"context"
	"net/http"
)

// Agent performs the work behind one agent id. Register with WithAgent to
// replace the simulated behaviour the id would otherwise route to.
// Returning an error fails the step; the runner applies the step's retry
// policy and, if it gives up, writes the error record.
type Agent interface {
	Execute(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// AgentFunc adapts a plain function to Agent.
type AgentFunc func(ctx context.Context, req AgentRequest) (AgentResult, error)

// Execute calls f.
func (f AgentFunc) Execute(ctx context.Context, req AgentRequest) (AgentResult, error) {
	return f(ctx, req)
}

// EventHook receives lifecycle events in batches from the background flush
// loop. It must not block indefinitely. Errors are logged and the batch is
// not retried.
type EventHook interface {
	OnEvents(ctx context.Context, events []Event) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux. Extra
// routes share the middleware chain and OTEL instrumentation.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler, outside the built-in chain.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
