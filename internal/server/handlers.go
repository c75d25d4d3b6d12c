package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/djb258/garage-mcp/internal/delegate"
	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/service/orchestra"
	"github.com/djb258/garage-mcp/internal/sidecar"
	"github.com/djb258/garage-mcp/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runner              *orchestra.Runner
	errlog              storage.ErrorLog
	emitter             *sidecar.Emitter
	sink                *sidecar.Sink
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	activeBay           string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Emitter, Sink, Broker, OpenAPISpec.
type HandlersDeps struct {
	Runner              *orchestra.Runner
	ErrorLog            storage.ErrorLog
	Emitter             *sidecar.Emitter
	Sink                *sidecar.Sink
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	ActiveBay           string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		runner:              d.Runner,
		errlog:              d.ErrorLog,
		emitter:             d.Emitter,
		sink:                d.Sink,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		activeBay:           d.ActiveBay,
		maxRequestBodyBytes: maxBody,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.errlog.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Emitter health: >50% capacity = high, >75% capacity = critical.
	depth := h.emitter.Len()
	emitterStatus := "ok"
	if c := h.emitter.Capacity(); c > 0 {
		if depth > c*3/4 {
			emitterStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if depth > c/2 {
			emitterStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:         status,
		Version:        h.version,
		Storage:        storageStatus,
		StorageBackend: h.errlog.Backend(),
		EmitterDepth:   depth,
		EmitterDropped: h.emitter.Dropped(),
		EmitterStatus:  emitterStatus,
		ActiveCount:    h.runner.Invoker().Tracker().Stats().ActiveCount,
		Uptime:         int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

type infoResponse struct {
	Service   string           `json:"service"`
	Version   string           `json:"version"`
	ActiveBay string           `json:"active_bay,omitempty"`
	Backend   string           `json:"storage_backend"`
	Routes    []delegate.Route `json:"routes"`
	Agents    []string         `json:"agents"`
}

// HandleInfo handles GET /info.
func (h *Handlers) HandleInfo(w http.ResponseWriter, r *http.Request) {
	reg := h.runner.Invoker().Registry()
	writeJSON(w, r, http.StatusOK, infoResponse{
		Service:   "garage",
		Version:   h.version,
		ActiveBay: h.activeBay,
		Backend:   h.errlog.Backend(),
		Routes:    reg.Routes(),
		Agents:    reg.Agents(),
	})
}

// HandleListAgents handles GET /v1/agents: every registered agent with the
// category its id routes to.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	reg := h.runner.Invoker().Registry()
	ids := reg.Agents()
	out := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]string{
			"agent_id": id,
			"category": string(reg.Classify(id)),
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a limit clamped to [1, max].
func queryLimit(r *http.Request, defaultVal, maxVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return defaultVal
	}
	if limit > maxVal {
		return maxVal
	}
	return limit
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
