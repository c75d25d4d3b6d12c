package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/service/orchestra"
)

// HandleRunPlan handles POST /v1/orchestra/run.
func (h *Handlers) HandleRunPlan(w http.ResponseWriter, r *http.Request) {
	var req model.RunPlanRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	out, err := h.runner.RunAltitudePlan(r.Context(), req.Plan, req.HDO, req.CallContext)
	if err == nil {
		writeJSON(w, r, http.StatusOK, out)
		return
	}

	var invalidPlan *model.InvalidPlanError
	var failure *orchestra.OrchestrationFailure
	switch {
	case errors.Is(err, model.ErrInvalidIdentifier), errors.As(err, &invalidPlan):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.As(err, &failure):
		writeErrorDetails(w, r, http.StatusUnprocessableEntity, model.ErrCodeOrchestrationFailed, err.Error(),
			model.OrchestrationFailureDetails{PlanID: failure.PlanID, ErrorID: failure.ErrorID, HDO: &failure.HDO})
	default:
		h.writeInternalError(w, r, "orchestration run failed", err)
	}
}

type agentFailureDetails struct {
	AgentID string `json:"agent_id"`
	ErrorID string `json:"error_id"`
}

// HandleInvoke handles POST /v1/orchestra/invoke: a single standalone
// delegated call.
func (h *Handlers) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	var req model.InvokeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	args := orchestra.ArgsFromRequest(req)
	res, err := h.runner.Invoker().Invoke(r.Context(), args, orchestra.InvokeContext{
		Call:       model.CallContext{CurrentOperation: "agent_invocation"},
		Standalone: true,
	})
	if err == nil {
		writeJSON(w, r, http.StatusOK, orchestra.Response(args, res))
		return
	}

	var argErr *orchestra.ArgumentError
	var failure *orchestra.AgentFailure
	switch {
	case errors.As(err, &argErr), errors.Is(err, model.ErrInvalidIdentifier):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, orchestra.ErrTooManyActive):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeTooManyActive, err.Error())
	case errors.As(err, &failure):
		writeErrorDetails(w, r, http.StatusUnprocessableEntity, model.ErrCodeAgentFailed, err.Error(),
			agentFailureDetails{AgentID: failure.AgentID, ErrorID: failure.ErrorID})
	default:
		h.writeInternalError(w, r, "agent invocation failed", err)
	}
}

// HandleActive handles GET /v1/orchestra/active.
func (h *Handlers) HandleActive(w http.ResponseWriter, r *http.Request) {
	tr := h.runner.Invoker().Tracker()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"active": tr.Active(),
		"stats":  tr.Stats(),
	})
}

// HandleEvents handles GET /v1/events, streaming orchestration lifecycle
// events as server-sent events.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event stream not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
