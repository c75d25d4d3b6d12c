package garage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProcessID = "PROC-sdk-20250101-120000-001"

func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range handlers {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func writeData(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": v,
		"meta": map[string]any{"request_id": "req-1", "timestamp": time.Now().UTC()},
	})
}

func writeErr(w http.ResponseWriter, status int, code, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg, "details": details},
		"meta":  map[string]any{"request_id": "req-1", "timestamp": time.Now().UTC()},
	})
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestRunPlan(t *testing.T) {
	c := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/orchestra/run": func(w http.ResponseWriter, r *http.Request) {
			var req runPlanRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "plan-sdk", req.Plan.PlanID)
			assert.Equal(t, AltitudeInput, req.Plan.Steps[0].Altitude)
			assert.Equal(t, "sdk", req.CallContext.CurrentOperation)

			out := req.HDO
			out.Log = append(out.Log, LogEntry{AgentID: "input-mapper", Action: "map", Status: "completed"})
			writeData(w, http.StatusOK, out)
		},
	})

	plan := Plan{PlanID: "plan-sdk", Version: "1.0.0", Steps: []Step{
		{StepID: "s1", AgentID: "input-mapper", Action: "map", Altitude: AltitudeInput},
	}}
	out, err := c.RunPlan(context.Background(), plan, HDO{ProcessID: testProcessID, BlueprintID: "bp"}, &CallContext{CurrentOperation: "sdk"})
	require.NoError(t, err)
	require.Len(t, out.Log, 1)
	assert.Equal(t, "completed", out.Log[0].Status)
	assert.Equal(t, testProcessID, out.ProcessID)
}

func TestRunPlanFailure(t *testing.T) {
	errorID := uuid.NewString()
	c := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/orchestra/run": func(w http.ResponseWriter, _ *http.Request) {
			writeErr(w, http.StatusUnprocessableEntity, CodeOrchestrationFailed, "step s1 failed", map[string]any{
				"plan_id":  "plan-sdk",
				"error_id": errorID,
				"hdo":      map[string]any{"process_id": testProcessID, "meta": map[string]any{}},
			})
		},
	})

	_, err := c.RunPlan(context.Background(), Plan{PlanID: "plan-sdk"}, HDO{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORCHESTRATION_FAILED")

	f, ok := AsRunFailure(err)
	require.True(t, ok)
	assert.Equal(t, errorID, f.ErrorID)
	require.NotNil(t, f.HDO)
	assert.Equal(t, testProcessID, f.HDO.ProcessID)

	_, ok = AsAgentFailure(err)
	assert.False(t, ok)
}

func TestInvoke(t *testing.T) {
	c := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/orchestra/invoke": func(w http.ResponseWriter, r *http.Request) {
			var req InvokeRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.AgentID == "broken-reporter" {
				writeErr(w, http.StatusUnprocessableEntity, CodeAgentFailed, "agent failed", map[string]any{
					"agent_id": req.AgentID, "error_id": "e-1",
				})
				return
			}
			writeData(w, http.StatusOK, InvokeResponse{AgentID: req.AgentID, Action: req.Action, Status: "completed", Result: map[string]any{"ok": true}})
		},
	})

	res, err := c.Invoke(context.Background(), InvokeRequest{AgentID: "input-mapper", Action: "map", ProcessID: testProcessID})
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, true, res.Result["ok"])

	_, err = c.Invoke(context.Background(), InvokeRequest{AgentID: "broken-reporter", Action: "report", ProcessID: testProcessID})
	f, ok := AsAgentFailure(err)
	require.True(t, ok)
	assert.Equal(t, "e-1", f.ErrorID)
}

func TestListErrorsQuery(t *testing.T) {
	rec := ErrorRecord{ErrorID: uuid.New(), AgentID: "output-reporter", Severity: "high"}
	c := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/errors": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			assert.Equal(t, testProcessID, q.Get("process_id"))
			assert.Equal(t, "high", q.Get("severity"))
			assert.Equal(t, "true", q.Get("unresolved"))
			assert.Equal(t, "5", q.Get("limit"))
			assert.Empty(t, q.Get("agent_id"))
			writeData(w, http.StatusOK, ErrorList{Errors: []ErrorRecord{rec}, Total: 1})
		},
	})

	out, err := c.ListErrors(context.Background(), ErrorFilters{ProcessID: testProcessID, Severity: "high", Unresolved: true, Limit: 5})
	require.NoError(t, err)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, rec.ErrorID, out.Errors[0].ErrorID)
}

func TestGetAndResolveError(t *testing.T) {
	id := uuid.New()
	resolved := false
	c := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/errors/{id}": func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("id") != id.String() {
				writeErr(w, http.StatusNotFound, CodeNotFound, "error record not found", nil)
				return
			}
			writeData(w, http.StatusOK, ErrorRecord{ErrorID: id})
		},
		"POST /v1/errors/{id}/resolve": func(w http.ResponseWriter, r *http.Request) {
			var req resolveRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if resolved {
				writeErr(w, http.StatusConflict, "CONFLICT", "already resolved", nil)
				return
			}
			resolved = true
			by := req.ResolvedBy
			now := time.Now().UTC()
			writeData(w, http.StatusOK, ErrorRecord{ErrorID: id, ResolvedBy: &by, ResolvedAt: &now})
		},
	})
	ctx := context.Background()

	rec, err := c.GetError(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ErrorID)

	_, err = c.GetError(ctx, uuid.New())
	assert.True(t, IsNotFound(err))

	rec, err = c.ResolveError(ctx, id, "ops", "restarted sink")
	require.NoError(t, err)
	require.NotNil(t, rec.ResolvedBy)
	assert.Equal(t, "ops", *rec.ResolvedBy)

	_, err = c.ResolveError(ctx, id, "ops", "")
	assert.True(t, IsConflict(err))
}

func TestInfoAgentsActiveHealth(t *testing.T) {
	c := mockServer(t, map[string]http.HandlerFunc{
		"GET /info": func(w http.ResponseWriter, _ *http.Request) {
			writeData(w, http.StatusOK, Info{Service: "garage", Version: "test", Agents: []string{"broken-reporter"}})
		},
		"GET /v1/agents": func(w http.ResponseWriter, _ *http.Request) {
			writeData(w, http.StatusOK, []Agent{{AgentID: "broken-reporter", Category: "reporter"}})
		},
		"GET /v1/orchestra/active": func(w http.ResponseWriter, _ *http.Request) {
			writeData(w, http.StatusOK, ActiveResponse{Active: []Execution{}, Stats: ActiveStats{ActiveAgents: []string{}}})
		},
		"GET /health": func(w http.ResponseWriter, _ *http.Request) {
			writeData(w, http.StatusOK, Health{Status: "healthy", Storage: "connected"})
		},
	})
	ctx := context.Background()

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "garage", info.Service)

	agents, err := c.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "reporter", agents[0].Category)

	active, err := c.Active(ctx)
	require.NoError(t, err)
	assert.Zero(t, active.Stats.ActiveCount)
	assert.Nil(t, active.Stats.OldestExecution)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
}

func TestErrorClassification(t *testing.T) {
	c := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/orchestra/invoke": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "1")
			writeErr(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests", nil)
		},
		"POST /v1/orchestra/run": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		},
	})
	ctx := context.Background()

	_, err := c.Invoke(ctx, InvokeRequest{})
	assert.True(t, IsRetryable(err))
	assert.False(t, IsInvalidInput(err))

	_, err = c.RunPlan(ctx, Plan{}, HDO{}, nil)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Code)
	assert.Contains(t, apiErr.Message, "upstream exploded")
	assert.False(t, IsRetryable(err))
}
