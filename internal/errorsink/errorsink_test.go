package errorsink_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djb258/garage-mcp/internal/errorsink"
	"github.com/djb258/garage-mcp/internal/model"
)

type expectedErr struct{ msg string }

func (e *expectedErr) Error() string  { return e.msg }
func (e *expectedErr) Expected() bool { return true }

type warningErr struct{}

func (warningErr) Error() string { return "deprecated parameter" }
func (warningErr) Warning() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want model.Severity
	}{
		{errors.New("Database connection refused"), model.SeverityCritical},
		{errors.New("disk full on /var"), model.SeverityCritical},
		{errors.New("permission denied"), model.SeverityCritical},
		{errors.New("timeout after 30s"), model.SeverityHigh},
		{errors.New("upstream: Service Unavailable"), model.SeverityHigh},
		{&expectedErr{"bad argument"}, model.SeverityMedium},
		{fmt.Errorf("wrapped: %w", &expectedErr{"bad argument"}), model.SeverityMedium},
		// Keywords win over categories.
		{&expectedErr{"validation failed"}, model.SeverityHigh},
		{warningErr{}, model.SeverityLow},
		{errors.New("something odd"), model.SeverityHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorsink.Classify(tt.err), tt.err.Error())
	}
}

type TimeoutError struct{}

func (*TimeoutError) Error() string { return "timeout after 1s" }

func TestTypeName(t *testing.T) {
	assert.Equal(t, "Error", errorsink.TypeName(errors.New("x")))
	assert.Equal(t, "TimeoutError", errorsink.TypeName(&TimeoutError{}))
	assert.Equal(t, "TimeoutError", errorsink.TypeName(fmt.Errorf("step s1: %w", &TimeoutError{})))
	assert.Equal(t, "warningErr", errorsink.TypeName(warningErr{}))
}

func TestStacktraceIncludesChain(t *testing.T) {
	err := fmt.Errorf("outer: %w", &TimeoutError{})
	st := errorsink.Stacktrace(err)
	assert.Contains(t, st, "outer: timeout after 1s")
	assert.Contains(t, st, "caused by: TimeoutError: timeout after 1s")
	assert.Contains(t, st, "goroutine")
}

func failingHDO(logEntries int) model.HDO {
	h := model.HDO{
		ProcessID:   "PROC-demo-20250101-120000-001",
		BlueprintID: "bp-1",
		Stage:       model.StageMiddle,
		Payload:     map[string]any{"secret_value": "hunter2", "mapped_data": "x"},
		Meta: model.HDOMeta{
			PlanID:         "plan-1",
			PlanVersion:    "1.0.0",
			IdempotencyKey: "IDEM-PROC-demo-20250101-120000-001",
			AltitudeTrace:  map[string]any{"20000": []any{"s1"}},
			Extra:          map[string]any{"private": "do-not-copy"},
		},
	}
	for i := 0; i < logEntries; i++ {
		h.AppendLog(model.LogEntry{AgentID: "a", Action: "x", Status: model.LogStarted, Details: map[string]any{"step_id": fmt.Sprintf("s%d", i)}})
	}
	return h
}

func TestBuildRecord(t *testing.T) {
	alt := model.AltitudeInput
	retries := 1
	ctx := errorsink.Context{
		Call: model.CallContext{MCPSessionID: "sess-1", MCPToolName: "orchestra_run_plan", CurrentOperation: "step_execution"},
		CurrentStep: &errorsink.StepContext{
			StepID: "s2", AgentID: "input-validator", Action: "validate", Altitude: &alt, TimeoutSeconds: 30,
		},
		RetryCount:    &retries,
		MaxRetries:    1,
		StepStartedAt: time.Now().Add(-1500 * time.Millisecond),
	}
	rec := errorsink.Build(failingHDO(3), ctx, errors.New("timeout after 30s"))

	assert.NotEqual(t, uuid.Nil, rec.ErrorID)
	assert.Equal(t, "PROC-demo-20250101-120000-001", rec.ProcessID)
	assert.Equal(t, "bp-1", rec.BlueprintID)
	assert.Equal(t, "plan-1", rec.PlanID)
	assert.Equal(t, "1.0.0", rec.PlanVersion)
	assert.Equal(t, "input-validator", rec.AgentID)
	assert.Equal(t, "input", rec.Stage, "stage comes from the step altitude")
	assert.Equal(t, model.SeverityHigh, rec.Severity)
	assert.Equal(t, "timeout after 30s", rec.Message)
	assert.Equal(t, "Error", rec.ErrorType)
	assert.NotEmpty(t, rec.Stacktrace)

	assert.Equal(t, "sess-1", rec.Context["mcp_session_id"])
	assert.Equal(t, "orchestra_run_plan", rec.Context["mcp_tool_name"])
	step := rec.Context["current_step"].(map[string]any)
	assert.Equal(t, "s2", step["step_id"])
	assert.Equal(t, float64(20000), step["altitude"])
	env := rec.Context["execution_environment"].(map[string]any)
	assert.Equal(t, "step_execution", env["error_occurred_during"])
	assert.Equal(t, float64(1), rec.Context["retry_count"])
	assert.Equal(t, float64(1), rec.Context["max_retries"])
	assert.InDelta(t, 1.5, rec.Context["step_duration_seconds"], 0.5)

	assert.Equal(t, true, rec.Metadata["heir_compliant"])
	assert.Equal(t, "1.0.0", rec.Metadata["orchestration_runner_version"])
	assert.NotEmpty(t, rec.Metadata["go_version"])
}

func TestBuildFallbacks(t *testing.T) {
	rec := errorsink.Build(model.HDO{}, errorsink.Context{}, errors.New("boom"))
	assert.Equal(t, "unknown", rec.ProcessID)
	assert.Equal(t, "unknown", rec.BlueprintID)
	assert.Equal(t, "unknown", rec.PlanID)
	assert.Equal(t, "unknown", rec.PlanVersion)
	assert.Equal(t, "unknown", rec.AgentID)
	assert.Equal(t, "unknown", rec.Stage)
	assert.NotContains(t, rec.Context, "retry_count")
	assert.NotContains(t, rec.Context, "current_step")
	env := rec.Context["execution_environment"].(map[string]any)
	assert.Equal(t, "unknown", env["error_occurred_during"])

	rec = errorsink.Build(model.HDO{Stage: "middle"}, errorsink.Context{CurrentAgentID: "x-agent"}, errors.New("boom"))
	assert.Equal(t, "x-agent", rec.AgentID)
	assert.Equal(t, "middle", rec.Stage)

	rec = errorsink.Build(model.HDO{}, errorsink.Context{CurrentStep: &errorsink.StepContext{AgentID: "a"}}, errors.New("boom"))
	assert.Equal(t, "unknown", rec.Stage, "a step without altitude has unknown stage")
}

func TestSnapshotRedaction(t *testing.T) {
	snap := errorsink.Snapshot(failingHDO(15))

	for _, k := range []string{"process_id", "blueprint_id", "stage", "validated", "promoted_to", "timestamp_last_touched", "meta", "log", "payload_summary"} {
		assert.Contains(t, snap, k)
	}
	assert.NotContains(t, snap, "payload")

	meta := snap["meta"].(map[string]any)
	assert.Equal(t, "plan-1", meta["plan_id"])
	assert.Equal(t, "IDEM-PROC-demo-20250101-120000-001", meta["idempotency_key"])
	assert.NotContains(t, meta, "altitude_trace")
	assert.NotContains(t, meta, "private")
	assert.NotContains(t, meta, "plan_hash", "absent keys stay absent")

	log := snap["log"].([]any)
	require.Len(t, log, 10)
	first := log[0].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "s5", first["step_id"], "only the last ten entries are kept")

	summary := snap["payload_summary"].(map[string]any)
	assert.Equal(t, []any{"mapped_data", "secret_value"}, summary["keys"])
	assert.Greater(t, summary["size"], float64(0))

	raw := fmt.Sprint(snap)
	assert.NotContains(t, raw, "hunter2")
}
