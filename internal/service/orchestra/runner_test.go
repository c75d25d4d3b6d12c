package orchestra_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djb258/garage-mcp/internal/delegate"
	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/service/orchestra"
)

func TestRunTwoStepPlan(t *testing.T) {
	h := newHarness(t)
	in := testHDO()

	out, err := h.runner.RunAltitudePlan(context.Background(), twoStepPlan(), in, nil)
	require.NoError(t, err)

	assert.Equal(t, model.StageOutput, out.Stage)
	assert.True(t, out.Validated)
	require.Len(t, out.Log, 6)

	want := []struct {
		action string
		status model.LogStatus
	}{
		{"start_orchestration", model.LogStarted},
		{"map", model.LogStarted},
		{"map", model.LogCompleted},
		{"validate", model.LogStarted},
		{"validate", model.LogCompleted},
		{"complete_orchestration", model.LogCompleted},
	}
	for i, w := range want {
		assert.Equal(t, w.action, out.Log[i].Action, "entry %d", i)
		assert.Equal(t, w.status, out.Log[i].Status, "entry %d", i)
	}
	assert.Equal(t, orchestra.RunnerAgentID, out.Log[0].AgentID)
	assert.Equal(t, 2, out.Log[0].Details["total_steps"])
	assert.Equal(t, 4, out.Log[5].Details["total_steps_executed"])
	require.NotNil(t, out.Log[2].DurationMs)
	assert.NotEmpty(t, out.Log[2].Details["result_summary"])

	assert.Equal(t, "plan-demo", out.Meta.PlanID)
	assert.Equal(t, "1.0.0", out.Meta.PlanVersion)
	assert.Equal(t, []any{"s1", "s2"}, out.Meta.AltitudeTrace["20000"])
	assert.Equal(t, "normalized_data_from_default", out.Payload["mapped_data"])
	assert.Nil(t, out.Meta.ErrorContext)
	assert.False(t, out.TimestampLastTouched.Before(out.Log[5].Timestamp))

	// The caller's HDO is untouched.
	assert.Empty(t, in.Log)
	assert.Equal(t, model.StageInput, in.Stage)
	assert.NotContains(t, in.Payload, "mapped_data")
	assert.Empty(t, h.errlog.all())
	assert.Empty(t, h.tracker.Active())
}

func TestRunLogIsAppendOnly(t *testing.T) {
	h := newHarness(t)
	in := testHDO()
	in.Log = []model.LogEntry{{AgentID: "earlier", Action: "seed", Status: model.LogCompleted, Details: map[string]any{"note": "kept"}}}

	out, err := h.runner.RunAltitudePlan(context.Background(), twoStepPlan(), in, nil)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(out.Log), len(twoStepPlan().Steps))
	assert.Equal(t, in.Log[0], out.Log[0], "prior entries are never rewritten")
	for i := 1; i < len(out.Log); i++ {
		assert.False(t, out.Log[i].Timestamp.Before(out.Log[i-1].Timestamp), "entry %d out of order", i)
	}
}

func TestRunRejectsMalformedProcessID(t *testing.T) {
	for _, pid := range []string{
		"",
		"proc-demo-20250101-120000-001",
		"PROC-Demo-20250101-120000-001",
		"PROC-demo-2025011-120000-001",
		"PROC-demo-20250101-12000-001",
		"PROC-demo-20250101-120000-01",
		"PROC-demo-20250101-120000-0000001",
		"PROC--20250101-120000-001",
	} {
		t.Run(pid, func(t *testing.T) {
			h := newHarness(t)
			in := testHDO()
			in.ProcessID = pid
			in.Meta.IdempotencyKey = ""

			out, err := h.runner.RunAltitudePlan(context.Background(), twoStepPlan(), in, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrInvalidIdentifier)
			assert.Empty(t, out.Log)
			assert.Empty(t, h.errlog.all(), "identifier failures produce no error record")
		})
	}
}

func TestRunRejectsMismatchedIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	in := testHDO()
	in.Meta.IdempotencyKey = "IDEM-PROC-demo-20250101-120000-002"

	_, err := h.runner.RunAltitudePlan(context.Background(), twoStepPlan(), in, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidIdentifier)
	assert.Contains(t, err.Error(), "does not match process_id")
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	h := newHarness(t)
	plan := twoStepPlan()
	plan.Steps[1].StepID = "s1"

	out, err := h.runner.RunAltitudePlan(context.Background(), plan, testHDO(), nil)
	var ipe *model.InvalidPlanError
	require.ErrorAs(t, err, &ipe)
	assert.Contains(t, ipe.Reason, "duplicate step_id")
	assert.Empty(t, out.Log)
	assert.Empty(t, h.errlog.all())
}

func TestRetryBoundAlwaysFailing(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("max_retries=%d", n), func(t *testing.T) {
			h := newHarness(t)
			faulty := delegate.NewFaulty(delegate.Validator{}, errors.New("timeout after 30s"), -1)
			h.registry.RegisterAgent("input-validator", faulty)

			plan := twoStepPlan()
			plan.Steps[1].RetryPolicy = &model.RetryPolicy{MaxRetries: n, RetryOn: []string{model.RetryOnTimeout}}

			out, err := h.runner.RunAltitudePlan(context.Background(), plan, testHDO(), nil)
			of := failure(t, err)

			statuses := entriesFor(out, "s2")
			failed := 0
			for _, s := range statuses {
				if s == model.LogFailed {
					failed++
				}
			}
			assert.Equal(t, n+1, failed)
			assert.Equal(t, n+1, faulty.Calls())
			assert.Len(t, statuses, 2*(n+1), "every attempt logs started then failed")

			records := h.errlog.all()
			require.Len(t, records, 1)
			assert.Equal(t, records[0].ErrorID.String(), of.ErrorID)
			assert.Equal(t, float64(n), records[0].Context["retry_count"])
			assert.Equal(t, float64(n), records[0].Context["max_retries"])
		})
	}
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	faulty := delegate.NewFaulty(delegate.Validator{}, errors.New("timeout after 30s"), 1)
	h.registry.RegisterAgent("input-validator", faulty)

	plan := twoStepPlan()
	plan.Steps[1].RetryPolicy = &model.RetryPolicy{MaxRetries: 1, RetryOn: []string{model.RetryOnTimeout}, BackoffSeconds: 0}

	out, err := h.runner.RunAltitudePlan(context.Background(), plan, testHDO(), nil)
	require.NoError(t, err)
	assert.Equal(t, []model.LogStatus{model.LogStarted, model.LogFailed, model.LogStarted, model.LogCompleted}, entriesFor(out, "s2"))
	assert.Equal(t, model.StageOutput, out.Stage)
	assert.True(t, out.Validated)
	assert.Empty(t, h.errlog.all())

	var failedEntry model.LogEntry
	for _, e := range out.Log {
		if e.Status == model.LogFailed {
			failedEntry = e
		}
	}
	assert.Equal(t, "timeout after 30s", failedEntry.Details["error_message"])
	assert.Equal(t, "Error", failedEntry.Details["error_type"])
	assert.Nil(t, failedEntry.ErrorID)
}

func TestRetryExhaustedRaisesCorrelatedFailure(t *testing.T) {
	h := newHarness(t)
	h.registry.RegisterAgent("input-validator", delegate.NewFaulty(delegate.Validator{}, errors.New("timeout after 30s"), -1))

	plan := twoStepPlan()
	plan.Steps[1].RetryPolicy = &model.RetryPolicy{MaxRetries: 1, RetryOn: []string{model.RetryOnTimeout}}
	call := &model.CallContext{MCPSessionID: "sess-9", MCPToolName: "orchestra_run_plan"}

	out, err := h.runner.RunAltitudePlan(context.Background(), plan, testHDO(), call)
	of := failure(t, err)

	assert.Equal(t, []model.LogStatus{model.LogStarted, model.LogFailed, model.LogStarted, model.LogFailed}, entriesFor(out, "s2"))
	assert.Contains(t, err.Error(), "plan-demo")
	assert.Contains(t, err.Error(), of.ErrorID)
	assert.NotContains(t, err.Error(), "timeout", "diagnostics stay in the record")

	require.NotNil(t, out.Meta.ErrorContext)
	require.NotNil(t, out.Meta.ErrorContext.LastErrorID)
	assert.Equal(t, of.ErrorID, *out.Meta.ErrorContext.LastErrorID)
	assert.Equal(t, 1, out.Meta.ErrorContext.ErrorCount)
	assert.Equal(t, 3, out.Meta.ErrorContext.MaxRetries)
	assert.Equal(t, of.HDO.Log, out.Log)

	records := h.errlog.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, of.ErrorID, rec.ErrorID.String())
	assert.Equal(t, testProcessID, rec.ProcessID)
	assert.Equal(t, "plan-demo", rec.PlanID)
	assert.Equal(t, "input-validator", rec.AgentID)
	assert.Equal(t, model.StageInput, rec.Stage)
	assert.Equal(t, model.SeverityHigh, rec.Severity)
	assert.Equal(t, "timeout after 30s", rec.Message)
	assert.Equal(t, "sess-9", rec.Context["mcp_session_id"])

	assert.EqualError(t, of.Cause(), "timeout after 30s")
	assert.NotContains(t, out.Log[len(out.Log)-1].Action, "complete_orchestration")
}

func TestFailureStopsRemainingSteps(t *testing.T) {
	h := newHarness(t)
	h.registry.RegisterAgent("input-mapper", delegate.NewFaulty(delegate.Mapper{}, errors.New("mapper exploded"), -1))

	out, err := h.runner.RunAltitudePlan(context.Background(), twoStepPlan(), testHDO(), nil)
	failure(t, err)
	assert.Equal(t, []model.LogStatus{model.LogStarted, model.LogFailed}, entriesFor(out, "s1"))
	assert.Empty(t, entriesFor(out, "s2"))
	assert.Len(t, h.errlog.all(), 1)
}

func TestRetryOnlyForMatchingCategory(t *testing.T) {
	tests := []struct {
		name    string
		retryOn []string
		err     string
		calls   int
	}{
		{"timeout policy ignores other errors", []string{model.RetryOnTimeout}, "schema mismatch", 1},
		{"timeout policy matches case-insensitively", []string{model.RetryOnTimeout}, "upstream TIMEOUT", 3},
		{"agent_failure matches anything", []string{model.RetryOnAgentFailure}, "schema mismatch", 3},
		{"empty retry_on never retries", nil, "timeout after 1s", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			faulty := delegate.NewFaulty(delegate.Validator{}, errors.New(tt.err), -1)
			h.registry.RegisterAgent("input-validator", faulty)

			plan := twoStepPlan()
			plan.Steps[1].RetryPolicy = &model.RetryPolicy{MaxRetries: 2, RetryOn: tt.retryOn}

			_, err := h.runner.RunAltitudePlan(context.Background(), plan, testHDO(), nil)
			failure(t, err)
			assert.Equal(t, tt.calls, faulty.Calls())
		})
	}
}

func TestRetryBackoffHonoursCancellation(t *testing.T) {
	h := newHarness(t)
	faulty := delegate.NewFaulty(delegate.Validator{}, errors.New("timeout after 30s"), -1)
	h.registry.RegisterAgent("input-validator", faulty)

	plan := twoStepPlan()
	plan.Steps[1].RetryPolicy = &model.RetryPolicy{MaxRetries: 5, RetryOn: []string{model.RetryOnTimeout}, BackoffSeconds: 30}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.runner.RunAltitudePlan(ctx, plan, testHDO(), nil)
	failure(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, faulty.Calls())
	assert.Len(t, h.errlog.all(), 1, "the record is written even after cancellation")
}

func TestStepTimeout(t *testing.T) {
	h := newHarness(t)
	h.registry.RegisterAgent("input-validator", delegate.Func{Cat: delegate.CategoryValidator, Run: func(ctx context.Context, _ delegate.Request) (delegate.Result, error) {
		<-ctx.Done()
		return delegate.Result{}, ctx.Err()
	}})

	plan := twoStepPlan()
	plan.Steps[1].TimeoutSeconds = 1

	out, err := h.runner.RunAltitudePlan(context.Background(), plan, testHDO(), nil)
	failure(t, err)

	last := out.Log[len(out.Log)-1]
	assert.Equal(t, model.LogFailed, last.Status)
	assert.Equal(t, "timeout after 1s", last.Details["error_message"])
	assert.Equal(t, "TimeoutError", last.Details["error_type"])

	records := h.errlog.all()
	require.Len(t, records, 1)
	assert.Equal(t, "TimeoutError", records[0].ErrorType)
	assert.Equal(t, model.SeverityHigh, records[0].Severity)
}

func TestPersistFailureDoesNotMaskRunFailure(t *testing.T) {
	h := newHarness(t)
	h.errlog.err = errors.New("database connection refused")
	h.registry.RegisterAgent("input-validator", delegate.NewFaulty(delegate.Validator{}, errors.New("boom"), -1))

	out, err := h.runner.RunAltitudePlan(context.Background(), twoStepPlan(), testHDO(), nil)
	of := failure(t, err)
	require.NotNil(t, out.Meta.ErrorContext)
	assert.Equal(t, of.ErrorID, *out.Meta.ErrorContext.LastErrorID)
}

func TestSkipOnSuccessWhenDependencyFailed(t *testing.T) {
	h := newHarness(t)
	in := testHDO()
	// A failed s1 from an earlier run.
	in.Log = []model.LogEntry{
		{AgentID: "input-mapper", Action: "map", Status: model.LogStarted, Details: map[string]any{"step_id": "s1"}},
		{AgentID: "input-mapper", Action: "map", Status: model.LogFailed, Details: map[string]any{"step_id": "s1"}},
	}
	plan := model.Plan{PlanID: "plan-followup", Version: "1", Steps: []model.Step{
		{StepID: "s2", AgentID: "input-validator", Action: "validate", Altitude: model.AltitudeInput,
			When: &model.When{Condition: model.ConditionOnSuccess, DependsOn: []string{"s1"}}},
		{StepID: "s3", AgentID: "output-notifier", Action: "notify", Altitude: model.AltitudeOutput,
			When: &model.When{Condition: model.ConditionOnFailure, DependsOn: []string{"s1"}}},
	}}

	out, err := h.runner.RunAltitudePlan(context.Background(), plan, in, nil)
	require.NoError(t, err)

	assert.Equal(t, []model.LogStatus{model.LogSkipped}, entriesFor(out, "s2"))
	assert.Equal(t, []model.LogStatus{model.LogStarted, model.LogCompleted}, entriesFor(out, "s3"))
	for _, e := range out.Log {
		if e.StepID() == "s2" {
			assert.Equal(t, "condition_not_met", e.Details["skip_reason"])
		}
	}
}

func TestConditions(t *testing.T) {
	tests := []struct {
		name string
		when *model.When
		runs bool
	}{
		{"nil when", nil, true},
		{"always", &model.When{Condition: model.ConditionAlways}, true},
		{"on_success completed dependency", &model.When{Condition: model.ConditionOnSuccess, DependsOn: []string{"s1"}}, true},
		{"on_success without dependencies", &model.When{Condition: model.ConditionOnSuccess}, true},
		{"on_success unknown dependency", &model.When{Condition: model.ConditionOnSuccess, DependsOn: []string{"nope"}}, false},
		{"on_failure completed dependency", &model.When{Condition: model.ConditionOnFailure, DependsOn: []string{"s1"}}, false},
		{"on_failure without dependencies", &model.When{Condition: model.ConditionOnFailure}, false},
		{"conditional true", &model.When{Condition: model.ConditionConditional, Expression: "true"}, true},
		{"conditional false", &model.When{Condition: model.ConditionConditional, Expression: "false"}, false},
		{"conditional unknown expression", &model.When{Condition: model.ConditionConditional, Expression: "payload.x > 3"}, true},
		{"conditional promotion without enforcer", &model.When{Condition: model.ConditionConditional, Expression: "enforcer.promotion_decision == true"}, false},
		{"unknown condition", &model.When{Condition: "sometimes"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			plan := twoStepPlan()
			plan.Steps[1].When = tt.when

			out, err := h.runner.RunAltitudePlan(context.Background(), plan, testHDO(), nil)
			require.NoError(t, err)
			if tt.runs {
				assert.Equal(t, []model.LogStatus{model.LogStarted, model.LogCompleted}, entriesFor(out, "s2"))
			} else {
				assert.Equal(t, []model.LogStatus{model.LogSkipped}, entriesFor(out, "s2"))
			}
		})
	}
}

func TestPromotionDecisionGatesStep(t *testing.T) {
	for _, promote := range []bool{true, false} {
		t.Run(fmt.Sprintf("promote=%v", promote), func(t *testing.T) {
			h := newHarness(t)
			plan := model.Plan{PlanID: "plan-promo", Version: "1", Steps: []model.Step{
				{StepID: "enforce", AgentID: "middle-subagent-enforcer", Action: "enforce", Altitude: model.AltitudeMiddle,
					Parameters: map[string]any{"promote": promote}},
				{StepID: "notify", AgentID: "output-notifier", Action: "notify", Altitude: model.AltitudeOutput,
					When: &model.When{Condition: model.ConditionConditional, Expression: "enforcer.promotion_decision == true"}},
			}}

			out, err := h.runner.RunAltitudePlan(context.Background(), plan, testHDO(), nil)
			require.NoError(t, err)

			for _, e := range out.Log {
				if e.StepID() == "enforce" && e.Status == model.LogCompleted {
					assert.Equal(t, promote, e.Details["promotion_decision"])
				}
			}
			if promote {
				assert.Equal(t, []model.LogStatus{model.LogStarted, model.LogCompleted}, entriesFor(out, "notify"))
				require.NotNil(t, out.PromotedTo)
				assert.Equal(t, model.StageOutput, *out.PromotedTo)
			} else {
				assert.Equal(t, []model.LogStatus{model.LogSkipped}, entriesFor(out, "notify"))
				assert.Nil(t, out.PromotedTo)
			}
			assert.Equal(t, []any{"notify"}, out.Meta.AltitudeTrace["5000"])
		})
	}
}

// "feedback-enforcer" routes to the DB category because "db" is matched first,
// but its promotion decision must still gate later steps.
func TestPromotionDecisionFromDBRoutedEnforcer(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, delegate.CategoryDB, h.registry.Classify("feedback-enforcer"))
	h.registry.RegisterAgent("feedback-enforcer", delegate.Enforcer{})

	plan := model.Plan{PlanID: "plan-feedback", Version: "1", Steps: []model.Step{
		{StepID: "enforce", AgentID: "feedback-enforcer", Action: "enforce", Altitude: model.AltitudeMiddle,
			Parameters: map[string]any{"promote": true}},
		{StepID: "notify", AgentID: "output-notifier", Action: "notify", Altitude: model.AltitudeOutput,
			When: &model.When{Condition: model.ConditionConditional, Expression: "enforcer.promotion_decision == true"}},
	}}

	out, err := h.runner.RunAltitudePlan(context.Background(), plan, testHDO(), nil)
	require.NoError(t, err)
	assert.Equal(t, []model.LogStatus{model.LogStarted, model.LogCompleted}, entriesFor(out, "notify"))
}

func TestConcurrentRuns(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	results := make([]model.HDO, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := testHDO()
			pid, err := model.NewProcessID("demo", time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), i+1)
			if err != nil {
				errs[i] = err
				return
			}
			in.ProcessID = pid
			in.Meta.IdempotencyKey = model.IdempotencyKeyFor(pid)
			results[i], errs[i] = h.runner.RunAltitudePlan(context.Background(), twoStepPlan(), in, nil)
		}(i)
	}
	wg.Wait()

	for i, out := range results {
		require.NoError(t, errs[i])
		assert.Len(t, out.Log, 6)
		assert.True(t, strings.HasSuffix(out.ProcessID, fmt.Sprintf("-%03d", i+1)))
	}
	assert.Empty(t, h.tracker.Active())
}

func TestRunnerUsesOrchestratorStage(t *testing.T) {
	h := newHarness(t)
	plan := model.Plan{PlanID: "plan-stage", Version: "1", Steps: []model.Step{
		{StepID: "o1", AgentID: "middle-orchestrator", Action: "coordinate", Altitude: model.AltitudeOverall},
	}}
	out, err := h.runner.RunAltitudePlan(context.Background(), plan, testHDO(), nil)
	require.NoError(t, err)
	// complete_orchestration overrides whatever stage the orchestrator chose.
	assert.Equal(t, model.StageOutput, out.Stage)
	assert.True(t, out.Validated)
	assert.Equal(t, []any{"o1"}, out.Meta.AltitudeTrace["30000"])
}
