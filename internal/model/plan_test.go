package model_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djb258/garage-mcp/internal/model"
)

func TestAltitudeStage(t *testing.T) {
	assert.Equal(t, "overall", model.AltitudeStage(30000))
	assert.Equal(t, "input", model.AltitudeStage(20000))
	assert.Equal(t, "middle", model.AltitudeStage(10000))
	assert.Equal(t, "output", model.AltitudeStage(5000))
	assert.Equal(t, "altitude_42", model.AltitudeStage(42))
}

func TestStepTimeoutDefault(t *testing.T) {
	assert.Equal(t, 120, model.Step{}.Timeout())
	assert.Equal(t, 5, model.Step{TimeoutSeconds: 5}.Timeout())
}

func TestRetryPolicyMatches(t *testing.T) {
	var nilPolicy *model.RetryPolicy
	assert.False(t, nilPolicy.Matches(model.RetryOnTimeout))

	p := &model.RetryPolicy{RetryOn: []string{"timeout"}}
	assert.True(t, p.Matches(model.RetryOnTimeout))
	assert.False(t, p.Matches(model.RetryOnAgentFailure))
}

func TestPlanValidate(t *testing.T) {
	good := model.Plan{
		PlanID: "p1",
		Steps: []model.Step{
			{StepID: "s1", AgentID: "input-mapper", Action: "map"},
			{StepID: "s2", AgentID: "input-validator", Action: "validate", RetryPolicy: &model.RetryPolicy{MaxRetries: 1}},
		},
	}
	require.NoError(t, good.Validate())
	require.NoError(t, model.Plan{PlanID: "empty"}.Validate(), "a plan may have no steps")

	tests := []struct {
		name string
		plan model.Plan
		want string
	}{
		{"missing plan id", model.Plan{}, "plan_id is required"},
		{"missing step id", model.Plan{PlanID: "p", Steps: []model.Step{{AgentID: "a", Action: "x"}}}, "step_id is required"},
		{"duplicate step", model.Plan{PlanID: "p", Steps: []model.Step{
			{StepID: "s", AgentID: "a", Action: "x"},
			{StepID: "s", AgentID: "a", Action: "x"},
		}}, "duplicate step_id"},
		{"missing agent", model.Plan{PlanID: "p", Steps: []model.Step{{StepID: "s", Action: "x"}}}, "agent_id is required"},
		{"missing action", model.Plan{PlanID: "p", Steps: []model.Step{{StepID: "s", AgentID: "a"}}}, "action is required"},
		{"negative timeout", model.Plan{PlanID: "p", Steps: []model.Step{{StepID: "s", AgentID: "a", Action: "x", TimeoutSeconds: -1}}}, "timeout_seconds"},
		{"negative retries", model.Plan{PlanID: "p", Steps: []model.Step{{StepID: "s", AgentID: "a", Action: "x", RetryPolicy: &model.RetryPolicy{MaxRetries: -1}}}}, "max_retries"},
		{"negative backoff", model.Plan{PlanID: "p", Steps: []model.Step{{StepID: "s", AgentID: "a", Action: "x", RetryPolicy: &model.RetryPolicy{BackoffSeconds: -1}}}}, "backoff_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			require.Error(t, err)
			var ipe *model.InvalidPlanError
			require.True(t, errors.As(err, &ipe))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
