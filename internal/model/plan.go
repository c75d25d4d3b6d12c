// Package model defines the core domain types for the garage orchestration
// runner: plans, the hierarchical data object (HDO) threaded through a run,
// its execution log, and the error records produced when a run fails.
//
// JSON tags follow the snake_case wire shape shared with MCP clients and the
// error log tables.
package model

import (
	"fmt"
	"strconv"
)

// DefaultStepTimeoutSeconds applies when a step omits timeout_seconds.
const DefaultStepTimeoutSeconds = 120

// Altitude levels. Altitude classifies a step for logging only; it never
// affects execution order.
const (
	AltitudeOverall = 30000
	AltitudeInput   = 20000
	AltitudeMiddle  = 10000
	AltitudeOutput  = 5000
)

// AltitudeStage maps an altitude level to its stage name. Unknown levels map
// to "altitude_<n>".
func AltitudeStage(altitude int) string {
	switch altitude {
	case AltitudeOverall:
		return "overall"
	case AltitudeInput:
		return StageInput
	case AltitudeMiddle:
		return StageMiddle
	case AltitudeOutput:
		return StageOutput
	default:
		return "altitude_" + strconv.Itoa(altitude)
	}
}

// Condition names accepted in a step's when clause.
const (
	ConditionAlways      = "always"
	ConditionOnSuccess   = "on_success"
	ConditionOnFailure   = "on_failure"
	ConditionConditional = "conditional"
)

// Retry categories accepted in a retry policy's retry_on list.
const (
	RetryOnTimeout      = "timeout"
	RetryOnAgentFailure = "agent_failure"
)

// Plan is an ordered, immutable list of steps.
type Plan struct {
	PlanID  string `json:"plan_id"`
	Version string `json:"version"`
	Steps   []Step `json:"steps"`
}

// Step is one delegated unit of work within a plan.
type Step struct {
	StepID         string         `json:"step_id"`
	AgentID        string         `json:"agent_id"`
	Action         string         `json:"action"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Altitude       int            `json:"altitude"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	When           *When          `json:"when,omitempty"`
	RetryPolicy    *RetryPolicy   `json:"retry_policy,omitempty"`
}

// Timeout returns the step's execution budget in seconds, applying the default.
func (s Step) Timeout() int {
	if s.TimeoutSeconds == 0 {
		return DefaultStepTimeoutSeconds
	}
	return s.TimeoutSeconds
}

// When gates a step on prior outcomes or a conditional expression.
type When struct {
	Condition  string   `json:"condition,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// RetryPolicy bounds re-execution of a failed step.
type RetryPolicy struct {
	MaxRetries     int      `json:"max_retries"`
	RetryOn        []string `json:"retry_on,omitempty"`
	BackoffSeconds float64  `json:"backoff_seconds"`
}

// Matches reports whether the policy lists the given retry category.
func (p *RetryPolicy) Matches(category string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.RetryOn {
		if c == category {
			return true
		}
	}
	return false
}

// InvalidPlanError reports a structurally unusable plan.
type InvalidPlanError struct {
	PlanID string
	Reason string
}

func (e *InvalidPlanError) Error() string {
	if e.PlanID == "" {
		return "invalid plan: " + e.Reason
	}
	return fmt.Sprintf("invalid plan %s: %s", e.PlanID, e.Reason)
}

// Expected marks plan validation failures as caller mistakes rather than
// runtime faults.
func (e *InvalidPlanError) Expected() bool { return true }

// Validate checks the plan's shape before any step executes.
func (p Plan) Validate() error {
	if p.PlanID == "" {
		return &InvalidPlanError{Reason: "plan_id is required"}
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if s.StepID == "" {
			return &InvalidPlanError{PlanID: p.PlanID, Reason: fmt.Sprintf("steps[%d]: step_id is required", i)}
		}
		if _, dup := seen[s.StepID]; dup {
			return &InvalidPlanError{PlanID: p.PlanID, Reason: fmt.Sprintf("steps[%d]: duplicate step_id %q", i, s.StepID)}
		}
		seen[s.StepID] = struct{}{}
		if s.AgentID == "" {
			return &InvalidPlanError{PlanID: p.PlanID, Reason: fmt.Sprintf("step %s: agent_id is required", s.StepID)}
		}
		if s.Action == "" {
			return &InvalidPlanError{PlanID: p.PlanID, Reason: fmt.Sprintf("step %s: action is required", s.StepID)}
		}
		if s.Timeout() <= 0 {
			return &InvalidPlanError{PlanID: p.PlanID, Reason: fmt.Sprintf("step %s: timeout_seconds must be positive", s.StepID)}
		}
		if rp := s.RetryPolicy; rp != nil {
			if rp.MaxRetries < 0 {
				return &InvalidPlanError{PlanID: p.PlanID, Reason: fmt.Sprintf("step %s: max_retries must not be negative", s.StepID)}
			}
			if rp.BackoffSeconds < 0 {
				return &InvalidPlanError{PlanID: p.PlanID, Reason: fmt.Sprintf("step %s: backoff_seconds must not be negative", s.StepID)}
			}
		}
	}
	return nil
}
