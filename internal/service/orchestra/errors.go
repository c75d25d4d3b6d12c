package orchestra

import (
	"errors"
	"fmt"

	"github.com/djb258/garage-mcp/internal/model"
)

// ErrTooManyActive is returned when the tracker is at its limit.
var ErrTooManyActive = errors.New("orchestra: too many active executions")

// ArgumentError reports a missing or unusable invocation argument.
type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Reason == "" {
		return e.Field + " is required"
	}
	return e.Field + ": " + e.Reason
}

// Expected marks the error as a caller mistake.
func (e *ArgumentError) Expected() bool { return true }

// TimeoutError is returned when a delegate overruns its step budget.
type TimeoutError struct {
	Seconds int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %ds", e.Seconds)
}

// PanicError is a delegate that panicked instead of returning.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("agent panicked: %v", e.Value) }

// StepDelegationFailure wraps an error raised by a delegate during one step
// attempt. Its message is the delegate's message.
type StepDelegationFailure struct {
	AgentID string
	Action  string
	StepID  string
	Err     error
}

func (e *StepDelegationFailure) Error() string { return e.Err.Error() }

func (e *StepDelegationFailure) Unwrap() error { return e.Err }

// OrchestrationFailure is the single error a failed run returns. Its message
// carries only the plan id and the error record id; the record holds the
// diagnostics.
type OrchestrationFailure struct {
	PlanID  string
	ErrorID string
	// HDO is the partial state at the time of failure.
	HDO model.HDO
	Err error
}

func (e *OrchestrationFailure) Error() string {
	return fmt.Sprintf("orchestration plan %s failed; error_id=%s", e.PlanID, e.ErrorID)
}

func (e *OrchestrationFailure) Unwrap() error { return e.Err }

// Cause returns the delegate error that ended the run.
func (e *OrchestrationFailure) Cause() error { return cause(e.Err) }

// AgentFailure is returned by a standalone invocation whose delegate failed.
type AgentFailure struct {
	AgentID string
	ErrorID string
	Err     error
}

func (e *AgentFailure) Error() string {
	return fmt.Sprintf("agent %s failed; error_id=%s", e.AgentID, e.ErrorID)
}

func (e *AgentFailure) Unwrap() error { return e.Err }

// cause strips a StepDelegationFailure so records name the delegate's error.
func cause(err error) error {
	var sdf *StepDelegationFailure
	if errors.As(err, &sdf) {
		return sdf.Err
	}
	return err
}
