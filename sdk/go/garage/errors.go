// Package garage is a Go client for the garage orchestration API.
package garage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the garage API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Details    json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("garage: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// RunFailure is the detail payload of an ORCHESTRATION_FAILED response.
type RunFailure struct {
	PlanID  string `json:"plan_id"`
	ErrorID string `json:"error_id"`
	HDO     *HDO   `json:"hdo,omitempty"`
}

// AgentFailure is the detail payload of an AGENT_FAILED response.
type AgentFailure struct {
	AgentID string `json:"agent_id"`
	ErrorID string `json:"error_id"`
}

// AsRunFailure extracts the failed run's error id and partial HDO.
func AsRunFailure(err error) (*RunFailure, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeOrchestrationFailed || len(e.Details) == 0 {
		return nil, false
	}
	var f RunFailure
	if json.Unmarshal(e.Details, &f) != nil {
		return nil, false
	}
	return &f, true
}

// AsAgentFailure extracts the failed invocation's agent and error id.
func AsAgentFailure(err error) (*AgentFailure, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeAgentFailed || len(e.Details) == 0 {
		return nil, false
	}
	var f AgentFailure
	if json.Unmarshal(e.Details, &f) != nil {
		return nil, false
	}
	return &f, true
}

func hasStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == status
}

// IsNotFound reports a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports a 409, e.g. resolving an already resolved record.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsInvalidInput reports a 400.
func IsInvalidInput(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// IsRetryable reports a 429 (rate limited or too many active invocations)
// or a 503.
func IsRetryable(err error) bool {
	return hasStatus(err, http.StatusTooManyRequests) || hasStatus(err, http.StatusServiceUnavailable)
}
