package model

import "time"

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeOrchestrationFailed = "ORCHESTRATION_FAILED"
	ErrCodeAgentFailed         = "AGENT_FAILED"
	ErrCodeUnavailable         = "SERVICE_UNAVAILABLE"
	ErrCodeTooManyActive       = "TOO_MANY_ACTIVE"
	ErrCodeRateLimited         = "RATE_LIMITED"
)

// CallContext is caller-supplied correlation data that flows into error
// records (MCP session and tool, current operation).
type CallContext struct {
	MCPSessionID     string `json:"mcp_session_id,omitempty"`
	MCPToolName      string `json:"mcp_tool_name,omitempty"`
	CurrentOperation string `json:"current_operation,omitempty"`
}

// RunPlanRequest is the request body for POST /v1/orchestra/run.
type RunPlanRequest struct {
	Plan        Plan         `json:"plan"`
	HDO         HDO          `json:"hdo"`
	CallContext *CallContext `json:"call_context,omitempty"`
}

// InvokeRequest is the request body for POST /v1/orchestra/invoke.
type InvokeRequest struct {
	AgentID        string         `json:"agent_id"`
	Action         string         `json:"action"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	StepID         string         `json:"step_id,omitempty"`
	Altitude       *int           `json:"altitude,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	ProcessID      string         `json:"process_id"`
	HDO            *HDO           `json:"hdo,omitempty"`
}

// InvokeResponse is the result of a single delegated invocation.
type InvokeResponse struct {
	AgentID string         `json:"agent_id"`
	Action  string         `json:"action"`
	Status  string         `json:"status"`
	Result  map[string]any `json:"result"`
}

// ResolveErrorRequest is the request body for POST /v1/errors/{error_id}/resolve.
type ResolveErrorRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes,omitempty"`
}

// OrchestrationFailureDetails is carried in the details of an
// ORCHESTRATION_FAILED error response.
type OrchestrationFailureDetails struct {
	PlanID  string `json:"plan_id"`
	ErrorID string `json:"error_id"`
	HDO     *HDO   `json:"hdo,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Storage        string `json:"storage"`
	StorageBackend string `json:"storage_backend"`
	EmitterDepth   int    `json:"emitter_depth"`
	EmitterDropped int64  `json:"emitter_dropped"`
	EmitterStatus  string `json:"emitter_status"`
	ActiveCount    int    `json:"active_count"`
	SSEBroker      string `json:"sse_broker,omitempty"`
	Uptime         int64  `json:"uptime_seconds"`
}
