package garage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Error codes returned by the API.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeNotFound            = "NOT_FOUND"
	CodeOrchestrationFailed = "ORCHESTRATION_FAILED"
	CodeAgentFailed         = "AGENT_FAILED"
	CodeTooManyActive       = "TOO_MANY_ACTIVE"
	CodeRateLimited         = "RATE_LIMITED"
)

// Altitudes.
const (
	AltitudeOverall = 30000
	AltitudeInput   = 20000
	AltitudeMiddle  = 10000
	AltitudeOutput  = 5000
)

// Plan is an altitude plan: ordered steps run against one HDO.
type Plan struct {
	PlanID  string `json:"plan_id"`
	Version string `json:"version"`
	Steps   []Step `json:"steps"`
}

// Step is one delegated call within a plan.
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

// When gates a step on earlier steps or an expression.
type When struct {
	Condition  string   `json:"condition,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// RetryPolicy bounds retries of a failed step.
type RetryPolicy struct {
	MaxRetries     int      `json:"max_retries"`
	RetryOn        []string `json:"retry_on,omitempty"`
	BackoffSeconds float64  `json:"backoff_seconds"`
}

// HDO is the hierarchical data object a plan operates on. Meta is kept
// as a plain mapping; the server owns its well-known keys.
type HDO struct {
	ProcessID            string         `json:"process_id"`
	BlueprintID          string         `json:"blueprint_id"`
	Stage                string         `json:"stage"`
	Validated            bool           `json:"validated"`
	PromotedTo           *string        `json:"promoted_to"`
	Payload              map[string]any `json:"payload"`
	Meta                 map[string]any `json:"meta"`
	Log                  []LogEntry     `json:"log"`
	TimestampLastTouched time.Time      `json:"timestamp_last_touched,omitzero"`
}

// LogEntry is one line of an HDO's execution log.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	AgentID    string         `json:"agent_id"`
	Action     string         `json:"action"`
	Status     string         `json:"status"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	ErrorID    *string        `json:"error_id,omitempty"`
	Details    map[string]any `json:"details"`
}

// CallContext is correlation data copied into error records.
type CallContext struct {
	MCPSessionID     string `json:"mcp_session_id,omitempty"`
	MCPToolName      string `json:"mcp_tool_name,omitempty"`
	CurrentOperation string `json:"current_operation,omitempty"`
}

type runPlanRequest struct {
	Plan        Plan         `json:"plan"`
	HDO         HDO          `json:"hdo"`
	CallContext *CallContext `json:"call_context,omitempty"`
}

// InvokeRequest is a single standalone delegated call.
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

// InvokeResponse is the outcome of a successful invocation.
type InvokeResponse struct {
	AgentID string         `json:"agent_id"`
	Action  string         `json:"action"`
	Status  string         `json:"status"`
	Result  map[string]any `json:"result"`
}

// Execution is one in-flight invocation.
type Execution struct {
	ExecutionID    string    `json:"execution_id"`
	ProcessID      string    `json:"process_id"`
	AgentID        string    `json:"agent_id"`
	Action         string    `json:"action"`
	StepID         string    `json:"step_id,omitempty"`
	Altitude       *int      `json:"altitude,omitempty"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	StartedAt      time.Time `json:"started_at"`
}

// ActiveStats summarizes in-flight invocations.
type ActiveStats struct {
	ActiveCount     int        `json:"active_count"`
	ActiveAgents    []string   `json:"active_agents"`
	OldestExecution *Execution `json:"oldest_execution"`
}

// ActiveResponse is returned by Active.
type ActiveResponse struct {
	Active []Execution `json:"active"`
	Stats  ActiveStats `json:"stats"`
}

// ErrorRecord is one row of the master error log.
type ErrorRecord struct {
	ErrorID         uuid.UUID      `json:"error_id"`
	OccurredAt      time.Time      `json:"occurred_at"`
	ProcessID       string         `json:"process_id"`
	BlueprintID     string         `json:"blueprint_id"`
	PlanID          string         `json:"plan_id"`
	PlanVersion     string         `json:"plan_version"`
	AgentID         string         `json:"agent_id"`
	Stage           string         `json:"stage"`
	Severity        string         `json:"severity"`
	Message         string         `json:"message"`
	ErrorType       string         `json:"error_type"`
	Stacktrace      string         `json:"stacktrace"`
	HDOSnapshot     map[string]any `json:"hdo_snapshot"`
	Context         map[string]any `json:"context"`
	Metadata        map[string]any `json:"metadata"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      *string        `json:"resolved_by,omitempty"`
	ResolutionNotes *string        `json:"resolution_notes,omitempty"`
}

// ErrorFilters narrow ListErrors. Zero values are omitted.
type ErrorFilters struct {
	ProcessID  string
	AgentID    string
	Severity   string
	Unresolved bool
	Limit      int
}

// ErrorList is returned by ListErrors.
type ErrorList struct {
	Errors []ErrorRecord `json:"errors"`
	Total  int           `json:"total"`
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes,omitempty"`
}

// Agent is a registered agent and the category its id routes to.
type Agent struct {
	AgentID  string `json:"agent_id"`
	Category string `json:"category"`
}

// Route maps an agent id keyword to a category.
type Route struct {
	Keyword  string `json:"keyword"`
	Category string `json:"category"`
}

// Info describes the server.
type Info struct {
	Service        string   `json:"service"`
	Version        string   `json:"version"`
	ActiveBay      string   `json:"active_bay,omitempty"`
	StorageBackend string   `json:"storage_backend"`
	Routes         []Route  `json:"routes"`
	Agents         []string `json:"agents"`
}

// Health is returned by the health endpoint.
type Health struct {
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

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}
