package garage

import (
	"time"

	"github.com/djb258/garage-mcp/internal/model"
)

// Wire types shared with the runner. They are aliases so embedders can build
// plans and inspect HDOs without conversion.
type (
	Plan        = model.Plan
	Step        = model.Step
	When        = model.When
	RetryPolicy = model.RetryPolicy
	HDO         = model.HDO
	HDOMeta     = model.HDOMeta
	LogEntry    = model.LogEntry
	StepUpdate  = model.StepUpdate
	ErrorRecord = model.ErrorRecord
	CallContext = model.CallContext
)

// Altitudes a step may run at.
const (
	AltitudeOverall = model.AltitudeOverall
	AltitudeInput   = model.AltitudeInput
	AltitudeMiddle  = model.AltitudeMiddle
	AltitudeOutput  = model.AltitudeOutput
)

// AgentRequest is one delegated call handed to an Agent.
type AgentRequest struct {
	AgentID    string
	Action     string
	Parameters map[string]any
	// HDO is a snapshot. Agents describe changes through AgentResult.Update.
	HDO HDO
}

// AgentResult is what an Agent returns for a successful call.
type AgentResult struct {
	// Status is usually "completed".
	Status string
	// Fields are returned to the caller and summarised into the log entry.
	Fields map[string]any
	Update StepUpdate
}

// Event is an orchestration lifecycle notification.
type Event struct {
	Type        string // orchestration_started | orchestration_completed | orchestration_failed
	Timestamp   time.Time
	ExecutionID string
	ProcessID   string
	AgentID     string
	Action      string
	Data        map[string]any
}

// HDO stages.
const (
	StageInput  = model.StageInput
	StageMiddle = model.StageMiddle
	StageOutput = model.StageOutput
)

// NewProcessID builds a PROC-<slug>-<YYYYMMDD>-<HHMMSS>-<seq> process id.
func NewProcessID(slug string, t time.Time, seq int) (string, error) {
	return model.NewProcessID(slug, t, seq)
}

// IdempotencyKeyFor returns the idempotency key bound to processID.
func IdempotencyKeyFor(processID string) string {
	return model.IdempotencyKeyFor(processID)
}
