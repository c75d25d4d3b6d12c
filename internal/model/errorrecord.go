package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades an error record.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ErrorRecord is the durable record of an unrecoverable orchestration
// failure, stored in the master error log keyed by ErrorID.
type ErrorRecord struct {
	ErrorID     uuid.UUID      `json:"error_id"`
	OccurredAt  time.Time      `json:"occurred_at"`
	ProcessID   string         `json:"process_id"`
	BlueprintID string         `json:"blueprint_id"`
	PlanID      string         `json:"plan_id"`
	PlanVersion string         `json:"plan_version"`
	AgentID     string         `json:"agent_id"`
	Stage       string         `json:"stage"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	ErrorType   string         `json:"error_type"`
	Stacktrace  string         `json:"stacktrace"`
	HDOSnapshot map[string]any `json:"hdo_snapshot"`
	Context     map[string]any `json:"context"`
	Metadata    map[string]any `json:"metadata"`

	// Resolution fields are set by operators after the fact.
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      *string    `json:"resolved_by,omitempty"`
	ResolutionNotes *string    `json:"resolution_notes,omitempty"`
}

// ErrorRecordFilter narrows a list query. Zero values match everything.
type ErrorRecordFilter struct {
	ProcessID string
	AgentID   string
	Severity  Severity
	// Unresolved restricts results to records without a resolution.
	Unresolved bool
	Limit      int
}
