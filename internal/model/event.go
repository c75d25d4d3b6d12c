package model

import "time"

// EventType is the lifecycle event category sent to the sidecar.
type EventType string

const (
	EventOrchestrationStarted   EventType = "orchestration_started"
	EventOrchestrationCompleted EventType = "orchestration_completed"
	EventOrchestrationFailed    EventType = "orchestration_failed"
)

// SidecarEvent is the envelope posted to the sidecar event sink for every
// delegated invocation.
type SidecarEvent struct {
	EventType   EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	ProcessID   string         `json:"process_id"`
	AgentID     string         `json:"agent_id"`
	Action      string         `json:"action"`
	Data        map[string]any `json:"data"`
}

// SidecarBatch is the request body for POST /sidecar/events.
type SidecarBatch struct {
	Events []SidecarEvent `json:"events"`
}

// SidecarStats summarises events held by a sidecar sink.
type SidecarStats struct {
	TotalEvents int               `json:"total_events"`
	ErrorCount  int               `json:"error_count"`
	EventTypes  map[EventType]int `json:"event_types"`
	Agents      map[string]int    `json:"agents"`
	LastEvent   *SidecarEvent     `json:"last_event"`
}
