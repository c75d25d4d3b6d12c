package orchestra

import (
	"sort"
	"sync"
	"time"
)

// Execution describes one in-flight delegated invocation.
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

// TrackerStats summarises the in-flight executions.
type TrackerStats struct {
	ActiveCount     int        `json:"active_count"`
	ActiveAgents    []string   `json:"active_agents"`
	OldestExecution *Execution `json:"oldest_execution"`
}

// Tracker is a bounded concurrent map of in-flight executions keyed by
// execution id.
type Tracker struct {
	mu     sync.Mutex
	limit  int
	active map[string]Execution
}

// NewTracker creates a tracker admitting at most limit concurrent
// executions. A limit <= 0 means unbounded.
func NewTracker(limit int) *Tracker {
	return &Tracker{limit: limit, active: make(map[string]Execution)}
}

// Track registers an execution. It returns ErrTooManyActive at the limit.
func (t *Tracker) Track(e Execution) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit > 0 && len(t.active) >= t.limit {
		return ErrTooManyActive
	}
	t.active[e.ExecutionID] = e
	return nil
}

// Untrack removes an execution. Unknown ids are ignored.
func (t *Tracker) Untrack(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, executionID)
}

// Active returns the in-flight executions, oldest first.
func (t *Tracker) Active() []Execution {
	t.mu.Lock()
	out := make([]Execution, 0, len(t.active))
	for _, e := range t.active {
		out = append(out, e)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stats returns the active count, the distinct agents, and the oldest
// execution.
func (t *Tracker) Stats() TrackerStats {
	active := t.Active()
	st := TrackerStats{ActiveCount: len(active), ActiveAgents: []string{}}
	seen := make(map[string]struct{}, len(active))
	for _, e := range active {
		if _, ok := seen[e.AgentID]; ok {
			continue
		}
		seen[e.AgentID] = struct{}{}
		st.ActiveAgents = append(st.ActiveAgents, e.AgentID)
	}
	sort.Strings(st.ActiveAgents)
	if len(active) > 0 {
		oldest := active[0]
		st.OldestExecution = &oldest
	}
	return st
}
