package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// HDO stages.
const (
	StageInput   = "input"
	StageMiddle  = "middle"
	StageOutput  = "output"
	StageUnknown = "unknown"
)

// LogStatus is the outcome recorded by a log entry.
type LogStatus string

const (
	LogStarted   LogStatus = "started"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogSkipped   LogStatus = "skipped"
)

// HDO is the hierarchical data object: the mutable execution-state document
// threaded through every step of a run.
//
// The log is append-only. Use AppendLog to add entries and ApplyUpdate for
// step results; both keep TimestampLastTouched current.
type HDO struct {
	ProcessID            string         `json:"process_id"`
	BlueprintID          string         `json:"blueprint_id"`
	Stage                string         `json:"stage"`
	Validated            bool           `json:"validated"`
	PromotedTo           *string        `json:"promoted_to"`
	Payload              map[string]any `json:"payload"`
	Meta                 HDOMeta        `json:"meta"`
	Log                  []LogEntry     `json:"log"`
	TimestampLastTouched time.Time      `json:"timestamp_last_touched"`
}

// LogEntry is one immutable record in an HDO's execution log.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	AgentID    string         `json:"agent_id"`
	Action     string         `json:"action"`
	Status     LogStatus      `json:"status"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	ErrorID    *string        `json:"error_id,omitempty"`
	Details    map[string]any `json:"details"`
}

// StepID returns details.step_id, or "" for run-level entries.
func (e LogEntry) StepID() string {
	s, _ := e.Details["step_id"].(string)
	return s
}

// StepUpdate describes the mutations a step result applies to an HDO.
// Payload and Meta merge key by key; the pointer fields replace when non-nil.
type StepUpdate struct {
	Payload    map[string]any
	Meta       map[string]any
	Stage      *string
	Validated  *bool
	PromotedTo **string
}

// IsZero reports whether the update carries no mutations.
func (u StepUpdate) IsZero() bool {
	return len(u.Payload) == 0 && len(u.Meta) == 0 && u.Stage == nil && u.Validated == nil && u.PromotedTo == nil
}

// PromoteTo builds a StepUpdate.PromotedTo value. An empty stage clears the
// promotion.
func PromoteTo(stage string) **string {
	var p *string
	if stage != "" {
		p = &stage
	}
	return &p
}

// ApplyUpdate applies a step result to the HDO.
func (h *HDO) ApplyUpdate(u StepUpdate) {
	if u.IsZero() {
		return
	}
	if len(u.Payload) > 0 {
		if h.Payload == nil {
			h.Payload = make(map[string]any, len(u.Payload))
		}
		for k, v := range u.Payload {
			h.Payload[k] = cloneValue(v)
		}
	}
	if len(u.Meta) > 0 {
		h.Meta.Merge(u.Meta)
	}
	if u.Stage != nil {
		h.Stage = *u.Stage
	}
	if u.Validated != nil {
		h.Validated = *u.Validated
	}
	if u.PromotedTo != nil {
		if *u.PromotedTo == nil {
			h.PromotedTo = nil
		} else {
			s := **u.PromotedTo
			h.PromotedTo = &s
		}
	}
	h.touch(time.Now().UTC())
}

// AppendLog appends an entry to the execution log. It is the only way
// entries enter the log.
func (h *HDO) AppendLog(e LogEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Details = cloneMap(e.Details)
	h.Log = append(h.Log, e)
	h.touch(e.Timestamp)
}

// RecordError notes a failure in meta.error_context: error_count is
// incremented and last_error_id overwritten.
func (h *HDO) RecordError(errorID string) {
	if h.Meta.ErrorContext == nil {
		h.Meta.ErrorContext = NewErrorContext()
	}
	id := errorID
	h.Meta.ErrorContext.LastErrorID = &id
	h.Meta.ErrorContext.ErrorCount++
	h.touch(time.Now().UTC())
}

// touch advances TimestampLastTouched to t, never moving it backwards.
func (h *HDO) touch(t time.Time) {
	if now := time.Now().UTC(); now.After(t) {
		t = now
	}
	if t.After(h.TimestampLastTouched) {
		h.TimestampLastTouched = t
	}
}

// Clone returns a deep copy. Mutating the copy never affects the receiver.
func (h HDO) Clone() HDO {
	out := h
	if h.PromotedTo != nil {
		s := *h.PromotedTo
		out.PromotedTo = &s
	}
	out.Payload = cloneMap(h.Payload)
	out.Meta = h.Meta.Clone()
	if h.Log != nil {
		out.Log = make([]LogEntry, len(h.Log))
		for i, e := range h.Log {
			out.Log[i] = e.clone()
		}
	}
	return out
}

func (e LogEntry) clone() LogEntry {
	out := e
	if e.DurationMs != nil {
		d := *e.DurationMs
		out.DurationMs = &d
	}
	if e.ErrorID != nil {
		id := *e.ErrorID
		out.ErrorID = &id
	}
	out.Details = cloneMap(e.Details)
	return out
}

// ErrorContext accumulates failure bookkeeping in meta.error_context.
type ErrorContext struct {
	LastErrorID *string `json:"last_error_id"`
	ErrorCount  int     `json:"error_count"`
	RetryCount  int     `json:"retry_count"`
	MaxRetries  int     `json:"max_retries"`
}

// NewErrorContext returns the initial error context.
func NewErrorContext() *ErrorContext {
	return &ErrorContext{MaxRetries: 3}
}

// HDOMeta is the HDO's meta mapping. Well-known keys are typed; any other
// key round-trips through Extra.
type HDOMeta struct {
	PlanID         string
	PlanVersion    string
	PlanHash       string
	IdempotencyKey string
	AltitudeTrace  map[string]any
	ErrorContext   *ErrorContext
	Extra          map[string]any
}

const (
	metaPlanID         = "plan_id"
	metaPlanVersion    = "plan_version"
	metaPlanHash       = "plan_hash"
	metaIdempotencyKey = "idempotency_key"
	metaAltitudeTrace  = "altitude_trace"
	metaErrorContext   = "error_context"
)

// Lookup returns the value stored under key and whether it is present.
func (m HDOMeta) Lookup(key string) (any, bool) {
	switch key {
	case metaPlanID:
		return m.PlanID, m.PlanID != ""
	case metaPlanVersion:
		return m.PlanVersion, m.PlanVersion != ""
	case metaPlanHash:
		return m.PlanHash, m.PlanHash != ""
	case metaIdempotencyKey:
		return m.IdempotencyKey, m.IdempotencyKey != ""
	case metaAltitudeTrace:
		return m.AltitudeTrace, m.AltitudeTrace != nil
	case metaErrorContext:
		if m.ErrorContext == nil {
			return nil, false
		}
		ec := *m.ErrorContext
		return &ec, true
	}
	v, ok := m.Extra[key]
	return v, ok
}

// Merge sets every key of updates. Known keys with a value of the wrong
// type are kept in Extra rather than dropped.
func (m *HDOMeta) Merge(updates map[string]any) {
	for k, v := range updates {
		m.set(k, v)
	}
}

func (m *HDOMeta) set(key string, v any) {
	switch key {
	case metaPlanID, metaPlanVersion, metaPlanHash, metaIdempotencyKey:
		if s, ok := v.(string); ok {
			switch key {
			case metaPlanID:
				m.PlanID = s
			case metaPlanVersion:
				m.PlanVersion = s
			case metaPlanHash:
				m.PlanHash = s
			default:
				m.IdempotencyKey = s
			}
			return
		}
	case metaAltitudeTrace:
		if trace, ok := v.(map[string]any); ok {
			if m.AltitudeTrace == nil {
				m.AltitudeTrace = make(map[string]any, len(trace))
			}
			for k, tv := range trace {
				m.AltitudeTrace[k] = cloneValue(tv)
			}
			return
		}
	case metaErrorContext:
		if ec, err := toErrorContext(v); err == nil {
			m.ErrorContext = ec
			return
		}
	}
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[key] = cloneValue(v)
}

func toErrorContext(v any) (*ErrorContext, error) {
	switch ec := v.(type) {
	case *ErrorContext:
		if ec == nil {
			return nil, nil
		}
		c := *ec
		return &c, nil
	case ErrorContext:
		return &ec, nil
	case nil:
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var ec ErrorContext
	if err := json.Unmarshal(raw, &ec); err != nil {
		return nil, err
	}
	return &ec, nil
}

// Clone returns a deep copy of the meta mapping.
func (m HDOMeta) Clone() HDOMeta {
	out := m
	out.AltitudeTrace = cloneMap(m.AltitudeTrace)
	out.Extra = cloneMap(m.Extra)
	if m.ErrorContext != nil {
		ec := *m.ErrorContext
		if ec.LastErrorID != nil {
			id := *ec.LastErrorID
			ec.LastErrorID = &id
		}
		out.ErrorContext = &ec
	}
	return out
}

// MarshalJSON flattens Extra alongside the well-known keys.
func (m HDOMeta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+6)
	for k, v := range m.Extra {
		out[k] = v
	}
	for _, key := range []string{metaPlanID, metaPlanVersion, metaPlanHash, metaIdempotencyKey, metaAltitudeTrace, metaErrorContext} {
		if v, ok := m.Lookup(key); ok {
			out[key] = v
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits known keys into typed fields and keeps the rest.
func (m *HDOMeta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("model: decode hdo meta: %w", err)
	}
	*m = HDOMeta{}
	for k, rv := range raw {
		switch k {
		case metaErrorContext:
			if string(rv) == "null" {
				continue
			}
			var ec ErrorContext
			if err := json.Unmarshal(rv, &ec); err != nil {
				return fmt.Errorf("model: decode meta.error_context: %w", err)
			}
			m.ErrorContext = &ec
		default:
			var v any
			if err := json.Unmarshal(rv, &v); err != nil {
				return fmt.Errorf("model: decode meta.%s: %w", k, err)
			}
			m.set(k, v)
		}
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = cloneMap(e)
		}
		return out
	default:
		return v
	}
}
