// Package errorsink builds the structured error records written to the
// master error log when an orchestration fails.
//
// Build is pure: it performs no I/O. Persisting the record is the caller's job.
package errorsink

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djb258/garage-mcp/internal/model"
)

// RunnerVersion is stamped into every record's metadata.
const RunnerVersion = "1.0.0"

// snapshotLogTail bounds how many log entries a snapshot keeps.
const snapshotLogTail = 10

var (
	criticalKeywords = []string{"database connection", "authentication failed", "permission denied", "out of memory", "disk full"}
	highKeywords     = []string{"timeout", "network error", "service unavailable", "invalid data", "validation failed"}

	snapshotFields   = []string{"process_id", "blueprint_id", "stage", "validated", "promoted_to", "timestamp_last_touched"}
	snapshotMetaKeys = []string{"plan_id", "plan_version", "plan_hash", "idempotency_key", "error_context"}
)

// StepContext describes the step executing when the failure happened.
type StepContext struct {
	StepID         string
	AgentID        string
	Action         string
	Altitude       *int
	TimeoutSeconds int
}

// Context carries execution metadata into a record.
type Context struct {
	Call           model.CallContext
	CurrentAgentID string
	CurrentStep    *StepContext
	// RetryCount is nil when retry bookkeeping does not apply.
	RetryCount    *int
	MaxRetries    int
	StepStartedAt time.Time
}

// Build produces an error record for err from the HDO state at the time of
// failure.
func Build(hdo model.HDO, ctx Context, err error) model.ErrorRecord {
	now := time.Now().UTC()

	agentID := orUnknown(ctx.CurrentAgentID)
	stage := orUnknown(hdo.Stage)
	if step := ctx.CurrentStep; step != nil {
		if step.AgentID != "" {
			agentID = step.AgentID
		}
		stage = model.StageUnknown
		if step.Altitude != nil {
			stage = model.AltitudeStage(*step.Altitude)
		}
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}

	return model.ErrorRecord{
		ErrorID:     uuid.New(),
		OccurredAt:  now,
		ProcessID:   orUnknown(hdo.ProcessID),
		BlueprintID: orUnknown(hdo.BlueprintID),
		PlanID:      orUnknown(hdo.Meta.PlanID),
		PlanVersion: orUnknown(hdo.Meta.PlanVersion),
		AgentID:     agentID,
		Stage:       stage,
		Severity:    Classify(err),
		Message:     msg,
		ErrorType:   TypeName(err),
		Stacktrace:  Stacktrace(err),
		HDOSnapshot: Snapshot(hdo),
		Context:     contextMap(ctx, now),
		Metadata: map[string]any{
			"go_version":                   runtime.Version(),
			"orchestration_runner_version": RunnerVersion,
			"heir_compliant":               true,
		},
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Classify grades an error. Keyword matches on the message win over error
// categories; anything unrecognised is high.
func Classify(err error) model.Severity {
	if err == nil {
		return model.SeverityHigh
	}
	msg := strings.ToLower(err.Error())
	for _, k := range criticalKeywords {
		if strings.Contains(msg, k) {
			return model.SeverityCritical
		}
	}
	for _, k := range highKeywords {
		if strings.Contains(msg, k) {
			return model.SeverityHigh
		}
	}
	var expected interface{ Expected() bool }
	if errors.As(err, &expected) && expected.Expected() {
		return model.SeverityMedium
	}
	var warning interface{ Warning() bool }
	if errors.As(err, &warning) && warning.Warning() {
		return model.SeverityLow
	}
	return model.SeverityHigh
}

// TypeName returns the unqualified type name of err, looking through
// fmt.Errorf wrapping. Plain errors.New values report as "Error".
func TypeName(err error) string {
	if err == nil {
		return "Error"
	}
	for {
		t := reflect.TypeOf(err)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.PkgPath() == "fmt" && strings.HasPrefix(t.Name(), "wrapError") {
			if inner := errors.Unwrap(err); inner != nil {
				err = inner
				continue
			}
		}
		if t.PkgPath() == "errors" && t.Name() == "errorString" {
			return "Error"
		}
		if t.Name() == "" {
			return "Error"
		}
		return t.Name()
	}
}

// Stacktrace renders the wrap chain of err followed by the goroutine stack
// at the time of the call.
func Stacktrace(err error) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		if depth > 0 {
			b.WriteString("\ncaused by: ")
		}
		fmt.Fprintf(&b, "%s: %s", TypeName(err), err.Error())
		err = errors.Unwrap(err)
	}
	b.WriteString("\n\n")
	b.Write(debug.Stack())
	return b.String()
}

// Snapshot copies the allow-listed parts of an HDO. Payload values never
// leave the HDO; only their keys and encoded size do.
func Snapshot(hdo model.HDO) map[string]any {
	full := map[string]any{
		"process_id":             hdo.ProcessID,
		"blueprint_id":           hdo.BlueprintID,
		"stage":                  hdo.Stage,
		"validated":              hdo.Validated,
		"promoted_to":            hdo.PromotedTo,
		"timestamp_last_touched": hdo.TimestampLastTouched,
	}
	snap := make(map[string]any, len(snapshotFields)+3)
	for _, k := range snapshotFields {
		snap[k] = full[k]
	}

	meta := make(map[string]any, len(snapshotMetaKeys))
	for _, k := range snapshotMetaKeys {
		if v, ok := hdo.Meta.Lookup(k); ok {
			meta[k] = v
		}
	}
	snap["meta"] = meta

	tail := hdo.Log
	if len(tail) > snapshotLogTail {
		tail = tail[len(tail)-snapshotLogTail:]
	}
	snap["log"] = tail

	keys := make([]string, 0, len(hdo.Payload))
	for k := range hdo.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	size := 0
	if raw, err := json.Marshal(hdo.Payload); err == nil {
		size = len(raw)
	}
	snap["payload_summary"] = map[string]any{"keys": keys, "size": size}

	return normalize(snap)
}

func contextMap(ctx Context, now time.Time) map[string]any {
	out := make(map[string]any, 6)
	if ctx.Call.MCPSessionID != "" {
		out["mcp_session_id"] = ctx.Call.MCPSessionID
	}
	if ctx.Call.MCPToolName != "" {
		out["mcp_tool_name"] = ctx.Call.MCPToolName
	}
	if s := ctx.CurrentStep; s != nil {
		step := map[string]any{
			"step_id":         s.StepID,
			"agent_id":        s.AgentID,
			"action":          s.Action,
			"altitude":        nil,
			"timeout_seconds": s.TimeoutSeconds,
		}
		if s.Altitude != nil {
			step["altitude"] = *s.Altitude
		}
		out["current_step"] = step
	}
	operation := ctx.Call.CurrentOperation
	if operation == "" {
		operation = "unknown"
	}
	out["execution_environment"] = map[string]any{
		"timestamp":             now.Format(time.RFC3339Nano),
		"error_occurred_during": operation,
	}
	if ctx.RetryCount != nil {
		out["retry_count"] = *ctx.RetryCount
		out["max_retries"] = ctx.MaxRetries
	}
	if !ctx.StepStartedAt.IsZero() {
		secs := now.Sub(ctx.StepStartedAt).Seconds()
		out["step_duration_seconds"] = math.Round(secs*1000) / 1000
	}
	return normalize(out)
}

// normalize converts typed values to their JSON shape so an in-memory record
// matches one read back from storage.
func normalize(m map[string]any) map[string]any {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}
