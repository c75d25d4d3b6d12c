package mcp

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/djb258/garage-mcp/internal/model"
)

const maxCompactMessage = 200

// compactRecord returns a minimal representation of an error record for MCP
// list responses. Drops the stack trace, HDO snapshot, and metadata; fetch the
// record by id for those.
func compactRecord(rec model.ErrorRecord) map[string]any {
	m := map[string]any{
		"error_id":    rec.ErrorID,
		"occurred_at": rec.OccurredAt,
		"process_id":  rec.ProcessID,
		"plan_id":     rec.PlanID,
		"agent_id":    rec.AgentID,
		"stage":       rec.Stage,
		"severity":    rec.Severity,
		"error_type":  rec.ErrorType,
		"message":     truncate(rec.Message, maxCompactMessage),
	}
	if step, ok := rec.Context["current_step"].(map[string]any); ok {
		if id, ok := step["step_id"].(string); ok && id != "" {
			m["step_id"] = id
		}
	}
	if rec.ResolvedAt != nil {
		m["resolved_at"] = rec.ResolvedAt
	}
	if note := triageNote(rec); note != "" {
		m["triage_note"] = note
	}
	return m
}

// triageNote produces a short human-readable hint for a record. Rules are
// evaluated in priority order; first match wins.
func triageNote(rec model.ErrorRecord) string {
	retries, _ := rec.Context["retry_count"].(float64)
	if n, ok := rec.Context["retry_count"].(int); ok {
		retries = float64(n)
	}

	switch {
	case rec.ResolvedAt != nil:
		return "Resolved."
	case rec.Severity == model.SeverityCritical:
		return "Critical: the failure touched data integrity or security. Inspect the HDO snapshot before retrying."
	case rec.ErrorType == "TimeoutError" && retries > 0:
		return fmt.Sprintf("Timed out after %d retries. Consider raising timeout_seconds.", int(retries))
	case rec.ErrorType == "TimeoutError":
		return "Timed out. A retry_policy with retry_on [\"timeout\"] may absorb this."
	case rec.Severity == model.SeverityMedium:
		return "Caller error: fix the plan or parameters; retrying unchanged will fail again."
	}
	return ""
}

// truncate shortens s to at most n bytes on a rune boundary, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], " ") + "..."
}
