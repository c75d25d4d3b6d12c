package delegate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/djb258/garage-mcp/internal/model"
)

// Simulated latencies per category, before scaling.
const (
	orchestratorLatency = 100 * time.Millisecond
	mapperLatency       = 500 * time.Millisecond
	validatorLatency    = 300 * time.Millisecond
	dbLatency           = 800 * time.Millisecond
	enforcerLatency     = 400 * time.Millisecond
	notifierLatency     = 200 * time.Millisecond
	reporterLatency     = 300 * time.Millisecond
	genericLatency      = 200 * time.Millisecond
)

// ParameterError reports a parameter value a behaviour cannot act on.
type ParameterError struct {
	AgentID string
	Name    string
	Value   any
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("agent %s: unsupported %s %v", e.AgentID, e.Name, e.Value)
}

// Expected marks the error as a caller mistake.
func (e *ParameterError) Expected() bool { return true }

// Simulated returns one simulated behaviour per category.
func Simulated(latencyScale float64) []Behavior {
	scale := func(d time.Duration) time.Duration {
		return time.Duration(float64(d) * latencyScale)
	}
	return []Behavior{
		Orchestrator{Latency: scale(orchestratorLatency)},
		Mapper{Latency: scale(mapperLatency)},
		Validator{Latency: scale(validatorLatency)},
		DB{Latency: scale(dbLatency)},
		Enforcer{Latency: scale(enforcerLatency)},
		Notifier{Latency: scale(notifierLatency)},
		Reporter{Latency: scale(reporterLatency)},
		Generic{Latency: scale(genericLatency)},
	}
}

// pause stands in for real work. It returns early with ctx's error when the
// step's budget runs out.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func param[T any](params map[string]any, key string, def T) T {
	if v, ok := params[key].(T); ok {
		return v
	}
	return def
}

func stringList(v any, def []string) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		return []string{t}
	}
	return def
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func ptrTo[T any](v T) *T { return &v }

// TargetStage derives the stage an orchestrator moves the HDO into from its
// agent id, defaulting to input.
func TargetStage(agentID string) string {
	id := strings.ToLower(agentID)
	switch {
	case strings.Contains(id, model.StageInput):
		return model.StageInput
	case strings.Contains(id, model.StageMiddle):
		return model.StageMiddle
	case strings.Contains(id, model.StageOutput):
		return model.StageOutput
	default:
		return model.StageInput
	}
}

// Orchestrator coordinates sub-agents. It never does IO; it moves the HDO to
// its altitude's stage and resets validation.
type Orchestrator struct{ Latency time.Duration }

func (Orchestrator) Category() Category { return CategoryOrchestrator }

func (o Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	if err := pause(ctx, o.Latency); err != nil {
		return Result{}, err
	}
	return Result{
		Status: "delegated",
		Fields: map[string]any{
			"action_taken":    fmt.Sprintf("Orchestrator %s coordinated %s", req.AgentID, req.Action),
			"delegation_plan": param(req.Parameters, "subflow", "default_subflow"),
		},
		Update: model.StepUpdate{
			Stage:     ptrTo(TargetStage(req.AgentID)),
			Validated: ptrTo(false),
		},
	}, nil
}

// Mapper normalises client data into payload.mapped_data.
type Mapper struct{ Latency time.Duration }

func (Mapper) Category() Category { return CategoryMapper }

func (m Mapper) Execute(ctx context.Context, req Request) (Result, error) {
	if err := pause(ctx, m.Latency); err != nil {
		return Result{}, err
	}
	schema := param(req.Parameters, "mapping_schema", "default")
	return Result{
		Status: "completed",
		Fields: map[string]any{
			"action_taken":          "Mapped client data using schema " + schema,
			"mapped_records":        42,
			"normalization_applied": true,
		},
		Update: model.StepUpdate{Payload: map[string]any{
			"mapped_data": "normalized_data_from_" + schema,
			"mapping_metadata": map[string]any{
				"schema_version":    "1.0.0",
				"records_processed": 42,
			},
		}},
	}, nil
}

// Validator checks payload data against a schema and sets validated.
type Validator struct{ Latency time.Duration }

func (Validator) Category() Category { return CategoryValidator }

func (v Validator) Execute(ctx context.Context, req Request) (Result, error) {
	if err := pause(ctx, v.Latency); err != nil {
		return Result{}, err
	}
	schema := param(req.Parameters, "validation_schema", "default")
	heir := param(req.Parameters, "heir_compliance", true)
	passed := true
	return Result{
		Status: "completed",
		Fields: map[string]any{
			"action_taken":      "Validated data against schema " + schema,
			"validation_passed": passed,
			"heir_compliant":    heir,
			"issues_found":      0,
		},
		Update: model.StepUpdate{
			Validated: ptrTo(passed),
			Payload: map[string]any{"validation_results": map[string]any{
				"schema":         schema,
				"passed":         passed,
				"heir_compliant": heir,
			}},
		},
	}, nil
}

// DB plans or applies database changes depending on the mode parameter.
type DB struct{ Latency time.Duration }

func (DB) Category() Category { return CategoryDB }

func (d DB) Execute(ctx context.Context, req Request) (Result, error) {
	mode := param(req.Parameters, "mode", "plan")
	if mode != "plan" && mode != "apply" {
		return Result{}, &ParameterError{AgentID: req.AgentID, Name: "mode", Value: mode}
	}
	if err := pause(ctx, d.Latency); err != nil {
		return Result{}, err
	}
	if mode == "plan" {
		return Result{
			Status: "completed",
			Fields: map[string]any{
				"action_taken":        "Created database execution plan",
				"plan_created":        true,
				"dry_run_successful":  true,
				"rollback_plan_ready": true,
				"estimated_changes":   3,
			},
			Update: model.StepUpdate{Payload: map[string]any{"db_plan": map[string]any{
				"mode":         "plan",
				"changes":      []any{"INSERT client_record", "UPDATE status", "LOG transaction"},
				"rollback_sql": "DELETE FROM clients WHERE id = ?",
			}}},
		}, nil
	}
	return Result{
		Status: "completed",
		Fields: map[string]any{
			"action_taken":          "Applied planned database changes",
			"transaction_committed": true,
			"records_affected":      3,
		},
		Update: model.StepUpdate{Payload: map[string]any{"db_result": map[string]any{
			"mode":           "apply",
			"transaction_id": "txn_12345",
			"committed_at":   nowUTC(),
		}}},
	}, nil
}

// Enforcer evaluates business rules and decides promotion. The decision
// defaults to true and can be forced with the "promote" parameter.
type Enforcer struct{ Latency time.Duration }

func (Enforcer) Category() Category { return CategoryEnforcer }

func (e Enforcer) Execute(ctx context.Context, req Request) (Result, error) {
	if err := pause(ctx, e.Latency); err != nil {
		return Result{}, err
	}
	engine := param(req.Parameters, "rules_engine", "default")
	decision := param(req.Parameters, "promote", true)
	promoted := ""
	if decision {
		promoted = model.StageOutput
	}
	return Result{
		Status: "completed",
		Fields: map[string]any{
			"action_taken":       "Applied business rules using " + engine,
			"rules_evaluated":    5,
			"violations_found":   0,
			"promotion_decision": decision,
		},
		Update: model.StepUpdate{
			PromotedTo: model.PromoteTo(promoted),
			Payload: map[string]any{"enforcement_result": map[string]any{
				"rules_engine":       engine,
				"promotion_approved": decision,
				"evaluated_rules":    []any{"client_eligibility", "data_quality", "business_hours"},
			}},
		},
	}, nil
}

// Notifier sends notifications over the requested channels.
type Notifier struct{ Latency time.Duration }

func (Notifier) Category() Category { return CategoryNotifier }

func (n Notifier) Execute(ctx context.Context, req Request) (Result, error) {
	if err := pause(ctx, n.Latency); err != nil {
		return Result{}, err
	}
	kind := param(req.Parameters, "notification_type", "generic")
	channels := stringList(req.Parameters["channels"], []string{"email"})
	return Result{
		Status: "completed",
		Fields: map[string]any{
			"action_taken":       fmt.Sprintf("Sent %s notifications", kind),
			"notifications_sent": len(channels),
			"channels_used":      channels,
		},
		Update: model.StepUpdate{Payload: map[string]any{"notifications": map[string]any{
			"type":     kind,
			"channels": channels,
			"sent_at":  nowUTC(),
		}}},
	}, nil
}

// Reporter renders a report artifact.
type Reporter struct{ Latency time.Duration }

func (Reporter) Category() Category { return CategoryReporter }

func (r Reporter) Execute(ctx context.Context, req Request) (Result, error) {
	if err := pause(ctx, r.Latency); err != nil {
		return Result{}, err
	}
	template := param(req.Parameters, "report_template", "default")
	dir := param(req.Parameters, "artifact_path", "reports/")
	commit := param(req.Parameters, "git_commit", false)
	path := dir + "report_" + time.Now().Format("20060102_150405") + ".json"
	return Result{
		Status: "completed",
		Fields: map[string]any{
			"action_taken":     "Generated report using " + template,
			"report_generated": true,
			"artifact_path":    path,
			"git_committed":    commit,
		},
		Update: model.StepUpdate{Payload: map[string]any{"report": map[string]any{
			"template":     template,
			"path":         path,
			"generated_at": nowUTC(),
		}}},
	}, nil
}

// Generic handles agent ids that match no category.
type Generic struct{ Latency time.Duration }

func (Generic) Category() Category { return CategoryGeneric }

func (g Generic) Execute(ctx context.Context, req Request) (Result, error) {
	if err := pause(ctx, g.Latency); err != nil {
		return Result{}, err
	}
	return Result{
		Status: "completed",
		Fields: map[string]any{
			"action_taken":        fmt.Sprintf("Agent %s performed %s", req.AgentID, req.Action),
			"parameters_received": req.Parameters,
		},
		Update: model.StepUpdate{Payload: map[string]any{"generic_result": map[string]any{
			"agent_id":     req.AgentID,
			"action":       req.Action,
			"completed_at": nowUTC(),
		}}},
	}, nil
}
