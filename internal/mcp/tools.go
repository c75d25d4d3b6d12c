package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/service/orchestra"
)

// Tool names.
const (
	toolRunPlan = "orchestra_run_plan"
	toolInvoke  = "orchestra_invoke"
	toolActive  = "orchestra_active"
	toolErrors  = "orchestra_errors"
)

func (s *Server) registerTools() {
	// orchestra_run_plan: execute a full altitude plan against an HDO.
	s.mcpServer.AddTool(
		mcplib.NewTool(toolRunPlan,
			mcplib.WithDescription(`Run an altitude plan: execute its steps in order, delegating each to an agent,
and return the final HDO with its execution log.

Steps may carry a when clause (always, on_success, on_failure, conditional)
and a retry_policy. A step that exhausts its retries fails the whole run; the
failure message names the plan and the error_id of the durable error record.

EXAMPLE plan:
{"plan_id": "intake", "version": "1.0.0", "steps": [
  {"step_id": "s1", "agent_id": "input-mapper", "action": "map", "altitude": 20000},
  {"step_id": "s2", "agent_id": "input-validator", "action": "validate", "altitude": 20000}
]}`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithObject("plan",
				mcplib.Description("The plan: plan_id, version, and an ordered steps array"),
				mcplib.Required(),
			),
			mcplib.WithObject("hdo",
				mcplib.Description("The HDO to thread through the run. process_id must look like PROC-<slug>-<yyyymmdd>-<hhmmss>-<seq>."),
				mcplib.Required(),
			),
		),
		s.handleRunPlan,
	)

	// orchestra_invoke: delegate one action to one agent.
	s.mcpServer.AddTool(
		mcplib.NewTool(toolInvoke,
			mcplib.WithDescription(`Invoke a single agent action outside a plan and return its result.

A failure is written to the error log and reported with its error_id.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("agent_id", mcplib.Description("Agent to delegate to, e.g. input-mapper or middle-db-agent"), mcplib.Required()),
			mcplib.WithString("action", mcplib.Description("Action name passed to the agent"), mcplib.Required()),
			mcplib.WithString("process_id", mcplib.Description("Process id the invocation belongs to"), mcplib.Required()),
			mcplib.WithObject("parameters", mcplib.Description("Action parameters")),
			mcplib.WithString("step_id", mcplib.Description("Optional step id for correlation")),
			mcplib.WithNumber("altitude", mcplib.Description("Optional altitude level (30000, 20000, 10000, 5000)")),
			mcplib.WithNumber("timeout_seconds",
				mcplib.Description("Execution budget in seconds"),
				mcplib.Min(1),
			),
			mcplib.WithObject("hdo", mcplib.Description("Optional HDO snapshot handed to the agent")),
		),
		s.handleInvoke,
	)

	// orchestra_active: in-flight invocations.
	s.mcpServer.AddTool(
		mcplib.NewTool(toolActive,
			mcplib.WithDescription("List invocations currently in flight, oldest first, with summary stats."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleActive,
	)

	// orchestra_errors: query the master error log.
	s.mcpServer.AddTool(
		mcplib.NewTool(toolErrors,
			mcplib.WithDescription(`Query the master error log, newest first.

Pass error_id to fetch one record in full (including the stack trace);
otherwise filter by process_id, agent_id, severity, and unresolved.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("error_id", mcplib.Description("Fetch a single record by id")),
			mcplib.WithString("process_id", mcplib.Description("Filter by process id")),
			mcplib.WithString("agent_id", mcplib.Description("Filter by agent id")),
			mcplib.WithString("severity",
				mcplib.Description("Filter by severity"),
				mcplib.Enum(string(model.SeverityLow), string(model.SeverityMedium), string(model.SeverityHigh), string(model.SeverityCritical)),
			),
			mcplib.WithBoolean("unresolved", mcplib.Description("Only records without a resolution")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleErrors,
	)
}

func (s *Server) handleRunPlan(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var plan model.Plan
	if ok, err := decodeArg(request, "plan", &plan); err != nil {
		return errorResult(err.Error()), nil
	} else if !ok {
		return errorResult("plan is required"), nil
	}
	var hdo model.HDO
	if ok, err := decodeArg(request, "hdo", &hdo); err != nil {
		return errorResult(err.Error()), nil
	} else if !ok {
		return errorResult("hdo is required"), nil
	}

	call := callContext(ctx, toolRunPlan)
	final, err := s.runner.RunAltitudePlan(ctx, plan, hdo, &call)
	if err != nil {
		var of *orchestra.OrchestrationFailure
		if errors.As(err, &of) {
			s.logger.Warn("mcp: plan failed", "plan_id", of.PlanID, "error_id", of.ErrorID)
		}
		return errorResult(err.Error()), nil
	}
	return jsonResult(final), nil
}

func (s *Server) handleInvoke(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.InvokeRequest{
		AgentID:        request.GetString("agent_id", ""),
		Action:         request.GetString("action", ""),
		ProcessID:      request.GetString("process_id", ""),
		StepID:         request.GetString("step_id", ""),
		TimeoutSeconds: request.GetInt("timeout_seconds", 0),
	}
	if _, ok := request.GetArguments()["altitude"]; ok {
		alt := request.GetInt("altitude", 0)
		req.Altitude = &alt
	}
	if _, err := decodeArg(request, "parameters", &req.Parameters); err != nil {
		return errorResult(err.Error()), nil
	}
	var hdo model.HDO
	if ok, err := decodeArg(request, "hdo", &hdo); err != nil {
		return errorResult(err.Error()), nil
	} else if ok {
		req.HDO = &hdo
	}

	args := orchestra.ArgsFromRequest(req)
	res, err := s.runner.Invoker().Invoke(ctx, args, orchestra.InvokeContext{
		Call:       callContext(ctx, toolInvoke),
		Standalone: true,
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(orchestra.Response(args, res)), nil
}

func (s *Server) handleActive(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tracker := s.runner.Invoker().Tracker()
	return jsonResult(map[string]any{
		"active": tracker.Active(),
		"stats":  tracker.Stats(),
	}), nil
}

func (s *Server) handleErrors(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.errors == nil {
		return errorResult("error log not configured"), nil
	}

	if id := request.GetString("error_id", ""); id != "" {
		rec, err := s.getErrorRecord(ctx, id)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		return jsonResult(rec), nil
	}

	severity := model.Severity(request.GetString("severity", ""))
	if severity != "" && !severity.Valid() {
		return errorResult(fmt.Sprintf("invalid severity %q", severity)), nil
	}
	records, err := s.errors.ListErrorRecords(ctx, model.ErrorRecordFilter{
		ProcessID:  request.GetString("process_id", ""),
		AgentID:    request.GetString("agent_id", ""),
		Severity:   severity,
		Unresolved: request.GetBool("unresolved", false),
		Limit:      request.GetInt("limit", 10),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("query failed: %v", err)), nil
	}

	compact := make([]map[string]any, len(records))
	for i, rec := range records {
		compact[i] = compactRecord(rec)
	}
	return jsonResult(map[string]any{
		"errors": compact,
		"total":  len(compact),
	}), nil
}

// decodeArg converts an object argument into target by way of JSON. It
// reports false when the argument is absent or null.
func decodeArg(request mcplib.CallToolRequest, key string, target any) (bool, error) {
	raw, ok := request.GetArguments()[key]
	if !ok || raw == nil {
		return false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return true, nil
}
