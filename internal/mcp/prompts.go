package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// plan-authoring: explains the altitude plan format.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("plan-authoring",
			mcplib.WithPromptDescription("How to write an altitude plan for orchestra_run_plan"),
			mcplib.WithArgument("goal",
				mcplib.ArgumentDescription("Optional: what the plan should accomplish"),
			),
		),
		s.handlePlanAuthoringPrompt,
	)

	// triage-error: walks through one failed run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-error",
			mcplib.WithPromptDescription("Investigate a failed run from its error record"),
			mcplib.WithArgument("error_id",
				mcplib.ArgumentDescription("The error_id reported by the failed run"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTriageErrorPrompt,
	)
}

const planFormat = `An altitude plan is JSON:

{"plan_id": "<id>", "version": "<semver>", "steps": [ ... ]}

Each step:
- step_id: unique within the plan
- agent_id: who does the work; the id routes by keyword (orchestrator, mapper,
  validator, db, enforcer, notifier, reporter), anything else is generic
- action: passed to the agent
- altitude: 30000 overall, 20000 input, 10000 middle, 5000 output
- parameters: optional object
- timeout_seconds: optional, defaults to 120
- when: optional {condition, depends_on, expression}
    always | on_success (every depends_on step completed)
    on_failure (any depends_on step failed)
    conditional with expression "true", "false", or
    "enforcer.promotion_decision == true"
- retry_policy: optional {max_retries, retry_on, backoff_seconds};
  retry_on lists "timeout" and/or "agent_failure"

Steps run strictly in order. A step whose retries are exhausted fails the run.`

func (s *Server) handlePlanAuthoringPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	text := planFormat
	if goal := request.Params.Arguments["goal"]; goal != "" {
		text = fmt.Sprintf("Write an altitude plan that will: %s\n\n%s\n\nThen call orchestra_run_plan with the plan and an HDO.", goal, planFormat)
	}
	return &mcplib.GetPromptResult{
		Description: "Altitude plan format",
		Messages: []mcplib.PromptMessage{
			mcplib.NewPromptMessage(mcplib.RoleUser, mcplib.NewTextContent(text)),
		},
	}, nil
}

func (s *Server) handleTriageErrorPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	errorID := request.Params.Arguments["error_id"]
	if errorID == "" {
		return nil, fmt.Errorf("error_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Triage error %s", errorID),
		Messages: []mcplib.PromptMessage{
			mcplib.NewPromptMessage(mcplib.RoleUser, mcplib.NewTextContent(fmt.Sprintf(`A run failed with error_id %[1]s. Work out why and what to do next.

1. CALL orchestra_errors with error_id="%[1]s" (or read garage://errors/%[1]s).

2. READ the record:
   - severity: critical and high need attention; medium means the plan or
     parameters were wrong and retrying unchanged will fail again.
   - context.current_step: which step, agent, and action failed.
   - context.retry_count / max_retries: whether retries were exhausted.
   - hdo_snapshot.log: the last entries before the failure.

3. DECIDE: fix the plan, raise the step's timeout_seconds, add a retry_policy,
   or escalate. State which and why.`, errorID))),
		},
	}, nil
}
