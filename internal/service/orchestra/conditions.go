package orchestra

import (
	"strings"

	"github.com/djb258/garage-mcp/internal/delegate"
	"github.com/djb258/garage-mcp/internal/model"
)

// promotionExpression is the one conditional expression that inspects the
// log rather than being a literal.
const promotionExpression = "enforcer.promotion_decision == true"

// shouldRun evaluates a step's when clause against the log so far.
func (x *execution) shouldRun(step model.Step) bool {
	if step.When == nil {
		return true
	}
	switch step.When.Condition {
	case "", model.ConditionAlways:
		return true
	case model.ConditionOnSuccess:
		return allCompleted(x.hdo.Log, step.When.DependsOn)
	case model.ConditionOnFailure:
		return anyFailed(x.hdo.Log, step.When.DependsOn)
	case model.ConditionConditional:
		return x.evaluate(step)
	default:
		x.r.logger.Warn("orchestra: unknown step condition, skipping step",
			"plan_id", x.plan.PlanID, "step_id", step.StepID, "condition", step.When.Condition)
		return false
	}
}

// evaluate handles the conditional expressions the runner understands.
// Anything else is allowed to run, with a warning.
func (x *execution) evaluate(step model.Step) bool {
	expr := strings.TrimSpace(step.When.Expression)
	switch {
	case expr == "" || expr == "true":
		return true
	case expr == "false":
		return false
	case strings.Contains(expr, promotionExpression):
		return x.promotionDecision()
	}
	x.r.logger.Warn("orchestra: unknown condition expression, defaulting to true",
		"plan_id", x.plan.PlanID, "step_id", step.StepID, "expression", expr)
	return true
}

// promotionDecision returns the decision of the most recent completed
// enforcer entry, or false when no enforcer has decided.
func (x *execution) promotionDecision() bool {
	reg := x.r.invoker.Registry()
	for i := len(x.hdo.Log) - 1; i >= 0; i-- {
		e := x.hdo.Log[i]
		if e.Status != model.LogCompleted || !isEnforcer(reg, e.AgentID) {
			continue
		}
		v, ok := e.Details["promotion_decision"]
		if !ok || v == nil {
			continue
		}
		decision, _ := v.(bool)
		return decision
	}
	return false
}

// lastTerminal maps each step id to the status of its most recent completed
// or failed entry.
func lastTerminal(log []model.LogEntry) map[string]model.LogStatus {
	out := make(map[string]model.LogStatus)
	for _, e := range log {
		id := e.StepID()
		if id == "" {
			continue
		}
		if e.Status == model.LogCompleted || e.Status == model.LogFailed {
			out[id] = e.Status
		}
	}
	return out
}

func allCompleted(log []model.LogEntry, stepIDs []string) bool {
	if len(stepIDs) == 0 {
		return true
	}
	last := lastTerminal(log)
	for _, id := range stepIDs {
		if last[id] != model.LogCompleted {
			return false
		}
	}
	return true
}

func anyFailed(log []model.LogEntry, stepIDs []string) bool {
	if len(stepIDs) == 0 {
		return false
	}
	last := lastTerminal(log)
	for _, id := range stepIDs {
		if last[id] == model.LogFailed {
			return true
		}
	}
	return false
}

// failureCount counts failed entries for a step.
func failureCount(log []model.LogEntry, stepID string) int {
	n := 0
	for _, e := range log {
		if e.Status == model.LogFailed && e.StepID() == stepID {
			n++
		}
	}
	return n
}

// isEnforcer matches on the agent id itself as well as the routing category.
// Routing checks "db" before "enforcer", so an id such as "feedback-enforcer"
// is classified as a DB agent yet still carries a promotion decision.
func isEnforcer(reg *delegate.Registry, agentID string) bool {
	return strings.Contains(strings.ToLower(agentID), "enforcer") ||
		reg.Classify(agentID) == delegate.CategoryEnforcer
}
