package orchestra

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/djb258/garage-mcp/internal/errorsink"
	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/telemetry"
)

// RunnerAgentID is the agent id on run-level log entries.
const RunnerAgentID = "orchestra-runner"

// persistTimeout bounds the error record write on the failure path.
const persistTimeout = 10 * time.Second

// Runner executes altitude plans. It holds no per-run state and is safe for
// concurrent use with independent plan/HDO pairs.
type Runner struct {
	invoker *Invoker
	errlog  ErrorLog
	logger  *slog.Logger
	tracer  trace.Tracer

	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
	runs         metric.Int64Counter
}

// NewRunner creates a Runner. errlog may be nil, in which case error records
// are built and logged but not persisted.
func NewRunner(invoker *Invoker, errlog ErrorLog, logger *slog.Logger) *Runner {
	meter := telemetry.Meter("garage/orchestra")
	steps, _ := meter.Int64Counter("garage.orchestra.steps",
		metric.WithDescription("Step outcomes by status"),
	)
	stepDur, _ := meter.Float64Histogram("garage.orchestra.step.duration",
		metric.WithDescription("Duration of one step attempt (ms)"),
		metric.WithUnit("ms"),
	)
	runs, _ := meter.Int64Counter("garage.orchestra.runs",
		metric.WithDescription("Plan runs by outcome"),
	)
	return &Runner{
		invoker:      invoker,
		errlog:       errlog,
		logger:       logger,
		tracer:       telemetry.Tracer("garage/orchestra"),
		steps:        steps,
		stepDuration: stepDur,
		runs:         runs,
	}
}

// Invoker returns the invoker the runner delegates through.
func (r *Runner) Invoker() *Invoker { return r.invoker }

// execution is the private state of one RunAltitudePlan call.
type execution struct {
	r    *Runner
	plan model.Plan
	hdo  model.HDO
	call model.CallContext

	current      *model.Step
	attemptStart time.Time
}

// RunAltitudePlan runs plan's steps in order against a copy of hdo and
// returns the final HDO. The caller's HDO is never modified.
//
// Malformed identifiers fail with an error matching model.ErrInvalidIdentifier
// and a malformed plan with *model.InvalidPlanError; neither touches the log
// or writes an error record. A step failure that is not retried ends the run
// with *OrchestrationFailure, after exactly one error record is written; the
// partial HDO is returned alongside it.
func (r *Runner) RunAltitudePlan(ctx context.Context, plan model.Plan, hdo model.HDO, call *model.CallContext) (model.HDO, error) {
	h := hdo.Clone()
	if err := model.ValidateHDOIdentifiers(h); err != nil {
		return model.HDO{}, err
	}
	if err := plan.Validate(); err != nil {
		return model.HDO{}, err
	}

	x := &execution{r: r, plan: plan, hdo: h}
	if call != nil {
		x.call = *call
	}

	ctx, span := r.tracer.Start(ctx, "orchestra.run", trace.WithAttributes(
		attribute.String("garage.plan_id", plan.PlanID),
		attribute.String("garage.process_id", h.ProcessID),
		attribute.Int("garage.total_steps", len(plan.Steps)),
	))
	defer span.End()

	r.logger.Info("orchestra: run started", "plan_id", plan.PlanID, "plan_version", plan.Version, "process_id", h.ProcessID, "total_steps", len(plan.Steps))
	x.begin()

	for i := range plan.Steps {
		step := plan.Steps[i]
		if err := x.runStep(ctx, step); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "step failed")
			r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
			failure := r.fail(ctx, x, err)
			return failure.HDO, failure
		}
	}

	x.finish()
	r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
	r.logger.Info("orchestra: run completed", "plan_id", plan.PlanID, "process_id", h.ProcessID, "log_entries", len(x.hdo.Log))
	return x.hdo, nil
}

// begin records the start of the run and the altitude trace.
func (x *execution) begin() {
	h := &x.hdo
	if h.Log == nil {
		h.Log = []model.LogEntry{}
	}
	if h.Meta.AltitudeTrace == nil {
		h.Meta.AltitudeTrace = make(map[string]any)
	}
	h.Meta.PlanID = x.plan.PlanID
	h.Meta.PlanVersion = x.plan.Version

	h.AppendLog(model.LogEntry{
		AgentID: RunnerAgentID,
		Action:  "start_orchestration",
		Status:  model.LogStarted,
		Details: map[string]any{
			"plan_id":      x.plan.PlanID,
			"plan_version": x.plan.Version,
			"total_steps":  len(x.plan.Steps),
		},
	})

	for _, s := range x.plan.Steps {
		key := strconv.Itoa(s.Altitude)
		ids, _ := h.Meta.AltitudeTrace[key].([]any)
		h.Meta.AltitudeTrace[key] = append(ids, s.StepID)
	}
}

// finish records completion and marks the HDO as validated output.
func (x *execution) finish() {
	executed := 0
	for _, e := range x.hdo.Log {
		if e.StepID() != "" {
			executed++
		}
	}
	x.hdo.AppendLog(model.LogEntry{
		AgentID: RunnerAgentID,
		Action:  "complete_orchestration",
		Status:  model.LogCompleted,
		Details: map[string]any{
			"plan_id":              x.plan.PlanID,
			"total_steps_executed": executed,
		},
	})
	out, validated := model.StageOutput, true
	x.hdo.ApplyUpdate(model.StepUpdate{Stage: &out, Validated: &validated})
}

// runStep executes one step, retrying per its policy. It returns the error
// of the last attempt when the step ends in failure.
func (x *execution) runStep(ctx context.Context, step model.Step) error {
	x.current = &step
	if !x.shouldRun(step) {
		x.hdo.AppendLog(model.LogEntry{
			AgentID: step.AgentID,
			Action:  step.Action,
			Status:  model.LogSkipped,
			Details: map[string]any{
				"step_id":     step.StepID,
				"altitude":    step.Altitude,
				"skip_reason": "condition_not_met",
			},
		})
		x.r.steps.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.LogSkipped))))
		x.r.logger.Debug("orchestra: step skipped", "plan_id", x.plan.PlanID, "step_id", step.StepID)
		return nil
	}

	for attempt := 1; ; attempt++ {
		err := x.attempt(ctx, step, attempt)
		if err == nil {
			return nil
		}
		if !x.shouldRetry(ctx, step, err) {
			return err
		}
		x.r.logger.Warn("orchestra: retrying step", "plan_id", x.plan.PlanID, "step_id", step.StepID, "attempt", attempt, "error", err)
		if err := sleep(ctx, step.RetryPolicy.BackoffSeconds); err != nil {
			return err
		}
	}
}

// attempt runs the step once and logs its started and terminal entries.
func (x *execution) attempt(ctx context.Context, step model.Step, n int) error {
	ctx, span := x.r.tracer.Start(ctx, "orchestra.step", trace.WithAttributes(
		attribute.String("garage.step_id", step.StepID),
		attribute.String("garage.agent_id", step.AgentID),
		attribute.Int("garage.altitude", step.Altitude),
		attribute.Int("garage.attempt", n),
	))
	defer span.End()

	start := time.Now().UTC()
	x.attemptStart = start
	x.hdo.AppendLog(model.LogEntry{
		Timestamp: start,
		AgentID:   step.AgentID,
		Action:    step.Action,
		Status:    model.LogStarted,
		Details: map[string]any{
			"step_id":    step.StepID,
			"altitude":   step.Altitude,
			"parameters": step.Parameters,
		},
	})

	altitude := step.Altitude
	res, err := x.r.invoker.Invoke(ctx, InvokeArgs{
		AgentID:        step.AgentID,
		Action:         step.Action,
		Parameters:     step.Parameters,
		StepID:         step.StepID,
		Altitude:       &altitude,
		TimeoutSeconds: x.r.invoker.timeoutFor(step.TimeoutSeconds),
		ProcessID:      x.hdo.ProcessID,
		HDO:            x.hdo.Clone(),
	}, InvokeContext{Call: x.call})

	end := time.Now().UTC()
	durationMs := end.Sub(start).Milliseconds()
	x.r.stepDuration.Record(ctx, float64(durationMs))

	if err != nil {
		x.hdo.AppendLog(model.LogEntry{
			Timestamp:  end,
			AgentID:    step.AgentID,
			Action:     step.Action,
			Status:     model.LogFailed,
			DurationMs: &durationMs,
			Details: map[string]any{
				"step_id":       step.StepID,
				"altitude":      step.Altitude,
				"error_message": err.Error(),
				"error_type":    errorsink.TypeName(cause(err)),
			},
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.r.steps.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.LogFailed))))
		return err
	}

	details := map[string]any{
		"step_id":        step.StepID,
		"altitude":       step.Altitude,
		"result_summary": res.Summary(),
	}
	if v, ok := res.Fields["promotion_decision"]; ok {
		details["promotion_decision"] = v
	}
	x.hdo.AppendLog(model.LogEntry{
		Timestamp:  end,
		AgentID:    step.AgentID,
		Action:     step.Action,
		Status:     model.LogCompleted,
		DurationMs: &durationMs,
		Details:    details,
	})
	x.hdo.ApplyUpdate(res.Update)
	x.r.steps.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(model.LogCompleted))))
	x.r.logger.Debug("orchestra: step completed", "plan_id", x.plan.PlanID, "step_id", step.StepID, "duration_ms", durationMs)
	return nil
}

// shouldRetry applies the step's retry policy to a failure that has already
// been logged. Only failures before the current one count toward the limit,
// so a step runs at most max_retries+1 times.
func (x *execution) shouldRetry(ctx context.Context, step model.Step, err error) bool {
	p := step.RetryPolicy
	if p == nil || p.MaxRetries <= 0 || ctx.Err() != nil {
		return false
	}
	if failureCount(x.hdo.Log, step.StepID)-1 >= p.MaxRetries {
		return false
	}
	if p.Matches(model.RetryOnTimeout) && strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return true
	}
	return p.Matches(model.RetryOnAgentFailure)
}

// fail builds and persists the run's error record, notes it in
// meta.error_context, and returns the OrchestrationFailure.
func (r *Runner) fail(ctx context.Context, x *execution, err error) *OrchestrationFailure {
	call := x.call
	if call.CurrentOperation == "" {
		call.CurrentOperation = "step_execution"
	}
	ectx := errorsink.Context{Call: call, StepStartedAt: x.attemptStart}
	if s := x.current; s != nil {
		altitude := s.Altitude
		ectx.CurrentAgentID = s.AgentID
		ectx.CurrentStep = &errorsink.StepContext{
			StepID:         s.StepID,
			AgentID:        s.AgentID,
			Action:         s.Action,
			Altitude:       &altitude,
			TimeoutSeconds: x.r.invoker.timeoutFor(s.TimeoutSeconds),
		}
		if s.RetryPolicy != nil {
			retries := failureCount(x.hdo.Log, s.StepID) - 1
			if retries < 0 {
				retries = 0
			}
			ectx.RetryCount = &retries
			ectx.MaxRetries = s.RetryPolicy.MaxRetries
		}
	}

	rec := errorsink.Build(x.hdo, ectx, cause(err))
	errorID := rec.ErrorID.String()

	if r.errlog != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		if perr := r.errlog.InsertErrorRecord(pctx, rec); perr != nil {
			r.logger.Error("orchestra: persist error record failed", "error_id", errorID, "plan_id", x.plan.PlanID, "error", perr)
		}
		cancel()
	}

	x.hdo.RecordError(errorID)
	if ectx.RetryCount != nil {
		x.hdo.Meta.ErrorContext.RetryCount = *ectx.RetryCount
	}

	r.logger.Error("orchestra: run failed",
		"plan_id", x.plan.PlanID,
		"process_id", x.hdo.ProcessID,
		"error_id", errorID,
		"severity", rec.Severity,
		"error", err,
	)
	return &OrchestrationFailure{PlanID: x.plan.PlanID, ErrorID: errorID, HDO: x.hdo, Err: err}
}

// sleep waits for seconds or until ctx is done.
func sleep(ctx context.Context, seconds float64) error {
	if seconds <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
