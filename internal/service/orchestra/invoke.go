// Package orchestra runs altitude plans: ordered steps delegated to agents,
// threaded through a single HDO, with conditional skips, bounded retries,
// and one durable error record per failed run.
//
// Both the HTTP API and the MCP server drive the same Runner and Invoker.
package orchestra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/djb258/garage-mcp/internal/delegate"
	"github.com/djb258/garage-mcp/internal/errorsink"
	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/sidecar"
	"github.com/djb258/garage-mcp/internal/telemetry"
)

// ErrorLog persists error records. The storage backends satisfy it.
type ErrorLog interface {
	InsertErrorRecord(ctx context.Context, rec model.ErrorRecord) error
}

// InvokeArgs describes one delegated invocation.
type InvokeArgs struct {
	AgentID    string
	Action     string
	Parameters map[string]any
	StepID     string
	Altitude   *int
	// TimeoutSeconds bounds the delegate call; zero applies the default.
	TimeoutSeconds int
	ProcessID      string
	HDO            model.HDO
}

// InvokeContext carries caller correlation into an invocation.
type InvokeContext struct {
	Call model.CallContext
	// Standalone invocations persist their own error record on failure and
	// return an *AgentFailure. The runner turns this off so a run produces
	// at most one record.
	Standalone bool
}

// Invoker delegates a single action to an agent behaviour, tracking it while
// in flight and emitting lifecycle events to the sidecar.
type Invoker struct {
	registry *delegate.Registry
	tracker  *Tracker
	emitter  *sidecar.Emitter
	errlog   ErrorLog
	logger   *slog.Logger
	tracer   trace.Tracer

	defaultTimeout int
}

// NewInvoker creates an Invoker. emitter and errlog may be nil.
func NewInvoker(registry *delegate.Registry, tracker *Tracker, emitter *sidecar.Emitter, errlog ErrorLog, logger *slog.Logger) *Invoker {
	if tracker == nil {
		tracker = NewTracker(0)
	}
	return &Invoker{
		registry: registry,
		tracker:  tracker,
		emitter:  emitter,
		errlog:   errlog,
		logger:   logger,
		tracer:   telemetry.Tracer("garage/orchestra"),

		defaultTimeout: model.DefaultStepTimeoutSeconds,
	}
}

// SetDefaultTimeout changes the budget applied to invocations and steps that
// do not set timeout_seconds. Non-positive values are ignored. Call it before
// serving traffic.
func (i *Invoker) SetDefaultTimeout(d time.Duration) {
	if secs := int(d / time.Second); secs > 0 {
		i.defaultTimeout = secs
	}
}

// timeoutFor resolves an explicit budget against the default.
func (i *Invoker) timeoutFor(seconds int) int {
	if seconds == 0 {
		return i.defaultTimeout
	}
	return seconds
}

// Tracker returns the in-flight execution tracker.
func (i *Invoker) Tracker() *Tracker { return i.tracker }

// Registry returns the agent registry.
func (i *Invoker) Registry() *delegate.Registry { return i.registry }

// Invoke validates args, runs the resolved behaviour under the step budget,
// and returns its result. Delegate errors come back as
// *StepDelegationFailure, or as *AgentFailure when ictx.Standalone is set.
func (i *Invoker) Invoke(ctx context.Context, args InvokeArgs, ictx InvokeContext) (delegate.Result, error) {
	if args.AgentID == "" {
		return delegate.Result{}, &ArgumentError{Field: "agent_id"}
	}
	if args.Action == "" {
		return delegate.Result{}, &ArgumentError{Field: "action"}
	}
	if args.ProcessID == "" {
		return delegate.Result{}, &ArgumentError{Field: "process_id"}
	}
	if err := model.ValidateProcessID(args.ProcessID); err != nil {
		return delegate.Result{}, err
	}
	if err := model.ValidateIdempotencyKey(args.HDO.Meta.IdempotencyKey, args.ProcessID); err != nil {
		return delegate.Result{}, err
	}
	timeout := i.timeoutFor(args.TimeoutSeconds)
	if timeout < 0 {
		return delegate.Result{}, &ArgumentError{Field: "timeout_seconds", Reason: "must be positive"}
	}

	exec := Execution{
		ExecutionID:    uuid.NewString(),
		ProcessID:      args.ProcessID,
		AgentID:        args.AgentID,
		Action:         args.Action,
		StepID:         args.StepID,
		Altitude:       args.Altitude,
		TimeoutSeconds: timeout,
		StartedAt:      time.Now().UTC(),
	}
	if err := i.tracker.Track(exec); err != nil {
		return delegate.Result{}, fmt.Errorf("orchestra: invoke %s: %w", args.AgentID, err)
	}
	defer i.tracker.Untrack(exec.ExecutionID)

	ctx, span := i.tracer.Start(ctx, "orchestra.invoke", trace.WithAttributes(
		attribute.String("garage.agent_id", args.AgentID),
		attribute.String("garage.action", args.Action),
		attribute.String("garage.execution_id", exec.ExecutionID),
	))
	defer span.End()

	i.logger.Info("orchestra: invoke started", "agent_id", args.AgentID, "action", args.Action, "step_id", args.StepID, "execution_id", exec.ExecutionID)
	i.emit(exec, model.EventOrchestrationStarted, map[string]any{
		"step_id":         args.StepID,
		"altitude":        args.Altitude,
		"timeout_seconds": timeout,
	})

	behavior := i.registry.Resolve(args.AgentID)
	res, err := callWithTimeout(ctx, behavior, delegate.Request{
		AgentID:    args.AgentID,
		Action:     args.Action,
		Parameters: args.Parameters,
		HDO:        args.HDO,
	}, timeout)
	if err == nil {
		i.emit(exec, model.EventOrchestrationCompleted, res.Map())
		i.logger.Info("orchestra: invoke completed", "agent_id", args.AgentID, "action", args.Action, "execution_id", exec.ExecutionID)
		return res, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	i.logger.Error("orchestra: invoke failed", "agent_id", args.AgentID, "action", args.Action, "execution_id", exec.ExecutionID, "error", err)

	failed := map[string]any{
		"error_message": err.Error(),
		"error_type":    errorsink.TypeName(err),
	}
	if !ictx.Standalone {
		i.emit(exec, model.EventOrchestrationFailed, failed)
		return delegate.Result{}, &StepDelegationFailure{AgentID: args.AgentID, Action: args.Action, StepID: args.StepID, Err: err}
	}

	call := ictx.Call
	if call.CurrentOperation == "" {
		call.CurrentOperation = "agent_invocation"
	}
	rec := errorsink.Build(args.HDO, errorsink.Context{
		Call:           call,
		CurrentAgentID: args.AgentID,
		CurrentStep: &errorsink.StepContext{
			StepID:         args.StepID,
			AgentID:        args.AgentID,
			Action:         args.Action,
			Altitude:       args.Altitude,
			TimeoutSeconds: timeout,
		},
		StepStartedAt: exec.StartedAt,
	}, err)
	if i.errlog != nil {
		if perr := i.errlog.InsertErrorRecord(ctx, rec); perr != nil {
			i.logger.Error("orchestra: persist error record failed", "error_id", rec.ErrorID, "error", perr)
		}
	}
	failed["error_id"] = rec.ErrorID.String()
	i.emit(exec, model.EventOrchestrationFailed, failed)
	return delegate.Result{}, &AgentFailure{AgentID: args.AgentID, ErrorID: rec.ErrorID.String(), Err: err}
}

func (i *Invoker) emit(exec Execution, kind model.EventType, data map[string]any) {
	i.emitter.Emit(model.SidecarEvent{
		EventType:   kind,
		ExecutionID: exec.ExecutionID,
		ProcessID:   exec.ProcessID,
		AgentID:     exec.AgentID,
		Action:      exec.Action,
		Data:        data,
	})
}

// callWithTimeout runs the behaviour with a deadline of seconds. A behaviour
// that ignores its context is abandoned when the deadline passes.
func callWithTimeout(ctx context.Context, b delegate.Behavior, req delegate.Request, seconds int) (delegate.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
	defer cancel()

	type outcome struct {
		res delegate.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r, Stack: string(debug.Stack())}}
			}
		}()
		res, err := b.Execute(ctx, req)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(o.err, context.DeadlineExceeded) {
			return delegate.Result{}, &TimeoutError{Seconds: seconds}
		}
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return delegate.Result{}, &TimeoutError{Seconds: seconds}
		}
		return delegate.Result{}, ctx.Err()
	}
}

// ArgsFromRequest converts the wire request shared by the HTTP and MCP
// surfaces. A missing HDO becomes an empty one bound to the process id.
func ArgsFromRequest(req model.InvokeRequest) InvokeArgs {
	args := InvokeArgs{
		AgentID:        req.AgentID,
		Action:         req.Action,
		Parameters:     req.Parameters,
		StepID:         req.StepID,
		Altitude:       req.Altitude,
		TimeoutSeconds: req.TimeoutSeconds,
		ProcessID:      req.ProcessID,
	}
	if req.HDO != nil {
		args.HDO = req.HDO.Clone()
	} else {
		args.HDO = model.HDO{ProcessID: req.ProcessID, Stage: model.StageUnknown}
	}
	return args
}

// Response renders an invocation result for the wire.
func Response(args InvokeArgs, res delegate.Result) model.InvokeResponse {
	return model.InvokeResponse{
		AgentID: args.AgentID,
		Action:  args.Action,
		Status:  res.Status,
		Result:  res.Map(),
	}
}
