package orchestra_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/djb258/garage-mcp/internal/delegate"
	"github.com/djb258/garage-mcp/internal/model"
	"github.com/djb258/garage-mcp/internal/service/orchestra"
)

const testProcessID = "PROC-demo-20250101-120000-001"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// memErrorLog collects error records in memory.
type memErrorLog struct {
	mu      sync.Mutex
	records []model.ErrorRecord
	err     error
}

func (m *memErrorLog) InsertErrorRecord(_ context.Context, rec model.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memErrorLog) all() []model.ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ErrorRecord(nil), m.records...)
}

type harness struct {
	registry *delegate.Registry
	tracker  *orchestra.Tracker
	errlog   *memErrorLog
	invoker  *orchestra.Invoker
	runner   *orchestra.Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry: delegate.NewRegistry(0),
		tracker:  orchestra.NewTracker(0),
		errlog:   &memErrorLog{},
	}
	h.invoker = orchestra.NewInvoker(h.registry, h.tracker, nil, h.errlog, testLogger())
	h.runner = orchestra.NewRunner(h.invoker, h.errlog, testLogger())
	return h
}

func testHDO() model.HDO {
	return model.HDO{
		ProcessID:   testProcessID,
		BlueprintID: "bp-demo",
		Stage:       model.StageInput,
		Payload:     map[string]any{"client": "acme"},
		Meta:        model.HDOMeta{IdempotencyKey: model.IdempotencyKeyFor(testProcessID)},
	}
}

func twoStepPlan() model.Plan {
	return model.Plan{
		PlanID:  "plan-demo",
		Version: "1.0.0",
		Steps: []model.Step{
			{StepID: "s1", AgentID: "input-mapper", Action: "map", Altitude: model.AltitudeInput},
			{StepID: "s2", AgentID: "input-validator", Action: "validate", Altitude: model.AltitudeInput},
		},
	}
}

// entriesFor returns the statuses logged for a step, in order.
func entriesFor(h model.HDO, stepID string) []model.LogStatus {
	var out []model.LogStatus
	for _, e := range h.Log {
		if e.StepID() == stepID {
			out = append(out, e.Status)
		}
	}
	return out
}

func failure(t *testing.T, err error) *orchestra.OrchestrationFailure {
	t.Helper()
	var of *orchestra.OrchestrationFailure
	if !errors.As(err, &of) {
		t.Fatalf("expected *OrchestrationFailure, got %T: %v", err, err)
	}
	return of
}
