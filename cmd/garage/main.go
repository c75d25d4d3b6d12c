package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/djb258/garage-mcp"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0(os.Args[1:]))
}

func run0(args []string) int {
	// Load .env before reading GARAGE_LOG_LEVEL; New loads it again, harmlessly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("GARAGE_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}
	var err error
	switch cmd {
	case "serve":
		err = serve(ctx, logger)
	case "demo":
		err = demo(ctx, logger)
	default:
		fmt.Fprintln(os.Stderr, "usage: garage [serve|demo]")
		return 2
	}
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func serve(ctx context.Context, logger *slog.Logger) error {
	app, err := garage.New(garage.WithVersion(version), garage.WithLogger(logger))
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// demo runs the two-step input plan against the simulated delegates and
// prints the resulting HDO to stdout.
func demo(ctx context.Context, logger *slog.Logger) error {
	app, err := garage.New(garage.WithVersion(version), garage.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	processID, err := garage.NewProcessID("demo", time.Now().UTC(), 1)
	if err != nil {
		return err
	}
	plan := garage.Plan{
		PlanID:  "demo-plan",
		Version: "1.0.0",
		Steps: []garage.Step{
			{StepID: "s1", AgentID: "input-mapper", Action: "map", Altitude: garage.AltitudeInput},
			{StepID: "s2", AgentID: "input-validator", Action: "validate", Altitude: garage.AltitudeInput},
		},
	}
	hdo := garage.HDO{
		ProcessID:   processID,
		BlueprintID: "demo-blueprint",
		Stage:       garage.StageInput,
		Payload:     map[string]any{"client": "demo"},
		Meta:        garage.HDOMeta{IdempotencyKey: garage.IdempotencyKeyFor(processID)},
	}

	out, runErr := app.RunPlan(ctx, plan, hdo)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode hdo: %w", err)
	}
	return runErr
}
