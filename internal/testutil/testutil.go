// Package testutil provides shared test infrastructure for integration tests
// that need a Postgres container.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc, err := testutil.StartPostgres()
//	    if err == nil {
//	        defer tc.Terminate()
//	        testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    }
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/djb258/garage-mcp/internal/storage"
	"github.com/djb258/garage-mcp/migrations"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a Postgres container. It returns an error when no
// container runtime is available so callers can skip integration tests.
func StartPostgres() (*TestContainer, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "garage",
			"POSTGRES_PASSWORD": "garage",
			"POSTGRES_DB":       "garage",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	if err := guard(func() error { return dockerHealth(ctx) }); err != nil {
		return nil, fmt.Errorf("testutil: no container runtime: %w", err)
	}

	var container testcontainers.Container
	err := guard(func() error {
		var err error
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://garage:garage@%s:%s/garage?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}, nil
}

// dockerHealth pings the Docker daemon testcontainers would use.
func dockerHealth(ctx context.Context) error {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return err
	}
	return provider.Health(ctx) // Health closes the provider.
}

// guard runs fn and turns a panic into an error. testcontainers panics when
// it cannot locate a Docker host.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// MustStartPostgres is StartPostgres that exits the process on failure.
func MustStartPostgres() *TestContainer {
	tc, err := StartPostgres()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	return tc
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// NewSQLite opens a file-backed SQLite error log under dir.
func NewSQLite(ctx context.Context, dir string) (*storage.SQLite, error) {
	return storage.OpenSQLite(ctx, "sqlite:"+dir+"/garage-test.db", TestLogger())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
