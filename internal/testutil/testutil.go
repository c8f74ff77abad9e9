// Package testutil provides shared test infrastructure for integration tests
// that require a PostgreSQL container.
//
// Usage in a test:
//
//	tc := testutil.StartPostgres(t)
//	idx, err := index.OpenPostgres(ctx, tc.DSN, testutil.TestLogger())
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a PostgreSQL container and registers cleanup on t.
// The test is skipped when Docker is unavailable.
func StartPostgres(t *testing.T) *TestContainer {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "gijiroku",
			"POSTGRES_PASSWORD": "gijiroku",
			"POSTGRES_DB":       "gijiroku",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("testutil: cannot start postgres container (docker unavailable?): %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("testutil: container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("testutil: container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://gijiroku:gijiroku@%s:%s/gijiroku?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
