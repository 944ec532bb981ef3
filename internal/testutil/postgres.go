package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/papertutor/papertutor/internal/database"
)

// IntegrationEnv gates tests that need Docker.
const IntegrationEnv = "PAPERTUTOR_TEST_INTEGRATION"

// PostgresDSN starts a disposable PostgreSQL container, applies the embedded
// migrations and returns its DSN. The test is skipped unless IntegrationEnv
// is set.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("skipping integration test: %s not set", IntegrationEnv)
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("papertutor_test"),
		postgres.WithUsername("papertutor"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}
	if err := database.Migrate(dsn, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return dsn
}
