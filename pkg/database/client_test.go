package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient creates a test database client with CI/local environment
// detection. In CI (CI_DATABASE_URL set): connects to the external
// PostgreSQL service container. In local dev: spins up a testcontainer.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	client, err := NewClient(ctx, Config{
		URL:             connStr,
		Database:        "test",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNewClientAppliesMigrations(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	for _, table := range []string{"jobs", "conversation_events"} {
		var exists bool
		err := client.DB().QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`,
			table,
		).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist after migrations", table)
	}

	// The idempotency index is load-bearing for the registry's
	// duplicate-create resolution; its absence would only show up as a
	// race in production.
	var indexExists bool
	err := client.DB().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'jobs_active_idempotency_key')`,
	).Scan(&indexExists)
	require.NoError(t, err)
	assert.True(t, indexExists)
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	client := newTestClient(t)

	// NewClient already migrated once; a second pass must be a no-op.
	require.NoError(t, RunMigrations(client.DB(), "test"))
}

func TestHealth(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	status, err := Health(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, 5, status.MaxOpenConns)
}

func TestHealthUnreachable(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.Close())

	_, err := Health(context.Background(), client.DB())
	assert.Error(t, err)
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{
		Host: "db.internal", Port: 5433, User: "blogai",
		Password: "secret", Database: "blogai", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=blogai password=secret dbname=blogai sslmode=require",
		cfg.DSN())

	cfg.URL = "postgres://u:p@host:5432/db"
	assert.Equal(t, "postgres://u:p@host:5432/db", cfg.DSN())
}
