// Package testutil provides database fixtures shared by the package tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DatabaseURLEnv points the Postgres tests at an existing database instead
// of a container.
const DatabaseURLEnv = "DURABLE_TEST_DATABASE_URL"

// NewPostgresPool connects to the database named by DURABLE_TEST_DATABASE_URL,
// or starts a PostgreSQL container. The test is skipped in short mode and
// when neither is available.
func NewPostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dbURL := os.Getenv(DatabaseURLEnv)
	if dbURL == "" {
		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("durable_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		if err != nil {
			t.Skipf("Skipping integration test: could not start postgres container: %v", err)
		}
		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("Warning: failed to terminate container: %v", err)
			}
		})
		dbURL, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err, "Failed to get connection string")
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Skipf("Skipping integration test: could not connect to database: %v", err)
	}

	// Verify connection with retries (for CI environments)
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		if err = pool.Ping(ctx); err == nil {
			break
		}
		t.Logf("Waiting for database... (attempt %d/%d)", i+1, maxRetries)
		time.Sleep(time.Second)
	}
	if err != nil {
		pool.Close()
		t.Skipf("Skipping integration test: could not ping database: %v", err)
	}

	t.Cleanup(pool.Close)
	return pool
}

// ResetSchema drops schema so the next Seed starts from an empty table.
func ResetSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
	require.NoError(t, err, "Failed to drop schema")
}

// SQLitePath returns a database file path inside the test's temp dir.
func SQLitePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "durable.db")
}
