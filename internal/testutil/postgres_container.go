package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// GetPostgresDSN starts a shared Postgres container on first use and
// returns a connection string for it.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	RequireContainers(t)

	pgOnce.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		postgresC, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("taskflow_test"),
			postgres.WithUsername("taskflow"),
			postgres.WithPassword("taskflow"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(2*time.Minute)),
		)
		if err != nil {
			pgErr = err
			return
		}

		t.Cleanup(func() {
			testcontainers.CleanupContainer(t, postgresC)
		})

		pgDSN, pgErr = postgresC.ConnectionString(ctx, "sslmode=disable")
	})

	requireStarted(t, "postgres", pgErr)
	return pgDSN
}
