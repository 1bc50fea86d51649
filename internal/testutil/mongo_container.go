package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	mongoOnce sync.Once
	mongoURI  string
	mongoErr  error
)

// GetMongoURI starts a shared MongoDB container on first use and returns a
// mongodb:// URI for it.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	RequireContainers(t)

	mongoOnce.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		port := nat.Port("27017/tcp")
		mongoC, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts(string(port)),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort(port),
				wait.ForLog("mongod startup complete"),
			),
		)
		if err != nil {
			mongoErr = err
			return
		}

		t.Cleanup(func() {
			testcontainers.CleanupContainer(t, mongoC)
		})

		host, err := mongoC.Host(ctx)
		if err != nil {
			mongoErr = err
			return
		}
		mapped, err := mongoC.MappedPort(ctx, port)
		if err != nil {
			mongoErr = err
			return
		}
		mongoURI = fmt.Sprintf("mongodb://%s:%s", host, mapped.Port())
	})

	requireStarted(t, "mongo", mongoErr)
	return mongoURI
}
