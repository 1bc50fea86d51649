package testutil

import (
	"testing"
)

// RequireContainers skips t in -short mode, where no Docker daemon is
// assumed to be available.
func RequireContainers(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

func requireStarted(t *testing.T, name string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("starting %s container: %v", name, err)
	}
}
