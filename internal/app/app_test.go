package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/taskflow/internal/config"
	"github.com/petrijr/taskflow/pkg/api"
)

func testConfig(t *testing.T, driver, dsn string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Addr = ":0"
	cfg.Engine.MaxHops = 50
	cfg.Store.Driver = driver
	cfg.Store.DSN = dsn
	cfg.Store.Prefix = "taskflow:"
	cfg.Store.Database = "taskflow"
	cfg.Graph.Files = []string{filepath.Join("..", "..", "workflows")}
	require.NoError(t, cfg.Validate())
	return cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWithMemoryStore(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t, config.DriverMemory, ""), discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ids := []string{}
	for _, wf := range a.Registry.Workflows() {
		ids = append(ids, wf.ID)
	}
	assert.Contains(t, ids, "expense")

	small, err := a.Engine.Start(ctx, api.StartRequest{WorkflowID: "expense", ObjectData: map[string]any{"amount": 40}})
	require.NoError(t, err)
	assert.Equal(t, "review", small.CurrentTaskID)
	assert.Equal(t, "ann", small.WorkItem.ClaimedByID)

	travel, err := a.Engine.Start(ctx, api.StartRequest{WorkflowID: "expense", ObjectData: map[string]any{"amount": 40, "category": "travel"}})
	require.NoError(t, err)
	assert.Equal(t, "director", travel.CurrentTaskID)
	assert.False(t, travel.WorkItem.Claimed())

	// Director sign-off is manual: an administrator assigns it.
	_, err = a.Engine.Assign(ctx, travel.WorkItemID, "dina", "admin")
	require.NoError(t, err)
	out, err := a.Engine.Release(ctx, api.ReleaseRequest{WorkItemID: travel.WorkItemID, RouteLabel: "Approve", UserID: "dina"})
	require.NoError(t, err)
	assert.Equal(t, "paid", out.CurrentTaskID)
	assert.Equal(t, api.StatusCompleted, out.Status)
}

func TestNewWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "taskflow.db")
	a, err := New(ctx, testConfig(t, config.DriverSQLite, dsn), discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	res, err := a.Engine.Start(ctx, api.StartRequest{WorkflowID: "expense", ObjectData: map[string]any{"amount": 9000}})
	require.NoError(t, err)
	assert.Equal(t, "director", res.CurrentTaskID)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/work-items/"+res.WorkItemID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"currentTaskId":"director"`)
}

func TestNewRejectsMissingGraph(t *testing.T) {
	cfg := testConfig(t, config.DriverMemory, "")
	cfg.Graph.Files = []string{filepath.Join(t.TempDir(), "absent")}
	_, err := New(context.Background(), cfg, discard())
	require.Error(t, err)
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.Driver = "cassandra"
	_, _, err := OpenStore(context.Background(), cfg)
	require.Error(t, err)
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions("localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)

	opts, err = redisOptions("redis://:secret@cache:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, testConfig(t, config.DriverMemory, ""), discard())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
