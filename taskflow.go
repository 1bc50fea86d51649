package taskflow

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/taskflow/internal/engine"
	"github.com/petrijr/taskflow/internal/graph"
	"github.com/petrijr/taskflow/internal/persistence"
	"github.com/petrijr/taskflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkItem             = api.WorkItem
	WorkItemListOptions  = api.WorkItemListOptions
	StartRequest         = api.StartRequest
	ReleaseRequest       = api.ReleaseRequest
	Result               = api.Result
	HistoryEntry         = api.HistoryEntry
	Action               = api.Action
	Status               = api.Status
	Workflow             = api.Workflow
	Task                 = api.Task
	Route                = api.Route
	Condition            = api.Condition
	Group                = api.Group
	Member               = api.Member
	ErrorKind            = api.ErrorKind
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Registry holds task graphs and the user directory.
	Registry = graph.Registry
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewRegistry          = graph.NewRegistry
	KindOf               = api.KindOf
	CodeOf               = api.CodeOf
)

// Re-export status values for convenience.

const (
	StatusActive    = api.StatusActive
	StatusCompleted = api.StatusCompleted
)

// LoadGraphFiles reads workflow graphs, groups and users from YAML files or
// directories into a new Registry.
func LoadGraphFiles(paths ...string) (*Registry, error) {
	reg := graph.NewRegistry()
	if err := reg.LoadFiles(paths); err != nil {
		return nil, err
	}
	return reg, nil
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages. The registry serves both as the
// graph store and the user directory.

func newEngine(reg *Registry, state persistence.StateStore, obs Observer) Engine {
	return engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{Graph: reg, Directory: reg, State: state},
		Observer:    obs,
	})
}

// NewInMemoryEngine returns an Engine that keeps work items in memory.
func NewInMemoryEngine(reg *Registry) Engine {
	return newEngine(reg, persistence.NewInMemoryStore(), nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(reg *Registry, obs Observer) Engine {
	return newEngine(reg, persistence.NewInMemoryStore(), obs)
}

// NewSQLiteEngine returns an Engine that persists work items in a SQLite
// database, creating its tables if needed.
func NewSQLiteEngine(reg *Registry, db *sql.DB) (Engine, error) {
	return NewSQLiteEngineWithObserver(reg, db, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(reg *Registry, db *sql.DB, obs Observer) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(reg, store, obs), nil
}

// NewPostgresEngine returns an Engine that persists work items in PostgreSQL.
func NewPostgresEngine(ctx context.Context, reg *Registry, pool *pgxpool.Pool) (Engine, error) {
	return NewPostgresEngineWithObserver(ctx, reg, pool, nil)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(ctx context.Context, reg *Registry, pool *pgxpool.Pool, obs Observer) (Engine, error) {
	store, err := persistence.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, err
	}
	return newEngine(reg, store, obs), nil
}

// NewRedisEngine returns an Engine that persists work items in Redis under
// keys starting with prefix.
func NewRedisEngine(reg *Registry, client *redis.Client, prefix string) Engine {
	return newEngine(reg, persistence.NewRedisStore(client, prefix), nil)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(reg *Registry, client *redis.Client, prefix string, obs Observer) Engine {
	return newEngine(reg, persistence.NewRedisStore(client, prefix), obs)
}

// NewMongoEngine returns an Engine that persists work items in the named
// MongoDB database.
func NewMongoEngine(reg *Registry, client *mongo.Client, database string) Engine {
	return newEngine(reg, persistence.NewMongoStore(client, database), nil)
}

// NewMongoEngineWithObserver returns a Mongo-backed Engine with the given Observer.
func NewMongoEngineWithObserver(reg *Registry, client *mongo.Client, database string, obs Observer) Engine {
	return newEngine(reg, persistence.NewMongoStore(client, database), obs)
}
