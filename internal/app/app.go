// Package app wires configuration, stores, the task graph and the engine
// into a runnable service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/taskflow/internal/config"
	"github.com/petrijr/taskflow/internal/engine"
	"github.com/petrijr/taskflow/internal/graph"
	"github.com/petrijr/taskflow/internal/httpapi"
	"github.com/petrijr/taskflow/internal/persistence"
	"github.com/petrijr/taskflow/internal/telemetry"
	"github.com/petrijr/taskflow/pkg/api"
)

// App is a fully wired taskflow service.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *graph.Registry
	Engine   api.Engine

	closeStore func() error
}

// New loads the task graph, opens the configured store and builds the
// engine.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := graph.NewRegistry()
	if err := reg.LoadFiles(cfg.Graph.Files); err != nil {
		return nil, err
	}
	for _, wf := range reg.Workflows() {
		logger.Info("workflow_loaded",
			slog.String("workflow", wf.ID),
			slog.Int("version", wf.Version),
			slog.Int("tasks", len(wf.Tasks)),
		)
	}

	state, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewObserver(nil)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("app: telemetry: %w", err)
	}

	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.Persistence{Graph: reg, Directory: reg, State: state},
		Observer:    api.NewCompositeObserver(api.NewLoggingObserver(logger), metrics),
		Logger:      logger,
		MaxHops:     cfg.Engine.MaxHops,
	})

	logger.Info("store_opened", slog.String("driver", cfg.Store.Driver))
	return &App{
		Config:     cfg,
		Logger:     logger,
		Registry:   reg,
		Engine:     eng,
		closeStore: closeStore,
	}, nil
}

// OpenStore connects the state store named by cfg.Store.Driver. The
// returned function releases its connections.
func OpenStore(ctx context.Context, cfg *config.Config) (persistence.StateStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store.Driver {
	case config.DriverMemory:
		return persistence.NewInMemoryStore(), noop, nil

	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("app: open sqlite: %w", err)
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("app: parse postgres dsn: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("app: ping postgres: %w", err)
		}
		store, err := persistence.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil

	case config.DriverRedis:
		opts, err := redisOptions(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("app: ping redis: %w", err)
		}
		return persistence.NewRedisStore(client, cfg.Store.Prefix), client.Close, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Store.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("app: connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("app: ping mongo: %w", err)
		}
		closeFn := func() error { return client.Disconnect(context.Background()) }
		return persistence.NewMongoStore(client, cfg.Store.Database), closeFn, nil

	default:
		return nil, nil, fmt.Errorf("app: unknown store driver %q", cfg.Store.Driver)
	}
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(dsn string) (*redis.Options, error) {
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("app: parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: dsn}, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return httpapi.New(a.Engine, a.Logger)
}

// Serve runs the HTTP API until ctx is cancelled, then shuts down
// gracefully.
func (a *App) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:         a.Config.Server.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.Logger.Info("server_starting", slog.String("address", server.Addr))
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		a.Logger.Info("server_stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return fmt.Errorf("app: shutdown: %w", err)
		}
		return nil
	}
}

// Close releases the store connections.
func (a *App) Close() error {
	if a.closeStore == nil {
		return nil
	}
	return a.closeStore()
}
