package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/taskflow/internal/assign"
	"github.com/petrijr/taskflow/internal/persistence"
	"github.com/petrijr/taskflow/pkg/api"
)

// DefaultMaxHops bounds the automatic tasks a single call may pass through.
const DefaultMaxHops = 100

// maxUpdateAttempts bounds read-validate-apply retries of single-step
// mutations that lost a revision race.
const maxUpdateAttempts = 5

// engineImpl is a synchronous engine. It holds no per-item state; every
// call reads what it needs from the stores and writes transitions back
// with compare-and-set.
type engineImpl struct {
	graph     persistence.GraphStore
	directory persistence.Directory
	state     persistence.StateStore
	resolver  *assign.Resolver

	observer api.Observer
	logger   *slog.Logger
	maxHops  int
	now      func() time.Time
	newID    func() string
}

// Config describes how to construct an engineImpl.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
	// Logger receives routing warnings. Defaults to slog.Default().
	Logger *slog.Logger
	// MaxHops defaults to DefaultMaxHops.
	MaxHops int
	// Clock and IDGenerator are for tests.
	Clock       func() time.Time
	IDGenerator func() string
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxHops := cfg.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}

	return &engineImpl{
		graph:     cfg.Persistence.Graph,
		directory: cfg.Persistence.Directory,
		state:     cfg.Persistence.State,
		resolver:  assign.NewResolver(cfg.Persistence.Directory, cfg.Persistence.State, logger),
		observer:  obs,
		logger:    logger,
		maxHops:   maxHops,
		now:       now,
		newID:     newID,
	}
}

// NewEngine returns an Engine over p with default settings.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

func (e *engineImpl) Start(ctx context.Context, req api.StartRequest) (*api.Result, error) {
	begin, err := e.graph.GetBeginTask(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	node, err := e.graph.GetTask(ctx, req.WorkflowID, begin.ID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	item := &api.WorkItem{
		ID:            e.newID(),
		WorkflowID:    req.WorkflowID,
		ObjectType:    req.ObjectType,
		CurrentTaskID: begin.ID,
		Status:        api.StatusActive,
		Priority:      req.Priority,
		ObjectData:    maps.Clone(req.ObjectData),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created := e.entry(begin, api.ActionCreated)

	w := &walk{engine: e, item: item, taskName: begin.Name}

	if len(node.Routes) == 0 {
		if err := w.commit(ctx, []api.HistoryEntry{created}); err != nil {
			return nil, err
		}
		err := fmt.Errorf("%w: begin task %s of workflow %s", api.ErrNoOutboundRoute, begin.ID, req.WorkflowID)
		e.observer.OnRoutingFailed(ctx, item, err)
		return w.result(), err
	}

	first := node.Routes[0]
	routed := e.entry(begin, api.ActionAutoRouted)
	routed.RouteLabel = first.Label

	if err := w.advance(ctx, first, []api.HistoryEntry{created, routed}); err != nil {
		if !w.persisted {
			// Nothing reached the store yet: keep the item at its begin task.
			if cerr := w.commit(ctx, []api.HistoryEntry{created}); cerr != nil {
				return nil, cerr
			}
		}
		e.observer.OnRoutingFailed(ctx, w.item, err)
		return w.result(), err
	}
	return w.result(), nil
}

func (e *engineImpl) GetWorkItem(ctx context.Context, id string) (*api.WorkItem, error) {
	return e.state.GetWorkItem(ctx, id)
}

func (e *engineImpl) ListWorkItems(ctx context.Context, opts api.WorkItemListOptions) ([]*api.WorkItem, error) {
	return e.state.ListWorkItems(ctx, persistence.WorkItemFilter{
		WorkflowID:    opts.WorkflowID,
		Status:        opts.Status,
		CurrentTaskID: opts.CurrentTaskID,
		ClaimedByID:   opts.ClaimedByID,
	})
}

func (e *engineImpl) History(ctx context.Context, workItemID string) ([]api.HistoryEntry, error) {
	if _, err := e.state.GetWorkItem(ctx, workItemID); err != nil {
		return nil, err
	}
	return e.state.ListHistory(ctx, workItemID)
}

// entry builds a history entry for task stamped with the engine clock.
func (e *engineImpl) entry(task api.Task, action api.Action) api.HistoryEntry {
	return api.HistoryEntry{
		TaskID:   task.ID,
		TaskName: task.Name,
		Action:   action,
		At:       e.now(),
	}
}

func (e *engineImpl) requireUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", api.ErrUserNotFound)
	}
	if e.directory == nil {
		return nil
	}
	ok, err := e.directory.HasUser(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrUserNotFound, userID)
	}
	return nil
}
