package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/petrijr/taskflow/internal/router"
	"github.com/petrijr/taskflow/pkg/api"
)

func (e *engineImpl) Claim(ctx context.Context, workItemID, userID string) (*api.WorkItem, error) {
	if err := e.requireUser(ctx, userID); err != nil {
		return nil, err
	}

	item, err := e.state.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	if item.Status != api.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", api.ErrNotActive, item.ID, item.Status)
	}
	if item.Claimed() {
		return nil, fmt.Errorf("%w: %s is held by %s", api.ErrAlreadyClaimed, item.ID, item.ClaimedByID)
	}
	node, err := e.graph.GetTask(ctx, item.WorkflowID, item.CurrentTaskID)
	if err != nil {
		return nil, err
	}
	if node.Task.Type() != api.TaskUser {
		return nil, fmt.Errorf("%w: %s is at %s task %s", api.ErrNotAtUserTask, item.ID, node.Task.Type(), node.Task.ID)
	}

	now := e.now()
	entry := e.entry(node.Task, api.ActionClaimed)
	entry.UserID = userID

	// The store re-checks status and claimant inside one conditional update;
	// the checks above only produce friendlier errors.
	claimed, err := e.state.ClaimWorkItem(ctx, item.ID, userID, now, entry)
	if err != nil {
		return nil, err
	}
	e.observer.OnTransition(ctx, claimed, entry)
	return claimed, nil
}

func (e *engineImpl) Unclaim(ctx context.Context, workItemID string) (*api.WorkItem, error) {
	return e.update(ctx, workItemID, func(item *api.WorkItem, node *api.TaskNode) ([]api.HistoryEntry, error) {
		if !item.Claimed() {
			return nil, fmt.Errorf("%w: %s", api.ErrNotClaimed, item.ID)
		}
		entry := e.entry(node.Task, api.ActionUnclaimed)
		entry.UserID = item.ClaimedByID

		item.ClaimedByID = ""
		item.ClaimedAt = nil
		item.UpdatedAt = entry.At
		return []api.HistoryEntry{entry}, nil
	})
}

func (e *engineImpl) Assign(ctx context.Context, workItemID, userID, actorID string) (*api.WorkItem, error) {
	if err := e.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	return e.update(ctx, workItemID, func(item *api.WorkItem, node *api.TaskNode) ([]api.HistoryEntry, error) {
		if item.Status != api.StatusActive {
			return nil, fmt.Errorf("%w: %s is %s", api.ErrNotActive, item.ID, item.Status)
		}
		if node.Task.Type() != api.TaskUser {
			return nil, fmt.Errorf("%w: %s is at %s task %s", api.ErrNotAtUserTask, item.ID, node.Task.Type(), node.Task.ID)
		}
		entry := e.entry(node.Task, api.ActionAssigned)
		entry.UserID = userID
		if actorID != "" {
			entry.Notes = "assigned by " + actorID
		}

		item.ClaimedByID = userID
		item.ClaimedAt = &entry.At
		item.UpdatedAt = entry.At
		return []api.HistoryEntry{entry}, nil
	})
}

// update runs a read-validate-apply cycle for a single-step mutation and
// retries when another writer changed the item in between.
func (e *engineImpl) update(ctx context.Context, workItemID string, apply func(*api.WorkItem, *api.TaskNode) ([]api.HistoryEntry, error)) (*api.WorkItem, error) {
	for attempt := 1; ; attempt++ {
		item, err := e.state.GetWorkItem(ctx, workItemID)
		if err != nil {
			return nil, err
		}
		node, err := e.graph.GetTask(ctx, item.WorkflowID, item.CurrentTaskID)
		if err != nil {
			return nil, err
		}
		entries, err := apply(item, node)
		if err != nil {
			return nil, err
		}

		err = e.state.ApplyTransition(ctx, item, entries)
		if errors.Is(err, api.ErrConcurrentUpdate) && attempt < maxUpdateAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			e.observer.OnTransition(ctx, item, entry)
		}
		return item, nil
	}
}

func (e *engineImpl) Release(ctx context.Context, req api.ReleaseRequest) (*api.Result, error) {
	item, err := e.state.GetWorkItem(ctx, req.WorkItemID)
	if err != nil {
		return nil, err
	}
	if item.Status != api.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", api.ErrNotActive, item.ID, item.Status)
	}
	if !item.Claimed() {
		return nil, fmt.Errorf("%w: %s", api.ErrNotClaimed, item.ID)
	}
	if item.ClaimedByID != req.UserID {
		return nil, fmt.Errorf("%w: %s is held by %s, not %s", api.ErrNotOwner, item.ID, item.ClaimedByID, req.UserID)
	}

	node, err := e.graph.GetTask(ctx, item.WorkflowID, item.CurrentTaskID)
	if err != nil {
		return nil, err
	}
	route, ok := routeByLabel(node.Routes, req.RouteLabel)
	if !ok {
		return nil, fmt.Errorf("%w: %q from task %s", api.ErrRouteNotFound, req.RouteLabel, node.Task.ID)
	}

	released := e.entry(node.Task, api.ActionReleased)
	released.RouteLabel = route.Label
	released.UserID = req.UserID
	released.Notes = req.Notes

	base := item.Clone()
	if len(req.Data) > 0 {
		if item.ObjectData == nil {
			item.ObjectData = make(map[string]any, len(req.Data))
		}
		maps.Copy(item.ObjectData, req.Data)
	}
	return e.resume(ctx, base, item, node.Task, route, released)
}

func (e *engineImpl) Continue(ctx context.Context, workItemID, routeLabel string) (*api.Result, error) {
	item, err := e.state.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	if item.Status != api.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", api.ErrNotActive, item.ID, item.Status)
	}
	node, err := e.graph.GetTask(ctx, item.WorkflowID, item.CurrentTaskID)
	if err != nil {
		return nil, err
	}

	var (
		route api.Route
		notes string
		ok    bool
	)
	switch cfg := node.Task.Config.(type) {
	case api.UserConfig:
		return nil, fmt.Errorf("%w: %s at %s", api.ErrClaimRequired, item.ID, node.Task.ID)
	case api.EndConfig:
		return nil, fmt.Errorf("%w: %s at end task %s", api.ErrNotActive, item.ID, node.Task.ID)
	case api.DecisionConfig:
		if routeLabel == "" {
			var d router.Decision
			if d, ok = router.Route(cfg, item.ObjectData, node.Routes); !ok {
				return nil, fmt.Errorf("%w: decision %s", api.ErrNoMatchingRoute, node.Task.ID)
			}
			route, notes = d.Route, d.Describe()
		}
	default:
		if len(node.Routes) == 0 {
			return nil, fmt.Errorf("%w: task %s", api.ErrNoOutboundRoute, node.Task.ID)
		}
		if routeLabel == "" {
			route, ok = node.Routes[0], true
		}
	}
	if !ok {
		if route, ok = routeByLabel(node.Routes, routeLabel); !ok {
			return nil, fmt.Errorf("%w: %q from task %s", api.ErrRouteNotFound, routeLabel, node.Task.ID)
		}
	}

	continued := e.entry(node.Task, api.ActionContinued)
	continued.RouteLabel = route.Label
	continued.Notes = notes
	return e.resume(ctx, item.Clone(), item, node.Task, route, continued)
}

// resume walks a persisted item out of task along route. base is the
// stored state reported when not even the first hop could be persisted.
func (e *engineImpl) resume(ctx context.Context, base, item *api.WorkItem, task api.Task, route api.Route, leaving api.HistoryEntry) (*api.Result, error) {
	w := &walk{engine: e, item: item, taskName: task.Name, persisted: true}
	if err := w.advance(ctx, route, []api.HistoryEntry{leaving}); err != nil {
		if w.item == item {
			w.item = base
		}
		e.observer.OnRoutingFailed(ctx, w.item, err)
		return w.result(), err
	}
	return w.result(), nil
}

// routeByLabel finds the route a person picked. "default" also selects an
// unlabeled route.
func routeByLabel(routes []api.Route, label string) (api.Route, bool) {
	for _, r := range routes {
		if r.Label == label {
			return r, true
		}
	}
	if strings.EqualFold(label, "default") {
		for _, r := range routes {
			if r.Label == "" {
				return r, true
			}
		}
	}
	return api.Route{}, false
}
