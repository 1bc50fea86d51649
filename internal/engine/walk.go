package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/taskflow/internal/router"
	"github.com/petrijr/taskflow/pkg/api"
)

// walk carries one work item through the graph. item is always the last
// persisted state, or the not yet created item before the first commit.
type walk struct {
	engine    *engineImpl
	item      *api.WorkItem
	taskName  string
	persisted bool
}

// commitItem persists next with entries as one atomic transition and makes it
// the walk's current state.
func (w *walk) commitItem(ctx context.Context, next *api.WorkItem, entries []api.HistoryEntry) error {
	e := w.engine
	var err error
	if w.persisted {
		err = e.state.ApplyTransition(ctx, next, entries)
	} else {
		err = e.state.CreateWorkItem(ctx, next, entries)
	}
	if err != nil {
		return err
	}

	started := !w.persisted
	w.item = next
	w.persisted = true

	if started {
		e.observer.OnWorkItemStarted(ctx, next)
	}
	for _, entry := range entries {
		e.observer.OnTransition(ctx, next, entry)
	}
	if next.Status == api.StatusCompleted {
		e.observer.OnWorkItemCompleted(ctx, next)
	}
	return nil
}

func (w *walk) commit(ctx context.Context, entries []api.HistoryEntry) error {
	return w.commitItem(ctx, w.item.Clone(), entries)
}

// advance follows route and keeps going through automatic tasks until the
// item reaches a user task, an end task or a parking point. pending holds
// the entries that explain why the item left its current task; they are
// persisted with the next arrival.
//
// Every arrival is its own transition, so on error the item rests at the
// last task it durably reached.
func (w *walk) advance(ctx context.Context, route api.Route, pending []api.HistoryEntry) error {
	e := w.engine
	wfID := w.item.WorkflowID

	for hops := 1; ; hops++ {
		if hops > e.maxHops {
			return fmt.Errorf("%w: more than %d automatic hops from task %s", api.ErrRoutingCycleDetected, e.maxHops, w.item.CurrentTaskID)
		}

		node, err := e.graph.GetTask(ctx, wfID, route.TargetTaskID)
		if err != nil {
			return err
		}
		task := node.Task

		now := e.now()
		next := w.item.Clone()
		next.CurrentTaskID = task.ID
		next.ClaimedByID = ""
		next.ClaimedAt = nil
		next.UpdatedAt = now

		entries := append(pending, e.entry(task, api.ActionArrived))
		pending = nil

		switch cfg := task.Config.(type) {
		case api.EndConfig:
			next.Status = api.StatusCompleted
			next.CompletedAt = &now
			entries[len(entries)-1].Action = api.ActionCompleted
			return w.arrive(ctx, next, task, entries)

		case api.UserConfig:
			userID, err := e.resolver.Resolve(ctx, task, cfg)
			if err != nil {
				return err
			}
			if userID != "" {
				next.ClaimedByID = userID
				next.ClaimedAt = &now
				assigned := e.entry(task, api.ActionAutoAssigned)
				assigned.UserID = userID
				assigned.Notes = string(cfg.Policy)
				entries = append(entries, assigned)
			}
			return w.arrive(ctx, next, task, entries)

		case api.DecisionConfig:
			if err := w.arrive(ctx, next, task, entries); err != nil {
				return err
			}
			decision, ok := router.Route(cfg, next.ObjectData, node.Routes)
			if !ok {
				return fmt.Errorf("%w: decision %s", api.ErrNoMatchingRoute, task.ID)
			}
			routed := e.entry(task, api.ActionAutoRouted)
			routed.RouteLabel = decision.Route.Label
			routed.Notes = decision.Describe()
			pending = []api.HistoryEntry{routed}
			route = decision.Route

		case api.SubflowConfig:
			// A subflow with a choice of exits waits for Continue; a single
			// exit is its only continuation.
			if err := w.arrive(ctx, next, task, entries); err != nil {
				return err
			}
			if len(node.Routes) != 1 {
				return nil
			}
			route = node.Routes[0]
			routed := e.entry(task, api.ActionAutoRouted)
			routed.RouteLabel = route.Label
			routed.Notes = "single-route"
			pending = []api.HistoryEntry{routed}

		default:
			if err := w.arrive(ctx, next, task, entries); err != nil {
				return err
			}
			if len(node.Routes) == 0 {
				return nil
			}
			if len(node.Routes) > 1 {
				e.logger.WarnContext(ctx, "ambiguous_automatic_route",
					slog.String("workflow", wfID),
					slog.String("task_id", task.ID),
					slog.String("task_type", string(task.Type())),
					slog.Int("routes", len(node.Routes)),
				)
			}
			route = node.Routes[0]
			routed := e.entry(task, api.ActionAutoRouted)
			routed.RouteLabel = route.Label
			pending = []api.HistoryEntry{routed}
		}
	}
}

func (w *walk) arrive(ctx context.Context, next *api.WorkItem, task api.Task, entries []api.HistoryEntry) error {
	if err := w.commitItem(ctx, next, entries); err != nil {
		return err
	}
	w.taskName = task.Name
	return nil
}

func (w *walk) result() *api.Result {
	item := w.item.Clone()
	return &api.Result{
		WorkItemID:      item.ID,
		CurrentTaskID:   item.CurrentTaskID,
		CurrentTaskName: w.taskName,
		Status:          item.Status,
		WorkItem:        item,
	}
}
