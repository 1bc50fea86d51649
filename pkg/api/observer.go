package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; they run inline with the
// operation that triggered them.
type Observer interface {
	// OnWorkItemStarted is called once after Start persisted a new item.
	OnWorkItemStarted(ctx context.Context, item *WorkItem)

	// OnTransition is called for every history entry after it was
	// persisted.
	OnTransition(ctx context.Context, item *WorkItem, entry HistoryEntry)

	// OnWorkItemCompleted is called when an item reaches an end task.
	OnWorkItemCompleted(ctx context.Context, item *WorkItem)

	// OnRoutingFailed is called when an advance stops with an error. The
	// item is the last persisted state.
	OnRoutingFailed(ctx context.Context, item *WorkItem, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkItemStarted(ctx context.Context, item *WorkItem)                {}
func (NoopObserver) OnTransition(ctx context.Context, item *WorkItem, entry HistoryEntry) {}
func (NoopObserver) OnWorkItemCompleted(ctx context.Context, item *WorkItem)              {}
func (NoopObserver) OnRoutingFailed(ctx context.Context, item *WorkItem, err error)       {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkItemStarted(ctx context.Context, item *WorkItem) {
	for _, o := range c.observers {
		o.OnWorkItemStarted(ctx, item)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, item *WorkItem, entry HistoryEntry) {
	for _, o := range c.observers {
		o.OnTransition(ctx, item, entry)
	}
}

func (c *CompositeObserver) OnWorkItemCompleted(ctx context.Context, item *WorkItem) {
	for _, o := range c.observers {
		o.OnWorkItemCompleted(ctx, item)
	}
}

func (c *CompositeObserver) OnRoutingFailed(ctx context.Context, item *WorkItem, err error) {
	for _, o := range c.observers {
		o.OnRoutingFailed(ctx, item, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs work item lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkItemStarted(ctx context.Context, item *WorkItem) {
	o.Logger.InfoContext(ctx, "work_item_started",
		slog.String("workflow", item.WorkflowID),
		slog.String("work_item_id", item.ID),
		slog.String("object_type", item.ObjectType),
	)
}

func (o *LoggingObserver) OnTransition(ctx context.Context, item *WorkItem, entry HistoryEntry) {
	o.Logger.DebugContext(ctx, "work_item_transition",
		slog.String("workflow", item.WorkflowID),
		slog.String("work_item_id", item.ID),
		slog.String("action", string(entry.Action)),
		slog.String("task", entry.TaskName),
		slog.String("route", entry.RouteLabel),
		slog.String("user", entry.UserID),
	)
}

func (o *LoggingObserver) OnWorkItemCompleted(ctx context.Context, item *WorkItem) {
	o.Logger.InfoContext(ctx, "work_item_completed",
		slog.String("workflow", item.WorkflowID),
		slog.String("work_item_id", item.ID),
	)
}

func (o *LoggingObserver) OnRoutingFailed(ctx context.Context, item *WorkItem, err error) {
	level := slog.LevelError
	if KindOf(err) == KindContention {
		level = slog.LevelInfo
	}
	o.Logger.Log(ctx, level, "work_item_routing_failed",
		slog.String("workflow", item.WorkflowID),
		slog.String("work_item_id", item.ID),
		slog.String("task_id", item.CurrentTaskID),
		slog.String("code", CodeOf(err)),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple in-process counters.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	started     atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	transitions atomic.Int64
	claims      atomic.Int64
	autoRouted  atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkItemsStarted   int64
	WorkItemsCompleted int64
	WorkItemsActive    int64
	RoutingFailures    int64
	Transitions        int64
	Claims             int64
	AutoRouted         int64
}

func (m *BasicMetrics) OnWorkItemStarted(ctx context.Context, item *WorkItem) {
	m.started.Add(1)
}

func (m *BasicMetrics) OnTransition(ctx context.Context, item *WorkItem, entry HistoryEntry) {
	m.transitions.Add(1)
	switch entry.Action {
	case ActionClaimed, ActionAutoAssigned, ActionAssigned:
		m.claims.Add(1)
	case ActionAutoRouted:
		m.autoRouted.Add(1)
	}
}

func (m *BasicMetrics) OnWorkItemCompleted(ctx context.Context, item *WorkItem) {
	m.completed.Add(1)
}

func (m *BasicMetrics) OnRoutingFailed(ctx context.Context, item *WorkItem, err error) {
	m.failed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.started.Load()
	completed := m.completed.Load()
	return BasicMetricsSnapshot{
		WorkItemsStarted:   started,
		WorkItemsCompleted: completed,
		WorkItemsActive:    started - completed,
		RoutingFailures:    m.failed.Load(),
		Transitions:        m.transitions.Load(),
		Claims:             m.claims.Load(),
		AutoRouted:         m.autoRouted.Load(),
	}
}
