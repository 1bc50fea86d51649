// Package telemetry exports engine lifecycle events as OpenTelemetry
// metrics.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petrijr/taskflow/pkg/api"
)

// ScopeName identifies the taskflow instrumentation scope.
const ScopeName = "github.com/petrijr/taskflow"

// Observer is an api.Observer that records counters on an OpenTelemetry
// meter. It is safe for concurrent use.
type Observer struct {
	started     metric.Int64Counter
	completed   metric.Int64Counter
	transitions metric.Int64Counter
	failures    metric.Int64Counter
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates the instruments on meter. A nil meter uses the global
// meter provider.
func NewObserver(meter metric.Meter) (*Observer, error) {
	if meter == nil {
		meter = otel.Meter(ScopeName)
	}

	var o Observer
	var errs []error
	var err error

	o.started, err = meter.Int64Counter("taskflow.work_items.started",
		metric.WithDescription("Work items created by Start."),
		metric.WithUnit("{work_item}"))
	errs = append(errs, err)

	o.completed, err = meter.Int64Counter("taskflow.work_items.completed",
		metric.WithDescription("Work items that reached an end task."),
		metric.WithUnit("{work_item}"))
	errs = append(errs, err)

	o.transitions, err = meter.Int64Counter("taskflow.transitions",
		metric.WithDescription("Persisted history entries by action."),
		metric.WithUnit("{entry}"))
	errs = append(errs, err)

	o.failures, err = meter.Int64Counter("taskflow.routing.failures",
		metric.WithDescription("Advances that stopped with an error, by error code."),
		metric.WithUnit("{failure}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &o, nil
}

func workflowAttr(item *api.WorkItem) attribute.KeyValue {
	return attribute.String("workflow", item.WorkflowID)
}

func (o *Observer) OnWorkItemStarted(ctx context.Context, item *api.WorkItem) {
	o.started.Add(ctx, 1, metric.WithAttributes(workflowAttr(item)))
}

func (o *Observer) OnTransition(ctx context.Context, item *api.WorkItem, entry api.HistoryEntry) {
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		workflowAttr(item),
		attribute.String("action", string(entry.Action)),
	))
}

func (o *Observer) OnWorkItemCompleted(ctx context.Context, item *api.WorkItem) {
	o.completed.Add(ctx, 1, metric.WithAttributes(workflowAttr(item)))
}

func (o *Observer) OnRoutingFailed(ctx context.Context, item *api.WorkItem, err error) {
	o.failures.Add(ctx, 1, metric.WithAttributes(
		workflowAttr(item),
		attribute.String("code", api.CodeOf(err)),
		attribute.String("kind", string(api.KindOf(err))),
	))
}
