package api

import "context"

// Engine routes work items through task graphs. All operations run
// synchronously against the configured stores.
type Engine interface {
	// Start creates a work item at the workflow's begin task and advances it
	// until it reaches a user task, an end task, or a parking point.
	// When the item was created but could not advance, both a Result and an
	// error are returned.
	Start(ctx context.Context, req StartRequest) (*Result, error)

	// Claim gives userID exclusive ownership of an active, unclaimed item.
	Claim(ctx context.Context, workItemID, userID string) (*WorkItem, error)

	// Unclaim drops the current claim.
	Unclaim(ctx context.Context, workItemID string) (*WorkItem, error)

	// Release lets the claimant pick an outbound route by label and hands
	// the item back to automatic routing.
	Release(ctx context.Context, req ReleaseRequest) (*Result, error)

	// Assign sets the claimant of an item waiting at a user task on behalf
	// of actorID, replacing any existing claim.
	Assign(ctx context.Context, workItemID, userID, actorID string) (*WorkItem, error)

	// Continue moves on an item parked at an automatic task, for example
	// after a decision's configuration was fixed or a subflow finished.
	// An empty routeLabel selects the first outbound route.
	Continue(ctx context.Context, workItemID, routeLabel string) (*Result, error)

	// GetWorkItem looks up a work item by ID.
	GetWorkItem(ctx context.Context, id string) (*WorkItem, error)

	// ListWorkItems returns work items matching opts.
	ListWorkItems(ctx context.Context, opts WorkItemListOptions) ([]*WorkItem, error)

	// History returns the audit trail of a work item in order.
	History(ctx context.Context, workItemID string) ([]HistoryEntry, error)
}
