package api

import (
	"maps"
	"time"
)

// Status represents the lifecycle state of a work item.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// WorkItem is a single business object moving through a workflow graph.
type WorkItem struct {
	ID            string
	WorkflowID    string
	ObjectType    string
	CurrentTaskID string
	Status        Status
	Priority      int
	ObjectData    map[string]any

	// ClaimedByID is empty while the item is unclaimed.
	ClaimedByID string
	ClaimedAt   *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	// Revision increases by one with every persisted transition and guards
	// compare-and-set updates.
	Revision int64
}

// Claimed reports whether someone currently holds the item.
func (w *WorkItem) Claimed() bool {
	return w.ClaimedByID != ""
}

// Clone returns a copy that shares no mutable state with w.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	if w.ObjectData != nil {
		c.ObjectData = maps.Clone(w.ObjectData)
	}
	if w.ClaimedAt != nil {
		t := *w.ClaimedAt
		c.ClaimedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// WorkItemListOptions filters ListWorkItems. Zero values mean no filter.
type WorkItemListOptions struct {
	WorkflowID    string
	Status        Status
	CurrentTaskID string
	ClaimedByID   string
}

// StartRequest creates a work item at a workflow's begin task.
type StartRequest struct {
	WorkflowID string
	ObjectType string
	ObjectData map[string]any
	Priority   int
}

// ReleaseRequest hands a claimed item back to automatic routing.
type ReleaseRequest struct {
	WorkItemID string
	RouteLabel string
	UserID     string
	Notes      string
	// Data is merged into the item's object data before routing.
	Data map[string]any
}

// Result describes where a work item ended up after Start, Release or
// Continue.
type Result struct {
	WorkItemID      string
	CurrentTaskID   string
	CurrentTaskName string
	Status          Status
	WorkItem        *WorkItem
}
