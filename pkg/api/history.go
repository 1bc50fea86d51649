package api

import "time"

// Action identifies what happened in a history entry.
type Action string

const (
	ActionCreated      Action = "created"
	ActionArrived      Action = "arrived"
	ActionAutoRouted   Action = "auto-routed"
	ActionAutoAssigned Action = "auto-assigned"
	ActionClaimed      Action = "claimed"
	ActionUnclaimed    Action = "unclaimed"
	ActionReleased     Action = "released"
	ActionAssigned     Action = "assigned"
	ActionContinued    Action = "continued"
	ActionCompleted    Action = "completed"
)

// HistoryEntry is an immutable audit record of one state transition.
//
// TaskID names the task where the action happened: for auto-routed,
// released and continued entries that is the task being left.
type HistoryEntry struct {
	// Seq is assigned by the store and orders entries of one work item.
	Seq        int64
	WorkItemID string
	TaskID     string
	TaskName   string
	Action     Action
	RouteLabel string
	UserID     string
	Notes      string
	At         time.Time
}

// ReplayHistory reconstructs the current task and status of a work item
// from its history entries in order.
func ReplayHistory(entries []HistoryEntry) (taskID string, status Status) {
	for _, e := range entries {
		switch e.Action {
		case ActionCreated:
			taskID = e.TaskID
			status = StatusActive
		case ActionArrived:
			taskID = e.TaskID
		case ActionCompleted:
			taskID = e.TaskID
			status = StatusCompleted
		}
	}
	return taskID, status
}

// ReplayClaim reconstructs the current claimant from history entries.
func ReplayClaim(entries []HistoryEntry) string {
	var claimant string
	for _, e := range entries {
		switch e.Action {
		case ActionClaimed, ActionAutoAssigned, ActionAssigned:
			claimant = e.UserID
		case ActionUnclaimed, ActionArrived, ActionCompleted, ActionCreated:
			claimant = ""
		}
	}
	return claimant
}
