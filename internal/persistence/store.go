package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/taskflow/pkg/api"
)

// ErrWorkItemExists is returned when creating a work item whose ID is taken.
var ErrWorkItemExists = errors.New("work item already exists")

// GraphStore gives read access to workflow graphs. The engine never
// mutates a graph.
type GraphStore interface {
	// GetBeginTask returns the unique begin task of a workflow.
	// It returns api.ErrWorkflowNotFound or api.ErrNoBeginTask.
	GetBeginTask(ctx context.Context, workflowID string) (api.Task, error)
	// GetTask returns a task with its outbound routes in stable order.
	// It returns api.ErrTaskNotFound when the workflow has no such task.
	GetTask(ctx context.Context, workflowID, taskID string) (*api.TaskNode, error)
}

// Directory resolves groups and users.
type Directory interface {
	// GetGroup returns api.ErrGroupNotFound for unknown groups.
	GetGroup(ctx context.Context, groupID string) (api.Group, error)
	HasUser(ctx context.Context, userID string) (bool, error)
}

// WorkItemFilter is used to select work items from the store.
// Empty fields mean "no filter" for that field.
type WorkItemFilter struct {
	WorkflowID    string
	Status        api.Status
	CurrentTaskID string
	ClaimedByID   string
}

// Match reports whether item passes the filter.
func (f WorkItemFilter) Match(item *api.WorkItem) bool {
	if f.WorkflowID != "" && item.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if f.CurrentTaskID != "" && item.CurrentTaskID != f.CurrentTaskID {
		return false
	}
	if f.ClaimedByID != "" && item.ClaimedByID != f.ClaimedByID {
		return false
	}
	return true
}

// WorkItemStore persists work items together with their history. Every
// write that changes an item appends its history entries in the same
// atomic unit.
type WorkItemStore interface {
	// CreateWorkItem inserts item at revision 1 with its first entries.
	CreateWorkItem(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error

	// GetWorkItem returns api.ErrWorkItemNotFound for unknown ids.
	GetWorkItem(ctx context.Context, id string) (*api.WorkItem, error)

	ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*api.WorkItem, error)

	// ApplyTransition overwrites the stored item if its revision still equals
	// item.Revision, and appends entries. On success item.Revision is
	// incremented. A stale revision yields api.ErrConcurrentUpdate.
	ApplyTransition(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error

	// ClaimWorkItem sets the claimant only if the item is active and
	// unclaimed, as one conditional update, and appends entry. Failures are
	// api.ErrWorkItemNotFound, api.ErrNotActive or api.ErrAlreadyClaimed.
	ClaimWorkItem(ctx context.Context, id, userID string, at time.Time, entry api.HistoryEntry) (*api.WorkItem, error)
}

// HistoryStore reads the append-only audit trail.
type HistoryStore interface {
	// ListHistory returns entries of a work item ordered by Seq.
	ListHistory(ctx context.Context, workItemID string) ([]api.HistoryEntry, error)
}

// RotationStore keeps round-robin pointers per group.
type RotationStore interface {
	// NextRoundRobin atomically picks the member after the group's stored
	// pointer in members, stores it as the new pointer and returns it.
	// It returns "" when members is empty.
	NextRoundRobin(ctx context.Context, groupID string, members []string) (string, error)
}

// StateStore is everything the engine writes.
type StateStore interface {
	WorkItemStore
	HistoryStore
	RotationStore
}

// nextMember is the rotation rule shared by all backends: the member after
// last, wrapping to the first; unknown or empty last starts at the first.
func nextMember(members []string, last string) string {
	if len(members) == 0 {
		return ""
	}
	for i, m := range members {
		if m == last {
			if i+1 >= len(members) {
				return members[0]
			}
			return members[i+1]
		}
	}
	return members[0]
}

const maxRotationAttempts = 32

var errRotationConflict = errors.New("rotation pointer moved")
