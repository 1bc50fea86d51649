// Package assign decides who receives a work item arriving at a user task.
package assign

import (
	"context"
	"errors"
	"log/slog"

	"github.com/petrijr/taskflow/internal/persistence"
	"github.com/petrijr/taskflow/pkg/api"
)

// Resolver applies a user task's assignment policy.
type Resolver struct {
	directory persistence.Directory
	rotations persistence.RotationStore
	logger    *slog.Logger
}

// NewResolver creates a Resolver. directory may be nil, in which case
// round-robin tasks stay unassigned.
func NewResolver(directory persistence.Directory, rotations persistence.RotationStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{directory: directory, rotations: rotations, logger: logger}
}

// Resolve returns the user that should immediately hold an item arriving
// at cfg's task, or "" when the item goes to the shared queue. Only store
// failures are returned as errors; a missing or empty group is logged and
// leaves the item unassigned.
func (r *Resolver) Resolve(ctx context.Context, task api.Task, cfg api.UserConfig) (string, error) {
	switch cfg.Policy {
	case api.PolicyRoundRobin:
		return r.roundRobin(ctx, task, cfg.GroupID)
	default:
		// queue and manual leave the item unclaimed; manual waits for Assign.
		return "", nil
	}
}

func (r *Resolver) roundRobin(ctx context.Context, task api.Task, groupID string) (string, error) {
	log := r.logger.With(
		slog.String("workflow", task.WorkflowID),
		slog.String("task_id", task.ID),
		slog.String("group", groupID),
	)
	if r.directory == nil || groupID == "" {
		log.WarnContext(ctx, "round_robin_without_group")
		return "", nil
	}

	group, err := r.directory.GetGroup(ctx, groupID)
	if errors.Is(err, api.ErrGroupNotFound) {
		log.WarnContext(ctx, "round_robin_group_missing")
		return "", nil
	}
	if err != nil {
		return "", err
	}

	members := group.OrderedMemberIDs()
	if len(members) == 0 {
		log.WarnContext(ctx, "round_robin_group_empty")
		return "", nil
	}
	return r.rotations.NextRoundRobin(ctx, group.ID, members)
}
