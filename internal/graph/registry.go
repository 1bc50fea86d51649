// Package graph holds workflow task graphs and the user directory in
// memory. Graphs are validated once when registered and are read-only
// afterwards, so lookups never copy more than the requested task.
package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/taskflow/internal/persistence"
	"github.com/petrijr/taskflow/pkg/api"
)

type workflowEntry struct {
	wf      api.Workflow
	beginID string
	tasks   map[string]api.Task
	// outbound routes per source task, in stable order
	routes map[string][]api.Route
}

// Registry is an in-memory GraphStore and Directory.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*workflowEntry
	groups    map[string]api.Group
	users     map[string]struct{}
}

var (
	_ persistence.GraphStore = (*Registry)(nil)
	_ persistence.Directory  = (*Registry)(nil)
)

func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*workflowEntry),
		groups:    make(map[string]api.Group),
		users:     make(map[string]struct{}),
	}
}

// RegisterWorkflow validates wf and makes it available to the engine.
// Registering an ID twice is an error.
func (r *Registry) RegisterWorkflow(wf api.Workflow) error {
	wf = Normalize(wf)
	if err := Validate(wf); err != nil {
		return err
	}

	entry := &workflowEntry{
		wf:     wf,
		tasks:  make(map[string]api.Task, len(wf.Tasks)),
		routes: make(map[string][]api.Route),
	}
	for _, t := range wf.Tasks {
		entry.tasks[t.ID] = t
		if t.Type() == api.TaskBegin {
			entry.beginID = t.ID
		}
	}
	for _, rt := range wf.Routes {
		entry.routes[rt.SourceTaskID] = append(entry.routes[rt.SourceTaskID], rt)
	}
	for _, routes := range entry.routes {
		api.SortRoutes(routes)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[wf.ID]; exists {
		return fmt.Errorf("workflow %q already registered", wf.ID)
	}
	r.workflows[wf.ID] = entry
	return nil
}

// RegisterGroup adds or replaces a group. Its members become known users.
func (r *Registry) RegisterGroup(g api.Group) error {
	if g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	members := make([]api.Member, len(g.Members))
	copy(members, g.Members)
	g.Members = members

	r.mu.Lock()
	defer r.mu.Unlock()

	r.groups[g.ID] = g
	for _, m := range members {
		r.users[m.ID] = struct{}{}
	}
	return nil
}

// RegisterUser adds a user that belongs to no group, such as an
// administrator.
func (r *Registry) RegisterUser(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = struct{}{}
}

// Workflows returns registered workflows sorted by ID.
func (r *Registry) Workflows() []api.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.Workflow, 0, len(r.workflows))
	for _, e := range r.workflows {
		out = append(out, e.wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) workflow(id string) (*workflowEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
	}
	return e, nil
}

func (r *Registry) GetBeginTask(ctx context.Context, workflowID string) (api.Task, error) {
	e, err := r.workflow(workflowID)
	if err != nil {
		return api.Task{}, err
	}
	if e.beginID == "" {
		return api.Task{}, fmt.Errorf("%w: %s", api.ErrNoBeginTask, workflowID)
	}
	return e.tasks[e.beginID], nil
}

func (r *Registry) GetTask(ctx context.Context, workflowID, taskID string) (*api.TaskNode, error) {
	e, err := r.workflow(workflowID)
	if err != nil {
		return nil, err
	}
	t, ok := e.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", api.ErrTaskNotFound, workflowID, taskID)
	}
	routes := make([]api.Route, len(e.routes[taskID]))
	copy(routes, e.routes[taskID])
	return &api.TaskNode{Task: t, Routes: routes}, nil
}

func (r *Registry) GetGroup(ctx context.Context, groupID string) (api.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupID]
	if !ok {
		return api.Group{}, fmt.Errorf("%w: %s", api.ErrGroupNotFound, groupID)
	}
	return g, nil
}

func (r *Registry) HasUser(ctx context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.users[userID]
	return ok, nil
}
