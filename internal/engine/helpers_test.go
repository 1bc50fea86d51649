package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/taskflow/internal/graph"
	"github.com/petrijr/taskflow/internal/persistence"
	"github.com/petrijr/taskflow/pkg/api"
)

// testClock advances one millisecond per reading so history timestamps are
// strictly increasing.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func task(id, name string, cfg api.TaskConfig) api.Task {
	return api.Task{ID: id, Name: name, Config: cfg}
}

func route(id, from, to, label string, order int) api.Route {
	return api.Route{ID: id, SourceTaskID: from, TargetTaskID: to, Label: label, Order: order}
}

// expenseWorkflow sends claims above 5000 to a manager and everything else
// to a clerk, who may approve or escalate.
func expenseWorkflow() api.Workflow {
	return api.Workflow{
		ID:      "expense",
		Version: 1,
		Name:    "Expense claim",
		Tasks: []api.Task{
			task("begin", "Begin", api.BeginConfig{}),
			task("triage", "Triage", api.DecisionConfig{
				Conditions: []api.Condition{
					{Priority: 1, FieldID: "amount", Operator: api.OpGt, Value: 5000, RouteID: "triage-manager"},
				},
				DefaultRouteID: "triage-clerk",
			}),
			task("clerk", "Clerk Review", api.UserConfig{Policy: api.PolicyQueue}),
			task("manager", "Manager Approval", api.UserConfig{Policy: api.PolicyQueue}),
			task("done", "Done", api.EndConfig{}),
			task("rejected", "Rejected", api.EndConfig{}),
		},
		Routes: []api.Route{
			route("begin-triage", "begin", "triage", "", 0),
			route("triage-manager", "triage", "manager", "High value", 0),
			route("triage-clerk", "triage", "clerk", "Standard", 1),
			route("clerk-done", "clerk", "done", "Approve", 0),
			route("clerk-manager", "clerk", "manager", "Escalate", 1),
			route("manager-done", "manager", "done", "Approve", 0),
			route("manager-rejected", "manager", "rejected", "Reject", 1),
		},
	}
}

type testEnv struct {
	engine  api.Engine
	graph   *graph.Registry
	store   *persistence.InMemoryStore
	metrics *api.BasicMetrics
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, workflows ...api.Workflow) *testEnv {
	t.Helper()
	return newTestEnvWithState(t, persistence.NewInMemoryStore(), workflows...)
}

func newTestEnvWithState(t *testing.T, state persistence.StateStore, workflows ...api.Workflow) *testEnv {
	t.Helper()

	reg := graph.NewRegistry()
	if err := reg.RegisterGroup(api.Group{
		ID:   "managers",
		Name: "Managers",
		Members: []api.Member{
			{ID: "u-zoe", Name: "Zoe"},
			{ID: "u-ann", Name: "Ann"},
			{ID: "u-max", Name: "Max"},
		},
	}); err != nil {
		t.Fatalf("RegisterGroup failed: %v", err)
	}
	for _, u := range []string{"alice", "bob", "carol", "admin"} {
		reg.RegisterUser(u)
	}
	if len(workflows) == 0 {
		workflows = []api.Workflow{expenseWorkflow()}
	}
	for _, wf := range workflows {
		if err := reg.RegisterWorkflow(wf); err != nil {
			t.Fatalf("RegisterWorkflow(%s) failed: %v", wf.ID, err)
		}
	}

	env := &testEnv{graph: reg, metrics: &api.BasicMetrics{}}
	if mem, ok := state.(*persistence.InMemoryStore); ok {
		env.store = mem
	}
	env.engine = NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Graph: reg, Directory: reg, State: state},
		Observer:    env.metrics,
		Logger:      discardLogger(),
		Clock:       newTestClock().Now,
	})
	return env
}

func (env *testEnv) startExpense(t *testing.T, amount float64) *api.Result {
	t.Helper()
	res, err := env.engine.Start(context.Background(), api.StartRequest{
		WorkflowID: "expense",
		ObjectType: "expense-claim",
		ObjectData: map[string]any{"amount": amount, "submitter": "carol"},
		Priority:   2,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return res
}

func (env *testEnv) history(t *testing.T, id string) []api.HistoryEntry {
	t.Helper()
	entries, err := env.engine.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	return entries
}

func (env *testEnv) item(t *testing.T, id string) *api.WorkItem {
	t.Helper()
	item, err := env.engine.GetWorkItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWorkItem failed: %v", err)
	}
	return item
}

// actions renders entries as "action@task" for compact comparisons.
func actions(entries []api.HistoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = fmt.Sprintf("%s@%s", e.Action, e.TaskID)
	}
	return out
}

// assertReplayConsistent checks that the history of id explains its stored
// position, status and claimant.
func assertReplayConsistent(t *testing.T, env *testEnv, id string) {
	t.Helper()
	item := env.item(t, id)
	entries := env.history(t, id)

	taskID, status := api.ReplayHistory(entries)
	if taskID != item.CurrentTaskID || status != item.Status {
		t.Fatalf("replay gives %s/%s, item is %s/%s", taskID, status, item.CurrentTaskID, item.Status)
	}
	if claimant := api.ReplayClaim(entries); claimant != item.ClaimedByID {
		t.Fatalf("replay gives claimant %q, item has %q", claimant, item.ClaimedByID)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("history seq not increasing at %d: %d then %d", i, entries[i-1].Seq, entries[i].Seq)
		}
		if entries[i].At.Before(entries[i-1].At) {
			t.Fatalf("history time goes backwards at %d", i)
		}
	}
}

// stubGraph is a mutable GraphStore for shapes the registry refuses to
// register.
type stubGraph struct {
	mu     sync.Mutex
	begin  map[string]string
	tasks  map[string]api.Task
	routes map[string][]api.Route
}

func newStubGraph() *stubGraph {
	return &stubGraph{
		begin:  make(map[string]string),
		tasks:  make(map[string]api.Task),
		routes: make(map[string][]api.Route),
	}
}

func (g *stubGraph) addTask(wfID string, t api.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t.WorkflowID = wfID
	g.tasks[wfID+"/"+t.ID] = t
	if t.Type() == api.TaskBegin {
		g.begin[wfID] = t.ID
	}
}

func (g *stubGraph) addRoute(wfID string, r api.Route) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.WorkflowID = wfID
	key := wfID + "/" + r.SourceTaskID
	g.routes[key] = append(g.routes[key], r)
}

func (g *stubGraph) GetBeginTask(ctx context.Context, workflowID string) (api.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.begin[workflowID]
	if !ok {
		return api.Task{}, fmt.Errorf("%w: %s", api.ErrNoBeginTask, workflowID)
	}
	return g.tasks[workflowID+"/"+id], nil
}

func (g *stubGraph) GetTask(ctx context.Context, workflowID, taskID string) (*api.TaskNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[workflowID+"/"+taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", api.ErrTaskNotFound, workflowID, taskID)
	}
	routes := append([]api.Route(nil), g.routes[workflowID+"/"+taskID]...)
	return &api.TaskNode{Task: t, Routes: routes}, nil
}

func newStubEnv(g *stubGraph) (api.Engine, *persistence.InMemoryStore, *api.BasicMetrics) {
	store := persistence.NewInMemoryStore()
	metrics := &api.BasicMetrics{}
	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Graph: g, State: store},
		Observer:    metrics,
		Logger:      discardLogger(),
		Clock:       newTestClock().Now,
	})
	return eng, store, metrics
}
