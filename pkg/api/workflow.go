package api

import (
	"fmt"
	"sort"
)

// TaskType identifies the kind of node a Task represents.
type TaskType string

const (
	TaskBegin      TaskType = "begin"
	TaskEnd        TaskType = "end"
	TaskUser       TaskType = "user"
	TaskDecision   TaskType = "decision"
	TaskService    TaskType = "service"
	TaskSubflow    TaskType = "subflow"
	TaskBroadcast  TaskType = "broadcast"
	TaskRendezvous TaskType = "rendezvous"
)

// Automatic reports whether a work item arriving at a task of this type is
// moved on without human action.
func (t TaskType) Automatic() bool {
	switch t {
	case TaskDecision, TaskService, TaskBroadcast, TaskRendezvous, TaskBegin:
		return true
	default:
		return false
	}
}

// TaskConfig is the type-specific payload of a Task. Exactly one variant
// exists per TaskType; the set is closed.
type TaskConfig interface {
	TaskType() TaskType
	isTaskConfig()
}

type BeginConfig struct{}

type EndConfig struct{}

// AssignmentPolicy decides who gets a work item arriving at a user task.
type AssignmentPolicy string

const (
	PolicyQueue      AssignmentPolicy = "queue"
	PolicyManual     AssignmentPolicy = "manual"
	PolicyRoundRobin AssignmentPolicy = "round-robin"
)

// UserConfig configures a task that waits for a human to release the item.
type UserConfig struct {
	Policy  AssignmentPolicy
	GroupID string
	// Principal is informational for manual assignment; the engine never
	// claims on its behalf.
	Principal string
}

// DecisionConfig holds the ordered conditions of a decision task.
type DecisionConfig struct {
	Conditions     []Condition
	DefaultRouteID string
}

type ServiceConfig struct {
	Action string
}

// SubflowConfig references the workflow an external collaborator runs
// before continuing the parked item.
type SubflowConfig struct {
	WorkflowID string
}

type BroadcastConfig struct{}

type RendezvousConfig struct{}

func (BeginConfig) TaskType() TaskType      { return TaskBegin }
func (EndConfig) TaskType() TaskType        { return TaskEnd }
func (UserConfig) TaskType() TaskType       { return TaskUser }
func (DecisionConfig) TaskType() TaskType   { return TaskDecision }
func (ServiceConfig) TaskType() TaskType    { return TaskService }
func (SubflowConfig) TaskType() TaskType    { return TaskSubflow }
func (BroadcastConfig) TaskType() TaskType  { return TaskBroadcast }
func (RendezvousConfig) TaskType() TaskType { return TaskRendezvous }

func (BeginConfig) isTaskConfig()      {}
func (EndConfig) isTaskConfig()        {}
func (UserConfig) isTaskConfig()       {}
func (DecisionConfig) isTaskConfig()   {}
func (ServiceConfig) isTaskConfig()    {}
func (SubflowConfig) isTaskConfig()    {}
func (BroadcastConfig) isTaskConfig()  {}
func (RendezvousConfig) isTaskConfig() {}

// ConfigFor returns the zero-valued config variant for a task type.
func ConfigFor(t TaskType) (TaskConfig, error) {
	switch t {
	case TaskBegin:
		return BeginConfig{}, nil
	case TaskEnd:
		return EndConfig{}, nil
	case TaskUser:
		return UserConfig{Policy: PolicyQueue}, nil
	case TaskDecision:
		return DecisionConfig{}, nil
	case TaskService:
		return ServiceConfig{}, nil
	case TaskSubflow:
		return SubflowConfig{}, nil
	case TaskBroadcast:
		return BroadcastConfig{}, nil
	case TaskRendezvous:
		return RendezvousConfig{}, nil
	default:
		return nil, fmt.Errorf("unknown task type %q", t)
	}
}

// Task is a node of a workflow graph. Tasks are read-only to the engine.
type Task struct {
	ID         string
	WorkflowID string
	Name       string
	Config     TaskConfig
}

// Type returns the task type carried by the config variant.
func (t Task) Type() TaskType {
	if t.Config == nil {
		return ""
	}
	return t.Config.TaskType()
}

// Route is a directed edge between two tasks.
type Route struct {
	ID           string
	WorkflowID   string
	SourceTaskID string
	TargetTaskID string
	Label        string
	// Condition is consulted only when the source is a decision task.
	Condition *Condition
	// Order fixes the enumeration order of routes sharing a source.
	Order int
}

// Operator is a comparison used by decision conditions.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
)

// Condition selects RouteID when FieldID in the work item data compares
// true against Value. Lower Priority is tried first.
type Condition struct {
	Priority int
	FieldID  string
	Operator Operator
	Value    any
	RouteID  string
}

// TaskNode is a task together with its outbound routes in stable order.
type TaskNode struct {
	Task   Task
	Routes []Route
}

// Workflow is a versioned task graph belonging to a process.
type Workflow struct {
	ID        string
	ProcessID string
	Version   int
	Name      string
	Tasks     []Task
	Routes    []Route
}

// SortRoutes orders routes by Order, keeping declaration order for ties.
func SortRoutes(routes []Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Order < routes[j].Order
	})
}

// Member is a user belonging to a group.
type Member struct {
	ID   string
	Name string
}

// Group is a set of users eligible for work at a user task.
type Group struct {
	ID      string
	Name    string
	Members []Member
}

// OrderedMemberIDs returns member ids sorted by name, then id, which is the
// rotation order used by round-robin assignment.
func (g Group) OrderedMemberIDs() []string {
	members := make([]Member, len(g.Members))
	copy(members, g.Members)
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Name != members[j].Name {
			return members[i].Name < members[j].Name
		}
		return members[i].ID < members[j].ID
	})
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}
