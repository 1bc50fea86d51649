package graph

import (
	"errors"
	"fmt"

	"github.com/petrijr/taskflow/pkg/api"
)

var knownOperators = map[api.Operator]bool{
	api.OpEq: true, api.OpNeq: true,
	api.OpGt: true, api.OpGte: true, api.OpLt: true, api.OpLte: true,
	api.OpContains: true, api.OpStartsWith: true,
}

// Normalize fills in the workflow id on tasks and routes and points
// route-attached conditions at their own route.
func Normalize(wf api.Workflow) api.Workflow {
	tasks := make([]api.Task, len(wf.Tasks))
	for i, t := range wf.Tasks {
		if t.WorkflowID == "" {
			t.WorkflowID = wf.ID
		}
		tasks[i] = t
	}
	routes := make([]api.Route, len(wf.Routes))
	for i, rt := range wf.Routes {
		if rt.WorkflowID == "" {
			rt.WorkflowID = wf.ID
		}
		if rt.Condition != nil {
			c := *rt.Condition
			if c.RouteID == "" {
				c.RouteID = rt.ID
			}
			rt.Condition = &c
		}
		routes[i] = rt
	}
	wf.Tasks = tasks
	wf.Routes = routes
	return wf
}

// Validate checks the structural rules of a workflow graph: one begin task,
// an end task reachable from it, routes between tasks of the same workflow,
// and decision conditions that only name routes leaving their task.
// All problems are reported together, wrapped in api.ErrInvalidWorkflow.
func Validate(wf api.Workflow) error {
	var problems []error
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if wf.ID == "" {
		addf("workflow id is required")
	}

	tasks := make(map[string]api.Task, len(wf.Tasks))
	var begins []string
	for _, t := range wf.Tasks {
		if t.ID == "" {
			addf("task with empty id")
			continue
		}
		if _, dup := tasks[t.ID]; dup {
			addf("duplicate task %q", t.ID)
			continue
		}
		if t.Config == nil {
			addf("task %q has no type", t.ID)
			continue
		}
		if t.WorkflowID != wf.ID {
			addf("task %q belongs to workflow %q", t.ID, t.WorkflowID)
		}
		tasks[t.ID] = t
		if t.Type() == api.TaskBegin {
			begins = append(begins, t.ID)
		}
	}
	switch len(begins) {
	case 0:
		problems = append(problems, api.ErrNoBeginTask)
	case 1:
	default:
		addf("multiple begin tasks %v", begins)
	}

	routeIDs := make(map[string]bool, len(wf.Routes))
	outbound := make(map[string]map[string]bool)
	adjacent := make(map[string][]string)
	for _, rt := range wf.Routes {
		if rt.ID == "" {
			addf("route with empty id from %q", rt.SourceTaskID)
			continue
		}
		if routeIDs[rt.ID] {
			addf("duplicate route %q", rt.ID)
			continue
		}
		routeIDs[rt.ID] = true
		if rt.WorkflowID != wf.ID {
			addf("route %q belongs to workflow %q", rt.ID, rt.WorkflowID)
		}
		if _, ok := tasks[rt.SourceTaskID]; !ok {
			addf("route %q leaves unknown task %q", rt.ID, rt.SourceTaskID)
			continue
		}
		if _, ok := tasks[rt.TargetTaskID]; !ok {
			addf("route %q enters unknown task %q", rt.ID, rt.TargetTaskID)
			continue
		}
		if outbound[rt.SourceTaskID] == nil {
			outbound[rt.SourceTaskID] = make(map[string]bool)
		}
		outbound[rt.SourceTaskID][rt.ID] = true
		adjacent[rt.SourceTaskID] = append(adjacent[rt.SourceTaskID], rt.TargetTaskID)

		if rt.Condition != nil {
			if tasks[rt.SourceTaskID].Type() != api.TaskDecision {
				addf("route %q has a condition but leaves non-decision task %q", rt.ID, rt.SourceTaskID)
			}
			problems = append(problems, validateCondition(*rt.Condition, rt.SourceTaskID, nil)...)
		}
	}

	for _, t := range wf.Tasks {
		switch cfg := t.Config.(type) {
		case api.DecisionConfig:
			leaving := outbound[t.ID]
			if leaving == nil {
				leaving = map[string]bool{}
			}
			for _, c := range cfg.Conditions {
				problems = append(problems, validateCondition(c, t.ID, leaving)...)
			}
			if cfg.DefaultRouteID != "" && !leaving[cfg.DefaultRouteID] {
				addf("decision %q default route %q does not leave the task", t.ID, cfg.DefaultRouteID)
			}
		case api.UserConfig:
			switch cfg.Policy {
			case api.PolicyQueue, api.PolicyManual:
			case api.PolicyRoundRobin:
				if cfg.GroupID == "" {
					addf("user task %q uses round-robin without a group", t.ID)
				}
			default:
				addf("user task %q has unknown assignment policy %q", t.ID, cfg.Policy)
			}
		case api.SubflowConfig:
			if cfg.WorkflowID == "" {
				addf("subflow task %q names no workflow", t.ID)
			}
		}
	}

	if len(begins) == 1 && !endReachable(begins[0], tasks, adjacent) {
		addf("no end task reachable from begin task %q", begins[0])
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %w", api.ErrInvalidWorkflow, wf.ID, errors.Join(problems...))
	}
	return nil
}

// validateCondition checks one condition. When routes is non-nil the
// condition's route must be one of them.
func validateCondition(c api.Condition, taskID string, routes map[string]bool) []error {
	var problems []error
	if c.FieldID == "" {
		problems = append(problems, fmt.Errorf("decision %q has a condition without a field", taskID))
	}
	if !knownOperators[c.Operator] {
		problems = append(problems, fmt.Errorf("decision %q uses unknown operator %q", taskID, c.Operator))
	}
	if routes != nil && !routes[c.RouteID] {
		problems = append(problems, fmt.Errorf("decision %q condition on %q names route %q that does not leave the task", taskID, c.FieldID, c.RouteID))
	}
	return problems
}

func endReachable(begin string, tasks map[string]api.Task, adjacent map[string][]string) bool {
	seen := map[string]bool{begin: true}
	queue := []string{begin}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if tasks[id].Type() == api.TaskEnd {
			return true
		}
		for _, next := range adjacent[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
