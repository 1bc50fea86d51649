package taskflow_test

import (
	"github.com/petrijr/taskflow"
	"github.com/petrijr/taskflow/pkg/api"
)

func expenseGraph() taskflow.Workflow {
	task := func(id string, cfg api.TaskConfig) taskflow.Task {
		return taskflow.Task{ID: id, Name: id, Config: cfg}
	}
	return taskflow.Workflow{
		ID:      "expense",
		Version: 1,
		Tasks: []taskflow.Task{
			task("begin", api.BeginConfig{}),
			task("triage", api.DecisionConfig{
				Conditions: []taskflow.Condition{
					{Priority: 1, FieldID: "amount", Operator: api.OpGt, Value: 1000, RouteID: "to-director"},
				},
				DefaultRouteID: "to-review",
			}),
			task("review", api.UserConfig{Policy: api.PolicyRoundRobin, GroupID: "reviewers"}),
			task("director", api.UserConfig{Policy: api.PolicyQueue}),
			task("done", api.EndConfig{}),
		},
		Routes: []taskflow.Route{
			{ID: "start", SourceTaskID: "begin", TargetTaskID: "triage"},
			{ID: "to-review", SourceTaskID: "triage", TargetTaskID: "review", Label: "Standard"},
			{ID: "to-director", SourceTaskID: "triage", TargetTaskID: "director", Label: "High value"},
			{ID: "approve", SourceTaskID: "review", TargetTaskID: "done", Label: "Approve"},
			{ID: "sign", SourceTaskID: "director", TargetTaskID: "done", Label: "Approve"},
		},
	}
}
