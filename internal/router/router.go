// Package router selects the outbound route of a decision task.
package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/petrijr/taskflow/internal/condition"
	"github.com/petrijr/taskflow/pkg/api"
)

// Reason tells how a route was selected.
type Reason string

const (
	ReasonCondition    Reason = "condition"
	ReasonDefaultRoute Reason = "default-route"
	ReasonDefaultLabel Reason = "default-label"
	ReasonFirstRoute   Reason = "first-route"
)

// Decision is the outcome of Route.
type Decision struct {
	Route  api.Route
	Reason Reason
	// Condition is set when Reason is ReasonCondition.
	Condition *api.Condition
}

// Describe renders the decision for history notes.
func (d Decision) Describe() string {
	if d.Condition != nil {
		return fmt.Sprintf("%s: %s %s %v", d.Reason, d.Condition.FieldID, d.Condition.Operator, d.Condition.Value)
	}
	return string(d.Reason)
}

// Route picks one of routes for a decision task. Conditions are tried in
// ascending priority; the first one that holds and references an available
// route wins. Without a match it falls back to the configured default route,
// then a route labeled "default", then the first route.
func Route(cfg api.DecisionConfig, data map[string]any, routes []api.Route) (Decision, bool) {
	if len(routes) == 0 {
		return Decision{}, false
	}

	byID := make(map[string]api.Route, len(routes))
	for _, r := range routes {
		byID[r.ID] = r
	}

	for _, c := range orderedConditions(cfg, routes) {
		r, ok := byID[c.RouteID]
		if !ok {
			continue
		}
		if condition.Matches(c, data) {
			c := c
			return Decision{Route: r, Reason: ReasonCondition, Condition: &c}, true
		}
	}

	if cfg.DefaultRouteID != "" {
		if r, ok := byID[cfg.DefaultRouteID]; ok {
			return Decision{Route: r, Reason: ReasonDefaultRoute}, true
		}
	}
	for _, r := range routes {
		if strings.EqualFold(r.Label, "default") {
			return Decision{Route: r, Reason: ReasonDefaultLabel}, true
		}
	}
	return Decision{Route: routes[0], Reason: ReasonFirstRoute}, true
}

// orderedConditions merges the decision's conditions with conditions
// attached to routes and sorts them by priority. Ties keep declaration
// order, decision conditions first.
func orderedConditions(cfg api.DecisionConfig, routes []api.Route) []api.Condition {
	conds := make([]api.Condition, 0, len(cfg.Conditions)+len(routes))
	conds = append(conds, cfg.Conditions...)
	for _, r := range routes {
		if r.Condition == nil {
			continue
		}
		c := *r.Condition
		c.RouteID = r.ID
		conds = append(conds, c)
	}
	sort.SliceStable(conds, func(i, j int) bool {
		return conds[i].Priority < conds[j].Priority
	})
	return conds
}
