package graph

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/taskflow/pkg/api"
)

// Document is the on-disk form of a graph file. One file may declare any
// number of workflows, groups and standalone users.
type Document struct {
	Workflows []WorkflowDoc `yaml:"workflows"`
	Groups    []GroupDoc    `yaml:"groups,omitempty"`
	Users     []string      `yaml:"users,omitempty"`
}

type WorkflowDoc struct {
	ID        string     `yaml:"id"`
	ProcessID string     `yaml:"process,omitempty"`
	Version   int        `yaml:"version,omitempty"`
	Name      string     `yaml:"name,omitempty"`
	Tasks     []TaskDoc  `yaml:"tasks"`
	Routes    []RouteDoc `yaml:"routes"`
}

// TaskDoc is a flat task record; which optional fields apply depends on
// Type.
type TaskDoc struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
	Type string `yaml:"type"`

	// user
	Policy    string `yaml:"policy,omitempty"`
	Group     string `yaml:"group,omitempty"`
	Principal string `yaml:"principal,omitempty"`

	// decision
	Conditions   []ConditionDoc `yaml:"conditions,omitempty"`
	DefaultRoute string         `yaml:"default_route,omitempty"`

	// service
	Action string `yaml:"action,omitempty"`

	// subflow
	Workflow string `yaml:"workflow,omitempty"`
}

type ConditionDoc struct {
	Priority int    `yaml:"priority,omitempty"`
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
	Route    string `yaml:"route,omitempty"`
}

type RouteDoc struct {
	ID        string        `yaml:"id"`
	From      string        `yaml:"from"`
	To        string        `yaml:"to"`
	Label     string        `yaml:"label,omitempty"`
	Order     int           `yaml:"order,omitempty"`
	Condition *ConditionDoc `yaml:"condition,omitempty"`
}

type GroupDoc struct {
	ID      string      `yaml:"id"`
	Name    string      `yaml:"name,omitempty"`
	Members []MemberDoc `yaml:"members"`
}

type MemberDoc struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

// ParseYAML decodes a graph document. The result is not validated; use
// Registry.Load for that.
func ParseYAML(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("graph: document is empty")
	}
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("graph: decode document: %w", err)
	}
	return &doc, nil
}

// LoadFile reads and parses a graph file.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graph: read %s: %w", path, err)
	}
	doc, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("graph: %s: %w", path, err)
	}
	return doc, nil
}

// ExpandPaths turns a list of files and directories into the sorted list of
// YAML files they name. A path that does not exist is an error.
func ExpandPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("graph: %s does not exist", p)
			}
			return nil, fmt.Errorf("graph: stat %s: %w", p, err)
		}
		if !info.IsDir() {
			out = append(out, filepath.Clean(p))
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("graph: read %s: %w", p, err)
		}
		var files []string
		for _, e := range entries {
			if !e.IsDir() && isYAMLFile(e.Name()) {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(files)
		out = append(out, files...)
	}
	return out, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// Load registers everything a document declares. Groups and users are
// added first so workflows can refer to them.
func (r *Registry) Load(doc *Document) error {
	for _, g := range doc.Groups {
		if err := r.RegisterGroup(g.toGroup()); err != nil {
			return err
		}
	}
	for _, u := range doc.Users {
		r.RegisterUser(u)
	}
	for _, w := range doc.Workflows {
		wf, err := w.ToWorkflow()
		if err != nil {
			return err
		}
		if err := r.RegisterWorkflow(wf); err != nil {
			return err
		}
	}
	return nil
}

// LoadFiles expands paths, parses every file and registers its content.
func (r *Registry) LoadFiles(paths []string) error {
	files, err := ExpandPaths(paths)
	if err != nil {
		return err
	}
	for _, f := range files {
		doc, err := LoadFile(f)
		if err != nil {
			return err
		}
		if err := r.Load(doc); err != nil {
			return fmt.Errorf("graph: %s: %w", f, err)
		}
	}
	return nil
}

// ToWorkflow converts the document into a workflow, decoding each task's
// type-specific fields into its config variant.
func (w WorkflowDoc) ToWorkflow() (api.Workflow, error) {
	wf := api.Workflow{
		ID:        w.ID,
		ProcessID: w.ProcessID,
		Version:   w.Version,
		Name:      w.Name,
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	for _, t := range w.Tasks {
		task, err := t.toTask(w.ID)
		if err != nil {
			return api.Workflow{}, fmt.Errorf("%w %q: %w", api.ErrInvalidWorkflow, w.ID, err)
		}
		wf.Tasks = append(wf.Tasks, task)
	}
	for _, rt := range w.Routes {
		route := api.Route{
			ID:           rt.ID,
			WorkflowID:   w.ID,
			SourceTaskID: rt.From,
			TargetTaskID: rt.To,
			Label:        rt.Label,
			Order:        rt.Order,
		}
		if rt.Condition != nil {
			c := rt.Condition.toCondition()
			route.Condition = &c
		}
		wf.Routes = append(wf.Routes, route)
	}
	return wf, nil
}

func (t TaskDoc) toTask(workflowID string) (api.Task, error) {
	task := api.Task{ID: t.ID, WorkflowID: workflowID, Name: t.Name}
	if task.Name == "" {
		task.Name = t.ID
	}

	cfg, err := api.ConfigFor(api.TaskType(strings.ToLower(t.Type)))
	if err != nil {
		return api.Task{}, fmt.Errorf("task %q: %w", t.ID, err)
	}
	switch c := cfg.(type) {
	case api.UserConfig:
		if t.Policy != "" {
			c.Policy = api.AssignmentPolicy(strings.ToLower(t.Policy))
		}
		c.GroupID = t.Group
		c.Principal = t.Principal
		cfg = c
	case api.DecisionConfig:
		c.DefaultRouteID = t.DefaultRoute
		for _, cd := range t.Conditions {
			c.Conditions = append(c.Conditions, cd.toCondition())
		}
		cfg = c
	case api.ServiceConfig:
		c.Action = t.Action
		cfg = c
	case api.SubflowConfig:
		c.WorkflowID = t.Workflow
		cfg = c
	}
	task.Config = cfg
	return task, nil
}

func (c ConditionDoc) toCondition() api.Condition {
	return api.Condition{
		Priority: c.Priority,
		FieldID:  c.Field,
		Operator: api.Operator(c.Operator),
		Value:    c.Value,
		RouteID:  c.Route,
	}
}

func (g GroupDoc) toGroup() api.Group {
	group := api.Group{ID: g.ID, Name: g.Name}
	for _, m := range g.Members {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		group.Members = append(group.Members, api.Member{ID: m.ID, Name: name})
	}
	return group
}
