package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/petrijr/taskflow/pkg/api"
)

// resultResponse is the body of every mutating call.
type resultResponse struct {
	Success         bool   `json:"success"`
	WorkItemID      string `json:"workItemId,omitempty"`
	CurrentTaskID   string `json:"currentTaskId,omitempty"`
	CurrentTaskName string `json:"currentTaskName,omitempty"`
	Status          string `json:"status,omitempty"`
	ClaimedByID     string `json:"claimedById,omitempty"`
	Error           string `json:"error,omitempty"`
	Code            string `json:"code,omitempty"`
}

func resultBody(res *api.Result) resultResponse {
	if res == nil {
		return resultResponse{}
	}
	body := resultResponse{
		Success:         true,
		WorkItemID:      res.WorkItemID,
		CurrentTaskID:   res.CurrentTaskID,
		CurrentTaskName: res.CurrentTaskName,
		Status:          string(res.Status),
	}
	if res.WorkItem != nil {
		body.ClaimedByID = res.WorkItem.ClaimedByID
	}
	return body
}

func itemBody(item *api.WorkItem) resultResponse {
	return resultResponse{
		Success:       true,
		WorkItemID:    item.ID,
		CurrentTaskID: item.CurrentTaskID,
		Status:        string(item.Status),
		ClaimedByID:   item.ClaimedByID,
	}
}

type workItemView struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflowId"`
	ObjectType    string         `json:"objectType,omitempty"`
	CurrentTaskID string         `json:"currentTaskId"`
	Status        string         `json:"status"`
	Priority      int            `json:"priority"`
	ObjectData    map[string]any `json:"objectData,omitempty"`
	ClaimedByID   string         `json:"claimedById,omitempty"`
	ClaimedAt     *time.Time     `json:"claimedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	Revision      int64          `json:"revision"`
}

func toWorkItemView(item *api.WorkItem) workItemView {
	return workItemView{
		ID:            item.ID,
		WorkflowID:    item.WorkflowID,
		ObjectType:    item.ObjectType,
		CurrentTaskID: item.CurrentTaskID,
		Status:        string(item.Status),
		Priority:      item.Priority,
		ObjectData:    item.ObjectData,
		ClaimedByID:   item.ClaimedByID,
		ClaimedAt:     item.ClaimedAt,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
		CompletedAt:   item.CompletedAt,
		Revision:      item.Revision,
	}
}

type historyView struct {
	Seq        int64     `json:"seq"`
	TaskID     string    `json:"taskId"`
	TaskName   string    `json:"taskName,omitempty"`
	Action     string    `json:"action"`
	RouteLabel string    `json:"routeLabel,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	At         time.Time `json:"at"`
}

type startRequest struct {
	WorkflowID string         `json:"workflowId"`
	ObjectType string         `json:"objectType"`
	ObjectData map[string]any `json:"objectData"`
	Priority   int            `json:"priority"`
}

type claimRequest struct {
	UserID string `json:"userId"`
}

type releaseRequest struct {
	RouteLabel string         `json:"routeLabel"`
	UserID     string         `json:"userId"`
	Notes      string         `json:"notes"`
	Data       map[string]any `json:"data"`
}

type assignRequest struct {
	UserID  string `json:"userId"`
	ActorID string `json:"actorId"`
}

type continueRequest struct {
	RouteLabel string `json:"routeLabel"`
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return fmt.Errorf("%w: invalid request body", errBadRequest)
	}
	return nil
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", errBadRequest, name)
	}
	return nil
}

// Start creates a work item
// (POST /api/v1/work-items)
func (s *Server) Start(c echo.Context) error {
	var req startRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err, nil)
	}
	if err := requireField("workflowId", req.WorkflowID); err != nil {
		return s.fail(c, err, nil)
	}

	res, err := s.engine.Start(c.Request().Context(), api.StartRequest{
		WorkflowID: req.WorkflowID,
		ObjectType: req.ObjectType,
		ObjectData: req.ObjectData,
		Priority:   req.Priority,
	})
	if err != nil {
		return s.fail(c, err, res)
	}
	return c.JSON(http.StatusCreated, resultBody(res))
}

// List returns work items filtered by query parameters
// (GET /api/v1/work-items?workflowId=&status=&taskId=&claimedBy=)
func (s *Server) List(c echo.Context) error {
	items, err := s.engine.ListWorkItems(c.Request().Context(), api.WorkItemListOptions{
		WorkflowID:    c.QueryParam("workflowId"),
		Status:        api.Status(c.QueryParam("status")),
		CurrentTaskID: c.QueryParam("taskId"),
		ClaimedByID:   c.QueryParam("claimedBy"),
	})
	if err != nil {
		return s.fail(c, err, nil)
	}
	views := make([]workItemView, 0, len(items))
	for _, item := range items {
		views = append(views, toWorkItemView(item))
	}
	return c.JSON(http.StatusOK, map[string]any{"items": views})
}

// Get returns one work item
// (GET /api/v1/work-items/:id)
func (s *Server) Get(c echo.Context) error {
	item, err := s.engine.GetWorkItem(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, toWorkItemView(item))
}

// History returns the audit trail of a work item
// (GET /api/v1/work-items/:id/history)
func (s *Server) History(c echo.Context) error {
	entries, err := s.engine.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err, nil)
	}
	views := make([]historyView, 0, len(entries))
	for _, e := range entries {
		views = append(views, historyView{
			Seq:        e.Seq,
			TaskID:     e.TaskID,
			TaskName:   e.TaskName,
			Action:     string(e.Action),
			RouteLabel: e.RouteLabel,
			UserID:     e.UserID,
			Notes:      e.Notes,
			At:         e.At,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"workItemId": c.Param("id"), "entries": views})
}

// Claim takes ownership of a work item
// (POST /api/v1/work-items/:id/claim)
func (s *Server) Claim(c echo.Context) error {
	var req claimRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err, nil)
	}
	if err := requireField("userId", req.UserID); err != nil {
		return s.fail(c, err, nil)
	}
	item, err := s.engine.Claim(c.Request().Context(), c.Param("id"), req.UserID)
	if err != nil {
		return s.fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, itemBody(item))
}

// Unclaim drops the current claim
// (POST /api/v1/work-items/:id/unclaim)
func (s *Server) Unclaim(c echo.Context) error {
	item, err := s.engine.Unclaim(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, itemBody(item))
}

// Release hands a claimed item on along a labeled route
// (POST /api/v1/work-items/:id/release)
func (s *Server) Release(c echo.Context) error {
	var req releaseRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err, nil)
	}
	if err := requireField("userId", req.UserID); err != nil {
		return s.fail(c, err, nil)
	}
	res, err := s.engine.Release(c.Request().Context(), api.ReleaseRequest{
		WorkItemID: c.Param("id"),
		RouteLabel: req.RouteLabel,
		UserID:     req.UserID,
		Notes:      req.Notes,
		Data:       req.Data,
	})
	if err != nil {
		return s.fail(c, err, res)
	}
	return c.JSON(http.StatusOK, resultBody(res))
}

// Assign sets the claimant on behalf of an administrator
// (POST /api/v1/work-items/:id/assign)
func (s *Server) Assign(c echo.Context) error {
	var req assignRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err, nil)
	}
	if err := requireField("userId", req.UserID); err != nil {
		return s.fail(c, err, nil)
	}
	item, err := s.engine.Assign(c.Request().Context(), c.Param("id"), req.UserID, req.ActorID)
	if err != nil {
		return s.fail(c, err, nil)
	}
	return c.JSON(http.StatusOK, itemBody(item))
}

// Continue moves on an item parked at an automatic task
// (POST /api/v1/work-items/:id/continue)
func (s *Server) Continue(c echo.Context) error {
	var req continueRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return s.fail(c, err, nil)
		}
	}
	res, err := s.engine.Continue(c.Request().Context(), c.Param("id"), req.RouteLabel)
	if err != nil {
		return s.fail(c, err, res)
	}
	return c.JSON(http.StatusOK, resultBody(res))
}
