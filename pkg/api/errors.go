package api

import "errors"

var (
	// Configuration errors: the graph is malformed or a condition set has no
	// coverage.
	ErrNoBeginTask          = errors.New("workflow has no begin task")
	ErrNoOutboundRoute      = errors.New("task has no outbound route")
	ErrNoMatchingRoute      = errors.New("no route matches decision")
	ErrTaskNotFound         = errors.New("task not found")
	ErrRouteNotFound        = errors.New("route not found")
	ErrRoutingCycleDetected = errors.New("routing cycle detected")
	ErrInvalidWorkflow      = errors.New("invalid workflow")

	// Contention and ownership errors are routine outcomes of concurrent use.
	ErrAlreadyClaimed   = errors.New("work item already claimed")
	ErrNotClaimed       = errors.New("work item not claimed")
	ErrNotOwner         = errors.New("work item claimed by another user")
	ErrNotActive        = errors.New("work item not active")
	ErrClaimRequired    = errors.New("work item waits at a user task")
	ErrNotAtUserTask    = errors.New("work item is not at a user task")
	ErrConcurrentUpdate = errors.New("work item modified concurrently")

	// Not-found errors: the caller passed a stale or invalid identifier.
	ErrWorkItemNotFound = errors.New("work item not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrGroupNotFound    = errors.New("group not found")
)

// ErrorKind classifies engine errors for callers.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindContention    ErrorKind = "contention"
	KindNotFound      ErrorKind = "not_found"
	// KindFatal covers everything else, most notably an unavailable store.
	KindFatal ErrorKind = "fatal"
)

type errorInfo struct {
	err  error
	kind ErrorKind
	code string
}

var errorTable = []errorInfo{
	{ErrNoBeginTask, KindConfiguration, "NoBeginTask"},
	{ErrNoOutboundRoute, KindConfiguration, "NoOutboundRoute"},
	{ErrNoMatchingRoute, KindConfiguration, "NoMatchingRoute"},
	{ErrTaskNotFound, KindConfiguration, "TaskNotFound"},
	{ErrRouteNotFound, KindConfiguration, "RouteNotFound"},
	{ErrRoutingCycleDetected, KindConfiguration, "RoutingCycleDetected"},
	{ErrInvalidWorkflow, KindConfiguration, "InvalidWorkflow"},
	{ErrAlreadyClaimed, KindContention, "AlreadyClaimed"},
	{ErrNotClaimed, KindContention, "NotClaimed"},
	{ErrNotOwner, KindContention, "NotOwner"},
	{ErrNotActive, KindContention, "NotActive"},
	{ErrClaimRequired, KindContention, "ClaimRequired"},
	{ErrNotAtUserTask, KindContention, "NotAtUserTask"},
	{ErrConcurrentUpdate, KindContention, "ConcurrentUpdate"},
	{ErrWorkItemNotFound, KindNotFound, "WorkItemNotFound"},
	{ErrUserNotFound, KindNotFound, "UserNotFound"},
	{ErrWorkflowNotFound, KindNotFound, "WorkflowNotFound"},
	{ErrGroupNotFound, KindNotFound, "GroupNotFound"},
}

func lookupError(err error) (errorInfo, bool) {
	for _, info := range errorTable {
		if errors.Is(err, info.err) {
			return info, true
		}
	}
	return errorInfo{}, false
}

// KindOf classifies err. Unknown errors are fatal.
func KindOf(err error) ErrorKind {
	if info, ok := lookupError(err); ok {
		return info.kind
	}
	return KindFatal
}

// CodeOf returns the stable code of err, "Internal" for unknown errors and
// "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if info, ok := lookupError(err); ok {
		return info.code
	}
	return "Internal"
}
