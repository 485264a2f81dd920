package store

import "errors"

// ErrNotFound is returned when a requested workflow id does not exist.
var ErrNotFound = errors.New("not found")

// ConflictError is returned when a worktree already has an active workflow
// (status ∈ {running, blocked}) and another create_workflow targets it.
type ConflictError struct {
	WorktreePath string
	ActiveID     string
}

func (e *ConflictError) Error() string {
	return "worktree " + e.WorktreePath + " already has an active workflow " + e.ActiveID
}

// CapacityError is returned when the global active-workflow count is at its
// configured cap.
type CapacityError struct {
	MaxConcurrent int
}

func (e *CapacityError) Error() string {
	return "active workflow count at capacity"
}

// InvalidStateError is returned when a status transition or approval
// resolution is illegal given the workflow's current state.
type InvalidStateError struct {
	WorkflowID string
	From       Status
	To         Status
	Reason     string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return "invalid transition for workflow " + e.WorkflowID + ": " + e.Reason
	}
	return "invalid transition for workflow " + e.WorkflowID + ": " + string(e.From) + " -> " + string(e.To)
}
