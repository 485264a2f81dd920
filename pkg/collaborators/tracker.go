package collaborators

import (
	"context"
	"errors"
)

// ErrIssueNotFound is returned by Tracker.GetIssue for an unknown issue id.
var ErrIssueNotFound = errors.New("issue not found")

// Issue is the subset of issue-tracker data the plan node needs.
type Issue struct {
	ID          string
	Title       string
	Description string
	Status      string
}

// Tracker is the external issue source (spec §6.4). May fail with
// ErrIssueNotFound or a transient network error (the caller's retry policy
// decides how to handle the latter).
type Tracker interface {
	GetIssue(ctx context.Context, id string) (Issue, error)
}
