// Package mocktracker is a test implementation of collaborators.Tracker.
package mocktracker

import (
	"context"
	"sync"

	"github.com/existential-birds/amelia/pkg/collaborators"
)

// Tracker serves a fixed in-memory map of issues for tests.
type Tracker struct {
	mu     sync.Mutex
	Issues map[string]collaborators.Issue
}

// New creates a Tracker seeded with issues.
func New(issues ...collaborators.Issue) *Tracker {
	t := &Tracker{Issues: make(map[string]collaborators.Issue, len(issues))}
	for _, i := range issues {
		t.Issues[i.ID] = i
	}
	return t
}

func (t *Tracker) GetIssue(_ context.Context, id string) (collaborators.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	issue, ok := t.Issues[id]
	if !ok {
		return collaborators.Issue{}, collaborators.ErrIssueNotFound
	}
	return issue, nil
}
