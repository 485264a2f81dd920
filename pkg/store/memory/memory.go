// Package memory is an in-memory Store implementation backed by
// mutex-guarded maps: no persistence across process restarts, used for
// tests and the zero-dependency path.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/existential-birds/amelia/pkg/ids"
	"github.com/existential-birds/amelia/pkg/store"
)

// Store is an in-memory, thread-safe implementation of store.Store.
//
// Data is lost when the process terminates. Not suitable for crash recovery
// testing beyond a single process lifetime; use pkg/store/sqlite for that.
type Store struct {
	mu        sync.Mutex
	workflows map[string]*store.Workflow
	events    map[string][]store.Event // workflowID -> ordered events
	usage     []store.TokenUsageRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workflows: make(map[string]*store.Workflow),
		events:    make(map[string][]store.Event),
	}
}

func (s *Store) activeCountLocked() int {
	n := 0
	for _, w := range s.workflows {
		if w.Status.Active() {
			n++
		}
	}
	return n
}

func (s *Store) CreateWorkflow(_ context.Context, issueID, worktreePath, profileID string, maxConcurrent int) (store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workflows {
		if w.WorktreePath == worktreePath && w.Status.Active() {
			return store.Workflow{}, &store.ConflictError{WorktreePath: worktreePath, ActiveID: w.ID}
		}
	}
	if s.activeCountLocked() >= maxConcurrent {
		return store.Workflow{}, &store.CapacityError{MaxConcurrent: maxConcurrent}
	}

	wf := &store.Workflow{
		ID:           ids.New(),
		IssueID:      issueID,
		WorktreePath: worktreePath,
		ProfileID:    profileID,
		Status:       store.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	s.workflows[wf.ID] = wf
	s.events[wf.ID] = nil
	return *wf, nil
}

func (s *Store) GetWorkflow(_ context.Context, id string) (store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return store.Workflow{}, store.ErrNotFound
	}
	return *w, nil
}

func (s *Store) ListWorkflows(_ context.Context, filter store.ListFilter) ([]store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		if filter.WorktreePath != "" && w.WorktreePath != filter.WorktreePath {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// legalTransitions mirrors the DFA in spec §4.2; pkg/lifecycle is the
// authority on policy, but the Store enforces it as the single writer of
// Status so that no caller can bypass the lock and corrupt it.
var legalTransitions = map[store.Status]map[store.Status]bool{
	store.StatusPending: {store.StatusRunning: true, store.StatusCancelled: true},
	store.StatusRunning: {store.StatusBlocked: true, store.StatusCompleted: true, store.StatusFailed: true, store.StatusCancelled: true},
	store.StatusBlocked: {store.StatusRunning: true, store.StatusCancelled: true},
}

func (s *Store) UpdateStatus(_ context.Context, id string, from, to store.Status, failureReason string) (store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return store.Workflow{}, store.ErrNotFound
	}
	if w.Status != from {
		return store.Workflow{}, &store.InvalidStateError{WorkflowID: id, From: w.Status, To: to, Reason: "current status is " + string(w.Status)}
	}
	if !legalTransitions[from][to] {
		return store.Workflow{}, &store.InvalidStateError{WorkflowID: id, From: from, To: to}
	}

	now := time.Now().UTC()
	if from == store.StatusPending && to == store.StatusRunning {
		w.StartedAt = &now
	}
	if to.Terminal() {
		w.CompletedAt = &now
	}
	if to == store.StatusFailed {
		w.FailureReason = failureReason
	}
	w.Status = to
	return *w, nil
}

func (s *Store) SaveSnapshot(_ context.Context, id string, snapshot []byte, schemaVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	w.StateSnapshot = snapshot
	w.SchemaVersion = schemaVersion
	return nil
}

func (s *Store) SaveSnapshotAndEvents(ctx context.Context, id string, snapshot []byte, schemaVersion int, events []store.Event) ([]store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	w.StateSnapshot = snapshot
	w.SchemaVersion = schemaVersion

	out := make([]store.Event, 0, len(events))
	for _, e := range events {
		persisted, err := s.appendEventLocked(e)
		if err != nil {
			return nil, err
		}
		out = append(out, persisted)
	}
	return out, nil
}

func (s *Store) appendEventLocked(e store.Event) (store.Event, error) {
	if _, ok := s.workflows[e.WorkflowID]; !ok {
		return store.Event{}, store.ErrNotFound
	}
	existing := s.events[e.WorkflowID]
	e.Sequence = int64(len(existing)) + 1
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.events[e.WorkflowID] = append(existing, e)
	return e, nil
}

func (s *Store) AppendEvent(_ context.Context, e store.Event) (store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEventLocked(e)
}

func (s *Store) ListEvents(_ context.Context, workflowID string, sinceSequence int64) ([]store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflowID]; !ok {
		return nil, store.ErrNotFound
	}
	all := s.events[workflowID]
	out := make([]store.Event, 0, len(all))
	for _, e := range all {
		if e.Sequence > sinceSequence {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) RecordTokenUsage(_ context.Context, rec store.TokenUsageRecord) (store.TokenUsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.usage = append(s.usage, rec)
	return rec, nil
}

func (s *Store) PruneEvents(_ context.Context, beforeAge time.Duration, maxPerWorkflow int, activityGrace time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-beforeAge)
	var deleted int64

	for wfID, events := range s.events {
		w := s.workflows[wfID]
		protectRecent := w != nil && w.Status.Active() && now.Sub(lastEventTime(events)) < activityGrace

		kept := events
		if !protectRecent {
			filtered := make([]store.Event, 0, len(events))
			for _, e := range events {
				if e.Timestamp.Before(cutoff) {
					deleted++
					continue
				}
				filtered = append(filtered, e)
			}
			kept = filtered
		}

		if maxPerWorkflow > 0 && len(kept) > maxPerWorkflow && !protectRecent {
			excess := len(kept) - maxPerWorkflow
			deleted += int64(excess)
			kept = kept[excess:]
		}

		s.events[wfID] = kept
	}
	return deleted, nil
}

func lastEventTime(events []store.Event) time.Time {
	if len(events) == 0 {
		return time.Time{}
	}
	return events[len(events)-1].Timestamp
}

func (s *Store) ActiveCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCountLocked(), nil
}

func (s *Store) ListActive(_ context.Context) ([]store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Workflow, 0)
	for _, w := range s.workflows {
		if w.Status.Active() {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
