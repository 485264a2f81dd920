package memory

import (
	"context"
	"testing"
	"time"

	"github.com/existential-birds/amelia/pkg/store"
)

func TestCreateWorkflowConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	w1, err := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, w1.ID, store.StatusPending, store.StatusRunning, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = s.CreateWorkflow(ctx, "I-2", "/w/a", "P", 5)
	if _, ok := err.(*store.ConflictError); !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestCreateWorkflowCapacity(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := 0; i < 2; i++ {
		w, err := s.CreateWorkflow(ctx, "I", "/w/"+string(rune('a'+i)), "P", 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := s.UpdateStatus(ctx, w.ID, store.StatusPending, store.StatusRunning, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	_, err := s.CreateWorkflow(ctx, "I-3", "/w/c", "P", 2)
	if _, ok := err.(*store.CapacityError); !ok {
		t.Fatalf("expected CapacityError, got %v", err)
	}
}

func TestStatusDFARejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := New()

	w, _ := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)
	_, err := s.UpdateStatus(ctx, w.ID, store.StatusPending, store.StatusCompleted, "")
	if _, ok := err.(*store.InvalidStateError); !ok {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}

	// workflow is unchanged
	got, _ := s.GetWorkflow(ctx, w.ID)
	if got.Status != store.StatusPending {
		t.Fatalf("expected status unchanged at pending, got %v", got.Status)
	}
}

func TestAppendEventSequenceIsDenseAndMonotonic(t *testing.T) {
	ctx := context.Background()
	s := New()
	w, _ := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)

	for i := 0; i < 5; i++ {
		e, err := s.AppendEvent(ctx, store.Event{WorkflowID: w.ID, EventType: store.EventStageStarted, Agent: store.AgentSystem})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if e.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, e.Sequence)
		}
	}

	events, err := s.ListEvents(ctx, w.ID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			t.Fatalf("gap or duplicate at index %d: sequence=%d", i, e.Sequence)
		}
	}
}

func TestListEventsSinceSequenceBackfill(t *testing.T) {
	ctx := context.Background()
	s := New()
	w, _ := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)

	for i := 0; i < 10; i++ {
		if _, err := s.AppendEvent(ctx, store.Event{WorkflowID: w.ID, EventType: store.EventStageStarted}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	events, err := s.ListEvents(ctx, w.ID, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected exactly the appended suffix (3 events), got %d", len(events))
	}
	if events[0].Sequence != 8 {
		t.Fatalf("expected first backfilled sequence 8, got %d", events[0].Sequence)
	}
}

func TestPruneEventsRetainsMaxPerWorkflow(t *testing.T) {
	ctx := context.Background()
	s := New()
	w, _ := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)
	_, _ = s.UpdateStatus(ctx, w.ID, store.StatusPending, store.StatusRunning, "")
	_, _ = s.UpdateStatus(ctx, w.ID, store.StatusRunning, store.StatusCompleted, "")

	for i := 0; i < 20; i++ {
		e := store.Event{WorkflowID: w.ID, EventType: store.EventStageStarted, Timestamp: time.Now().Add(-time.Hour)}
		if _, err := s.AppendEvent(ctx, e); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	deleted, err := s.PruneEvents(ctx, 24*time.Hour, 5, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 15 {
		t.Fatalf("expected 15 deleted, got %d", deleted)
	}

	remaining, _ := s.ListEvents(ctx, w.ID, 0)
	if len(remaining) != 5 {
		t.Fatalf("expected 5 retained events, got %d", len(remaining))
	}
	if remaining[len(remaining)-1].Sequence != 20 {
		t.Fatalf("expected the most recent events retained, got last sequence %d", remaining[len(remaining)-1].Sequence)
	}
}
