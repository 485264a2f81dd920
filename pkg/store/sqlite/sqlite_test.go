package sqlite

import (
	"context"
	"testing"

	"github.com/existential-birds/amelia/pkg/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetWorkflow(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	w, err := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if w.Status != store.StatusPending {
		t.Fatalf("expected pending, got %v", w.Status)
	}

	got, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IssueID != "I-1" || got.WorktreePath != "/w/a" {
		t.Fatalf("unexpected workflow: %+v", got)
	}
}

func TestCreateWorkflowConflictAndCapacity(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	w1, err := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, w1.ID, store.StatusPending, store.StatusRunning, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}

	if _, err := s.CreateWorkflow(ctx, "I-2", "/w/a", "P", 1); err == nil {
		t.Fatalf("expected conflict error")
	} else if _, ok := err.(*store.ConflictError); !ok {
		t.Fatalf("expected ConflictError, got %T: %v", err, err)
	}

	if _, err := s.CreateWorkflow(ctx, "I-3", "/w/b", "P", 1); err == nil {
		t.Fatalf("expected capacity error")
	} else if _, ok := err.(*store.CapacityError); !ok {
		t.Fatalf("expected CapacityError, got %T: %v", err, err)
	}
}

func TestAppendEventSequenceMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	w, _ := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)
	for i := 0; i < 5; i++ {
		e, err := s.AppendEvent(ctx, store.Event{WorkflowID: w.ID, EventType: store.EventStageStarted})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if e.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, e.Sequence)
		}
	}
}

func TestSaveSnapshotAndEventsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	w, _ := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)
	events := []store.Event{
		{WorkflowID: w.ID, EventType: store.EventStageStarted, Agent: store.AgentArchitect},
		{WorkflowID: w.ID, EventType: store.EventStageCompleted, Agent: store.AgentArchitect},
	}
	persisted, err := s.SaveSnapshotAndEvents(ctx, w.ID, []byte(`{"v":1}`), 1, events)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(persisted) != 2 || persisted[0].Sequence != 1 || persisted[1].Sequence != 2 {
		t.Fatalf("unexpected persisted events: %+v", persisted)
	}

	got, err := s.GetWorkflow(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.StateSnapshot) != `{"v":1}` || got.SchemaVersion != 1 {
		t.Fatalf("snapshot not persisted: %+v", got)
	}
}

func TestUpdateStatusRejectsStaleFrom(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	w, _ := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)
	if _, err := s.UpdateStatus(ctx, w.ID, store.StatusPending, store.StatusRunning, ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	// attempting pending->running again should fail because current status is now running
	if _, err := s.UpdateStatus(ctx, w.ID, store.StatusPending, store.StatusRunning, ""); err == nil {
		t.Fatalf("expected InvalidStateError on stale from")
	} else if _, ok := err.(*store.InvalidStateError); !ok {
		t.Fatalf("expected InvalidStateError, got %T: %v", err, err)
	}
}
