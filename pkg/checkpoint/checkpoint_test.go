package checkpoint

import (
	"context"
	"testing"

	"github.com/existential-birds/amelia/pkg/store"
	"github.com/existential-birds/amelia/pkg/store/memory"
)

type fakeSnapshot struct {
	Goal            string `json:"goal"`
	ReviewIteration int    `json:"review_iteration"`
}

func TestCommitThenResumeRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w, err := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := New(s)
	snap := fakeSnapshot{Goal: "ship it", ReviewIteration: 2}
	events := []store.Event{{WorkflowID: w.ID, EventType: store.EventStageCompleted}}

	persisted, err := c.Commit(ctx, w.ID, snap, events)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(persisted) != 1 || persisted[0].Sequence != 1 {
		t.Fatalf("unexpected persisted events: %+v", persisted)
	}

	var got fakeSnapshot
	if err := c.Resume(ctx, w.ID, &got); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got != snap {
		t.Fatalf("expected round-tripped snapshot %+v, got %+v", snap, got)
	}
}

func TestResumeWithNoSnapshotIsCorrupt(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w, _ := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)

	c := New(s)
	var got fakeSnapshot
	err := c.Resume(ctx, w.ID, &got)
	if err == nil {
		t.Fatal("expected error for missing snapshot")
	}
}

func TestResumeRejectsSchemaDrift(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	w, _ := s.CreateWorkflow(ctx, "I-1", "/w/a", "P", 5)

	if err := s.SaveSnapshot(ctx, w.ID, []byte(`{"schema_version":999,"snapshot":{}}`), 999); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	c := New(s)
	var got fakeSnapshot
	if err := c.Resume(ctx, w.ID, &got); err == nil {
		t.Fatal("expected schema drift error")
	}
}
