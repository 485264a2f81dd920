package mysql

import (
	"context"
	"os"
	"testing"

	"github.com/existential-birds/amelia/pkg/store"
)

// TestMySQLStoreLifecycle runs the Store contract against a real MySQL
// server, mirroring the teacher's TEST_MYSQL_DSN-gated integration test:
//
//	export TEST_MYSQL_DSN="user:password@tcp(localhost:3306)/amelia_test?parseTime=true"
//	go test -v -run TestMySQLStoreLifecycle ./pkg/store/mysql
func TestMySQLStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("set TEST_MYSQL_DSN to run the MySQL store integration test")
	}

	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	wf, err := s.CreateWorkflow(ctx, "I-1", "/tmp/integration-worktree", "P", 5)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	if _, err := s.CreateWorkflow(ctx, "I-2", "/tmp/integration-worktree", "P", 5); err == nil {
		t.Fatal("expected conflict creating a second workflow on the same worktree")
	}

	running, err := s.UpdateStatus(ctx, wf.ID, store.StatusPending, store.StatusRunning, "")
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("expected StartedAt to be stamped on pending->running")
	}

	ev, err := s.AppendEvent(ctx, store.Event{WorkflowID: wf.ID, Agent: store.AgentSystem, EventType: store.EventStageStarted, Message: "plan"})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if ev.Sequence != 1 {
		t.Fatalf("expected first event to be sequence 1, got %d", ev.Sequence)
	}

	events, err := s.ListEvents(ctx, wf.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	if _, err := s.UpdateStatus(ctx, wf.ID, store.StatusRunning, store.StatusCompleted, ""); err != nil {
		t.Fatalf("complete workflow: %v", err)
	}

	got, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}
