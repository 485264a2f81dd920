package lifecycle

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/existential-birds/amelia/pkg/checkpoint"
	"github.com/existential-birds/amelia/pkg/collaborators"
	"github.com/existential-birds/amelia/pkg/collaborators/mockdriver"
	"github.com/existential-birds/amelia/pkg/collaborators/mocktracker"
	"github.com/existential-birds/amelia/pkg/eventbus"
	"github.com/existential-birds/amelia/pkg/orchestrator"
	"github.com/existential-birds/amelia/pkg/store"
	"github.com/existential-birds/amelia/pkg/store/memory"
)

func newTestService(t *testing.T) (*Service, store.Store, string) {
	t.Helper()

	worktree := t.TempDir()
	if err := os.Mkdir(worktree+"/.git", 0o755); err != nil {
		t.Fatalf("create .git marker: %v", err)
	}

	db := memory.New()
	cp := checkpoint.New(db)
	bus := eventbus.New()
	engine := orchestrator.New(cp, bus, time.Second, 100, nil)

	tracker := mocktracker.New(collaborators.Issue{ID: "I-1", Title: "ship the feature"})
	planDriver := &mockdriver.Driver{GenerateResponses: []collaborators.ChatOut{{Text: "the plan"}}}
	reviewDriver := &mockdriver.Driver{GenerateResponses: []collaborators.ChatOut{{Text: "APPROVE"}}}
	executeDriver := &mockdriver.Driver{AgenticResult: collaborators.AgenticResult{FinalResponse: "diff contents"}}

	correlationSeq := 0
	engine.Add("plan", &orchestrator.PlanNode{Tracker: tracker, Agent: &collaborators.DefaultPlanAgent{Driver: planDriver}}, orchestrator.NodePolicy{})
	engine.Add("await_approval", &orchestrator.AwaitApprovalNode{CorrelationID: func() string {
		correlationSeq++
		return "corr-1"
	}}, orchestrator.NodePolicy{})
	engine.Add("resume_approval", &orchestrator.ResumeApprovalNode{}, orchestrator.NodePolicy{})
	engine.Add("execute", &orchestrator.ExecuteNode{Agent: &collaborators.DefaultExecuteAgent{Driver: executeDriver}}, orchestrator.NodePolicy{})
	engine.Add("review", &orchestrator.ReviewNode{Agent: &collaborators.DefaultReviewAgent{Driver: reviewDriver}, MaxReviewIterations: 3}, orchestrator.NodePolicy{})

	svc := New(db, bus, cp, engine, DefaultConfig())
	return svc, db, worktree
}

func waitForStatus(t *testing.T, db store.Store, workflowID string, want store.Status, timeout time.Duration) store.Workflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := db.GetWorkflow(context.Background(), workflowID)
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		if wf.Status == want {
			return wf
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach status %s in time", workflowID, want)
	return store.Workflow{}
}

func TestStartRunsToBlockedAwaitingApproval(t *testing.T) {
	svc, db, worktree := newTestService(t)

	wf, err := svc.Start(context.Background(), "I-1", worktree, "P")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForStatus(t, db, wf.ID, store.StatusBlocked, time.Second)
}

func TestApproveResumesToCompletion(t *testing.T) {
	svc, db, worktree := newTestService(t)

	wf, err := svc.Start(context.Background(), "I-1", worktree, "P")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, db, wf.ID, store.StatusBlocked, time.Second)

	if err := svc.Approve(context.Background(), wf.ID, "looks good"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	final := waitForStatus(t, db, wf.ID, store.StatusCompleted, time.Second)
	if final.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be stamped")
	}

	if err := svc.Approve(context.Background(), wf.ID, "again"); err == nil {
		t.Fatal("expected duplicate approve to fail")
	}
}

func TestRejectTerminatesWorkflow(t *testing.T) {
	svc, db, worktree := newTestService(t)

	wf, err := svc.Start(context.Background(), "I-1", worktree, "P")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, db, wf.ID, store.StatusBlocked, time.Second)

	if err := svc.Reject(context.Background(), wf.ID, "scope-creep"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	waitForStatus(t, db, wf.ID, store.StatusCompleted, time.Second)
}

// TestApprovePathEventSequence pins the exact event log an approve produces,
// guarding spec §8 invariant 5 (at most one APPROVAL_GRANTED/REJECTED per
// correlation id) — a prior bug had both lifecycle.Service.resolve and
// ResumeApprovalNode each append their own APPROVAL_GRANTED, doubling it.
func TestApprovePathEventSequence(t *testing.T) {
	svc, db, worktree := newTestService(t)

	wf, err := svc.Start(context.Background(), "I-1", worktree, "P")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, db, wf.ID, store.StatusBlocked, time.Second)

	if err := svc.Approve(context.Background(), wf.ID, "looks good"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	waitForStatus(t, db, wf.ID, store.StatusCompleted, time.Second)

	events, err := db.ListEvents(context.Background(), wf.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}

	wantTypes := []store.EventType{
		store.EventWorkflowStarted,  // runner start
		store.EventStageStarted,     // plan
		store.EventStageCompleted,   // plan
		store.EventApprovalRequired, // await_approval
		store.EventApprovalGranted,  // resume_approval
		store.EventStageStarted,     // execute
		store.EventStageCompleted,   // execute
		store.EventReviewRequested,  // review
		store.EventReviewCompleted,  // review
		store.EventWorkflowCompleted,
	}
	assertEventTypes(t, events, wantTypes)

	grantedCount := 0
	var grantedCorrIDs []string
	for _, ev := range events {
		if ev.EventType == store.EventApprovalGranted {
			grantedCount++
			grantedCorrIDs = append(grantedCorrIDs, ev.CorrelationID)
		}
	}
	if grantedCount != 1 {
		t.Fatalf("expected exactly one APPROVAL_GRANTED event, got %d", grantedCount)
	}
	if len(uniqueStrings(grantedCorrIDs)) != 1 || grantedCorrIDs[0] == "" {
		t.Fatalf("expected one non-empty correlation id on APPROVAL_GRANTED, got %v", grantedCorrIDs)
	}
}

// TestRejectPathEventSequence pins the exact event log a reject produces: a
// rejected plan still reaches a terminal WORKFLOW_COMPLETED event (spec §8
// scenario 4), which a prior bug omitted entirely.
func TestRejectPathEventSequence(t *testing.T) {
	svc, db, worktree := newTestService(t)

	wf, err := svc.Start(context.Background(), "I-1", worktree, "P")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, db, wf.ID, store.StatusBlocked, time.Second)

	if err := svc.Reject(context.Background(), wf.ID, "scope-creep"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitForStatus(t, db, wf.ID, store.StatusCompleted, time.Second)

	events, err := db.ListEvents(context.Background(), wf.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}

	wantTypes := []store.EventType{
		store.EventWorkflowStarted,  // runner start
		store.EventStageStarted,     // plan
		store.EventStageCompleted,   // plan
		store.EventApprovalRequired, // await_approval
		store.EventApprovalRejected, // resume_approval
		store.EventWorkflowCompleted,
	}
	assertEventTypes(t, events, wantTypes)

	rejectedCount, completedCount := 0, 0
	var rejectedCorrID string
	for _, ev := range events {
		switch ev.EventType {
		case store.EventApprovalRejected:
			rejectedCount++
			rejectedCorrID = ev.CorrelationID
		case store.EventWorkflowCompleted:
			completedCount++
		}
	}
	if rejectedCount != 1 {
		t.Fatalf("expected exactly one APPROVAL_REJECTED event, got %d", rejectedCount)
	}
	if rejectedCorrID == "" {
		t.Fatal("expected a non-empty correlation id on APPROVAL_REJECTED")
	}
	if completedCount != 1 {
		t.Fatalf("expected exactly one WORKFLOW_COMPLETED event on rejection, got %d", completedCount)
	}
}

func assertEventTypes(t *testing.T, events []store.Event, want []store.EventType) {
	t.Helper()
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(events), eventTypeList(events))
	}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Fatalf("event %d: expected %s, got %s (full sequence: %v)", i, want[i], ev.EventType, eventTypeList(events))
		}
	}
}

func eventTypeList(events []store.Event) []store.EventType {
	types := make([]store.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func TestCancelWhileBlockedTransitionsToCancelled(t *testing.T) {
	svc, db, worktree := newTestService(t)

	wf, err := svc.Start(context.Background(), "I-1", worktree, "P")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, db, wf.ID, store.StatusBlocked, time.Second)

	if err := svc.Cancel(context.Background(), wf.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitForStatus(t, db, wf.ID, store.StatusCancelled, time.Second)
}

func TestStartRejectsWorktreeWithoutGitMarker(t *testing.T) {
	svc, _, _ := newTestService(t)
	bare := t.TempDir()

	if _, err := svc.Start(context.Background(), "I-1", bare, "P"); err == nil {
		t.Fatal("expected an error for a worktree with no .git marker")
	}
}
