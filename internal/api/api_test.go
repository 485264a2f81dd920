package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/existential-birds/amelia/pkg/checkpoint"
	"github.com/existential-birds/amelia/pkg/collaborators"
	"github.com/existential-birds/amelia/pkg/collaborators/mockdriver"
	"github.com/existential-birds/amelia/pkg/collaborators/mocktracker"
	"github.com/existential-birds/amelia/pkg/eventbus"
	"github.com/existential-birds/amelia/pkg/lifecycle"
	"github.com/existential-birds/amelia/pkg/orchestrator"
	"github.com/existential-birds/amelia/pkg/store"
	"github.com/existential-birds/amelia/pkg/store/memory"
)

func newTestServer(t *testing.T) (*Server, store.Store, string) {
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
	executeDriver := &mockdriver.Driver{AgenticResult: collaborators.AgenticResult{FinalResponse: "diff"}}

	engine.Add("plan", &orchestrator.PlanNode{Tracker: tracker, Agent: &collaborators.DefaultPlanAgent{Driver: planDriver}}, orchestrator.NodePolicy{})
	engine.Add("await_approval", &orchestrator.AwaitApprovalNode{}, orchestrator.NodePolicy{})
	engine.Add("resume_approval", &orchestrator.ResumeApprovalNode{}, orchestrator.NodePolicy{})
	engine.Add("execute", &orchestrator.ExecuteNode{Agent: &collaborators.DefaultExecuteAgent{Driver: executeDriver}}, orchestrator.NodePolicy{})
	engine.Add("review", &orchestrator.ReviewNode{Agent: &collaborators.DefaultReviewAgent{Driver: reviewDriver}, MaxReviewIterations: 3}, orchestrator.NodePolicy{})

	svc := lifecycle.New(db, bus, cp, engine, lifecycle.DefaultConfig())
	srv := NewServer(svc, db, bus)
	return srv, db, worktree
}

func waitForStatus(t *testing.T, db store.Store, id string, want store.Status, timeout time.Duration) store.Workflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := db.GetWorkflow(context.Background(), id)
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		if wf.Status == want {
			return wf
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach status %s in time", id, want)
	return store.Workflow{}
}

func TestCreateWorkflowReturns201(t *testing.T) {
	srv, _, worktree := newTestServer(t)

	body, _ := json.Marshal(createWorkflowRequest{IssueID: "I-1", WorktreePath: worktree, ProfileID: "P"})
	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var wf store.Workflow
	if err := json.Unmarshal(rec.Body.Bytes(), &wf); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if wf.Status != store.StatusPending {
		t.Fatalf("expected pending status, got %s", wf.Status)
	}
}

func TestCreateWorkflowRejectsMissingFields(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateWorkflowConflictOnSameWorktree(t *testing.T) {
	srv, db, worktree := newTestServer(t)

	first, err := db.CreateWorkflow(context.Background(), "I-1", worktree, "P", 5)
	if err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	if _, err := db.UpdateStatus(context.Background(), first.ID, store.StatusPending, store.StatusRunning, ""); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	body, _ := json.Marshal(createWorkflowRequest{IssueID: "I-2", WorktreePath: worktree, ProfileID: "P"})
	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error != "conflict" {
		t.Fatalf("expected error kind 'conflict', got %q", resp.Error)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/workflows/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestApproveThenListEventsReflectsFullRun(t *testing.T) {
	srv, db, worktree := newTestServer(t)

	body, _ := json.Marshal(createWorkflowRequest{IssueID: "I-1", WorktreePath: worktree, ProfileID: "P"})
	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var wf store.Workflow
	_ = json.Unmarshal(rec.Body.Bytes(), &wf)

	waitForStatus(t, db, wf.ID, store.StatusBlocked, time.Second)

	approveReq := httptest.NewRequest(http.MethodPost, "/workflows/"+wf.ID+"/approve", bytes.NewReader([]byte(`{}`)))
	approveRec := httptest.NewRecorder()
	srv.ServeHTTP(approveRec, approveReq)
	if approveRec.Code != http.StatusOK {
		t.Fatalf("expected 200 approving, got %d: %s", approveRec.Code, approveRec.Body.String())
	}

	waitForStatus(t, db, wf.ID, store.StatusCompleted, time.Second)

	eventsReq := httptest.NewRequest(http.MethodGet, "/workflows/"+wf.ID+"/events", nil)
	eventsRec := httptest.NewRecorder()
	srv.ServeHTTP(eventsRec, eventsReq)

	var events []store.Event
	if err := json.Unmarshal(eventsRec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected a non-empty event log")
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	live := httptest.NewRecorder()
	srv.ServeHTTP(live, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if live.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health/live, got %d", live.Code)
	}

	ready := httptest.NewRecorder()
	srv.ServeHTTP(ready, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if ready.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health/ready, got %d", ready.Code)
	}
}
