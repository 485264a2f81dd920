package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/existential-birds/amelia/pkg/store"
)

type createWorkflowRequest struct {
	IssueID      string `json:"issue_id"`
	WorktreePath string `json:"worktree_path"`
	ProfileID    string `json:"profile_id"`
}

// handleCreateWorkflow implements POST /workflows (spec §6.1): 201 on
// admission, 400 on a malformed/invalid request, 409 on a worktree already
// in use, 429 at max_concurrent capacity.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.IssueID == "" || req.WorktreePath == "" {
		writeValidationError(w, "issue_id and worktree_path are required")
		return
	}

	wf, err := s.lifecycle.Start(r.Context(), req.IssueID, req.WorktreePath, req.ProfileID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

// handleListWorkflows implements GET /workflows, filterable by ?status= and
// ?worktree_path=.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Status:       store.Status(r.URL.Query().Get("status")),
		WorktreePath: r.URL.Query().Get("worktree_path"),
	}
	workflows, err := s.store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if workflows == nil {
		workflows = []store.Workflow{}
	}
	writeJSON(w, http.StatusOK, workflows)
}

// handleGetWorkflow implements GET /workflows/{id}.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type approveRequest struct {
	Feedback string `json:"feedback"`
}

// handleApprove implements POST /workflows/{id}/approve.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req approveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.lifecycle.Approve(r.Context(), id, req.Feedback); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// handleReject implements POST /workflows/{id}/reject.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rejectRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.lifecycle.Reject(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// handleCancel implements POST /workflows/{id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.lifecycle.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleListEvents implements GET /workflows/{id}/events?since=<sequence>.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetWorkflow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeValidationError(w, "since must be an integer sequence number")
			return
		}
		since = parsed
	}

	events, err := s.store.ListEvents(r.Context(), id, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleHealthLive implements GET /health/live: process is up.
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "live"})
}

// handleHealthReady implements GET /health/ready: the Lifecycle Service is
// admitting work and its Store answers.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if !s.lifecycle.Ready(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
