// Package store defines the durable persistence contract for workflows,
// their event logs, and token-usage accounting, plus the in-memory
// (pkg/store/memory) and SQLite (pkg/store/sqlite) implementations of it.
package store

import (
	"encoding/json"
	"time"
)

// Status is a workflow's position in the lifecycle DFA enforced by
// pkg/lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether a workflow in this status holds the active lease on
// its worktree and counts against max_concurrent.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusBlocked
}

// Terminal reports whether this status is a DFA sink.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Workflow is one execution of the state machine against one issue and one
// worktree. All fields are immutable once written except Status and its
// accompanying timestamps/FailureReason, which only the Store may mutate.
type Workflow struct {
	ID            string          `json:"id"`
	IssueID       string          `json:"issue_id"`
	WorktreePath  string          `json:"worktree_path"`
	ProfileID     string          `json:"profile_id"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	StateSnapshot json.RawMessage `json:"state_snapshot,omitempty"`
	SchemaVersion int             `json:"schema_version"`
}

// Agent tags who produced an Event or TokenUsageRecord.
type Agent string

const (
	AgentArchitect Agent = "architect"
	AgentDeveloper Agent = "developer"
	AgentReviewer  Agent = "reviewer"
	AgentSystem    Agent = "system"
)

// EventType is a member of the closed event-type set (spec §6.3).
type EventType string

const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"

	EventStageStarted   EventType = "STAGE_STARTED"
	EventStageCompleted EventType = "STAGE_COMPLETED"

	EventApprovalRequired EventType = "APPROVAL_REQUIRED"
	EventApprovalGranted  EventType = "APPROVAL_GRANTED"
	EventApprovalRejected EventType = "APPROVAL_REJECTED"

	EventFileCreated  EventType = "FILE_CREATED"
	EventFileModified EventType = "FILE_MODIFIED"
	EventFileDeleted  EventType = "FILE_DELETED"

	EventReviewRequested   EventType = "REVIEW_REQUESTED"
	EventReviewCompleted   EventType = "REVIEW_COMPLETED"
	EventRevisionRequested EventType = "REVISION_REQUESTED"

	EventSystemError   EventType = "SYSTEM_ERROR"
	EventSystemWarning EventType = "SYSTEM_WARNING"
)

// Event is one append-only row in a workflow's event log. Once written it is
// never mutated or renumbered.
type Event struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	Sequence      int64           `json:"sequence"`
	Timestamp     time.Time       `json:"timestamp"`
	Agent         Agent           `json:"agent"`
	EventType     EventType       `json:"event_type"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// TokenUsageRecord tracks per-call token consumption and cost, off the hot
// path, used for cost accounting and retention statistics.
type TokenUsageRecord struct {
	ID                  string    `json:"id"`
	WorkflowID          string    `json:"workflow_id"`
	Agent               Agent     `json:"agent"`
	Model               string    `json:"model"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	Cost                *float64  `json:"cost,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// ListFilter narrows GET /workflows per spec §6.1.
type ListFilter struct {
	Status       Status
	WorktreePath string
}
