// Package orchestrator executes the plan → approve → execute → review node
// graph (spec §4.3) against a non-generic state snapshot, generalizing the
// teacher's Engine[S]/Reducer[S]/Node[S] machinery to this system's single,
// fixed schema rather than a pluggable generic one.
package orchestrator

import "github.com/existential-birds/amelia/pkg/collaborators"

// AgenticStatus is the snapshot's coarse execution status, independent of
// (but correlated with) the workflow row's Status in pkg/store.
type AgenticStatus string

const (
	AgenticStatusRunning          AgenticStatus = "running"
	AgenticStatusAwaitingApproval AgenticStatus = "awaiting_approval"
	AgenticStatusCompleted        AgenticStatus = "completed"
	AgenticStatusFailed           AgenticStatus = "failed"
	AgenticStatusCancelled        AgenticStatus = "cancelled"
)

// AgentHistoryEntry is one order-preserving entry in the snapshot's agent
// history log.
type AgentHistoryEntry struct {
	Agent   string
	Summary string
}

// Snapshot is the frozen record a node reads and produces a delta for (spec
// §4.3's "State snapshot shape"). No mutable field is written by more than
// one node; append-only fields are merged by concatenation in mergeSnapshot.
type Snapshot struct {
	ProfileID string
	IssueID   string

	// WorktreePath is the filesystem directory the execute node operates
	// in. Unlike the teacher's single shared working directory, each
	// concurrent workflow has its own worktree (spec §4.1's "one active
	// workflow per worktree" invariant), so this travels with the
	// snapshot rather than living on the node as a fixed field — a single
	// ExecuteNode instance is shared by every workflow the Engine runs.
	WorktreePath string

	// AgentHistory, ToolCalls, ToolResults are append-only: merged by
	// list concatenation so concurrent streaming writes from a single
	// node (execute's tool_call/tool_result stream) never lose entries.
	AgentHistory []AgentHistoryEntry
	ToolCalls    []collaborators.AgenticEvent
	ToolResults  []collaborators.AgenticEvent

	PlanText string
	Goal     string
	KeyFiles []string

	FinalResponse   string
	DriverSessionID string

	LastReview      *collaborators.ReviewResult
	ReviewIteration int

	AgenticStatus AgenticStatus

	// HumanApproved, ApprovalFeedback, RejectionReason, ApprovalCorrelationID
	// carry the decision payload injected by the Lifecycle Service when it
	// resumes a blocked workflow (spec §4.3 "Interrupts").
	HumanApproved         *bool
	ApprovalFeedback      string
	RejectionReason       string
	ApprovalCorrelationID string

	// Rejected marks a workflow whose plan was rejected at the approval
	// gate (set by ResumeApprovalNode), a considered negative conclusion
	// rather than a positive completion; see the open-question
	// decision on rejection's terminal state in DESIGN.md.
	Rejected bool
}

// mergeSnapshot merges delta into prev: append-only fields concatenate,
// scalar fields are overridden only where delta holds a non-zero value (the
// convention a node's Delta uses to mean "unchanged" for a field it did not
// touch).
func mergeSnapshot(prev, delta Snapshot) Snapshot {
	next := prev

	next.AgentHistory = append(append([]AgentHistoryEntry{}, prev.AgentHistory...), delta.AgentHistory...)
	next.ToolCalls = append(append([]collaborators.AgenticEvent{}, prev.ToolCalls...), delta.ToolCalls...)
	next.ToolResults = append(append([]collaborators.AgenticEvent{}, prev.ToolResults...), delta.ToolResults...)

	if delta.ProfileID != "" {
		next.ProfileID = delta.ProfileID
	}
	if delta.IssueID != "" {
		next.IssueID = delta.IssueID
	}
	if delta.WorktreePath != "" {
		next.WorktreePath = delta.WorktreePath
	}
	if delta.PlanText != "" {
		next.PlanText = delta.PlanText
	}
	if delta.Goal != "" {
		next.Goal = delta.Goal
	}
	if len(delta.KeyFiles) > 0 {
		next.KeyFiles = append(append([]string{}, prev.KeyFiles...), delta.KeyFiles...)
	}
	if delta.FinalResponse != "" {
		next.FinalResponse = delta.FinalResponse
	}
	if delta.DriverSessionID != "" {
		next.DriverSessionID = delta.DriverSessionID
	}
	if delta.LastReview != nil {
		next.LastReview = delta.LastReview
	}
	if delta.ReviewIteration != 0 {
		next.ReviewIteration = delta.ReviewIteration
	}
	if delta.AgenticStatus != "" {
		next.AgenticStatus = delta.AgenticStatus
	}
	if delta.HumanApproved != nil {
		next.HumanApproved = delta.HumanApproved
	}
	if delta.ApprovalFeedback != "" {
		next.ApprovalFeedback = delta.ApprovalFeedback
	}
	if delta.RejectionReason != "" {
		next.RejectionReason = delta.RejectionReason
	}
	if delta.ApprovalCorrelationID != "" {
		next.ApprovalCorrelationID = delta.ApprovalCorrelationID
	}
	if delta.Rejected {
		next.Rejected = true
	}

	return next
}
