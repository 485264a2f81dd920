package store

import (
	"context"
	"time"
)

// Store is the durable persistence contract for workflows, their event
// logs, and token-usage accounting (spec §4.1).
//
// The Store is the only writer permitted to change workflows.status or a
// workflow's per-row sequence counter. All writers serialize through a short
// critical section (a single-writer SQLite connection, or an equivalent
// mutex-guarded map for the in-memory implementation); all readers see a
// consistent snapshot.
//
// Implementations:
//   - pkg/store/memory: mutex-guarded maps, for tests and the zero-dependency path.
//   - pkg/store/sqlite: modernc.org/sqlite (pure Go, no cgo), WAL mode, one writer connection.
type Store interface {
	// CreateWorkflow inserts a new pending workflow row. It fails with
	// *ConflictError if an active workflow already holds worktreePath, or
	// *CapacityError if the global active count is at maxConcurrent. Both
	// checks and the insert are atomic within a single transaction.
	CreateWorkflow(ctx context.Context, issueID, worktreePath, profileID string, maxConcurrent int) (Workflow, error)

	// GetWorkflow returns a workflow by id, or ErrNotFound.
	GetWorkflow(ctx context.Context, id string) (Workflow, error)

	// ListWorkflows returns workflows matching filter, most recently created first.
	ListWorkflows(ctx context.Context, filter ListFilter) ([]Workflow, error)

	// UpdateStatus performs an optimistic compare-and-set transition:
	// it fails with *InvalidStateError if the current status != from.
	// started/completed timestamps are stamped automatically by the
	// transition (pending->running stamps StartedAt; any ->terminal stamps
	// CompletedAt). failureReason is recorded when to is StatusFailed.
	UpdateStatus(ctx context.Context, id string, from, to Status, failureReason string) (Workflow, error)

	// SaveSnapshot persists the orchestrator's opaque, schema-versioned state
	// blob on the workflow row. Callers (pkg/checkpoint) must call this in
	// the same logical transaction as the event(s) the producing node
	// emitted; SaveSnapshotAndEvents provides that atomicity.
	SaveSnapshot(ctx context.Context, id string, snapshot []byte, schemaVersion int) error

	// SaveSnapshotAndEvents persists a checkpoint and the event(s) produced
	// by the node that produced it in one transaction, so recovery is
	// atomic: a workflow cannot wake up having emitted events whose effect
	// on the snapshot was lost, nor vice versa. Returns the persisted
	// events with their assigned sequence numbers.
	SaveSnapshotAndEvents(ctx context.Context, id string, snapshot []byte, schemaVersion int, events []Event) ([]Event, error)

	// AppendEvent assigns the next per-workflow sequence number and persists
	// a single event. Returns the event with Sequence/ID/Timestamp filled in.
	AppendEvent(ctx context.Context, event Event) (Event, error)

	// ListEvents returns events for workflowID with sequence > sinceSequence,
	// ordered by sequence ascending. Pass sinceSequence=0 for the full log.
	ListEvents(ctx context.Context, workflowID string, sinceSequence int64) ([]Event, error)

	// RecordTokenUsage appends a token-usage record.
	RecordTokenUsage(ctx context.Context, rec TokenUsageRecord) (TokenUsageRecord, error)

	// PruneEvents deletes events older than beforeAge, then, per workflow,
	// keeps only the most recent maxPerWorkflow. It never deletes events
	// from the last activityGrace of a still-active workflow.
	PruneEvents(ctx context.Context, beforeAge time.Duration, maxPerWorkflow int, activityGrace time.Duration) (int64, error)

	// ActiveCount returns the current number of workflows whose status is
	// running or blocked.
	ActiveCount(ctx context.Context) (int, error)

	// ListActive returns all workflows whose status is running or blocked,
	// used by the Lifecycle Service's crash-recovery rescan on startup.
	ListActive(ctx context.Context) ([]Workflow, error)

	// Close releases any resources (file handles, connections) held by the store.
	Close() error
}
