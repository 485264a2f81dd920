// Package checkpoint commits and restores the orchestrator's per-workflow
// state snapshot (spec §4.6). It generalizes the teacher's replay-oriented
// CheckpointV2 (graph/checkpoint.go) — which carries a Frontier, recorded
// I/O, an RNG seed, and a replay idempotency key — down to this system's
// simpler contract: one opaque, schema-versioned blob per workflow,
// committed in the same store transaction as the event(s) produced by the
// node that reached this boundary. The replay/idempotency-key machinery is
// deliberately not carried over; see the repository's DESIGN.md for why.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"

	"context"

	"github.com/existential-birds/amelia/pkg/store"
)

// CurrentSchemaVersion is stamped on every snapshot this build commits.
// Bump it when the orchestrator's Snapshot shape changes incompatibly.
const CurrentSchemaVersion = 1

// ErrCorrupt is returned by Resume when the persisted snapshot cannot be
// decoded, or carries a schema version this build does not understand.
// Callers (pkg/lifecycle) must mark the workflow failed with
// failure_reason="checkpoint-corrupt" and surface a SYSTEM_ERROR, per spec §4.6.
var ErrCorrupt = errors.New("checkpoint corrupt or schema drift")

// Checkpointer commits and restores opaque workflow state snapshots.
type Checkpointer struct {
	store store.Store
}

// New creates a Checkpointer backed by s.
func New(s store.Store) *Checkpointer {
	return &Checkpointer{store: s}
}

// envelope wraps the snapshot with the schema tag that Resume validates,
// distinct from the snapshot's own fields so the orchestrator's Snapshot
// type never has to know about versioning.
type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Snapshot      json.RawMessage `json:"snapshot"`
}

// Commit serializes snapshot, tags it with CurrentSchemaVersion, and
// persists it atomically with events in one store transaction: a workflow
// cannot wake up having emitted events whose effect on the snapshot was
// lost, nor vice versa. Returns the persisted events with assigned
// sequence numbers.
func (c *Checkpointer) Commit(ctx context.Context, workflowID string, snapshot any, events []store.Event) ([]store.Event, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	env := envelope{SchemaVersion: CurrentSchemaVersion, Snapshot: raw}
	blob, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return c.store.SaveSnapshotAndEvents(ctx, workflowID, blob, CurrentSchemaVersion, events)
}

// Resume loads the workflow's persisted snapshot and decodes it into
// target (a pointer to the orchestrator's Snapshot type). Returns
// ErrCorrupt if decoding fails or the embedded schema tag does not match
// CurrentSchemaVersion.
func (c *Checkpointer) Resume(ctx context.Context, workflowID string, target any) error {
	wf, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if len(wf.StateSnapshot) == 0 {
		return fmt.Errorf("%w: no snapshot recorded for workflow %s", ErrCorrupt, workflowID)
	}

	var env envelope
	if err := json.Unmarshal(wf.StateSnapshot, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.SchemaVersion != CurrentSchemaVersion {
		return fmt.Errorf("%w: snapshot schema_version=%d, this build expects %d", ErrCorrupt, env.SchemaVersion, CurrentSchemaVersion)
	}
	if err := json.Unmarshal(env.Snapshot, target); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

// HasSnapshot reports whether workflowID has a checkpoint at all, used by
// crash recovery to distinguish "resumable between nodes" from "died
// mid-node before its first checkpoint".
func (c *Checkpointer) HasSnapshot(ctx context.Context, workflowID string) (bool, error) {
	wf, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return false, err
	}
	return len(wf.StateSnapshot) > 0, nil
}
