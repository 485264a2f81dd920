package orchestrator

import (
	"context"

	"github.com/existential-birds/amelia/pkg/store"
)

// Node is a step in the workflow graph: it reads a Snapshot and produces a
// NodeResult. Unlike the teacher's Node[S], this is non-generic: the
// snapshot shape is fixed (spec §4.3), not parameterized per workflow.
type Node interface {
	Run(ctx context.Context, snap Snapshot) NodeResult
}

// NodeResult is one node's output: the partial state update to merge, the
// routing decision, any events to append alongside the checkpoint, and an
// error that fails the node (subject to its NodePolicy.RetryPolicy).
type NodeResult struct {
	Delta  Snapshot
	Events []store.Event
	Route  Next
	Err    error
}

// Next is a node's routing decision. Exactly one of To, Terminal, or
// Suspend is set. There is no fan-out (Many) mode: the graph is a strict
// sequential DFA (spec §4.3's node table has no parallel branches).
type Next struct {
	To       string
	Terminal bool
	Suspend  *Interrupt
}

// Interrupt is the suspend marker a node returns to yield the runner
// pending external input (spec §4.3 "Interrupts").
type Interrupt struct {
	Reason        string
	CorrelationID string
}

// Stop returns a Next that terminates workflow execution.
func Stop() Next { return Next{Terminal: true} }

// Goto returns a Next that routes to the named node.
func Goto(nodeID string) Next { return Next{To: nodeID} }

// Wait returns a Next that suspends the runner with reason and
// correlationID, to be resumed by an external decision.
func Wait(reason, correlationID string) Next {
	return Next{Suspend: &Interrupt{Reason: reason, CorrelationID: correlationID}}
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, snap Snapshot) NodeResult

func (f NodeFunc) Run(ctx context.Context, snap Snapshot) NodeResult { return f(ctx, snap) }

// NodeError is a structured node execution error.
type NodeError struct {
	Message string
	Code    string
	NodeID  string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

func (e *NodeError) Unwrap() error { return e.Cause }
