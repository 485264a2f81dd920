package orchestrator

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/existential-birds/amelia/pkg/checkpoint"
	"github.com/existential-birds/amelia/pkg/eventbus"
	"github.com/existential-birds/amelia/pkg/ids"
)

// tracer names this package's spans (spec's "tracing" ambient concern).
// Each node execution becomes a span, the way the teacher's
// graph/emit/otel.go turns each engine event into one; this Engine creates
// spans directly rather than through a pluggable Emitter interface, since
// (unlike the teacher) it has exactly one tracing backend to support.
var tracer = otel.Tracer("github.com/existential-birds/amelia/pkg/orchestrator")

type contextKey string

const (
	rngContextKey        contextKey = "orchestrator_rng"
	workflowIDContextKey contextKey = "orchestrator_workflow_id"
)

// WorkflowIDFromContext returns the workflow ID the running Engine.Run call
// was invoked with. Nodes use this to tag events and token-usage records,
// since Snapshot itself (spec §4.3) carries no workflow identifier — it is
// the Store's row key, not part of the orchestration state.
func WorkflowIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(workflowIDContextKey).(string)
	return id
}

// Outcome is the result of one Engine.Run call: either the workflow
// suspended at an interrupt, ran to completion, or failed. The Engine never
// mutates workflows.status itself (spec §7: "the runner's only mutation
// points are status transitions through the Lifecycle Service's DFA") —
// the caller (pkg/lifecycle) inspects Outcome and drives the Store's DFA
// accordingly.
type Outcome struct {
	Snapshot      Snapshot
	Suspended     bool
	Interrupt     *Interrupt
	Failed        bool
	FailureReason string
}

// Engine executes the node graph sequentially from a start node, honoring
// interrupts, checkpointing at every node boundary, and retrying transient
// node failures per NodePolicy.
//
// Generalizes the teacher's Engine[S] (graph/engine.go) to this system's
// non-generic Snapshot and drops the teacher's concurrent-fan-out path
// (Frontier, parallel Next.Many, replay-from-checkpoint machinery): the
// spec's node graph has no parallel branches, and resume is
// resume-from-last-boundary, not full deterministic replay.
type Engine struct {
	nodes      map[string]Node
	policies   map[string]NodePolicy
	checkpoint *checkpoint.Checkpointer
	bus        *eventbus.Bus
	metrics    *Metrics

	defaultNodeTimeout time.Duration
	maxSteps           int
}

// New creates an Engine. defaultNodeTimeout and maxSteps of 0 mean
// "unlimited"; metrics may be nil to disable metric recording.
func New(cp *checkpoint.Checkpointer, bus *eventbus.Bus, defaultNodeTimeout time.Duration, maxSteps int, metrics *Metrics) *Engine {
	return &Engine{
		nodes:              make(map[string]Node),
		policies:           make(map[string]NodePolicy),
		checkpoint:         cp,
		bus:                bus,
		metrics:            metrics,
		defaultNodeTimeout: defaultNodeTimeout,
		maxSteps:           maxSteps,
	}
}

// Add registers node under nodeID with an optional policy (zero value uses
// engine defaults and no retries).
func (e *Engine) Add(nodeID string, node Node, policy NodePolicy) {
	e.nodes[nodeID] = node
	e.policies[nodeID] = policy
}

// Run executes the graph starting at startNode against initial, until the
// workflow suspends, completes, or fails.
func (e *Engine) Run(ctx context.Context, workflowID, startNode string, initial Snapshot) (Outcome, error) {
	if _, ok := e.nodes[startNode]; !ok {
		return Outcome{}, &NodeError{NodeID: startNode, Message: "start node not registered", Code: "NODE_NOT_FOUND"}
	}

	ctx = context.WithValue(ctx, rngContextKey, ids.SeededRNG(workflowID))
	ctx = context.WithValue(ctx, workflowIDContextKey, workflowID)

	current := initial
	node := startNode
	step := 0

	for {
		step++
		if e.maxSteps > 0 && step > e.maxSteps {
			return Outcome{}, &NodeError{NodeID: node, Message: "exceeded max steps", Code: "MAX_STEPS_EXCEEDED"}
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		default:
		}

		impl, ok := e.nodes[node]
		if !ok {
			return Outcome{}, &NodeError{NodeID: node, Message: "node not found during execution", Code: "NODE_NOT_FOUND"}
		}
		policy := e.policies[node]

		result, err := e.runNodeWithRetry(ctx, node, impl, current, policy)
		if err != nil {
			return Outcome{Snapshot: current, Failed: true, FailureReason: err.Error()}, nil
		}

		current = mergeSnapshot(current, result.Delta)

		persisted, err := e.checkpoint.Commit(ctx, workflowID, current, result.Events)
		if err != nil {
			return Outcome{}, err
		}
		if e.bus != nil {
			for _, ev := range persisted {
				e.bus.Publish(ev)
			}
		}

		switch {
		case result.Route.Suspend != nil:
			return Outcome{Snapshot: current, Suspended: true, Interrupt: result.Route.Suspend}, nil
		case result.Route.Terminal:
			return Outcome{Snapshot: current}, nil
		case result.Route.To != "":
			node = result.Route.To
		default:
			return Outcome{}, &NodeError{NodeID: node, Message: "no route from node", Code: "NO_ROUTE"}
		}
	}
}

func (e *Engine) runNodeWithRetry(ctx context.Context, nodeID string, node Node, snap Snapshot, policy NodePolicy) (NodeResult, error) {
	rng, _ := ctx.Value(rngContextKey).(*rand.Rand)
	workflowID := WorkflowIDFromContext(ctx)

	attempts := 1
	if policy.RetryPolicy != nil && policy.RetryPolicy.MaxAttempts > attempts {
		attempts = policy.RetryPolicy.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		spanCtx, span := tracer.Start(ctx, nodeID, trace.WithAttributes(
			attribute.String("amelia.workflow_id", workflowID),
			attribute.Int("amelia.attempt", attempt),
		))

		start := time.Now()
		// The node body runs detached from ctx's cancellation (its timeout
		// still applies), so a cancelled workflow is noticed at the next node
		// boundary rather than mid-call.
		result, err := executeNodeWithTimeout(context.WithoutCancel(spanCtx), node, nodeID, snap, &policy, e.defaultNodeTimeout)
		status := "success"
		if err != nil {
			status = "error"
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		span.End()

		if e.metrics != nil {
			e.metrics.RecordStepLatency(nodeID, time.Since(start), status)
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		retryable := policy.RetryPolicy != nil && policy.RetryPolicy.Retryable != nil && policy.RetryPolicy.Retryable(err)
		if !retryable || attempt == attempts-1 {
			return NodeResult{}, &NodeError{NodeID: nodeID, Message: err.Error(), Code: "NODE_FAILED", Cause: err}
		}

		if e.metrics != nil {
			e.metrics.IncrementRetries(nodeID, "transient")
		}
		delay := computeBackoff(attempt, policy.RetryPolicy.BaseDelay, policy.RetryPolicy.MaxDelay, rng)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return NodeResult{}, ctx.Err()
		}
	}
	return NodeResult{}, lastErr
}
