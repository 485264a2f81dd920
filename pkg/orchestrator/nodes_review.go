package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/existential-birds/amelia/pkg/collaborators"
	"github.com/existential-birds/amelia/pkg/ids"
	"github.com/existential-birds/amelia/pkg/store"
	"github.com/existential-birds/amelia/pkg/tokens"
)

// ReviewNode reviews the execute node's output and decides whether the
// workflow is done, needs another execute iteration, or has exhausted its
// iteration budget (spec §4.3: "review | diff | ReviewResult | approved →
// END(completed) / changes_requested & iter<max → execute / iter≥max →
// END(max_iters)").
//
// The reviewed "diff" is the execute node's FinalResponse: actual git-diff
// extraction is a driver/tool-layer concern out of scope here (spec §1),
// so FinalResponse stands in as the reviewable artifact.
//
// Only the global review_iteration/MaxReviewIterations bound is enforced.
// The spec's per-task max_task_review_iterations applies to multi-task
// plans; this system's plan node only ever produces one goal (spec §4.3's
// plan node: "Issue, profile → plan_text, goal, key_files", one goal, not a
// task list), so there is no per-task loop to separately bound.
type ReviewNode struct {
	Agent               collaborators.ReviewAgent
	Tokens              *tokens.Tracker
	ModelName           string
	MaxReviewIterations int
}

func (n *ReviewNode) Run(ctx context.Context, snap Snapshot) NodeResult {
	workflowID := WorkflowIDFromContext(ctx)
	events := []store.Event{
		{
			ID:         ids.New(),
			WorkflowID: workflowID,
			Timestamp:  time.Now(),
			Agent:      store.AgentReviewer,
			EventType:  store.EventReviewRequested,
			Message:    "review requested",
		},
	}

	result, usage, err := n.Agent.Review(ctx, snap.FinalResponse)
	if err != nil {
		return NodeResult{Events: events, Err: err}
	}

	if n.Tokens != nil {
		if _, recErr := n.Tokens.Record(ctx, workflowID, store.AgentReviewer, n.ModelName, usage); recErr != nil {
			return NodeResult{Events: events, Err: recErr}
		}
	}

	iteration := snap.ReviewIteration + 1
	data, _ := json.Marshal(map[string]any{
		"approved":          result.Approved,
		"changes_requested": result.ChangesRequested,
		"iteration":         iteration,
	})
	events = append(events, store.Event{
		ID:         ids.New(),
		WorkflowID: workflowID,
		Timestamp:  time.Now(),
		Agent:      store.AgentReviewer,
		EventType:  store.EventReviewCompleted,
		Message:    "review completed",
		Data:       data,
	})

	delta := Snapshot{
		LastReview:      &result,
		ReviewIteration: iteration,
		AgentHistory: []AgentHistoryEntry{
			{Agent: string(store.AgentReviewer), Summary: "reviewed iteration " + strconv.Itoa(iteration)},
		},
	}

	if result.Approved {
		delta.AgenticStatus = AgenticStatusCompleted
		events = append(events, store.Event{
			ID:         ids.New(),
			WorkflowID: workflowID,
			Timestamp:  time.Now(),
			Agent:      store.AgentSystem,
			EventType:  store.EventWorkflowCompleted,
			Message:    "workflow completed",
		})
		return NodeResult{Delta: delta, Events: events, Route: Stop()}
	}

	if n.MaxReviewIterations > 0 && iteration >= n.MaxReviewIterations {
		delta.AgenticStatus = AgenticStatusFailed
		events = append(events, store.Event{
			ID:         ids.New(),
			WorkflowID: workflowID,
			Timestamp:  time.Now(),
			Agent:      store.AgentSystem,
			EventType:  store.EventWorkflowFailed,
			Message:    "max review iterations exceeded",
			Data:       mustJSON(map[string]any{"failure_reason": "max-iterations"}),
		})
		return NodeResult{Delta: delta, Events: events, Route: Stop()}
	}

	events = append(events, store.Event{
		ID:         ids.New(),
		WorkflowID: workflowID,
		Timestamp:  time.Now(),
		Agent:      store.AgentReviewer,
		EventType:  store.EventRevisionRequested,
		Message:    "revision requested, returning to execute",
	})
	return NodeResult{Delta: delta, Events: events, Route: Goto("execute")}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
