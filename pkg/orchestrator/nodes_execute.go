package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/existential-birds/amelia/pkg/collaborators"
	"github.com/existential-birds/amelia/pkg/ids"
	"github.com/existential-birds/amelia/pkg/store"
	"github.com/existential-birds/amelia/pkg/tokens"
)

// ExecuteNode drives the agentic execution loop toward the plan's goal
// (spec §4.3: "execute | goal, working dir | streaming tool_call /
// tool_result events; final_response | → review").
//
// Per the checkpoint-only-at-node-boundaries decision (spec §9, recorded in
// DESIGN.md), the stream's tool_call/tool_result events are collected into
// the snapshot's append-only ToolCalls/ToolResults logs in the order the
// driver produced them. They are not published to the Event Bus, neither
// live nor at commit; the bus sees only their counts, in the data of the
// STAGE_COMPLETED event.
type ExecuteNode struct {
	Agent     collaborators.ExecuteAgent
	Tokens    *tokens.Tracker
	ModelName string
}

func (n *ExecuteNode) Run(ctx context.Context, snap Snapshot) NodeResult {
	workflowID := WorkflowIDFromContext(ctx)
	events := []store.Event{
		{
			ID:         ids.New(),
			WorkflowID: workflowID,
			Timestamp:  time.Now(),
			Agent:      store.AgentDeveloper,
			EventType:  store.EventStageStarted,
			Message:    "execute stage started",
		},
	}

	// tool_call/tool_result stream items land in the snapshot's append-only
	// logs and are counted in the STAGE_COMPLETED payload; thinking and
	// result items are not kept. The
	// durable per-workflow Event log's closed type set (spec §6.3) has no
	// per-tool-call member, so individual stream items are not persisted
	// as their own Event rows.
	var toolCalls, toolResults []collaborators.AgenticEvent
	onEvent := func(ev collaborators.AgenticEvent) {
		switch ev.Kind {
		case collaborators.AgenticToolCall:
			toolCalls = append(toolCalls, ev)
		case collaborators.AgenticToolResult:
			toolResults = append(toolResults, ev)
		}
	}

	result, err := n.Agent.Execute(ctx, snap.Goal, snap.WorktreePath, snap.DriverSessionID, onEvent)
	if err != nil {
		return NodeResult{Events: events, Err: err}
	}

	if n.Tokens != nil {
		if _, recErr := n.Tokens.Record(ctx, workflowID, store.AgentDeveloper, n.ModelName, result.Usage); recErr != nil {
			return NodeResult{Events: events, Err: recErr}
		}
	}

	data, _ := json.Marshal(map[string]any{"tool_calls": len(toolCalls), "tool_results": len(toolResults)})
	events = append(events, store.Event{
		ID:         ids.New(),
		WorkflowID: workflowID,
		Timestamp:  time.Now(),
		Agent:      store.AgentDeveloper,
		EventType:  store.EventStageCompleted,
		Message:    "execute stage completed",
		Data:       data,
	})

	delta := Snapshot{
		ToolCalls:       toolCalls,
		ToolResults:     toolResults,
		FinalResponse:   result.FinalResponse,
		DriverSessionID: result.SessionID,
		AgentHistory: []AgentHistoryEntry{
			{Agent: string(store.AgentDeveloper), Summary: "executed goal: " + snap.Goal},
		},
	}

	return NodeResult{
		Delta:  delta,
		Events: events,
		Route:  Goto("review"),
	}
}
