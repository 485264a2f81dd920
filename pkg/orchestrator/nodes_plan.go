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

// PlanNode reads the workflow's Issue via Tracker, drives PlanAgent to
// produce plan_text/goal/key_files, and records the agent's token usage
// (spec §4.3: "plan | Issue, profile | plan_text, goal, key_files |
// → await_approval").
type PlanNode struct {
	Tracker   collaborators.Tracker
	Agent     collaborators.PlanAgent
	Tokens    *tokens.Tracker
	ModelName string
}

func (n *PlanNode) Run(ctx context.Context, snap Snapshot) NodeResult {
	workflowID := WorkflowIDFromContext(ctx)
	started := store.Event{
		ID:         ids.New(),
		WorkflowID: workflowID,
		Timestamp:  time.Now(),
		Agent:      store.AgentArchitect,
		EventType:  store.EventStageStarted,
		Message:    "plan stage started",
	}

	issue, err := n.Tracker.GetIssue(ctx, snap.IssueID)
	if err != nil {
		return NodeResult{Events: []store.Event{started}, Err: err}
	}

	planText, goal, keyFiles, usage, err := n.Agent.Plan(ctx, issue, snap.ProfileID)
	if err != nil {
		return NodeResult{Err: err}
	}

	if n.Tokens != nil {
		if _, recErr := n.Tokens.Record(ctx, workflowID, store.AgentArchitect, n.ModelName, usage); recErr != nil {
			return NodeResult{Err: recErr}
		}
	}

	data, _ := json.Marshal(map[string]any{"goal": goal, "key_files": keyFiles})
	event := store.Event{
		ID:         ids.New(),
		WorkflowID: workflowID,
		Timestamp:  time.Now(),
		Agent:      store.AgentArchitect,
		EventType:  store.EventStageCompleted,
		Message:    "plan stage completed",
		Data:       data,
	}

	delta := Snapshot{
		PlanText: planText,
		Goal:     goal,
		KeyFiles: keyFiles,
		AgentHistory: []AgentHistoryEntry{
			{Agent: string(store.AgentArchitect), Summary: "produced plan for goal: " + goal},
		},
	}

	return NodeResult{
		Delta:  delta,
		Events: []store.Event{started, event},
		Route:  Goto("await_approval"),
	}
}
