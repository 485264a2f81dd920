package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/existential-birds/amelia/pkg/ids"
	"github.com/existential-birds/amelia/pkg/store"
)

// AwaitApprovalNode emits APPROVAL_REQUIRED and suspends the runner until
// the Lifecycle Service resumes it with a decision (spec §4.3:
// "await_approval | plan_text | emits APPROVAL_REQUIRED, interrupts |
// (resume with decision)").
type AwaitApprovalNode struct {
	// CorrelationID generates the correlation id linking this node's
	// APPROVAL_REQUIRED event to the eventual APPROVAL_GRANTED/REJECTED one.
	// Defaults to ids.New if nil.
	CorrelationID func() string
}

func (n *AwaitApprovalNode) Run(ctx context.Context, snap Snapshot) NodeResult {
	workflowID := WorkflowIDFromContext(ctx)

	genID := n.CorrelationID
	if genID == nil {
		genID = ids.New
	}
	correlationID := genID()

	data, _ := json.Marshal(map[string]any{"plan_text": snap.PlanText})
	event := store.Event{
		ID:            ids.New(),
		WorkflowID:    workflowID,
		Timestamp:     time.Now(),
		Agent:         store.AgentSystem,
		EventType:     store.EventApprovalRequired,
		Message:       "awaiting human approval of plan",
		Data:          data,
		CorrelationID: correlationID,
	}

	return NodeResult{
		Delta: Snapshot{
			AgenticStatus:         AgenticStatusAwaitingApproval,
			ApprovalCorrelationID: correlationID,
		},
		Events: []store.Event{event},
		Route:  Wait("awaiting_approval", correlationID),
	}
}

// ResumeApprovalNode consumes the decision the Lifecycle Service injected
// into the snapshot (HumanApproved/ApprovalFeedback/RejectionReason) and
// routes accordingly (spec §4.3: "resume_approval | decision |
// human_approved set | approved → execute / rejected → END(rejected)").
//
// Per the open-question decision recorded in DESIGN.md, a rejection routes
// to a normal terminal state (agentic_status=completed, Rejected=true)
// rather than to the cancelled status — rejection is a considered negative
// conclusion, not an abnormal abort.
type ResumeApprovalNode struct{}

func (n *ResumeApprovalNode) Run(ctx context.Context, snap Snapshot) NodeResult {
	workflowID := WorkflowIDFromContext(ctx)

	approved := snap.HumanApproved != nil && *snap.HumanApproved

	eventType := store.EventApprovalGranted
	message := "plan approved"
	if !approved {
		eventType = store.EventApprovalRejected
		message = "plan rejected"
	}

	var data json.RawMessage
	if !approved && snap.RejectionReason != "" {
		data, _ = json.Marshal(map[string]any{"reason": snap.RejectionReason})
	}

	event := store.Event{
		ID:            ids.New(),
		WorkflowID:    workflowID,
		Timestamp:     time.Now(),
		Agent:         store.AgentSystem,
		EventType:     eventType,
		Message:       message,
		Data:          data,
		CorrelationID: snap.ApprovalCorrelationID,
	}

	if !approved {
		completed := store.Event{
			ID:         ids.New(),
			WorkflowID: workflowID,
			Timestamp:  time.Now(),
			Agent:      store.AgentSystem,
			EventType:  store.EventWorkflowCompleted,
			Message:    "workflow completed (plan rejected)",
			Data:       mustJSON(map[string]any{"rejected": true}),
		}
		return NodeResult{
			Delta: Snapshot{
				AgenticStatus: AgenticStatusCompleted,
				Rejected:      true,
			},
			Events: []store.Event{event, completed},
			Route:  Stop(),
		}
	}

	return NodeResult{
		Delta: Snapshot{
			AgenticStatus: AgenticStatusRunning,
		},
		Events: []store.Event{event},
		Route:  Goto("execute"),
	}
}
