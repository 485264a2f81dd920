package collaborators

import (
	"context"
	"fmt"
)

// ReviewResult is the outcome of a ReviewAgent pass over a diff (spec §4.3's
// ReviewResult snapshot field).
type ReviewResult struct {
	Approved         bool
	ChangesRequested bool
	Comments         string
}

// PlanAgent produces a plan from an issue (spec's `plan` node: "Reads
// Issue, profile; Produces plan_text, goal, key_files").
type PlanAgent interface {
	Plan(ctx context.Context, issue Issue, profileID string) (planText, goal string, keyFiles []string, usage Usage, err error)
}

// ExecuteAgent drives the agentic execution loop (spec's `execute` node).
type ExecuteAgent interface {
	Execute(ctx context.Context, goal, workingDir, sessionID string, onEvent func(AgenticEvent)) (AgenticResult, error)
}

// ReviewAgent reviews a diff and decides whether to approve, request
// changes, or reject (spec's `review` node).
type ReviewAgent interface {
	Review(ctx context.Context, diff string) (ReviewResult, Usage, error)
}

// DefaultPlanAgent composes a Driver with a prompt template. Prompt content
// itself is out of scope (spec §1); this is the minimal wiring that makes
// the orchestrator's plan node exercise a real Driver in tests and examples.
type DefaultPlanAgent struct {
	Driver Driver
}

func (a *DefaultPlanAgent) Plan(ctx context.Context, issue Issue, profileID string) (string, string, []string, Usage, error) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are the planning agent for profile " + profileID + "."},
		{Role: RoleUser, Content: fmt.Sprintf("Issue %s: %s\n\n%s", issue.ID, issue.Title, issue.Description)},
	}
	out, err := a.Driver.Generate(ctx, messages, nil)
	if err != nil {
		return "", "", nil, Usage{}, err
	}
	return out.Text, issue.Title, nil, out.Usage, nil
}

// DefaultExecuteAgent composes a Driver's agentic streaming call directly;
// the execute node itself owns forwarding events to the Event Bus.
type DefaultExecuteAgent struct {
	Driver Driver
}

func (a *DefaultExecuteAgent) Execute(ctx context.Context, goal, workingDir, sessionID string, onEvent func(AgenticEvent)) (AgenticResult, error) {
	return a.Driver.StreamAgentic(ctx, goal, workingDir, sessionID, onEvent)
}

// DefaultReviewAgent composes a Driver with a review prompt template.
type DefaultReviewAgent struct {
	Driver Driver
}

func (a *DefaultReviewAgent) Review(ctx context.Context, diff string) (ReviewResult, Usage, error) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are the code review agent. Respond APPROVE or CHANGES_REQUESTED."},
		{Role: RoleUser, Content: diff},
	}
	out, err := a.Driver.Generate(ctx, messages, nil)
	if err != nil {
		return ReviewResult{}, Usage{}, err
	}
	approved := out.Text == "" || out.Text[:1] == "A"
	return ReviewResult{
		Approved:         approved,
		ChangesRequested: !approved,
		Comments:         out.Text,
	}, out.Usage, nil
}
