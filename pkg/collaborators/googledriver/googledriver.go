// Package googledriver adapts Google's Gemini API to collaborators.Driver,
// generalizing the teacher's Gemini ChatModel (safety-filter translation,
// tool/function-call conversion) to also drive the execute node's agentic
// loop.
package googledriver

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/existential-birds/amelia/pkg/collaborators"
)

// googleClient is the subset of the SDK Driver exercises; swappable in tests.
type googleClient interface {
	generateContent(ctx context.Context, messages []collaborators.Message, tools []collaborators.ToolSpec) (collaborators.ChatOut, error)
}

// Driver implements collaborators.Driver against Google's Gemini API.
type Driver struct {
	modelName string
	client    googleClient
}

// New creates a Driver. An empty modelName defaults to gemini-2.5-flash.
func New(apiKey, modelName string) *Driver {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &Driver{modelName: modelName, client: &defaultClient{apiKey: apiKey, modelName: modelName}}
}

func (d *Driver) Generate(ctx context.Context, messages []collaborators.Message, tools []collaborators.ToolSpec) (collaborators.ChatOut, error) {
	if ctx.Err() != nil {
		return collaborators.ChatOut{}, ctx.Err()
	}

	out, err := d.client.generateContent(ctx, messages, tools)
	if err != nil {
		var safetyErr *SafetyFilterError
		if errors.As(err, &safetyErr) {
			return collaborators.ChatOut{}, safetyErr
		}
		return collaborators.ChatOut{}, err
	}
	return out, nil
}

// StreamAgentic performs successive Generate calls, forwarding each
// returned tool call as a tool_call/tool_result pair, until the model
// responds without requesting a tool.
func (d *Driver) StreamAgentic(ctx context.Context, goal, cwd, sessionID string, onEvent func(collaborators.AgenticEvent)) (collaborators.AgenticResult, error) {
	messages := []collaborators.Message{
		{Role: collaborators.RoleSystem, Content: "You are an autonomous execution agent working in " + cwd + "."},
		{Role: collaborators.RoleUser, Content: goal},
	}

	var total collaborators.Usage
	const maxTurns = 8
	for turn := 0; turn < maxTurns; turn++ {
		out, err := d.Generate(ctx, messages, nil)
		if err != nil {
			return collaborators.AgenticResult{}, err
		}
		total.InputTokens += out.Usage.InputTokens
		total.OutputTokens += out.Usage.OutputTokens
		total.CacheReadTokens += out.Usage.CacheReadTokens
		total.CacheCreationTokens += out.Usage.CacheCreationTokens

		if len(out.ToolCalls) == 0 {
			onEvent(collaborators.AgenticEvent{Kind: collaborators.AgenticResultEvent, Message: out.Text})
			return collaborators.AgenticResult{
				FinalResponse: out.Text,
				SessionID:     sessionID,
				Usage:         total,
			}, nil
		}

		for _, tc := range out.ToolCalls {
			onEvent(collaborators.AgenticEvent{Kind: collaborators.AgenticToolCall, Message: tc.Name})
			onEvent(collaborators.AgenticEvent{Kind: collaborators.AgenticToolResult, Message: tc.Name})
		}
		messages = append(messages, collaborators.Message{Role: collaborators.RoleAssistant, Content: out.Text})
	}

	return collaborators.AgenticResult{}, errors.New("googledriver: agentic loop exceeded max turns without a final response")
}

// SafetyFilterError reports that Gemini's safety filters blocked content.
// Use errors.As to distinguish it from transport/auth failures.
type SafetyFilterError struct {
	Reason   string
	Category string
}

func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.Category
}

// defaultClient wraps the official Gemini SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) generateContent(ctx context.Context, messages []collaborators.Message, tools []collaborators.ToolSpec) (collaborators.ChatOut, error) {
	if c.apiKey == "" {
		return collaborators.ChatOut{}, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return collaborators.ChatOut{}, fmt.Errorf("failed to create Google client: %w", err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(c.modelName)
	if len(tools) > 0 {
		genModel.Tools = convertTools(tools)
	}

	resp, err := genModel.GenerateContent(ctx, convertMessages(messages)...)
	if err != nil {
		return collaborators.ChatOut{}, fmt.Errorf("google API error: %w", err)
	}

	out, blocked := convertResponse(resp)
	if blocked != nil {
		return collaborators.ChatOut{}, blocked
	}
	return out, nil
}

func convertMessages(messages []collaborators.Message) []genai.Part {
	var parts []genai.Part
	for _, msg := range messages {
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}
	return parts
}

func convertTools(tools []collaborators.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func convertResponse(resp *genai.GenerateContentResponse) (collaborators.ChatOut, *SafetyFilterError) {
	out := collaborators.ChatOut{}
	if len(resp.Candidates) == 0 {
		return out, nil
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return out, nil
	}

	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, collaborators.ToolCall{Name: p.Name})
		}
	}
	return out, nil
}
