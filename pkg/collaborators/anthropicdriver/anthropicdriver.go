// Package anthropicdriver adapts the Anthropic Claude API to
// collaborators.Driver, generalizing the teacher's Anthropic ChatModel
// (request/response translation, system-prompt extraction, tool-call
// conversion) to also drive the execute node's agentic loop.
package anthropicdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/existential-birds/amelia/pkg/collaborators"
)

// anthropicClient is the subset of the SDK Driver exercises; swappable in tests.
type anthropicClient interface {
	createMessage(ctx context.Context, systemPrompt string, messages []collaborators.Message, tools []collaborators.ToolSpec) (collaborators.ChatOut, error)
}

// Driver implements collaborators.Driver against Anthropic's Messages API.
type Driver struct {
	modelName string
	client    anthropicClient
}

// New creates a Driver. An empty modelName defaults to Claude Sonnet.
func New(apiKey, modelName string) *Driver {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	return &Driver{
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

func (d *Driver) Generate(ctx context.Context, messages []collaborators.Message, tools []collaborators.ToolSpec) (collaborators.ChatOut, error) {
	if ctx.Err() != nil {
		return collaborators.ChatOut{}, ctx.Err()
	}

	systemPrompt, conversation := extractSystemPrompt(messages)
	return d.client.createMessage(ctx, systemPrompt, conversation, tools)
}

// StreamAgentic drives a bounded multi-turn loop (at most maxTurns Generate
// calls) toward goal and reports it to onEvent as one tool_call/tool_result
// pair per tool use
// plus a final result event. Anthropic's Messages API has no native
// multi-turn agent loop, so this performs one Generate call per pending
// tool result until the model stops requesting tools.
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

	return collaborators.AgenticResult{}, errors.New("anthropicdriver: agentic loop exceeded max turns without a final response")
}

func extractSystemPrompt(messages []collaborators.Message) (string, []collaborators.Message) {
	var systemPrompt string
	var conversation []collaborators.Message
	for _, msg := range messages {
		if msg.Role == collaborators.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		} else {
			conversation = append(conversation, msg)
		}
	}
	return systemPrompt, conversation
}

// defaultClient wraps the official Anthropic SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) createMessage(ctx context.Context, systemPrompt string, messages []collaborators.Message, tools []collaborators.ToolSpec) (collaborators.ChatOut, error) {
	if c.apiKey == "" {
		return collaborators.ChatOut{}, errors.New("anthropic API key is required")
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.modelName),
		Messages:  convertMessages(messages),
		MaxTokens: 4096,
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return collaborators.ChatOut{}, fmt.Errorf("anthropic: %w", err)
	}
	return convertResponse(resp), nil
}

func convertMessages(messages []collaborators.Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case collaborators.RoleAssistant:
			result[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content))
		default:
			result[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content))
		}
	}
	return result
}

func convertTools(tools []collaborators.ToolSpec) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if len(tool.Parameters) > 0 {
			_ = json.Unmarshal(tool.Parameters, &schema)
		}
		var properties any
		var required []string
		if schema != nil {
			if props, ok := schema["properties"]; ok {
				properties = props
			}
			if req, ok := schema["required"].([]any); ok {
				required = make([]string, len(req))
				for j, v := range req {
					if s, ok := v.(string); ok {
						required[j] = s
					}
				}
			}
		}
		result[i] = anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        tool.Name,
				Description: anthropicsdk.String(tool.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{Properties: properties, Required: required},
			},
		}
	}
	return result
}

func convertResponse(resp *anthropicsdk.Message) collaborators.ChatOut {
	out := collaborators.ChatOut{
		Usage: collaborators.Usage{
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			CacheReadTokens:     resp.Usage.CacheReadInputTokens,
			CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
		},
	}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += b.Text
		case anthropicsdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, collaborators.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: json.RawMessage(b.Input),
			})
		}
	}
	return out
}
