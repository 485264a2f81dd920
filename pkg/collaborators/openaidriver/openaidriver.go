// Package openaidriver adapts the OpenAI Chat Completions API to
// collaborators.Driver, generalizing the teacher's OpenAI ChatModel
// (retry-on-transient-error, rate-limit backoff, tool-call conversion)
// to also drive the execute node's agentic loop.
package openaidriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/existential-birds/amelia/pkg/collaborators"
)

// openaiClient is the subset of the SDK Driver exercises; swappable in tests.
type openaiClient interface {
	createChatCompletion(ctx context.Context, messages []collaborators.Message, tools []collaborators.ToolSpec) (collaborators.ChatOut, error)
}

// Driver implements collaborators.Driver against OpenAI's Chat Completions API.
type Driver struct {
	client     openaiClient
	maxRetries int
	retryDelay time.Duration
}

// New creates a Driver. An empty modelName defaults to gpt-4o.
func New(apiKey, modelName string) *Driver {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &Driver{
		client:     &defaultClient{apiKey: apiKey, modelName: modelName},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

func (d *Driver) Generate(ctx context.Context, messages []collaborators.Message, tools []collaborators.ToolSpec) (collaborators.ChatOut, error) {
	if ctx.Err() != nil {
		return collaborators.ChatOut{}, ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		out, err := d.client.createChatCompletion(ctx, messages, tools)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !isTransientError(err) {
			return collaborators.ChatOut{}, err
		}
		if attempt >= d.maxRetries {
			break
		}

		delay := d.retryDelay
		if isRateLimitError(err) {
			delay = d.retryDelay * time.Duration(attempt+1)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return collaborators.ChatOut{}, ctx.Err()
		}
	}

	return collaborators.ChatOut{}, fmt.Errorf("openai: failed after %d retries: %w", d.maxRetries, lastErr)
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

	return collaborators.AgenticResult{}, errors.New("openaidriver: agentic loop exceeded max turns without a final response")
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	var rateLimitErr *rateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}
	msgLower := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "503", "502", "500"} {
		if strings.Contains(msgLower, pattern) {
			return true
		}
	}
	return false
}

func isRateLimitError(err error) bool {
	var rateLimitErr *rateLimitError
	return errors.As(err, &rateLimitErr)
}

type rateLimitError struct{ message string }

func (e *rateLimitError) Error() string { return e.message }

// defaultClient wraps the official OpenAI SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) createChatCompletion(ctx context.Context, messages []collaborators.Message, tools []collaborators.ToolSpec) (collaborators.ChatOut, error) {
	if c.apiKey == "" {
		return collaborators.ChatOut{}, errors.New("OpenAI API key is required")
	}

	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(c.modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return collaborators.ChatOut{}, fmt.Errorf("openai: %w", err)
	}
	return convertResponse(resp), nil
}

func convertMessages(messages []collaborators.Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case collaborators.RoleSystem:
			result[i] = openaisdk.SystemMessage(msg.Content)
		case collaborators.RoleAssistant:
			result[i] = openaisdk.AssistantMessage(msg.Content)
		default:
			result[i] = openaisdk.UserMessage(msg.Content)
		}
	}
	return result
}

func convertTools(tools []collaborators.ToolSpec) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if len(tool.Parameters) > 0 {
			_ = json.Unmarshal(tool.Parameters, &schema)
		}
		result[i] = openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openaisdk.String(tool.Description),
				Parameters:  shared.FunctionParameters(schema),
			},
		}
	}
	return result
}

func convertResponse(resp *openaisdk.ChatCompletion) collaborators.ChatOut {
	out := collaborators.ChatOut{
		Usage: collaborators.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.Text = choice.Message.Content

	if len(choice.Message.ToolCalls) > 0 {
		out.ToolCalls = make([]collaborators.ToolCall, len(choice.Message.ToolCalls))
		for i, tc := range choice.Message.ToolCalls {
			out.ToolCalls[i] = collaborators.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			}
		}
	}
	return out
}
