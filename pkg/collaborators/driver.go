// Package collaborators defines the interface contracts for the externals
// the core consumes (spec §6.4): LLM drivers, the issue tracker, and the
// plan/execute/review agent façades the orchestrator's nodes call through.
// Their internals (prompt engineering, transport protocols) are explicitly
// out of scope; what belongs here is the shape of the boundary.
package collaborators

import (
	"context"
	"encoding/json"
)

// Role tags a Message's speaker, mirroring the teacher's ChatModel message roles.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a chat-style exchange with a driver.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes a callable tool a driver may invoke during Generate or
// StreamAgentic.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is one invocation the driver asked the caller to perform.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Usage reports token consumption for a single driver call (spec §3's
// Token-usage record, as reported by the driver boundary).
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// ChatOut is the result of a non-streaming Generate call.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// AgenticEventKind is one member of the execute node's streaming event set
// (spec §4.3, "Streaming from execute").
type AgenticEventKind string

const (
	AgenticToolCall    AgenticEventKind = "tool_call"
	AgenticToolResult  AgenticEventKind = "tool_result"
	AgenticThinking    AgenticEventKind = "thinking"
	AgenticResultEvent AgenticEventKind = "result"
)

// AgenticEvent is one item in the stream StreamAgentic emits to onEvent.
type AgenticEvent struct {
	Kind    AgenticEventKind
	Message string
	Payload json.RawMessage
}

// AgenticResult is the terminal outcome of a StreamAgentic call. The
// execute node takes the returned AgenticResult as the outcome; it does not
// check whether a result event reached onEvent, so a stream that ends
// without one does not fail the node.
type AgenticResult struct {
	FinalResponse string
	SessionID     string
	Usage         Usage
}

// Driver is external transport to an LLM backend (spec §6.4). May fail
// transiently (retried by the caller's retry policy) or fatally. Must
// report token usage per call via Usage.
type Driver interface {
	// Generate performs a single request/response exchange.
	Generate(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)

	// StreamAgentic drives an open-ended agentic loop toward goal inside
	// cwd, optionally resuming a prior sessionID for driver-side session
	// continuity. onEvent is invoked synchronously for each stream item, in
	// order; StreamAgentic returns once a terminal AgenticResult has been
	// produced or the stream fails.
	StreamAgentic(ctx context.Context, goal, cwd, sessionID string, onEvent func(AgenticEvent)) (AgenticResult, error)
}
