// Package mockdriver is a test implementation of collaborators.Driver,
// adapted from the teacher's MockChatModel: configurable scripted
// responses, call history tracking, and error injection, without making
// real LLM calls.
package mockdriver

import (
	"context"
	"sync"

	"github.com/existential-birds/amelia/pkg/collaborators"
)

// Driver is a scriptable collaborators.Driver for tests.
type Driver struct {
	// GenerateResponses is the sequence of ChatOut values Generate returns
	// in order. Once exhausted, the last response repeats.
	GenerateResponses []collaborators.ChatOut
	// GenerateErr, if set, is returned by Generate instead of a response.
	GenerateErr error

	// AgenticEvents is the stream StreamAgentic replays to onEvent.
	AgenticEvents []collaborators.AgenticEvent
	// AgenticResult is returned once AgenticEvents has been replayed.
	AgenticResult collaborators.AgenticResult
	// AgenticErr, if set, is returned by StreamAgentic instead of a result.
	AgenticErr error

	mu           sync.Mutex
	GenerateCall []GenerateCall
	generateIdx  int
}

// GenerateCall records one Generate invocation for assertions in tests.
type GenerateCall struct {
	Messages []collaborators.Message
	Tools    []collaborators.ToolSpec
}

func (d *Driver) Generate(ctx context.Context, messages []collaborators.Message, tools []collaborators.ToolSpec) (collaborators.ChatOut, error) {
	if ctx.Err() != nil {
		return collaborators.ChatOut{}, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.GenerateCall = append(d.GenerateCall, GenerateCall{Messages: messages, Tools: tools})

	if d.GenerateErr != nil {
		return collaborators.ChatOut{}, d.GenerateErr
	}
	if len(d.GenerateResponses) == 0 {
		return collaborators.ChatOut{}, nil
	}
	idx := d.generateIdx
	if idx >= len(d.GenerateResponses) {
		idx = len(d.GenerateResponses) - 1
	} else {
		d.generateIdx++
	}
	return d.GenerateResponses[idx], nil
}

func (d *Driver) StreamAgentic(ctx context.Context, goal, cwd, sessionID string, onEvent func(collaborators.AgenticEvent)) (collaborators.AgenticResult, error) {
	if d.AgenticErr != nil {
		return collaborators.AgenticResult{}, d.AgenticErr
	}
	for _, e := range d.AgenticEvents {
		if ctx.Err() != nil {
			return collaborators.AgenticResult{}, ctx.Err()
		}
		onEvent(e)
	}
	return d.AgenticResult, nil
}

// CallCount returns the number of times Generate has been called.
func (d *Driver) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.GenerateCall)
}

// Reset clears call history and rewinds the response index.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.GenerateCall = nil
	d.generateIdx = 0
}
