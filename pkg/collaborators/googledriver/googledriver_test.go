package googledriver

import (
	"context"
	"errors"
	"testing"

	"github.com/existential-birds/amelia/pkg/collaborators"
)

type mockClient struct {
	response  string
	toolCalls []collaborators.ToolCall
	err       error
	callCount int
}

func (c *mockClient) generateContent(_ context.Context, _ []collaborators.Message, _ []collaborators.ToolSpec) (collaborators.ChatOut, error) {
	c.callCount++
	if c.err != nil {
		return collaborators.ChatOut{}, c.err
	}
	return collaborators.ChatOut{Text: c.response, ToolCalls: c.toolCalls}, nil
}

func TestNewDefaultsModelName(t *testing.T) {
	d := New("key", "")
	if d.modelName == "" {
		t.Fatal("expected a default model name")
	}
}

func TestGenerateReturnsResponse(t *testing.T) {
	mc := &mockClient{response: "hello"}
	d := &Driver{modelName: "gemini-test", client: mc}

	out, err := d.Generate(context.Background(), []collaborators.Message{
		{Role: collaborators.RoleUser, Content: "hi"},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "hello" {
		t.Errorf("got %q", out.Text)
	}
	if mc.callCount != 1 {
		t.Errorf("expected 1 call, got %d", mc.callCount)
	}
}

func TestGenerateRespectsContextCancellation(t *testing.T) {
	d := &Driver{modelName: "gemini-test", client: &mockClient{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Generate(ctx, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGenerateTranslatesSafetyFilterError(t *testing.T) {
	mc := &mockClient{err: &SafetyFilterError{Reason: "SAFETY", Category: "HARM_CATEGORY_HATE_SPEECH"}}
	d := &Driver{modelName: "gemini-test", client: mc}

	_, err := d.Generate(context.Background(), []collaborators.Message{{Role: collaborators.RoleUser, Content: "hi"}}, nil)
	var safetyErr *SafetyFilterError
	if !errors.As(err, &safetyErr) {
		t.Fatalf("expected SafetyFilterError, got %v", err)
	}
	if safetyErr.Category != "HARM_CATEGORY_HATE_SPEECH" {
		t.Errorf("got %q", safetyErr.Category)
	}
}

func TestStreamAgenticStopsOnToollessResponse(t *testing.T) {
	mc := &mockClient{response: "done"}
	d := &Driver{modelName: "gemini-test", client: mc}

	var events []collaborators.AgenticEvent
	result, err := d.StreamAgentic(context.Background(), "do it", "/tmp", "sess-1", func(e collaborators.AgenticEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalResponse != "done" {
		t.Errorf("got %q", result.FinalResponse)
	}
	if len(events) != 1 || events[0].Kind != collaborators.AgenticResultEvent {
		t.Errorf("expected a single result event, got %#v", events)
	}
}

func TestStreamAgenticForwardsToolCalls(t *testing.T) {
	calls := 0
	mc := &stubClient{
		fn: func() (collaborators.ChatOut, error) {
			calls++
			if calls == 1 {
				return collaborators.ChatOut{ToolCalls: []collaborators.ToolCall{{Name: "search"}}}, nil
			}
			return collaborators.ChatOut{Text: "final"}, nil
		},
	}
	d := &Driver{modelName: "gemini-test", client: mc}

	var kinds []collaborators.AgenticEventKind
	result, err := d.StreamAgentic(context.Background(), "goal", "/tmp", "", func(e collaborators.AgenticEvent) {
		kinds = append(kinds, e.Kind)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalResponse != "final" {
		t.Errorf("got %q", result.FinalResponse)
	}
	want := []collaborators.AgenticEventKind{
		collaborators.AgenticToolCall, collaborators.AgenticToolResult, collaborators.AgenticResultEvent,
	}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d events, got %d: %#v", len(want), len(kinds), kinds)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("event %d: expected %s, got %s", i, k, kinds[i])
		}
	}
}

type stubClient struct {
	fn func() (collaborators.ChatOut, error)
}

func (c *stubClient) generateContent(_ context.Context, _ []collaborators.Message, _ []collaborators.ToolSpec) (collaborators.ChatOut, error) {
	return c.fn()
}
