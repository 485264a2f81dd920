package openaidriver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/existential-birds/amelia/pkg/collaborators"
)

type mockClient struct {
	response  string
	toolCalls []collaborators.ToolCall
	err       error
	callCount int
}

func (c *mockClient) createChatCompletion(_ context.Context, _ []collaborators.Message, _ []collaborators.ToolSpec) (collaborators.ChatOut, error) {
	c.callCount++
	if c.err != nil {
		return collaborators.ChatOut{}, c.err
	}
	return collaborators.ChatOut{Text: c.response, ToolCalls: c.toolCalls}, nil
}

func TestNewDefaultsModelName(t *testing.T) {
	d := New("key", "")
	if d.client == nil {
		t.Fatal("expected a client")
	}
}

func TestGenerateReturnsResponse(t *testing.T) {
	mc := &mockClient{response: "hello"}
	d := &Driver{client: mc, maxRetries: 3, retryDelay: time.Millisecond}

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

func TestGenerateRetriesTransientErrors(t *testing.T) {
	mc := &mockClient{err: errors.New("503 service unavailable")}
	d := &Driver{client: mc, maxRetries: 2, retryDelay: time.Millisecond}

	_, err := d.Generate(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if mc.callCount != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", mc.callCount)
	}
}

func TestGenerateDoesNotRetryNonTransientErrors(t *testing.T) {
	mc := &mockClient{err: errors.New("invalid api key")}
	d := &Driver{client: mc, maxRetries: 3, retryDelay: time.Millisecond}

	_, err := d.Generate(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if mc.callCount != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", mc.callCount)
	}
}

func TestGenerateRespectsContextCancellation(t *testing.T) {
	d := &Driver{client: &mockClient{}, maxRetries: 3, retryDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Generate(ctx, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStreamAgenticForwardsToolCalls(t *testing.T) {
	calls := 0
	mc := &stubClient{
		fn: func() (collaborators.ChatOut, error) {
			calls++
			if calls == 1 {
				return collaborators.ChatOut{ToolCalls: []collaborators.ToolCall{{Name: "run_tests"}}}, nil
			}
			return collaborators.ChatOut{Text: "final"}, nil
		},
	}
	d := &Driver{client: mc, maxRetries: 3, retryDelay: time.Millisecond}

	var kinds []collaborators.AgenticEventKind
	result, err := d.StreamAgentic(context.Background(), "goal", "/tmp", "sess", func(e collaborators.AgenticEvent) {
		kinds = append(kinds, e.Kind)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalResponse != "final" {
		t.Errorf("got %q", result.FinalResponse)
	}
	if len(kinds) != 3 {
		t.Fatalf("expected 3 events, got %d: %#v", len(kinds), kinds)
	}
}

type stubClient struct {
	fn func() (collaborators.ChatOut, error)
}

func (c *stubClient) createChatCompletion(_ context.Context, _ []collaborators.Message, _ []collaborators.ToolSpec) (collaborators.ChatOut, error) {
	return c.fn()
}
