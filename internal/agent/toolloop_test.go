package agent

import (
	"context"
	"strconv"
	"testing"

	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// scriptedProvider replays a fixed sequence of ChatResponses, one per Chat
// call, so tests can drive RunToolLoop through specific turns deterministically.
type scriptedProvider struct {
	responses []providers.ChatResponse
	calls     int
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.calls >= len(p.responses) {
		p.calls++
		return &providers.ChatResponse{Content: "fallback", FinishReason: "stop"}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return &resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *scriptedProvider) DefaultModel() string   { return "test-model" }
func (p *scriptedProvider) Name() string           { return "scripted" }
func (p *scriptedProvider) SupportsThinking() bool { return false }

// echoErrorTool always returns an Error: result, used to drive the
// tool-error backoff streak.
type echoErrorTool struct{ name string }

func (t *echoErrorTool) Name() string                                           { return t.name }
func (t *echoErrorTool) Description() string                                    { return "" }
func (t *echoErrorTool) Parameters() map[string]interface{}                     { return nil }
func (t *echoErrorTool) ParallelSafe() bool                                     { return false }
func (t *echoErrorTool) Cacheable() bool                                        { return false }
func (t *echoErrorTool) CacheTTLSeconds() int                                   { return 0 }
func (t *echoErrorTool) MaxRetries() int                                        { return 1 }
func (t *echoErrorTool) CacheKey(map[string]interface{}) (string, bool)         { return "", false }
func (t *echoErrorTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return tools.ErrorResult("boom")
}

// stuckTool always returns the exact same successful result regardless of
// arguments, used to drive the non-error stuck-loop guard.
type stuckTool struct{ name string }

func (t *stuckTool) Name() string                                       { return t.name }
func (t *stuckTool) Description() string                                { return "" }
func (t *stuckTool) Parameters() map[string]interface{}                 { return nil }
func (t *stuckTool) ParallelSafe() bool                                 { return false }
func (t *stuckTool) Cacheable() bool                                    { return false }
func (t *stuckTool) CacheTTLSeconds() int                               { return 0 }
func (t *stuckTool) MaxRetries() int                                    { return 1 }
func (t *stuckTool) CacheKey(map[string]interface{}) (string, bool)     { return "", false }
func (t *stuckTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return tools.NewResult("nothing changed")
}

func toolCallResponse(toolName string, args map[string]interface{}) providers.ChatResponse {
	return providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: "1", Name: toolName, Arguments: args}},
		FinishReason: "tool_calls",
	}
}

func newRegistryWith(t *testing.T, tool tools.Tool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	reg.Register(tool)
	return reg
}

func TestRunToolLoopStopsAfterExactToolErrorBackoffStreak(t *testing.T) {
	provider := &scriptedProvider{responses: []providers.ChatResponse{
		toolCallResponse("broken", map[string]interface{}{"x": 1}),
		toolCallResponse("broken", map[string]interface{}{"x": 1}),
		toolCallResponse("broken", map[string]interface{}{"x": 1}),
	}}
	reg := newRegistryWith(t, &echoErrorTool{name: "broken"})

	result := RunToolLoop(context.Background(), ToolLoopConfig{
		Provider:         provider,
		MaxIterations:    10,
		ToolErrorBackoff: 3,
		Tools:            reg,
		Messages:         []providers.Message{{Role: "user", Content: "go"}},
	})

	if !result.HitBackoff {
		t.Fatal("expected HitBackoff to be set after 3 consecutive error results")
	}
	if result.Content != FallbackToolErrorBackoff {
		t.Fatalf("expected the documented backoff fallback literal, got %q", result.Content)
	}
	if result.Iterations != 3 {
		t.Fatalf("expected exactly 3 iterations (the exact backoff streak, not more), got %d", result.Iterations)
	}
}

func TestRunToolLoopDoesNotBackoffBelowThreshold(t *testing.T) {
	provider := &scriptedProvider{responses: []providers.ChatResponse{
		toolCallResponse("broken", map[string]interface{}{"x": 1}),
		toolCallResponse("broken", map[string]interface{}{"x": 2}),
		{Content: "done", FinishReason: "stop"},
	}}
	reg := newRegistryWith(t, &echoErrorTool{name: "broken"})

	result := RunToolLoop(context.Background(), ToolLoopConfig{
		Provider:         provider,
		MaxIterations:    10,
		ToolErrorBackoff: 3,
		Tools:            reg,
		Messages:         []providers.Message{{Role: "user", Content: "go"}},
	})

	if result.HitBackoff {
		t.Fatal("expected 2 errors under a backoff of 3 to not trip the guard")
	}
	if result.Content != "done" {
		t.Fatalf("expected the final turn's content, got %q", result.Content)
	}
}

func TestRunToolLoopResetsErrorStreakOnSuccess(t *testing.T) {
	provider := &scriptedProvider{responses: []providers.ChatResponse{
		toolCallResponse("broken", map[string]interface{}{"x": 1}),
		toolCallResponse("broken", map[string]interface{}{"x": 2}),
		toolCallResponse("broken", map[string]interface{}{"x": 3}),
		toolCallResponse("broken", map[string]interface{}{"x": 4}),
	}}
	// A tool that errors on the 3rd call only, resetting the streak, so the
	// 2-error backoff should never trip across 4 total tool calls.
	callCount := 0
	reg := tools.NewRegistry()
	reg.Register(&funcTool{name: "broken", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		callCount++
		if callCount == 3 {
			return tools.ErrorResult("transient")
		}
		return tools.NewResult("ok")
	}})

	result := RunToolLoop(context.Background(), ToolLoopConfig{
		Provider:         provider,
		MaxIterations:    10,
		ToolErrorBackoff: 2,
		Tools:            reg,
		Messages:         []providers.Message{{Role: "user", Content: "go"}},
	})

	if result.HitBackoff {
		t.Fatal("expected a single isolated error (streak reset by surrounding successes) to never trip a backoff of 2")
	}
}

func TestRunToolLoopDetectsStuckIdenticalArgsLoop(t *testing.T) {
	responses := make([]providers.ChatResponse, 0, 6)
	for i := 0; i < 6; i++ {
		responses = append(responses, toolCallResponse("stuck", map[string]interface{}{"q": "same"}))
	}
	provider := &scriptedProvider{responses: responses}
	reg := newRegistryWith(t, &stuckTool{name: "stuck"})

	result := RunToolLoop(context.Background(), ToolLoopConfig{
		Provider:         provider,
		MaxIterations:    10,
		ToolErrorBackoff: 100, // disabled, isolating the loop guard
		Tools:            reg,
		Messages:         []providers.Message{{Role: "user", Content: "go"}},
	})

	if !result.HitLoopGuard {
		t.Fatal("expected repeated identical-args/identical-result calls to trip the loop guard")
	}
	if result.Content == "" {
		t.Fatal("expected an explanatory final message when the loop guard aborts the turn")
	}
}

func TestRunToolLoopLoopGuardDoesNotFireOnChangingResults(t *testing.T) {
	responses := make([]providers.ChatResponse, 0, 6)
	for i := 0; i < 6; i++ {
		responses = append(responses, toolCallResponse("counter", map[string]interface{}{"q": "same"}))
	}
	provider := &scriptedProvider{responses: responses}
	n := 0
	reg := tools.NewRegistry()
	reg.Register(&funcTool{name: "counter", fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
		n++
		return tools.NewResult(strconv.Itoa(n))
	}})

	result := RunToolLoop(context.Background(), ToolLoopConfig{
		Provider:         provider,
		MaxIterations:    6,
		ToolErrorBackoff: 100,
		Tools:            reg,
		Messages:         []providers.Message{{Role: "user", Content: "go"}},
	})

	if result.HitLoopGuard {
		t.Fatal("expected a tool whose result keeps changing to never trip the stuck-loop guard")
	}
}

// funcTool adapts a closure to the Tool interface for ad-hoc test doubles.
type funcTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) *tools.Result
}

func (t *funcTool) Name() string                                       { return t.name }
func (t *funcTool) Description() string                                { return "" }
func (t *funcTool) Parameters() map[string]interface{}                 { return nil }
func (t *funcTool) ParallelSafe() bool                                 { return false }
func (t *funcTool) Cacheable() bool                                    { return false }
func (t *funcTool) CacheTTLSeconds() int                               { return 0 }
func (t *funcTool) MaxRetries() int                                    { return 1 }
func (t *funcTool) CacheKey(map[string]interface{}) (string, bool)     { return "", false }
func (t *funcTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return t.fn(ctx, args)
}
