package subagent

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/bus"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// fakeProvider either returns a fixed response immediately or blocks until
// ctx is done and surfaces ctx.Err(), depending on the test's needs.
type fakeProvider struct {
	block     bool
	responses []providers.ChatResponse
	calls     int
}

func (p *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.calls >= len(p.responses) {
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return &resp, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *fakeProvider) DefaultModel() string   { return "test-model" }
func (p *fakeProvider) Name() string           { return "fake" }
func (p *fakeProvider) SupportsThinking() bool { return false }

type alwaysErrorTool struct{}

func (alwaysErrorTool) Name() string                                       { return "broken" }
func (alwaysErrorTool) Description() string                                { return "" }
func (alwaysErrorTool) Parameters() map[string]interface{}                 { return nil }
func (alwaysErrorTool) ParallelSafe() bool                                 { return false }
func (alwaysErrorTool) Cacheable() bool                                    { return false }
func (alwaysErrorTool) CacheTTLSeconds() int                               { return 0 }
func (alwaysErrorTool) MaxRetries() int                                    { return 1 }
func (alwaysErrorTool) CacheKey(map[string]interface{}) (string, bool)     { return "", false }
func (alwaysErrorTool) Execute(context.Context, map[string]interface{}) *tools.Result {
	return tools.ErrorResult("boom")
}

func waitForTerminal(t *testing.T, m *Manager, id string) tools.SubagentTaskInfo {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		info, ok := m.GetTask(id)
		if ok && info.Status != tools.TaskStatusRunning {
			return info
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal status in time", id)
	return tools.SubagentTaskInfo{}
}

func TestSpawnCompletesOK(t *testing.T) {
	mgr := New(Config{
		Provider: &fakeProvider{responses: []providers.ChatResponse{{Content: "hi there", FinishReason: "stop"}}},
		Model:    "test-model",
		Bus:      bus.New(),
		BuildTools: func() *tools.Registry {
			return tools.NewRegistry()
		},
		MaxIterations: 5,
		TimeoutS:      30,
	})

	id, err := mgr.Spawn(context.Background(), "do something", "", "telegram", "123", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	info := waitForTerminal(t, mgr, id)
	if info.Status != tools.TaskStatusOK {
		t.Fatalf("expected status ok, got %q (result=%q)", info.Status, info.Result)
	}
	if info.Result != "hi there" {
		t.Fatalf("expected result to carry the provider's content, got %q", info.Result)
	}
}

func TestSpawnHitsErrorOnToolBackoff(t *testing.T) {
	toolCall := providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: "1", Name: "broken"}},
		FinishReason: "tool_calls",
	}
	mgr := New(Config{
		Provider: &fakeProvider{responses: []providers.ChatResponse{toolCall, toolCall, toolCall}},
		Model:    "test-model",
		Bus:      bus.New(),
		BuildTools: func() *tools.Registry {
			reg := tools.NewRegistry()
			reg.Register(alwaysErrorTool{})
			return reg
		},
		MaxIterations:    10,
		ToolErrorBackoff: 2,
		TimeoutS:         30,
	})

	id, err := mgr.Spawn(context.Background(), "do something", "", "telegram", "123", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	info := waitForTerminal(t, mgr, id)
	if info.Status != tools.TaskStatusError {
		t.Fatalf("expected status error after tripping the backoff guard, got %q", info.Status)
	}
}

func TestSpawnTimesOutDistinctFromCancel(t *testing.T) {
	mgr := New(Config{
		Provider:   &fakeProvider{block: true},
		Model:      "test-model",
		Bus:        bus.New(),
		BuildTools: func() *tools.Registry { return tools.NewRegistry() },
		TimeoutS:   1, // minimum representable timeout (whole seconds)
	})

	id, err := mgr.Spawn(context.Background(), "wait forever", "", "telegram", "123", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	info := waitForTerminal(t, mgr, id)
	if info.Status != tools.TaskStatusTimeout {
		t.Fatalf("expected status timeout, got %q", info.Status)
	}
}

func TestCancelMarksCancelledNotTimeout(t *testing.T) {
	mgr := New(Config{
		Provider:   &fakeProvider{block: true},
		Model:      "test-model",
		Bus:        bus.New(),
		BuildTools: func() *tools.Registry { return tools.NewRegistry() },
		TimeoutS:   30,
	})

	id, err := mgr.Spawn(context.Background(), "wait forever", "", "telegram", "123", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := mgr.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	info := waitForTerminal(t, mgr, id)
	if info.Status != tools.TaskStatusCancelled {
		t.Fatalf("expected status cancelled (not timeout) for an explicit Cancel, got %q", info.Status)
	}
}

func TestCancelRejectsAlreadyFinishedTask(t *testing.T) {
	mgr := New(Config{
		Provider:   &fakeProvider{responses: []providers.ChatResponse{{Content: "done", FinishReason: "stop"}}},
		Model:      "test-model",
		Bus:        bus.New(),
		BuildTools: func() *tools.Registry { return tools.NewRegistry() },
		TimeoutS:   30,
	})

	id, err := mgr.Spawn(context.Background(), "quick", "", "telegram", "123", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitForTerminal(t, mgr, id)

	if err := mgr.Cancel(id); err == nil {
		t.Fatal("expected Cancel on an already-finished task to return an error")
	}
}
