package tools

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingTool records how many times Execute actually ran and optionally
// blocks until released, to exercise the registry's in-flight dedup.
type countingTool struct {
	name       string
	parallel   bool
	cacheable  bool
	ttl        int
	calls      int32
	release    chan struct{}
	errorEvery int32 // if > 0, every Nth call (1-indexed) returns an error
}

func (t *countingTool) Name() string                   { return t.name }
func (t *countingTool) Description() string            { return "test tool" }
func (t *countingTool) Parameters() map[string]interface{} { return nil }
func (t *countingTool) ParallelSafe() bool             { return t.parallel }
func (t *countingTool) Cacheable() bool                { return t.cacheable }
func (t *countingTool) CacheTTLSeconds() int           { return t.ttl }
func (t *countingTool) MaxRetries() int                { return 1 }
func (t *countingTool) CacheKey(args map[string]interface{}) (string, bool) {
	if !t.cacheable {
		return "", false
	}
	return "fixed", true
}

func (t *countingTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	n := atomic.AddInt32(&t.calls, 1)
	if t.release != nil {
		<-t.release
	}
	if t.errorEvery > 0 && n%t.errorEvery == 0 {
		return ErrorResult("transient failure")
	}
	return NewResult("ok")
}

func TestExecuteCachesResultAcrossCalls(t *testing.T) {
	reg := NewRegistry()
	tool := &countingTool{name: "cached", cacheable: true, ttl: 60}
	reg.Register(tool)

	for i := 0; i < 3; i++ {
		res := reg.Execute(context.Background(), "cached", nil)
		if res.IsError {
			t.Fatalf("unexpected error: %s", res.ForLLM)
		}
	}
	if got := atomic.LoadInt32(&tool.calls); got != 1 {
		t.Fatalf("expected 1 underlying call with caching, got %d", got)
	}
}

func TestExecuteDedupsConcurrentInFlightCalls(t *testing.T) {
	reg := NewRegistry()
	tool := &countingTool{name: "slow", cacheable: true, release: make(chan struct{})}
	reg.Register(tool)

	var wg sync.WaitGroup
	results := make([]*Result, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = reg.Execute(context.Background(), "slow", nil)
		}(i)
	}

	// Give the goroutines a moment to all reach the in-flight wait before
	// releasing the one that's actually executing.
	time.Sleep(50 * time.Millisecond)
	close(tool.release)
	wg.Wait()

	if got := atomic.LoadInt32(&tool.calls); got != 1 {
		t.Fatalf("expected exactly 1 underlying call for concurrent dedup, got %d", got)
	}
	for i, res := range results {
		if res == nil || res.IsError {
			t.Fatalf("result %d: expected success, got %+v", i, res)
		}
	}
}

func TestExecuteDoesNotCacheErrors(t *testing.T) {
	reg := NewRegistry()
	tool := &countingTool{name: "flaky", cacheable: true, errorEvery: 1}
	reg.Register(tool)

	res := reg.Execute(context.Background(), "flaky", nil)
	if !res.IsError {
		t.Fatalf("expected first call to error (no retries configured), got %+v", res)
	}
	res = reg.Execute(context.Background(), "flaky", nil)
	if !res.IsError {
		t.Fatalf("expected error result to not be served from cache, got %+v", res)
	}
	if got := atomic.LoadInt32(&tool.calls); got != 2 {
		t.Fatalf("expected 2 underlying calls (no caching of errors), got %d", got)
	}
}

func TestExecuteUnknownToolIsError(t *testing.T) {
	reg := NewRegistry()
	res := reg.Execute(context.Background(), "nope", nil)
	if !res.IsError {
		t.Fatal("expected unknown tool to produce an error result")
	}
}

func TestSetAllowedRestrictsExecution(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&countingTool{name: "a"})
	reg.Register(&countingTool{name: "b"})
	reg.SetAllowed([]string{"a"})

	if res := reg.Execute(context.Background(), "a", nil); res.IsError {
		t.Fatalf("expected allowed tool to run, got %+v", res)
	}
	if res := reg.Execute(context.Background(), "b", nil); !res.IsError {
		t.Fatal("expected disallowed tool to be rejected")
	}

	defs := reg.GetDefinitions()
	if len(defs) != 1 || defs[0].Function.Name != "a" {
		t.Fatalf("expected GetDefinitions to honor the allow-list, got %+v", defs)
	}
}

func TestExecuteCallsPreservesOrderAcrossParallelAndSerialRuns(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&countingTool{name: "p1", parallel: true})
	reg.Register(&countingTool{name: "s1", parallel: false})
	reg.Register(&countingTool{name: "p2", parallel: true})

	calls := []ToolCall{
		{ID: "1", Name: "p1"},
		{ID: "2", Name: "s1"},
		{ID: "3", Name: "p2"},
	}
	results := reg.ExecuteCalls(context.Background(), calls, true)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, res := range results {
		if res == nil || res.IsError {
			t.Fatalf("result %d: expected success, got %+v", i, res)
		}
	}
}

func TestCloneSharesCacheButNotAllowList(t *testing.T) {
	reg := NewRegistry()
	tool := &countingTool{name: "shared", cacheable: true, ttl: 60}
	reg.Register(tool)
	reg.Execute(context.Background(), "shared", nil)

	clone := reg.Clone()
	clone.Execute(context.Background(), "shared", nil)
	if got := atomic.LoadInt32(&tool.calls); got != 1 {
		t.Fatalf("expected clone to reuse the shared cache, got %d underlying calls", got)
	}

	clone.SetAllowed([]string{"shared"})
	if reg.allowed != nil {
		t.Fatal("expected SetAllowed on a clone not to mutate the original registry's allow-list")
	}
}
