package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebFetchReturnsJSONEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	tool := NewWebFetchTool(WebFetchConfig{CacheTTL: time.Minute})
	res := tool.Execute(context.Background(), map[string]interface{}{"url": srv.URL})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.ForLLM)
	}

	var parsed fetchResultJSON
	if err := json.Unmarshal([]byte(res.ForLLM), &parsed); err != nil {
		t.Fatalf("expected JSON envelope, got %q: %v", res.ForLLM, err)
	}
	if parsed.Text != "hello world" {
		t.Fatalf("expected text %q, got %q", "hello world", parsed.Text)
	}
	if parsed.Truncated {
		t.Fatal("did not expect truncation")
	}
}

func TestWebFetchRejectsNonHTTPScheme(t *testing.T) {
	tool := NewWebFetchTool(WebFetchConfig{})
	res := tool.Execute(context.Background(), map[string]interface{}{"url": "ftp://example.com/file"})
	assertErrorJSON(t, res)
}

func TestWebFetchBlocksSSRFTargets(t *testing.T) {
	tool := NewWebFetchTool(WebFetchConfig{})
	res := tool.Execute(context.Background(), map[string]interface{}{"url": "http://127.0.0.1:9999/"})
	assertErrorJSON(t, res)
}

type fakeSearchProvider struct {
	name    string
	results []searchResult
	err     error
}

func (f *fakeSearchProvider) Name() string { return f.name }
func (f *fakeSearchProvider) Search(ctx context.Context, p searchParams) ([]searchResult, error) {
	return f.results, f.err
}

func TestWebSearchReturnsJSONEnvelope(t *testing.T) {
	tool := &WebSearchTool{
		providers: []SearchProvider{&fakeSearchProvider{name: "fake", results: []searchResult{
			{Title: "Example", URL: "https://example.com", Description: "an example"},
		}}},
		cache: newWebCache(defaultCacheMaxEntries, time.Minute),
	}

	res := tool.Execute(context.Background(), map[string]interface{}{"query": "example"})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.ForLLM)
	}

	var parsed webSearchResultJSON
	if err := json.Unmarshal([]byte(res.ForLLM), &parsed); err != nil {
		t.Fatalf("expected JSON envelope, got %q: %v", res.ForLLM, err)
	}
	if len(parsed.Results) != 1 || parsed.Results[0].URL != "https://example.com" {
		t.Fatalf("unexpected results: %+v", parsed.Results)
	}
}

func TestWebSearchNoProvidersReturnsErrorJSON(t *testing.T) {
	tool := &WebSearchTool{cache: newWebCache(defaultCacheMaxEntries, time.Minute)}
	res := tool.Execute(context.Background(), map[string]interface{}{"query": "example"})
	assertErrorJSON(t, res)
}

func assertErrorJSON(t *testing.T, res *Result) {
	t.Helper()
	var parsed map[string]string
	if err := json.Unmarshal([]byte(res.ForLLM), &parsed); err != nil {
		t.Fatalf("expected JSON error envelope, got %q: %v", res.ForLLM, err)
	}
	if parsed["error"] == "" {
		t.Fatalf("expected non-empty error field, got %q", res.ForLLM)
	}
}

func TestWebCacheExpiresEntries(t *testing.T) {
	c := newWebCache(4, time.Millisecond)
	c.set("k", "v")
	if _, ok := c.get("k"); !ok {
		t.Fatal("expected fresh entry to be present")
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Fatal("expected expired entry to be evicted")
	}
}

func TestCheckSSRFBlocksLoopbackAndPrivate(t *testing.T) {
	cases := []string{
		"http://127.0.0.1/",
		"http://localhost/",
		"http://169.254.169.254/latest/meta-data/",
		"http://10.0.0.5/",
	}
	for _, u := range cases {
		if err := checkSSRF(u); err == nil {
			t.Fatalf("expected checkSSRF to reject %q", u)
		}
	}
}
