package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FirecrawlScrapeTool implements firecrawl_scrape: a managed alternative to
// web_fetch for sites that need JS rendering or anti-bot handling, backed by
// Firecrawl's hosted /v1/scrape endpoint. No client SDK for Firecrawl ships
// in the corpus this runtime was grounded on, so this talks to the REST API
// directly over net/http rather than reimplementing one; see DESIGN.md.
type FirecrawlScrapeTool struct {
	apiKey     string
	apiBase    string
	maxChars   int
	cache      *webCache
	httpClient *http.Client
}

// FirecrawlConfig holds configuration for the firecrawl_scrape tool.
type FirecrawlConfig struct {
	APIKey   string
	APIBase  string // default: https://api.firecrawl.dev
	MaxChars int
	CacheTTL time.Duration
}

const (
	defaultFirecrawlAPIBase = "https://api.firecrawl.dev"
	firecrawlTimeoutSeconds = 45
)

// NewFirecrawlScrapeTool returns nil when no API key is configured, the same
// convention NewWebSearchTool uses for providers with no usable backend.
func NewFirecrawlScrapeTool(cfg FirecrawlConfig) *FirecrawlScrapeTool {
	if cfg.APIKey == "" {
		return nil
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = defaultFirecrawlAPIBase
	}
	return &FirecrawlScrapeTool{
		apiKey:   cfg.APIKey,
		apiBase:  strings.TrimRight(apiBase, "/"),
		maxChars: maxChars,
		cache:    newWebCache(defaultCacheMaxEntries, ttl),
		httpClient: &http.Client{
			Timeout: firecrawlTimeoutSeconds * time.Second,
		},
	}
}

func (t *FirecrawlScrapeTool) Name() string { return "firecrawl_scrape" }

func (t *FirecrawlScrapeTool) Description() string {
	return "Scrape a URL via the Firecrawl service for pages that need JS rendering or block plain HTTP fetches. Falls back to markdown extraction server-side."
}

func (t *FirecrawlScrapeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to scrape.",
			},
			"maxChars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters to return (truncates when exceeded).",
				"minimum":     100.0,
			},
		},
		"required": []string{"url"},
	}
}

func (t *FirecrawlScrapeTool) ParallelSafe() bool   { return true }
func (t *FirecrawlScrapeTool) Cacheable() bool      { return true }
func (t *FirecrawlScrapeTool) CacheTTLSeconds() int { return int(defaultCacheTTL.Seconds()) }
func (t *FirecrawlScrapeTool) MaxRetries() int      { return 2 }
func (t *FirecrawlScrapeTool) CacheKey(args map[string]interface{}) (string, bool) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", false
	}
	return joinCacheKey("firecrawl", rawURL), true
}

func (t *FirecrawlScrapeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return NewResult(errorResultJSON(errors.New("url is required")))
	}
	if err := checkSSRF(rawURL); err != nil {
		return NewResult(errorResultJSON(fmt.Errorf("SSRF protection: %w", err)))
	}

	maxChars := t.maxChars
	if mc, ok := args["maxChars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	cacheKey := joinCacheKey("firecrawl", rawURL, fmt.Sprintf("%d", maxChars))
	if cached, ok := t.cache.get(cacheKey); ok {
		return NewResult(cached)
	}

	text, err := t.doScrape(ctx, rawURL)
	if err != nil {
		return NewResult(errorResultJSON(fmt.Errorf("firecrawl scrape failed: %w", err)))
	}

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	jsonResult := marshalResultJSON(fetchResultJSON{
		URL:       rawURL,
		Text:      text,
		Truncated: truncated,
		Length:    len(text),
		Extractor: "firecrawl",
	})
	t.cache.set(cacheKey, jsonResult)
	return NewResult(jsonResult)
}

type firecrawlRequest struct {
	URL      string   `json:"url"`
	Formats  []string `json:"formats"`
	OnlyMain bool     `json:"onlyMainContent"`
}

type firecrawlResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Markdown string `json:"markdown"`
	} `json:"data"`
	Error string `json:"error"`
}

func (t *FirecrawlScrapeTool) doScrape(ctx context.Context, rawURL string) (string, error) {
	body, err := json.Marshal(firecrawlRequest{
		URL:      rawURL,
		Formats:  []string{"markdown"},
		OnlyMain: true,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.apiBase+"/v1/scrape", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("firecrawl returned http %d: %s", resp.StatusCode, truncateStr(string(respBody), defaultErrorMaxChars))
	}

	var parsed firecrawlResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if !parsed.Success {
		msg := parsed.Error
		if msg == "" {
			msg = "unknown firecrawl error"
		}
		return "", errors.New(msg)
	}
	return strings.TrimSpace(parsed.Data.Markdown), nil
}
