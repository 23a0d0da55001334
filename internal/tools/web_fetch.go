package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Matching TS src/agents/tools/web-fetch.ts constants.
const (
	defaultFetchMaxChars    = 50000
	defaultFetchMaxRedirect = 3
	defaultErrorMaxChars    = 4000
	fetchTimeoutSeconds     = 30
	fetchUserAgent          = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// WebFetchTool implements the web_fetch tool matching TS src/agents/tools/web-fetch.ts.
type WebFetchTool struct {
	maxChars int
	cache    *webCache
}

// WebFetchConfig holds configuration for the web fetch tool.
type WebFetchConfig struct {
	MaxChars int
	CacheTTL time.Duration
}

func NewWebFetchTool(cfg WebFetchConfig) *WebFetchTool {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &WebFetchTool{
		maxChars: maxChars,
		cache:    newWebCache(defaultCacheMaxEntries, ttl),
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

// ParallelSafe/Cacheable: fetches hit the tool's own TTL cache (webCache),
// so the registry's shared result cache and in-flight dedup apply cleanly.
func (t *WebFetchTool) ParallelSafe() bool    { return true }
func (t *WebFetchTool) Cacheable() bool       { return true }
func (t *WebFetchTool) CacheTTLSeconds() int  { return int(defaultCacheTTL.Seconds()) }
func (t *WebFetchTool) MaxRetries() int       { return 2 }
func (t *WebFetchTool) CacheKey(args map[string]interface{}) (string, bool) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", false
	}
	extractMode, _ := args["extractMode"].(string)
	return joinCacheKey("fetch", rawURL, orDefault(extractMode, "markdown")), true
}

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its content. Supports HTML (converted to markdown/text), JSON, and plain text. Includes SSRF protection."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"extractMode": map[string]interface{}{
				"type":        "string",
				"description": `Extraction mode ("markdown" or "text"). Default: "markdown".`,
				"enum":        []string{"markdown", "text"},
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

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return NewResult(errorResultJSON(fmt.Errorf("url is required")))
	}

	// Validate URL scheme
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return NewResult(errorResultJSON(fmt.Errorf("invalid URL: %w", err)))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return NewResult(errorResultJSON(fmt.Errorf("only http and https URLs are supported")))
	}
	if parsed.Host == "" {
		return NewResult(errorResultJSON(fmt.Errorf("missing hostname in URL")))
	}

	// SSRF protection
	if err := checkSSRF(rawURL); err != nil {
		return NewResult(errorResultJSON(fmt.Errorf("SSRF protection: %w", err)))
	}

	extractMode := "markdown"
	if em, ok := args["extractMode"].(string); ok && (em == "markdown" || em == "text") {
		extractMode = em
	}

	maxChars := t.maxChars
	if mc, ok := args["maxChars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	// Check cache
	cacheKey := joinCacheKey("fetch", rawURL, extractMode, fmt.Sprintf("%d", maxChars))
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_fetch cache hit", "url", rawURL)
		return NewResult(cached)
	}

	// Fetch
	jsonResult, err := t.doFetch(ctx, rawURL, extractMode, maxChars)
	if err != nil {
		errMsg := truncateStr(err.Error(), defaultErrorMaxChars)
		return NewResult(errorResultJSON(errors.New(errMsg)))
	}

	t.cache.set(cacheKey, jsonResult)
	return NewResult(jsonResult)
}

func (t *WebFetchTool) doFetch(ctx context.Context, rawURL, extractMode string, maxChars int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	redirectCount := 0
	client := &http.Client{
		Timeout: time.Duration(fetchTimeoutSeconds) * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 15 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirectCount++
			if redirectCount > defaultFetchMaxRedirect {
				return fmt.Errorf("stopped after %d redirects", defaultFetchMaxRedirect)
			}
			// Check SSRF on redirect target
			if err := checkSSRF(req.URL.String()); err != nil {
				return fmt.Errorf("redirect SSRF protection: %w", err)
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Limit body reading to avoid memory issues
	limitReader := io.LimitReader(resp.Body, int64(maxChars*4)) // read extra for HTML overhead
	body, err := io.ReadAll(limitReader)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	finalURL := resp.Request.URL.String()

	var text string
	var extractor string

	switch {
	case strings.Contains(contentType, "application/json"):
		text, extractor = extractJSON(body)

	case strings.Contains(contentType, "text/markdown"):
		text = string(body)
		extractor = "cf-markdown"
		if extractMode == "text" {
			text = markdownToText(text)
		}

	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		if article, ok := extractReadableHTML(string(body), finalURL); ok {
			if extractMode == "markdown" {
				text = htmlToMarkdown(article.Content)
				extractor = "readability+markdown"
			} else {
				text = strings.TrimSpace(article.TextContent)
				extractor = "readability"
			}
		} else if extractMode == "markdown" {
			text = htmlToMarkdown(string(body))
			extractor = "html-to-markdown"
		} else {
			text = htmlToText(string(body))
			extractor = "html-to-text"
		}

	default:
		text = string(body)
		extractor = "raw"
	}

	// Truncate
	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	return marshalResultJSON(fetchResultJSON{
		URL:       finalURL,
		Text:      text,
		Truncated: truncated,
		Length:    len(text),
		Status:    resp.StatusCode,
		Extractor: extractor,
	}), nil
}
