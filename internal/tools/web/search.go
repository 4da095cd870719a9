package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/tools"
)

// Search backends.
const (
	BackendSearXNG    = "searxng"
	BackendDuckDuckGo = "duckduckgo"

	defaultResultCount = 5
	maxResultCount     = 20
	defaultCacheTTL    = 5 * time.Minute
	maxCacheEntries    = 256

	duckDuckGoLiteURL = "https://html.duckduckgo.com/html/"
)

// SearchConfig controls the web_search tool.
type SearchConfig struct {
	// SearXNGURL is the base URL of a SearXNG-compatible instance. When
	// set, searxng becomes the default backend.
	SearXNGURL string

	// Backend forces a backend regardless of SearXNGURL.
	Backend string

	// CacheTTL bounds how long identical queries are served from cache.
	CacheTTL time.Duration

	// liteURL overrides the DuckDuckGo endpoint. Tests only.
	liteURL string
}

// SearchRow is one result row fed back to the model.
type SearchRow struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type searchCacheEntry struct {
	rows      []SearchRow
	backend   string
	expiresAt time.Time
}

// SearchTool implements web_search over a SearXNG JSON endpoint or the
// DuckDuckGo lite HTML endpoint, with a small response cache.
type SearchTool struct {
	cfg    SearchConfig
	client *http.Client

	mu    sync.RWMutex
	cache map[string]searchCacheEntry
}

// NewSearchTool creates the web_search tool.
func NewSearchTool(cfg SearchConfig) *SearchTool {
	if cfg.Backend == "" {
		if cfg.SearXNGURL != "" {
			cfg.Backend = BackendSearXNG
		} else {
			cfg.Backend = BackendDuckDuckGo
		}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.liteURL == "" {
		cfg.liteURL = duckDuckGoLiteURL
	}
	return &SearchTool{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		cache:  make(map[string]searchCacheEntry),
	}
}

// Name returns the tool name.
func (t *SearchTool) Name() string {
	return "web_search"
}

// Description returns the tool description.
func (t *SearchTool) Description() string {
	return "Search the web and return result rows with title, URL, and snippet."
}

// Schema returns the JSON schema for the tool parameters.
func (t *SearchTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "The search query.",
			},
			"count": map[string]interface{}{
				"type":        "integer",
				"description": "Number of results to return (default: 5, max: 20).",
				"minimum":     1,
				"maximum":     maxResultCount,
			},
		},
		"required": []string{"query"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute runs the search, serving repeated queries from cache and falling
// back to DuckDuckGo when the configured SearXNG instance fails.
func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return tools.Errorf("query is required"), nil
	}
	count := input.Count
	if count <= 0 {
		count = defaultResultCount
	}
	if count > maxResultCount {
		count = maxResultCount
	}

	cacheKey := fmt.Sprintf("%s:%d:%s", t.cfg.Backend, count, input.Query)
	if rows, backend, ok := t.fromCache(cacheKey); ok {
		return searchResult(input.Query, backend, rows), nil
	}

	backend := t.cfg.Backend
	rows, err := t.search(ctx, backend, input.Query, count)
	if err != nil && backend != BackendDuckDuckGo {
		backend = BackendDuckDuckGo
		rows, err = t.search(ctx, backend, input.Query, count)
	}
	if err != nil {
		return tools.Errorf("search failed: %v", err), nil
	}

	t.putCache(cacheKey, rows, backend)
	return searchResult(input.Query, backend, rows), nil
}

func searchResult(query, backend string, rows []SearchRow) *tools.Result {
	if rows == nil {
		rows = []SearchRow{}
	}
	return tools.JSON(map[string]interface{}{
		"query":   query,
		"backend": backend,
		"results": rows,
	})
}

func (t *SearchTool) search(ctx context.Context, backend, query string, count int) ([]SearchRow, error) {
	switch backend {
	case BackendSearXNG:
		return t.searchSearXNG(ctx, query, count)
	case BackendDuckDuckGo:
		return t.searchDuckDuckGo(ctx, query, count)
	default:
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
}

func (t *SearchTool) fromCache(key string) ([]SearchRow, string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, "", false
	}
	return entry.rows, entry.backend, true
}

func (t *SearchTool) putCache(key string, rows []SearchRow, backend string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}
	for len(t.cache) >= maxCacheEntries {
		oldestKey := ""
		var oldest time.Time
		for k, v := range t.cache {
			if oldestKey == "" || v.expiresAt.Before(oldest) {
				oldestKey, oldest = k, v.expiresAt
			}
		}
		delete(t.cache, oldestKey)
	}
	t.cache[key] = searchCacheEntry{rows: rows, backend: backend, expiresAt: now.Add(t.cfg.CacheTTL)}
}

// searchSearXNG queries a SearXNG-compatible JSON endpoint.
func (t *SearchTool) searchSearXNG(ctx context.Context, query string, count int) ([]SearchRow, error) {
	if t.cfg.SearXNGURL == "" {
		return nil, fmt.Errorf("SearXNG URL not configured")
	}
	base, err := url.Parse(t.cfg.SearXNGURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SearXNG URL: %w", err)
	}
	base.Path = "/search"
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("pageno", "1")
	base.RawQuery = params.Encode()

	body, err := t.get(ctx, base.String())
	if err != nil {
		return nil, err
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse SearXNG response: %w", err)
	}

	rows := make([]SearchRow, 0, count)
	for _, r := range payload.Results {
		if len(rows) >= count {
			break
		}
		rows = append(rows, SearchRow{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return rows, nil
}

var (
	ddgResultRe  = regexp.MustCompile(`(?is)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`(?is)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
)

// searchDuckDuckGo scrapes the DuckDuckGo lite HTML endpoint. Result links
// are indirected through /l/?uddg=<escaped>; the real URL is recovered from
// the uddg parameter.
func (t *SearchTool) searchDuckDuckGo(ctx context.Context, query string, count int) ([]SearchRow, error) {
	endpoint := t.cfg.liteURL + "?q=" + url.QueryEscape(query)
	body, err := t.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	links := ddgResultRe.FindAllStringSubmatch(string(body), -1)
	snippets := ddgSnippetRe.FindAllStringSubmatch(string(body), -1)

	rows := make([]SearchRow, 0, count)
	for i, link := range links {
		if len(rows) >= count {
			break
		}
		href := resolveDuckDuckGoHref(link[1])
		title := cleanText(anyTagRe.ReplaceAllString(link[2], ""))
		if href == "" || title == "" {
			continue
		}
		row := SearchRow{Title: title, URL: href}
		if i < len(snippets) {
			row.Snippet = cleanText(anyTagRe.ReplaceAllString(snippets[i][1], ""))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// resolveDuckDuckGoHref unwraps the lite endpoint's redirect links. The
// href comes straight out of an HTML attribute, so entities are decoded
// before parsing.
func resolveDuckDuckGoHref(href string) string {
	href = entityPair.Replace(strings.TrimSpace(href))
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if uddg := parsed.Query().Get("uddg"); uddg != "" {
		return uddg
	}
	if parsed.Scheme == "" {
		return ""
	}
	return parsed.String()
}

func (t *SearchTool) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}
