package web

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/parley/internal/tools"
)

const defaultMaxChars = 10000

// FetchTool implements web_fetch: HTTP GET plus readable-text extraction.
type FetchTool struct {
	extractor *Extractor
	maxChars  int
}

// FetchOption customizes FetchTool construction.
type FetchOption func(*FetchTool)

// WithExtractor overrides the default extractor. Tests use it to disable
// the SSRF guard.
func WithExtractor(e *Extractor) FetchOption {
	return func(t *FetchTool) {
		if e != nil {
			t.extractor = e
		}
	}
}

// WithMaxChars changes the default truncation limit.
func WithMaxChars(n int) FetchOption {
	return func(t *FetchTool) {
		if n > 0 {
			t.maxChars = n
		}
	}
}

// NewFetchTool creates the web_fetch tool.
func NewFetchTool(opts ...FetchOption) *FetchTool {
	t := &FetchTool{
		extractor: NewExtractor(),
		maxChars:  defaultMaxChars,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the tool name.
func (t *FetchTool) Name() string {
	return "web_fetch"
}

// Description returns the tool description.
func (t *FetchTool) Description() string {
	return "Fetch a URL and extract its readable text content."
}

// Schema returns the JSON schema for the tool parameters.
func (t *FetchTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to fetch (http or https).",
			},
			"max_chars": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum characters to return (default: 10000).",
				"minimum":     1,
			},
		},
		"required": []string{"url"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute fetches the page and returns extracted text, truncated to the
// configured character limit.
func (t *FetchTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.URL) == "" {
		return tools.Errorf("url is required"), nil
	}

	limit := t.maxChars
	if input.MaxChars > 0 && input.MaxChars < limit {
		limit = input.MaxChars
	}

	content, err := t.extractor.Extract(ctx, input.URL)
	if err != nil {
		return tools.Errorf("fetch failed: %v", err), nil
	}

	truncated := false
	if limit > 0 && len(content) > limit {
		content = content[:limit] + "..."
		truncated = true
	}

	payload := map[string]interface{}{
		"url":     input.URL,
		"content": content,
	}
	if truncated {
		payload["truncated"] = true
	}
	return tools.JSON(payload), nil
}
