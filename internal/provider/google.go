package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/parley/internal/backoff"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

func init() {
	Register("google", func(cfg models.ProviderConfig, opts Options) (Adapter, error) {
		return NewGoogleAdapter(cfg, opts)
	})
}

// GoogleAdapter serves the Gemini API through the google.golang.org/genai SDK.
//
// Gemini's surface diverges from the others in two ways that matter here:
// function calls arrive whole (no argument fragments to reassemble) but carry
// no call ID, so IDs are synthesized; and tool results are structured
// FunctionResponse parts rather than strings.
type GoogleAdapter struct {
	client  *genai.Client
	model   string
	retries int
	logger  *observability.Logger
}

// NewGoogleAdapter builds the adapter. Gemini uses API keys only; OAuth
// configs are rejected rather than silently ignored.
func NewGoogleAdapter(cfg models.ProviderConfig, opts Options) (*GoogleAdapter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	if cfg.OAuth != nil && (cfg.OAuth.AccessToken != "" || cfg.OAuth.RefreshToken != "") {
		return nil, errors.New("google: oauth credentials are not supported, configure an api key")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.HTTPTransport != nil {
		clientConfig.HTTPClient = &http.Client{Transport: opts.HTTPTransport}
	}
	if cfg.APIURL != "" {
		clientConfig.HTTPOptions.BaseURL = cfg.APIURL
	}

	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: creating client: %w", err)
	}

	model := cfg.Model.ID
	if model == "" {
		model = "gemini-2.0-flash"
	}

	return &GoogleAdapter{client: client, model: model, retries: opts.RetryAttempts, logger: logger}, nil
}

// Kind returns "google".
func (g *GoogleAdapter) Kind() string { return "google" }

// Models returns the static Gemini catalog.
func (g *GoogleAdapter) Models(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextSize: 1048576, SupportsTools: true},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextSize: 1048576, SupportsTools: true},
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1048576, SupportsTools: true},
	}, nil
}

// GenerateCompletion performs a blocking generate request.
func (g *GoogleAdapter) GenerateCompletion(ctx context.Context, params *CompletionParams) (*CompletionResult, error) {
	model := g.resolveModel(params.Model)
	contents, err := geminiContents(params.Messages)
	if err != nil {
		return nil, g.wrapError(err, model)
	}
	config := geminiConfig(params)

	start := time.Now()
	resp, err := retryTransient(ctx, g.retries, func() (*genai.GenerateContentResponse, error) {
		r, err := g.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return nil, g.wrapError(err, model)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	result := &CompletionResult{
		Provider:     "google",
		Model:        model,
		ResponseTime: time.Since(start),
	}

	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		if fr := normalizeGeminiFinish(string(candidate.FinishReason)); fr != "" {
			result.FinishReason = fr
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				result.ToolCalls = append(result.ToolCalls, geminiToolCall(part.FunctionCall))
			}
		}
	}
	result.Text = text.String()
	if resp.UsageMetadata != nil {
		result.Usage = geminiUsage(resp.UsageMetadata)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result, nil
}

// StreamCompletion performs a streaming generate request. Function calls
// arrive complete within a single response, so no cross-chunk assembly is
// needed; Gemini omits call IDs, which are synthesized per call.
func (g *GoogleAdapter) StreamCompletion(ctx context.Context, params *CompletionParams, handlers StreamHandlers) (*CompletionResult, error) {
	model := g.resolveModel(params.Model)
	contents, err := geminiContents(params.Messages)
	if err != nil {
		return nil, g.wrapError(err, model)
	}
	config := geminiConfig(params)

	start := time.Now()
	var text strings.Builder
	var calls []models.ToolCall
	var usage models.Usage
	finishReason := ""

	run := func() error {
		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err != nil {
				return g.wrapError(err, model)
			}
			if resp == nil {
				continue
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				if fr := normalizeGeminiFinish(string(candidate.FinishReason)); fr != "" {
					finishReason = fr
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						text.WriteString(part.Text)
						if handlers.OnText != nil {
							handlers.OnText(part.Text)
						}
					}
					if part.FunctionCall != nil {
						calls = append(calls, geminiToolCall(part.FunctionCall))
					}
				}
			}
			if resp.UsageMetadata != nil {
				usage = geminiUsage(resp.UsageMetadata)
			}
		}
		return nil
	}

	// Retry only while nothing has been delivered: once text or calls have
	// reached the caller the stream cannot be replayed.
	maxRequestAttempts := g.retries
	if maxRequestAttempts <= 0 {
		maxRequestAttempts = defaultRequestAttempts
	}
	var runErr error
	for attempt := 1; attempt <= maxRequestAttempts; attempt++ {
		if attempt > 1 {
			if err := backoff.SleepBackoff(ctx, backoff.DefaultPolicy(), attempt-1); err != nil {
				return nil, err
			}
		}
		runErr = run()
		if runErr == nil {
			break
		}
		if text.Len() > 0 || len(calls) > 0 || !IsRetryable(runErr) {
			return nil, runErr
		}
		if attempt == maxRequestAttempts {
			return nil, fmt.Errorf("max retries exceeded: %w", runErr)
		}
	}

	if len(calls) > 0 {
		finishReason = "tool_calls"
	}
	return &CompletionResult{
		Text:         text.String(),
		ToolCalls:    calls,
		Usage:        usage,
		FinishReason: finishReason,
		Provider:     "google",
		Model:        model,
		ResponseTime: time.Since(start),
	}, nil
}

func (g *GoogleAdapter) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return g.model
}

func (g *GoogleAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := AsError(err); ok {
		return err
	}
	return NewError("google", model, err)
}

// geminiToolCall converts a function call part, synthesizing the call ID
// Gemini does not provide. The name is embedded so results can be routed
// back even when the call record is lost.
func geminiToolCall(fc *genai.FunctionCall) models.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	return models.ToolCall{
		ID:        fmt.Sprintf("call_%s_%d", fc.Name, time.Now().UnixNano()),
		Name:      fc.Name,
		Arguments: args,
	}
}

// normalizeGeminiFinish maps Gemini finish reasons onto the common
// vocabulary used across adapters.
func normalizeGeminiFinish(reason string) string {
	switch reason {
	case "":
		return ""
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

func geminiUsage(meta *genai.GenerateContentResponseUsageMetadata) models.Usage {
	return models.Usage{
		PromptTokens:     int(meta.PromptTokenCount),
		CompletionTokens: int(meta.CandidatesTokenCount),
		TotalTokens:      int(meta.TotalTokenCount),
	}
}

// geminiContents converts history into Gemini content. System messages are
// skipped (carried as SystemInstruction); tool results become
// FunctionResponse parts on the user side.
func geminiContents(history []models.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{
					"result": tr.Content,
					"error":  !tr.Success,
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     geminiResponseName(tr),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

// geminiResponseName recovers the function name for a result, falling back to
// the synthesized call ID format "call_<name>_<timestamp>".
func geminiResponseName(tr models.ToolResult) string {
	if tr.Name != "" {
		return tr.Name
	}
	parts := strings.Split(tr.ToolCallID, "_")
	if len(parts) >= 3 && parts[0] == "call" {
		return strings.Join(parts[1:len(parts)-1], "_")
	}
	return tr.ToolCallID
}

// geminiConfig builds generation settings from CompletionParams.
func geminiConfig(params *CompletionParams) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if params.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: params.System}},
		}
	}
	if params.Temperature != nil {
		config.Temperature = genai.Ptr(*params.Temperature)
	}
	if params.TopP != nil {
		config.TopP = genai.Ptr(*params.TopP)
	}
	if params.MaxTokens > 0 {
		maxTokens := min(params.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if len(params.Tools) > 0 {
		config.Tools = geminiTools(params.Tools)
	}

	return config
}

// geminiTools converts tool schemas into a single Tool carrying one
// FunctionDeclaration per tool. Tools whose schema does not parse are
// dropped rather than failing the whole request.
func geminiTools(tools []ToolSchema) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  geminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// geminiSchema converts a JSON Schema map to Gemini's Schema type.
func geminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}

	return schema
}
