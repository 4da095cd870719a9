package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// dialect parameterizes the OpenAI-compatible adapter for one vendor.
//
// The OpenAI chat-completions wire format has become the lingua franca of
// model serving: OpenRouter, DeepInfra, Z.AI, Moonshot, Ollama and GitHub
// Copilot all speak it with nothing but a different base URL and small
// protocol quirks. One adapter covers them all; the catalog below is the
// complete list of supported vendors.
type dialect struct {
	// kind is the registry identifier.
	kind string

	// baseURL is the vendor's chat-completions root. Empty means the SDK
	// default (api.openai.com).
	baseURL string

	// defaultModel is used when neither config nor request name one.
	defaultModel string

	// streamUsage controls whether stream_options.include_usage is sent.
	// Some back ends reject unknown stream options.
	streamUsage bool

	// catalog is the static model listing fallback.
	catalog []ModelInfo
}

var dialects = []dialect{
	{
		kind:         "openai",
		defaultModel: "gpt-4o",
		streamUsage:  true,
		catalog: []ModelInfo{
			{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsTools: true},
			{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsTools: true},
			{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsTools: true},
		},
	},
	{
		kind:         "openrouter",
		baseURL:      "https://openrouter.ai/api/v1",
		defaultModel: "openrouter/auto",
		streamUsage:  true,
		catalog: []ModelInfo{
			{ID: "openrouter/auto", Name: "Auto Router", ContextSize: 128000, SupportsTools: true},
		},
	},
	{
		kind:         "deepinfra",
		baseURL:      "https://api.deepinfra.com/v1/openai",
		defaultModel: "meta-llama/Meta-Llama-3.1-70B-Instruct",
		streamUsage:  true,
		catalog: []ModelInfo{
			{ID: "meta-llama/Meta-Llama-3.1-70B-Instruct", Name: "Llama 3.1 70B", ContextSize: 128000, SupportsTools: true},
		},
	},
	{
		kind:         "zai",
		baseURL:      "https://api.z.ai/api/paas/v4",
		defaultModel: "glm-4.5",
		streamUsage:  true,
		catalog: []ModelInfo{
			{ID: "glm-4.5", Name: "GLM-4.5", ContextSize: 128000, SupportsTools: true},
		},
	},
	{
		kind:         "moonshot",
		baseURL:      "https://api.moonshot.ai/v1",
		defaultModel: "kimi-k2-0711-preview",
		streamUsage:  true,
		catalog: []ModelInfo{
			{ID: "kimi-k2-0711-preview", Name: "Kimi K2", ContextSize: 128000, SupportsTools: true},
		},
	},
	{
		kind:         "ollama",
		baseURL:      "http://localhost:11434/v1",
		defaultModel: "llama3.2",
		catalog: []ModelInfo{
			{ID: "llama3.2", Name: "Llama 3.2 (local)", ContextSize: 128000, SupportsTools: true},
		},
	},
	{
		kind:         "github-copilot",
		baseURL:      "https://api.githubcopilot.com",
		defaultModel: "gpt-4o",
		catalog: []ModelInfo{
			{ID: "gpt-4o", Name: "GPT-4o (Copilot)", ContextSize: 128000, SupportsTools: true},
		},
	},
}

func init() {
	for _, d := range dialects {
		d := d
		Register(d.kind, func(cfg models.ProviderConfig, opts Options) (Adapter, error) {
			return newCompatAdapter(d, cfg, opts)
		})
	}
}

// CompatAdapter serves every OpenAI-compatible back end.
type CompatAdapter struct {
	client  *openai.Client
	dialect dialect
	model   string
	retries int
	logger  *observability.Logger
}

func newCompatAdapter(d dialect, cfg models.ProviderConfig, opts Options) (*CompatAdapter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}

	source := credentialSource(cfg, opts)
	transport := newAuthTransport(opts.HTTPTransport, source, d.kind, logger)

	// Credentials travel on the transport, not in the SDK config, so a
	// mid-stream token refresh never needs a new client.
	clientCfg := openai.DefaultConfig("")
	clientCfg.HTTPClient = transport.httpClient()

	baseURL := d.baseURL
	if cfg.APIURL != "" {
		baseURL = cfg.APIURL
	}
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}

	model := cfg.Model.ID
	if model == "" {
		model = d.defaultModel
	}

	return &CompatAdapter{
		client:  openai.NewClientWithConfig(clientCfg),
		dialect: d,
		model:   model,
		retries: opts.RetryAttempts,
		logger:  logger,
	}, nil
}

// Kind returns the vendor identifier.
func (c *CompatAdapter) Kind() string { return c.dialect.kind }

// Models lists models from the vendor's /models endpoint, falling back to
// the static catalog when the endpoint is missing or empty.
func (c *CompatAdapter) Models(ctx context.Context) ([]ModelInfo, error) {
	list, err := c.client.ListModels(ctx)
	if err != nil || len(list.Models) == 0 {
		return c.dialect.catalog, nil
	}
	out := make([]ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, ModelInfo{ID: m.ID, Name: m.ID, SupportsTools: true})
	}
	return out, nil
}

// GenerateCompletion performs a blocking chat completion.
func (c *CompatAdapter) GenerateCompletion(ctx context.Context, params *CompletionParams) (*CompletionResult, error) {
	model := c.resolveModel(params.Model)
	req := c.buildRequest(model, params, false)

	start := time.Now()
	resp, err := retryTransient(ctx, c.retries, func() (openai.ChatCompletionResponse, error) {
		r, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return openai.ChatCompletionResponse{}, c.wrapError(err, model)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Provider: c.dialect.kind, Model: model, Reason: ReasonUnknown, Message: "response contained no choices"}
	}

	choice := resp.Choices[0]
	result := &CompletionResult{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Provider:     c.dialect.kind,
		Model:        model,
		ResponseTime: time.Since(start),
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return result, nil
}

// StreamCompletion performs a streaming chat completion. Text deltas reach
// handlers.OnText as they arrive; tool-call deltas accumulate in a
// callAssembler keyed by delta index and surface only as complete calls.
func (c *CompatAdapter) StreamCompletion(ctx context.Context, params *CompletionParams, handlers StreamHandlers) (*CompletionResult, error) {
	model := c.resolveModel(params.Model)
	req := c.buildRequest(model, params, true)

	start := time.Now()
	// The request (and any 401-refresh-retry or transient retry) happens
	// before the first delta, so retrying here never replays partial
	// output.
	stream, err := retryTransient(ctx, c.retries, func() (*openai.ChatCompletionStream, error) {
		s, err := c.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return nil, c.wrapError(err, model)
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close() //nolint:errcheck

	asm := newCallAssembler()
	var text strings.Builder
	var usage models.Usage
	var finish string
	sawChunk := false

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, c.wrapError(err, model)
		}
		sawChunk = true

		if resp.Usage != nil {
			usage = models.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if handlers.OnText != nil {
				handlers.OnText(choice.Delta.Content)
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			asm.add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
	}

	if !sawChunk {
		return nil, &Error{Provider: c.dialect.kind, Model: model, Reason: ReasonUnknown, Message: "stream ended without any chunks"}
	}

	return &CompletionResult{
		Text:         text.String(),
		ToolCalls:    asm.finalize(),
		Usage:        usage,
		FinishReason: finish,
		Provider:     c.dialect.kind,
		Model:        model,
		ResponseTime: time.Since(start),
	}, nil
}

func (c *CompatAdapter) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return c.model
}

// buildRequest translates CompletionParams into the wire request. Tool
// fields are omitted entirely when no tools are offered: several back ends
// reject an empty tools array.
func (c *CompatAdapter) buildRequest(model string, params *CompletionParams, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: compatMessages(params.Messages, params.System),
		Stream:   stream,
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if stream && c.dialect.streamUsage {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	if len(params.Tools) > 0 {
		req.Tools = compatTools(params.Tools)
		switch params.ToolChoice {
		case "", "auto":
			// API default.
		case "none":
			req.ToolChoice = "none"
		default:
			req.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: params.ToolChoice},
			}
		}
	}
	return req
}

// compatMessages converts history into the OpenAI message array. The system
// prompt leads; tool results each become a separate role:"tool" message tied
// to its call by ToolCallID.
func compatMessages(history []models.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)

	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

// compatTools converts tool schemas to function definitions. A schema that
// fails to parse degrades to the empty object schema so one bad tool cannot
// break the request.
func compatTools(tools []ToolSchema) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil || schema == nil {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func (c *CompatAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := &Error{
			Provider: c.dialect.kind,
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		perr = perr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			perr = perr.WithMessage(apiErr.Message)
		}
		if apiErr.Type != "" {
			perr = perr.WithCode(apiErr.Type)
		}
		return perr
	}

	return NewError(c.dialect.kind, model, err)
}
