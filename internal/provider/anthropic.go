package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// defaultAnthropicMaxTokens is used when a request does not cap the response.
// The Messages API requires an explicit max_tokens value.
const defaultAnthropicMaxTokens = 4096

// maxEmptyStreamEvents is the maximum number of consecutive empty events
// before treating the stream as malformed. This protects against streams
// that flood with empty events.
const maxEmptyStreamEvents = 300

func init() {
	Register("anthropic", func(cfg models.ProviderConfig, opts Options) (Adapter, error) {
		return NewAnthropicAdapter(cfg, opts)
	})
}

// AnthropicAdapter serves the Anthropic Messages API.
//
// Anthropic differs from the OpenAI-compatible family in several ways this
// adapter absorbs:
//   - The system prompt is a top-level parameter, not a message.
//   - Content is an array of typed blocks; tool calls arrive as tool_use
//     blocks whose JSON input streams as input_json_delta fragments.
//   - Tool results travel as tool_result blocks inside a user message.
//   - max_tokens is mandatory.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int
	retries   int
	logger    *observability.Logger
}

// NewAnthropicAdapter builds the adapter. A static API key authenticates via
// the SDK's x-api-key header; OAuth credentials ride the auth transport as a
// bearer token and survive 401s through a single refresh-and-retry.
func NewAnthropicAdapter(cfg models.ProviderConfig, opts Options) (*AnthropicAdapter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}

	options := []option.RequestOption{}
	if cfg.APIURL != "" {
		options = append(options, option.WithBaseURL(cfg.APIURL))
	}

	if cfg.OAuth != nil && (cfg.OAuth.AccessToken != "" || cfg.OAuth.RefreshToken != "") {
		source := NewOAuthSource("anthropic", *cfg.OAuth, cfg.ClientID, cfg.TokenURL, opts.OnTokenUpdate, logger)
		transport := newAuthTransport(opts.HTTPTransport, source, "anthropic", logger)
		options = append(options, option.WithHTTPClient(transport.httpClient()))
	} else {
		options = append(options, option.WithAPIKey(cfg.APIKey))
		if opts.HTTPTransport != nil {
			options = append(options, option.WithHTTPClient(newAuthTransport(opts.HTTPTransport, StaticKey(""), "anthropic", logger).httpClient()))
		}
	}

	model := cfg.Model.ID
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.Model.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	return &AnthropicAdapter{
		client:    anthropic.NewClient(options...),
		model:     model,
		maxTokens: maxTokens,
		retries:   opts.RetryAttempts,
		logger:    logger,
	}, nil
}

// Kind returns "anthropic".
func (a *AnthropicAdapter) Kind() string { return "anthropic" }

// Models returns the static Claude catalog. Anthropic has no public listing
// endpoint usable with every credential type.
func (a *AnthropicAdapter) Models(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsTools: true},
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsTools: true},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000, SupportsTools: true},
	}, nil
}

// GenerateCompletion performs a blocking message request.
func (a *AnthropicAdapter) GenerateCompletion(ctx context.Context, params *CompletionParams) (*CompletionResult, error) {
	model := a.resolveModel(params.Model)
	msgParams, err := a.buildParams(model, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	message, err := retryTransient(ctx, a.retries, func() (*anthropic.Message, error) {
		m, err := a.client.Messages.New(ctx, msgParams)
		if err != nil {
			return nil, a.wrapError(err, model)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}

	result := &CompletionResult{
		FinishReason: normalizeAnthropicStop(string(message.StopReason)),
		Provider:     "anthropic",
		Model:        model,
		ResponseTime: time.Since(start),
		Usage: models.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			args := tu.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}
	result.Text = text.String()
	return result, nil
}

// StreamCompletion performs a streaming message request, delivering text
// deltas through handlers and assembling tool_use blocks by content-block
// index until their input JSON is complete.
func (a *AnthropicAdapter) StreamCompletion(ctx context.Context, params *CompletionParams, handlers StreamHandlers) (*CompletionResult, error) {
	model := a.resolveModel(params.Model)
	msgParams, err := a.buildParams(model, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	stream, err := retryTransient(ctx, a.retries, func() (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
		s := a.client.Messages.NewStreaming(ctx, msgParams)
		// The SDK surfaces connection-time failures on the stream
		// handle rather than as a second return value.
		if s.Err() != nil {
			return nil, a.wrapError(s.Err(), model)
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
	var stopReason string
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				usage.PromptTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			if cbs.ContentBlock.Type == "tool_use" {
				tu := cbs.ContentBlock.AsToolUse()
				asm.add(int(cbs.Index), tu.ID, tu.Name, "")
				processed = true
			}

		case "content_block_delta":
			cbd := event.AsContentBlockDelta()
			switch cbd.Delta.Type {
			case "text_delta":
				if cbd.Delta.Text != "" {
					text.WriteString(cbd.Delta.Text)
					if handlers.OnText != nil {
						handlers.OnText(cbd.Delta.Text)
					}
					processed = true
				}
			case "input_json_delta":
				if cbd.Delta.PartialJSON != "" {
					asm.add(int(cbd.Index), "", "", cbd.Delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			processed = true

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReason = string(md.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			return &CompletionResult{
				Text:         text.String(),
				ToolCalls:    asm.finalize(),
				Usage:        usage,
				FinishReason: normalizeAnthropicStop(stopReason),
				Provider:     "anthropic",
				Model:        model,
				ResponseTime: time.Since(start),
			}, nil

		case "error":
			return nil, &Error{
				Provider: "anthropic",
				Model:    model,
				Reason:   ReasonServerError,
				Message:  "stream error event received",
			}
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return nil, &Error{
					Provider: "anthropic",
					Model:    model,
					Reason:   ReasonServerError,
					Message:  fmt.Sprintf("stream appears malformed: %d consecutive empty events", emptyEvents),
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, a.wrapError(err, model)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &Error{Provider: "anthropic", Model: model, Reason: ReasonUnknown, Message: "stream ended without message_stop"}
}

func (a *AnthropicAdapter) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return a.model
}

// buildParams assembles MessageNewParams from CompletionParams.
func (a *AnthropicAdapter) buildParams(model string, params *CompletionParams) (anthropic.MessageNewParams, error) {
	messages, err := anthropicMessages(params.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	msgParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if params.System != "" {
		msgParams.System = []anthropic.TextBlockParam{
			{Type: "text", Text: params.System},
		}
	}
	if params.Temperature != nil {
		msgParams.Temperature = anthropic.Float(float64(*params.Temperature))
	}
	if params.TopP != nil {
		msgParams.TopP = anthropic.Float(float64(*params.TopP))
	}

	if len(params.Tools) > 0 {
		tools, err := anthropicTools(params.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		msgParams.Tools = tools
	}

	return msgParams, nil
}

// anthropicMessages converts history into Anthropic content-block messages.
// System messages are skipped (carried in params.System); tool results and
// tool calls become typed blocks on user and assistant messages.
func anthropicMessages(history []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				tr.ToolCallID,
				tr.Content,
				!tr.Success,
			))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// Tool results ride user messages in the Messages API.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// anthropicTools converts tool schemas to the SDK's tool params.
func anthropicTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}

	return result, nil
}

// normalizeAnthropicStop maps Anthropic stop reasons onto the common
// vocabulary used across adapters.
func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (a *AnthropicAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr := &Error{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		perr = perr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			perr = perr.WithMessage(message)
		} else if perr.Message == "" {
			perr.Message = "anthropic request failed"
		}
		if code != "" {
			perr = perr.WithCode(code)
		}
		if requestID != "" {
			perr = perr.WithRequestID(requestID)
		}
		return perr
	}

	return NewError("anthropic", model, err)
}
