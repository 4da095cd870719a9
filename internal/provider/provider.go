// Package provider contains the model back-end adapters.
//
// Every back end (Anthropic, Google, and the OpenAI-compatible family)
// implements the same Adapter interface. Streaming adapters deliver text
// deltas through StreamHandlers as they arrive; tool-call deltas are
// reassembled internally and surface only as complete calls on the returned
// CompletionResult, so callers never deal with partial JSON fragments.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// ToolSchema describes one callable tool offered to the model.
type ToolSchema struct {
	// Name is the function identifier the model calls.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is the JSON Schema for the tool's arguments.
	Parameters json.RawMessage
}

// ModelInfo describes an available model.
type ModelInfo struct {
	ID            string
	Name          string
	ContextSize   int
	SupportsTools bool
}

// StreamHandlers carries the callbacks invoked while a completion streams.
// Handlers run on the adapter's stream-processing goroutine; they must not
// block for long.
type StreamHandlers struct {
	// OnText receives each text delta in arrival order.
	OnText func(text string)
}

// CompletionParams is a single model request.
type CompletionParams struct {
	// Model overrides the adapter's configured model when non-empty.
	Model string

	// System is the system prompt, carried separately because several
	// back ends take it outside the message array.
	System string

	// Messages is the conversation so far, oldest first.
	Messages []models.Message

	// Tools offered for this request. When empty, tool fields are omitted
	// from the wire request entirely.
	Tools []ToolSchema

	// ToolChoice is "auto", "none", or the name of a specific tool.
	// Ignored when Tools is empty.
	ToolChoice string

	// Temperature and TopP are optional sampling overrides.
	Temperature *float32
	TopP        *float32

	// MaxTokens caps the response length. Zero selects the back end's
	// default.
	MaxTokens int
}

// CompletionResult is the assembled outcome of one model request.
type CompletionResult struct {
	// Text is the full assistant text (concatenation of all deltas when
	// streaming).
	Text string

	// ToolCalls are the complete tool invocations the model requested,
	// in the order the model issued them.
	ToolCalls []models.ToolCall

	// Usage is the token accounting reported by the back end; zero when
	// the back end reported none.
	Usage models.Usage

	// FinishReason is the back end's stop reason ("stop", "tool_calls",
	// "length", ...), normalized to the OpenAI vocabulary where possible.
	FinishReason string

	Provider     string
	Model        string
	ResponseTime time.Duration
}

// Adapter is the uniform surface over one model back end.
type Adapter interface {
	// GenerateCompletion performs a blocking completion.
	GenerateCompletion(ctx context.Context, params *CompletionParams) (*CompletionResult, error)

	// StreamCompletion performs a streaming completion, invoking handlers
	// for each delta, and returns the assembled result.
	StreamCompletion(ctx context.Context, params *CompletionParams, handlers StreamHandlers) (*CompletionResult, error)

	// Kind returns the adapter's stable identifier ("anthropic",
	// "openrouter", ...), used for routing, logging and metrics.
	Kind() string

	// Models lists the models this adapter can serve. Back ends without a
	// listing endpoint return a static catalog.
	Models(ctx context.Context) ([]ModelInfo, error)
}

// Options carries cross-cutting wiring shared by all adapters.
type Options struct {
	// Logger receives adapter debug/warn records. Nil means discard.
	Logger *observability.Logger

	// OnTokenUpdate persists rotated OAuth credentials. Nil disables
	// persistence.
	OnTokenUpdate TokenUpdateFunc

	// HTTPTransport overrides the base transport under the auth layer.
	// Nil means http.DefaultTransport. Tests use this to point adapters
	// at local servers.
	HTTPTransport http.RoundTripper

	// RetryAttempts bounds how often a single request is attempted when
	// failures are transient. Zero or negative selects the default of 3.
	RetryAttempts int
}
