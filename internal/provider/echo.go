package provider

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

func init() {
	Register("echo", func(cfg models.ProviderConfig, opts Options) (Adapter, error) {
		return NewEchoAdapter(), nil
	})
}

// EchoAdapter is an offline adapter for development and tests. It repeats the
// last user message back, or replays scripted results queued with Enqueue.
// Streaming delivers the text word by word so chunk handling is exercised.
type EchoAdapter struct {
	scripts []*CompletionResult
}

// NewEchoAdapter builds an adapter with no scripted responses.
func NewEchoAdapter() *EchoAdapter {
	return &EchoAdapter{}
}

// Enqueue schedules a scripted result. Scripts are consumed in order; once
// drained the adapter falls back to echoing. Not safe for concurrent use
// with in-flight completions.
func (e *EchoAdapter) Enqueue(result *CompletionResult) {
	e.scripts = append(e.scripts, result)
}

// Kind returns "echo".
func (e *EchoAdapter) Kind() string { return "echo" }

// Models returns the single built-in pseudo model.
func (e *EchoAdapter) Models(ctx context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{ID: "echo", Name: "Echo", SupportsTools: true}}, nil
}

// GenerateCompletion returns the next scripted result, or echoes the last
// user message.
func (e *EchoAdapter) GenerateCompletion(ctx context.Context, params *CompletionParams) (*CompletionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	result := e.next(params)
	result.ResponseTime = time.Since(start)
	return result, nil
}

// StreamCompletion behaves like GenerateCompletion but delivers the response
// text through handlers one word at a time.
func (e *EchoAdapter) StreamCompletion(ctx context.Context, params *CompletionParams, handlers StreamHandlers) (*CompletionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	result := e.next(params)

	if handlers.OnText != nil && result.Text != "" {
		words := strings.SplitAfter(result.Text, " ")
		for _, word := range words {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			handlers.OnText(word)
		}
	}

	result.ResponseTime = time.Since(start)
	return result, nil
}

func (e *EchoAdapter) next(params *CompletionParams) *CompletionResult {
	if len(e.scripts) > 0 {
		result := e.scripts[0]
		e.scripts = e.scripts[1:]
		filled := *result
		filled.Provider = "echo"
		if filled.Model == "" {
			filled.Model = "echo"
		}
		if filled.FinishReason == "" {
			if len(filled.ToolCalls) > 0 {
				filled.FinishReason = "tool_calls"
			} else {
				filled.FinishReason = "stop"
			}
		}
		return &filled
	}

	text := "echo: " + lastUserContent(params.Messages)
	return &CompletionResult{
		Text:         text,
		FinishReason: "stop",
		Provider:     "echo",
		Model:        "echo",
		Usage: models.Usage{
			PromptTokens:     len(strings.Fields(lastUserContent(params.Messages))),
			CompletionTokens: len(strings.Fields(text)),
			TotalTokens:      len(strings.Fields(lastUserContent(params.Messages))) + len(strings.Fields(text)),
		},
	}
}

func lastUserContent(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return history[i].Content
		}
	}
	return ""
}
