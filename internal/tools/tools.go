// Package tools contains the tool registry and the built-in tool contract.
//
// A tool is anything the model can call: the built-ins under the
// subpackages (shell, files, web, todo, utility) and proxies for tools
// exported by MCP servers. The registry owns schema validation and argument
// normalization so individual tools only ever see arguments that match
// their declared schema.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/parley/pkg/models"
)

// Tool is one callable capability offered to the model.
type Tool interface {
	// Name returns the function identifier. Must be unique within a
	// registry; alphanumerics and underscores only.
	Name() string

	// Description tells the model what the tool does and when to use it.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments. Compiled
	// once at registration.
	Schema() json.RawMessage

	// Execute runs the tool. Arguments have already been normalized and
	// validated against Schema. Failures are reported on the Result;
	// a non-nil error is reserved for infrastructure problems and also
	// becomes an error result for the model.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Exclusive is an optional interface for tools that must not run
// concurrently with other tools (shell commands that mutate the working
// directory, for example). The executor runs them behind a barrier.
type Exclusive interface {
	Exclusive() bool
}

// Originated is an optional interface reporting where a tool came from.
// Tools that do not implement it are built-ins.
type Originated interface {
	// Origin returns "built-in" or "mcp:<server>".
	Origin() string
}

// Definition is the registry's public view of one tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Origin      string          `json:"origin"`
}

// Result is the outcome of one tool execution, in the shape fed back to the
// model: a status, a payload kind, and the payload itself.
type Result struct {
	// Success is false when the tool failed; the model sees the Error.
	Success bool

	// Kind says how Content should be read.
	Kind models.ResultKind

	// Content is the payload exactly as fed back to the model.
	Content string

	// Error describes the failure when Success is false.
	Error string
}

// Text returns a successful text result.
func Text(content string) *Result {
	return &Result{Success: true, Kind: models.ResultText, Content: content}
}

// JSON returns a successful result carrying v as compact JSON.
func JSON(v any) *Result {
	data, err := json.Marshal(v)
	if err != nil {
		return Errorf("encoding result: %v", err)
	}
	return &Result{Success: true, Kind: models.ResultJSON, Content: string(data)}
}

// Errorf returns a failed result. The error text doubles as content so the
// model always has something to read.
func Errorf(format string, args ...any) *Result {
	msg := fmt.Sprintf(format, args...)
	return &Result{Success: false, Kind: models.ResultText, Content: msg, Error: msg}
}

// contextKey is private to keep execution-context values collision-free.
type contextKey struct{}

// ExecContext carries per-call metadata into tool executions: which
// conversation is running, on whose behalf, and through which model.
type ExecContext struct {
	ConversationID string
	UserID         string
	AgentID        string
	Provider       string
	Model          string

	// WorkDir is the conversation's working directory; tools that touch
	// the filesystem root themselves here.
	WorkDir string
}

// WithExecContext attaches ec to ctx.
func WithExecContext(ctx context.Context, ec ExecContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ec)
}

// ExecContextFrom extracts the execution context, or the zero value when
// none was attached (direct tool invocations in tests).
func ExecContextFrom(ctx context.Context) ExecContext {
	if ec, ok := ctx.Value(contextKey{}).(ExecContext); ok {
		return ec
	}
	return ExecContext{}
}
