// Package files provides the built-in filesystem tools: file_read,
// file_new, and file_edit. Every path goes through the sandbox Resolver so
// a relative path, an absolute path, or a path laced with ".." segments all
// land inside the conversation workspace or fail.
package files

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/parley/internal/tools"
)

// Config controls filesystem tool defaults.
type Config struct {
	// Workspace is the fallback sandbox root when the execution context
	// carries no working directory. Empty means the process working
	// directory.
	Workspace string

	// MaxReadBytes caps a single file_read payload.
	MaxReadBytes int
}

// resolver builds the sandbox resolver for one call. The conversation's
// working directory wins over the configured workspace.
func (c Config) resolver(ctx context.Context) Resolver {
	if ec := tools.ExecContextFrom(ctx); ec.WorkDir != "" {
		return Resolver{Root: ec.WorkDir}
	}
	return Resolver{Root: c.Workspace}
}

// marshalSchema renders a map-literal schema, falling back to a permissive
// object schema if marshaling ever fails.
func marshalSchema(schema map[string]interface{}) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
