package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/haasonsaas/parley/internal/tools"
)

// NewFileTool creates files in the workspace, refusing to clobber existing
// ones unless asked to.
type NewFileTool struct {
	cfg Config
}

// NewNewFileTool creates the file_new tool.
func NewNewFileTool(cfg Config) *NewFileTool {
	return &NewFileTool{cfg: cfg}
}

// Name returns the tool name.
func (t *NewFileTool) Name() string {
	return "file_new"
}

// Description returns the tool description.
func (t *NewFileTool) Description() string {
	return "Create a file in the workspace, creating parent directories as needed. Fails if the file exists unless overwrite is set."
}

// Schema returns the JSON schema for the tool parameters.
func (t *NewFileTool) Schema() json.RawMessage {
	return marshalSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to create (relative to the workspace).",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "File contents to write.",
			},
			"overwrite": map[string]interface{}{
				"type":        "boolean",
				"description": "Replace the file if it already exists (default: false).",
			},
		},
		"required": []string{"path", "content"},
	})
}

// Execute writes the file.
func (t *NewFileTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path      string `json:"path"`
		Content   string `json:"content"`
		Overwrite bool   `json:"overwrite"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}

	resolved, err := t.cfg.resolver(ctx).Resolve(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	overwrote := false
	if info, err := os.Lstat(resolved); err == nil {
		if info.IsDir() {
			return tools.Errorf("%s is a directory", input.Path), nil
		}
		if !input.Overwrite {
			return tools.Errorf("file already exists: %s (set overwrite to replace it)", input.Path), nil
		}
		overwrote = true
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return tools.Errorf("create directory: %v", err), nil
	}
	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return tools.Errorf("write file: %v", err), nil
	}

	return tools.JSON(map[string]interface{}{
		"path":          input.Path,
		"bytes_written": len(input.Content),
		"overwrote":     overwrote,
	}), nil
}
