package files

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/parley/internal/tools"
)

const (
	defaultMaxReadBytes = 200000
	defaultReadLimit    = 2000
	maxLineBytes        = 1 << 20
)

// ReadTool reads files from the workspace with line-based paging.
type ReadTool struct {
	cfg Config
}

// NewReadTool creates the file_read tool.
func NewReadTool(cfg Config) *ReadTool {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = defaultMaxReadBytes
	}
	return &ReadTool{cfg: cfg}
}

// Name returns the tool name.
func (t *ReadTool) Name() string {
	return "file_read"
}

// Description returns the tool description.
func (t *ReadTool) Description() string {
	return "Read a file from the workspace. Supports a line offset and limit for paging through large files."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ReadTool) Schema() json.RawMessage {
	return marshalSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to the workspace).",
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "Line offset to start reading from (default: 0).",
				"minimum":     0,
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of lines to return (default: 2000).",
				"minimum":     1,
			},
		},
		"required": []string{"path"},
	})
}

// Execute reads the file, truncating at the line limit or the byte cap and
// appending a marker that tells the model how to continue.
func (t *ReadTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if input.Offset < 0 {
		return tools.Errorf("offset must be >= 0"), nil
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	resolved, err := t.cfg.resolver(ctx).Resolve(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return tools.Errorf("open file: %v", err), nil
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil && info.IsDir() {
		return tools.Errorf("%s is a directory", input.Path), nil
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		lines     []string
		bytesRead int
		lineNo    int
		truncated bool
	)
	for scanner.Scan() {
		if lineNo < input.Offset {
			lineNo++
			continue
		}
		if len(lines) >= limit {
			truncated = true
			break
		}
		text := scanner.Text()
		if bytesRead+len(text) > t.cfg.MaxReadBytes {
			truncated = true
			break
		}
		lines = append(lines, text)
		bytesRead += len(text) + 1
		lineNo++
	}
	if err := scanner.Err(); err != nil {
		return tools.Errorf("read file: %v", err), nil
	}

	content := strings.Join(lines, "\n")
	if truncated {
		next := input.Offset + len(lines)
		content += fmt.Sprintf("\n... [truncated after %d lines; rerun with offset=%d to continue]", len(lines), next)
	}

	return tools.JSON(map[string]interface{}{
		"path":      input.Path,
		"content":   content,
		"offset":    input.Offset,
		"lines":     len(lines),
		"truncated": truncated,
	}), nil
}
