package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/haasonsaas/parley/internal/tools"
)

// EditTool applies in-place find/replace edits to workspace files.
type EditTool struct {
	cfg Config
}

// NewEditTool creates the file_edit tool.
func NewEditTool(cfg Config) *EditTool {
	return &EditTool{cfg: cfg}
}

// Name returns the tool name.
func (t *EditTool) Name() string {
	return "file_edit"
}

// Description returns the tool description.
func (t *EditTool) Description() string {
	return "Apply one or more find/replace edits to a file. Each old_text must occur in the file; edits are applied in order."
}

// Schema returns the JSON schema for the tool parameters.
func (t *EditTool) Schema() json.RawMessage {
	return marshalSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to edit (relative to the workspace).",
			},
			"edits": map[string]interface{}{
				"type":        "array",
				"description": "Find/replace pairs applied in order.",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"old_text": map[string]interface{}{
							"type":        "string",
							"description": "Exact text to replace. Must occur in the file.",
						},
						"new_text": map[string]interface{}{
							"type":        "string",
							"description": "Replacement text.",
						},
						"replace_all": map[string]interface{}{
							"type":        "boolean",
							"description": "Replace every occurrence (default: first only).",
						},
					},
					"required": []string{"old_text", "new_text"},
				},
			},
		},
		"required": []string{"path", "edits"},
	})
}

// Execute applies the edits and reports a diff-style summary.
func (t *EditTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Path  string `json:"path"`
		Edits []struct {
			OldText    string `json:"old_text"`
			NewText    string `json:"new_text"`
			ReplaceAll bool   `json:"replace_all"`
		} `json:"edits"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if len(input.Edits) == 0 {
		return tools.Errorf("edits are required"), nil
	}

	resolved, err := t.cfg.resolver(ctx).Resolve(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.Errorf("read file: %v", err), nil
	}

	content := string(data)
	total := 0
	var diff strings.Builder
	for i, edit := range input.Edits {
		if edit.OldText == "" {
			return tools.Errorf("edit %d: old_text is required", i+1), nil
		}
		if !strings.Contains(content, edit.OldText) {
			return tools.Errorf("edit %d: old_text not found in %s: %q", i+1, input.Path, excerpt(edit.OldText)), nil
		}
		count := 1
		if edit.ReplaceAll {
			count = strings.Count(content, edit.OldText)
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
		} else {
			content = strings.Replace(content, edit.OldText, edit.NewText, 1)
		}
		total += count
		writeDiff(&diff, edit.OldText, edit.NewText, count)
	}

	mode := fs.FileMode(0o644)
	if info, err := os.Stat(resolved); err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(resolved, []byte(content), mode); err != nil {
		return tools.Errorf("write file: %v", err), nil
	}

	return tools.JSON(map[string]interface{}{
		"path":         input.Path,
		"replacements": total,
		"diff":         diff.String(),
	}), nil
}

// writeDiff appends one edit to the summary in unified-diff style.
func writeDiff(sb *strings.Builder, oldText, newText string, count int) {
	fmt.Fprintf(sb, "@@ %d replacement(s) @@\n", count)
	for _, line := range strings.Split(oldText, "\n") {
		sb.WriteString("-")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	for _, line := range strings.Split(newText, "\n") {
		sb.WriteString("+")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
}

// excerpt shortens long old_text values for error messages.
func excerpt(s string) string {
	const max = 80
	s = strings.ReplaceAll(s, "\n", "\\n")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
