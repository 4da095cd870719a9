package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// detailKeys maps tool names to the argument that best identifies a
// call: the command for bash, the path for file tools, the query for
// searches. Keys are probed in order; the first present value wins.
var detailKeys = map[string][]string{
	"bash":       {"command"},
	"file_read":  {"path"},
	"file_edit":  {"path"},
	"file_new":   {"path"},
	"web_search": {"query"},
	"web_fetch":  {"url"},
	"calculator": {"expression"},
	"time":       {"timezone"},
	"random":     {"kind"},
}

// fallbackKeys are probed for tools with no mapping, MCP proxies mostly.
var fallbackKeys = []string{"path", "url", "query", "command", "name", "id"}

const maxDetailLen = 120

// CallDetail renders the one argument worth showing for a tool call,
// for terminal and log lines. Returns "" when nothing identifies the
// call; callers fall back to dumping the raw arguments.
func CallDetail(name string, args json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil || len(fields) == 0 {
		return ""
	}
	keys, ok := detailKeys[name]
	if !ok {
		keys = fallbackKeys
	}
	for _, key := range keys {
		detail := displayValue(fields[key])
		if detail == "" {
			continue
		}
		return clipDetail(shortenHomePath(detail))
	}
	return ""
}

func clipDetail(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxDetailLen {
		return s[:maxDetailLen] + "…"
	}
	return s
}

// displayValue flattens a decoded JSON value to display text. Objects
// and empty collections render as nothing rather than as Go syntax.
func displayValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := displayValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

// shortenHomePath replaces the home directory prefix with ~.
func shortenHomePath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" || !strings.HasPrefix(path, "/") {
		return path
	}
	cleanPath := filepath.Clean(path)
	cleanHome := filepath.Clean(home)
	if cleanPath == cleanHome {
		return "~"
	}
	if strings.HasPrefix(cleanPath, cleanHome+string(filepath.Separator)) {
		return "~" + cleanPath[len(cleanHome):]
	}
	return path
}
