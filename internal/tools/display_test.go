package tools

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestCallDetailKnownTools(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args string
		want string
	}{
		{"bash command", "bash", `{"command":"ls -la","timeout":30}`, "ls -la"},
		{"file path", "file_read", `{"path":"/etc/hosts"}`, "/etc/hosts"},
		{"search query", "web_search", `{"query":"go generics","max_results":5}`, "go generics"},
		{"fetch url", "web_fetch", `{"url":"https://example.com/a"}`, "https://example.com/a"},
		{"numeric value", "calculator", `{"expression":"2+2"}`, "2+2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CallDetail(tt.tool, json.RawMessage(tt.args))
			if got != tt.want {
				t.Errorf("CallDetail(%s) = %q, want %q", tt.tool, got, tt.want)
			}
		})
	}
}

func TestCallDetailFallbackKeysForMCPTools(t *testing.T) {
	got := CallDetail("mcp_files_read_file", json.RawMessage(`{"path":"/tmp/x","encoding":"utf8"}`))
	if got != "/tmp/x" {
		t.Errorf("CallDetail = %q, want /tmp/x", got)
	}

	got = CallDetail("mcp_tracker_create_issue", json.RawMessage(`{"title":"bug","labels":["a"]}`))
	if got != "" {
		t.Errorf("CallDetail = %q, want empty for unidentifiable args", got)
	}
}

func TestCallDetailEmptyAndInvalidArgs(t *testing.T) {
	if got := CallDetail("bash", json.RawMessage(`{}`)); got != "" {
		t.Errorf("empty args: got %q", got)
	}
	if got := CallDetail("bash", json.RawMessage(`not json`)); got != "" {
		t.Errorf("invalid args: got %q", got)
	}
	if got := CallDetail("bash", nil); got != "" {
		t.Errorf("nil args: got %q", got)
	}
}

func TestCallDetailClipsLongValues(t *testing.T) {
	long := strings.Repeat("a", 500)
	got := CallDetail("bash", json.RawMessage(`{"command":"`+long+`"}`))
	if len(got) > maxDetailLen+3 || !strings.HasSuffix(got, "…") {
		t.Errorf("long detail not clipped: %d chars", len(got))
	}
}

func TestCallDetailCollapsesWhitespace(t *testing.T) {
	got := CallDetail("bash", json.RawMessage(`{"command":"ls \n  -la"}`))
	if got != "ls -la" {
		t.Errorf("CallDetail = %q, want %q", got, "ls -la")
	}
}

func TestShortenHomePath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no home directory")
	}
	got := CallDetail("file_read", json.RawMessage(`{"path":"`+home+`/notes.txt"}`))
	if got != "~/notes.txt" {
		t.Errorf("CallDetail = %q, want ~/notes.txt", got)
	}

	got = CallDetail("file_read", json.RawMessage(`{"path":"/srv/data.txt"}`))
	if got != "/srv/data.txt" {
		t.Errorf("non-home path rewritten: %q", got)
	}
}
