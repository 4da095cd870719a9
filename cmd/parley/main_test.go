package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"chat", "serve", "mcp", "models", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

// execute runs the root command with args and captures its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigValidateCommand(t *testing.T) {
	path := writeTestConfig(t, `
providers:
  mock:
    kind: echo
agents:
  - id: assistant
    provider: mock
`)
	out, err := execute(t, "--config", path, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("output missing validity line:\n%s", out)
	}
	if !strings.Contains(out, "default agent: assistant") {
		t.Errorf("output missing inferred default agent:\n%s", out)
	}
}

func TestConfigValidateCommandRejectsBrokenConfig(t *testing.T) {
	path := writeTestConfig(t, `
agents:
  - id: assistant
    provider: ghost
`)
	_, err := execute(t, "--config", path, "config", "validate")
	if err == nil {
		t.Fatal("expected validation error for unknown provider")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error %v does not name the unknown provider", err)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	for _, want := range []string{"providers", "agents", "mcp_servers"} {
		if !strings.Contains(out, want) {
			t.Errorf("schema output missing %q", want)
		}
	}
}

func TestModelsCommand(t *testing.T) {
	path := writeTestConfig(t, `
providers:
  mock:
    kind: echo
agents:
  - id: assistant
    provider: mock
`)
	out, err := execute(t, "--config", path, "models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(out, "Models for mock:") {
		t.Errorf("output missing provider heading:\n%s", out)
	}
	if !strings.Contains(out, "echo (Echo)") {
		t.Errorf("output missing echo model:\n%s", out)
	}
}

func TestModelsCommandUnknownProvider(t *testing.T) {
	path := writeTestConfig(t, `
providers:
  mock:
    kind: echo
agents:
  - id: assistant
    provider: mock
`)
	_, err := execute(t, "--config", path, "models", "nope")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("err = %v, want not-configured error", err)
	}
}

func TestMCPListCommandDoesNotConnect(t *testing.T) {
	path := writeTestConfig(t, `
providers:
  mock:
    kind: echo
agents:
  - id: assistant
    provider: mock
mcp_servers:
  - id: files
    command: definitely-not-a-real-binary
    args: ["--root", "/tmp"]
  - id: remote
    url: https://mcp.example.com/rpc
`)
	out, err := execute(t, "--config", path, "mcp", "list")
	if err != nil {
		t.Fatalf("mcp list: %v", err)
	}
	if !strings.Contains(out, "files (stdio) - definitely-not-a-real-binary --root /tmp") {
		t.Errorf("output missing stdio server line:\n%s", out)
	}
	if !strings.Contains(out, "remote (http) - https://mcp.example.com/rpc") {
		t.Errorf("output missing http server line:\n%s", out)
	}
}

func TestCompactJSON(t *testing.T) {
	got := compactJSON([]byte("{\"a\": 1,\n  \"b\": 2}"))
	if got != `{"a": 1, "b": 2}` {
		t.Errorf("compactJSON = %q", got)
	}

	long := compactJSON([]byte(strings.Repeat("x", 500)))
	if len(long) > 130 || !strings.HasSuffix(long, "…") {
		t.Errorf("long arguments not truncated: %q", long)
	}
}

func TestEventRendererStreamsChunksAndTools(t *testing.T) {
	var buf bytes.Buffer
	r := &eventRenderer{out: &buf}
	ctx := context.Background()

	r.Emit(ctx, models.TurnEvent{Type: models.EventChunk, Chunk: &models.ChunkPayload{Text: "hel"}})
	r.Emit(ctx, models.TurnEvent{Type: models.EventChunk, Chunk: &models.ChunkPayload{Text: "lo"}})
	r.Emit(ctx, models.TurnEvent{Type: models.EventToolStart, Tool: &models.ToolPayload{Name: "bash", Arguments: []byte(`{"command":"ls"}`)}})
	r.Emit(ctx, models.TurnEvent{Type: models.EventToolEnd, Tool: &models.ToolPayload{Name: "bash", Success: true, Elapsed: 42 * time.Millisecond}})
	r.Emit(ctx, models.TurnEvent{Type: models.EventTurnFinal})

	want := "hello\n[tool] bash ls\n[tool] bash ok (42ms)\n"
	if buf.String() != want {
		t.Errorf("rendered output:\n%q\nwant:\n%q", buf.String(), want)
	}
}

func TestEventRendererBreaksLineBeforeError(t *testing.T) {
	var buf bytes.Buffer
	r := &eventRenderer{out: &buf}
	ctx := context.Background()

	r.Emit(ctx, models.TurnEvent{Type: models.EventChunk, Chunk: &models.ChunkPayload{Text: "partial"}})
	r.Emit(ctx, models.TurnEvent{Type: models.EventTurnError, Error: &models.ErrorPayload{Kind: "transport", Detail: "connection reset"}})

	want := "partial\nerror (transport): connection reset\n"
	if buf.String() != want {
		t.Errorf("rendered output:\n%q\nwant:\n%q", buf.String(), want)
	}
}

func TestEventRendererFailedToolRun(t *testing.T) {
	var buf bytes.Buffer
	r := &eventRenderer{out: &buf}
	ctx := context.Background()

	r.Emit(ctx, models.TurnEvent{Type: models.EventToolEnd, Tool: &models.ToolPayload{Name: "web_fetch", Success: false, Elapsed: time.Second}})

	if !strings.Contains(buf.String(), "web_fetch failed (1s)") {
		t.Errorf("rendered output %q missing failure line", buf.String())
	}
}
