// Package shell provides the bash built-in: one-shot shell commands run
// under the conversation's working directory with output caps and a
// denylist for the classic irreversible footguns.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/internal/tools/files"
)

const (
	// DefaultTimeout bounds a command when the model does not request one.
	DefaultTimeout = 120 * time.Second

	// MaxTimeout is the ceiling a command may request.
	MaxTimeout = 600 * time.Second

	// maxStreamBytes caps captured output per stream.
	maxStreamBytes = 64000
)

// Config controls bash tool defaults.
type Config struct {
	// Workspace is the fallback working directory when the execution
	// context carries none.
	Workspace string

	// Shell is the interpreter, /bin/sh by default.
	Shell string

	// DefaultTimeout replaces DefaultTimeout when positive.
	DefaultTimeout time.Duration

	// DenyExtra adds operator-supplied substrings to the built-in
	// denylist. A command containing any of them is rejected.
	DenyExtra []string
}

// BashTool runs shell commands. It declares itself exclusive so the
// executor never runs it alongside other tools.
type BashTool struct {
	cfg Config
}

// NewBashTool creates the bash tool.
func NewBashTool(cfg Config) *BashTool {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &BashTool{cfg: cfg}
}

// Name returns the tool name.
func (t *BashTool) Name() string {
	return "bash"
}

// Description returns the tool description.
func (t *BashTool) Description() string {
	return "Run a shell command in the conversation workspace and capture stdout, stderr, and the exit code."
}

// Exclusive marks bash as unsafe to run concurrently with other tools.
func (t *BashTool) Exclusive() bool {
	return true
}

// Schema returns the JSON schema for the tool parameters.
func (t *BashTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to run with sh -c.",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory, relative to the workspace.",
			},
			"env": map[string]interface{}{
				"type":                 "object",
				"description":          "Extra environment variables for this command.",
				"additionalProperties": map[string]interface{}{"type": "string"},
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (default 120, max 600).",
				"minimum":     1,
				"maximum":     600,
			},
		},
		"required": []string{"command"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute runs the command and reports the outcome as JSON. A nonzero exit
// code is still a successful tool call; only rejected, unstartable, or
// timed-out commands fail.
func (t *BashTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Command        string            `json:"command"`
		Cwd            string            `json:"cwd"`
		Env            map[string]string `json:"env"`
		TimeoutSeconds int               `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Command) == "" {
		return tools.Errorf("command is required"), nil
	}
	if reason := denied(input.Command); reason != "" {
		return tools.Errorf("command rejected: %s", reason), nil
	}
	if pattern := deniedExtra(input.Command, t.cfg.DenyExtra); pattern != "" {
		return tools.Errorf("command rejected: matches deny pattern %q", pattern), nil
	}

	timeout := t.cfg.DefaultTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	dir := t.workdir(ctx)
	if input.Cwd != "" {
		resolved, err := (files.Resolver{Root: dir}).Resolve(input.Cwd)
		if err != nil {
			return tools.Errorf("%v", err), nil
		}
		dir = resolved
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.cfg.Shell, "-c", input.Command)
	if dir != "" {
		cmd.Dir = dir
	}
	env := os.Environ()
	for k, v := range input.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdout := &cappedBuffer{max: maxStreamBytes}
	stderr := &cappedBuffer{max: maxStreamBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case timedOut:
			exitCode = -1
		default:
			return tools.Errorf("start command: %v", runErr), nil
		}
	}

	payload := map[string]interface{}{
		"command":     input.Command,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
	}
	if dir != "" {
		payload["cwd"] = dir
	}
	if stdout.truncated {
		payload["stdout_truncated"] = true
	}
	if stderr.truncated {
		payload["stderr_truncated"] = true
	}
	if timedOut {
		payload["timed_out"] = true
	}

	res := tools.JSON(payload)
	if timedOut {
		res.Success = false
		res.Error = fmt.Sprintf("command timed out after %s", timeout)
	}
	return res, nil
}

// workdir picks the conversation working directory when present.
func (t *BashTool) workdir(ctx context.Context) string {
	if ec := tools.ExecContextFrom(ctx); ec.WorkDir != "" {
		return ec.WorkDir
	}
	return t.cfg.Workspace
}

// cappedBuffer keeps at most max bytes and remembers whether it dropped any.
// Writes never error so the command keeps running after the cap.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return n, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
		b.truncated = true
	}
	b.buf.Write(p)
	return n, nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
