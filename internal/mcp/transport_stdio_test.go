package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
)

// echoScript answers every request with a result carrying the id it parsed
// and the "tag" argument it was sent, so callers can verify correlation.
const echoScript = `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  tag=$(printf '%s' "$line" | sed -n 's/.*"tag":"\([^"]*\)".*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{"tag":"%s"}}\n' "$id" "$tag"
  fi
done
`

// reorderScript reads two requests, then answers them in reverse order.
const reorderScript = `IFS= read -r first
IFS= read -r second
for line in "$second" "$first"; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  tag=$(printf '%s' "$line" | sed -n 's/.*"tag":"\([^"]*\)".*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"tag":"%s"}}\n' "$id" "$tag"
done
cat >/dev/null
`

// chattyScript interleaves plain-text diagnostics with its responses.
const chattyScript = `echo "server starting up"
echo "[INFO] listening on stdio"
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    echo "[DEBUG] handling request $id"
    printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
  fi
done
`

const notifyScript = `printf '{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"hello"}}\n'
cat >/dev/null
`

const exitScript = `IFS= read -r line
exit 3
`

const errorScript = `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"error":{"code":-32002,"message":"tool not found"}}\n' "$id"
  fi
done
`

// recordScript never answers; it appends every inbound line to $OUT so the
// test can observe what the transport wrote.
const recordScript = `: > "$OUT"
while IFS= read -r line; do
  printf '%s\n' "$line" >> "$OUT"
done
`

func requirePosixShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stdio transport tests need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func startStdioServer(t *testing.T, script string, env map[string]string) *StdioTransport {
	t.Helper()
	requirePosixShell(t)

	path := filepath.Join(t.TempDir(), "server.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	cfg := &ServerConfig{
		ID:      "testsrv",
		Command: "sh",
		Args:    []string{path},
		Env:     env,
		Timeout: 5 * time.Second,
	}
	tr := NewStdioTransport(cfg, observability.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestStdioCallRoundTrip(t *testing.T) {
	tr := startStdioServer(t, echoScript, nil)

	result, err := tr.Call(context.Background(), "echo", map[string]string{"tag": "ping"})
	if err != nil {
		t.Fatalf("Call() = %v", err)
	}

	var parsed struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if parsed.Tag != "ping" {
		t.Errorf("result tag = %q, want %q", parsed.Tag, "ping")
	}
}

func TestStdioConcurrentCallsCorrelateByID(t *testing.T) {
	tr := startStdioServer(t, echoScript, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tag := fmt.Sprintf("goroutine-%d", i)
			result, err := tr.Call(context.Background(), "echo", map[string]string{"tag": tag})
			if err != nil {
				errs <- fmt.Errorf("call %d: %w", i, err)
				return
			}
			var parsed struct {
				Tag string `json:"tag"`
			}
			if err := json.Unmarshal(result, &parsed); err != nil {
				errs <- fmt.Errorf("call %d: parse: %w", i, err)
				return
			}
			if parsed.Tag != tag {
				errs <- fmt.Errorf("call %d received tag %q, want %q", i, parsed.Tag, tag)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStdioOutOfOrderResponses(t *testing.T) {
	tr := startStdioServer(t, reorderScript, nil)

	results := make(chan [2]string, 2)
	call := func(tag string) {
		result, err := tr.Call(context.Background(), "echo", map[string]string{"tag": tag})
		if err != nil {
			t.Errorf("call %s: %v", tag, err)
			results <- [2]string{tag, ""}
			return
		}
		var parsed struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(result, &parsed); err != nil {
			t.Errorf("call %s: parse: %v", tag, err)
		}
		results <- [2]string{tag, parsed.Tag}
	}
	go call("alpha")
	go call("beta")

	for i := 0; i < 2; i++ {
		pair := <-results
		if pair[0] != pair[1] {
			t.Errorf("caller sent tag %q, received %q", pair[0], pair[1])
		}
	}
}

func TestStdioSkipsDiagnosticLines(t *testing.T) {
	tr := startStdioServer(t, chattyScript, nil)

	result, err := tr.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("Call() = %v", err)
	}
	if !strings.Contains(string(result), `"ok":true`) {
		t.Errorf("result = %s, want ok", result)
	}
}

func TestStdioNotificationDelivery(t *testing.T) {
	tr := startStdioServer(t, notifyScript, nil)

	select {
	case notif := <-tr.Notifications():
		if notif.Method != "notifications/message" {
			t.Errorf("method = %q, want notifications/message", notif.Method)
		}
		if !strings.Contains(string(notif.Params), "hello") {
			t.Errorf("params = %s, want data hello", notif.Params)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestStdioChildExitFailsPending(t *testing.T) {
	tr := startStdioServer(t, exitScript, nil)

	if _, err := tr.Call(context.Background(), "tools/list", nil); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Call() during exit = %v, want ErrTransportClosed", err)
	}

	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done() not closed after child exit")
	}

	if _, err := tr.Call(context.Background(), "tools/list", nil); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Call() after exit = %v, want ErrTransportClosed", err)
	}
}

func TestStdioCloseTerminatesChild(t *testing.T) {
	tr := startStdioServer(t, "exec sleep 30\n", nil)

	start := time.Now()
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if elapsed := time.Since(start); elapsed >= terminateGrace {
		t.Errorf("Close() took %v, want SIGTERM exit within the %v grace", elapsed, terminateGrace)
	}

	select {
	case <-tr.Done():
	default:
		t.Error("Done() not closed after Close()")
	}
}

func TestStdioServerErrorSurfaced(t *testing.T) {
	tr := startStdioServer(t, errorScript, nil)

	_, err := tr.Call(context.Background(), "tools/call", map[string]string{"name": "missing"})
	if err == nil {
		t.Fatal("Call() should surface the server error")
	}

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call() error = %v, want *RPCError", err)
	}
	if rpcErr.Code != CodeToolNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeToolNotFound)
	}
}

func TestStdioCancelNotifiesServer(t *testing.T) {
	out := filepath.Join(t.TempDir(), "requests.log")
	tr := startStdioServer(t, recordScript, map[string]string{"OUT": out})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := tr.Call(ctx, "tools/call", map[string]any{"name": "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call() = %v, want context.DeadlineExceeded", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		data, _ := os.ReadFile(out)
		if strings.Contains(string(data), `"method":"notifications/cancelled"`) &&
			strings.Contains(string(data), `"requestId":1`) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cancellation notification not observed; server saw:\n%s", data)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
