package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
)

const (
	// stdioScanBuffer bounds a single stdout line. Tool results can carry
	// whole files, so this is generous.
	stdioScanBuffer = 1 << 20

	// terminateGrace is how long Close waits between SIGTERM and SIGKILL.
	terminateGrace = 5 * time.Second

	notificationDepth = 64
)

// StdioTransport runs the server as a child process and exchanges
// newline-delimited JSON-RPC over its stdin/stdout. stderr is drained to
// the debug log.
type StdioTransport struct {
	config *ServerConfig
	logger *observability.Logger

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	writeMu    sync.Mutex
	lifeCancel context.CancelFunc

	pending   map[int64]chan *Response
	pendingMu sync.Mutex
	nextID    atomic.Int64

	notifications chan *Notification

	connected atomic.Bool
	closing   atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
	readers   sync.WaitGroup
}

// NewStdioTransport creates a stdio transport for cfg. The child process
// is not spawned until Connect.
func NewStdioTransport(cfg *ServerConfig, logger *observability.Logger) *StdioTransport {
	if logger == nil {
		logger = observability.Nop()
	}
	return &StdioTransport{
		config:        cfg,
		logger:        logger,
		pending:       make(map[int64]chan *Response),
		notifications: make(chan *Notification, notificationDepth),
		done:          make(chan struct{}),
	}
}

// Connect spawns the server process and starts the pipe readers.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if strings.TrimSpace(t.config.Command) == "" {
		return fmt.Errorf("mcp server %s: command is required for stdio transport", t.config.ID)
	}

	// The process lifetime is owned by the transport, not by the caller's
	// context: a handshake timeout must not take the child down with it.
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	t.lifeCancel = lifeCancel

	cmd := exec.CommandContext(lifeCtx, t.config.Command, t.config.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if t.config.WorkDir != "" {
		cmd.Dir = t.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		lifeCancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		lifeCancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		lifeCancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		lifeCancel()
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.connected.Store(true)
	t.logger.Info(ctx, "mcp server started",
		"server", t.config.ID,
		"command", t.config.Command,
		"pid", cmd.Process.Pid)

	t.readers.Add(2)
	go t.readStdout(stdout)
	go t.drainStderr(stderr)
	go t.reap()

	return nil
}

// Close asks the child to exit, escalating from stdin close through
// SIGTERM to SIGKILL after the grace period. Safe to call more than once;
// later calls wait for the first to finish.
func (t *StdioTransport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		<-t.done
		return nil
	}
	t.connected.Store(false)

	if t.cmd == nil || t.cmd.Process == nil {
		t.doneOnce.Do(func() { close(t.done) })
		return nil
	}

	if t.stdin != nil {
		t.stdin.Close()
	}
	_ = t.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-t.done:
	case <-time.After(terminateGrace):
		t.logger.Warn(context.Background(), "mcp server ignored SIGTERM, killing",
			"server", t.config.ID,
			"pid", t.cmd.Process.Pid)
		t.lifeCancel()
		<-t.done
	}
	return nil
}

// Call sends a request and waits for the response matching its id.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	id := t.nextID.Add(1)
	respCh := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	if err := t.writeMessage(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.cancelRequest(ctx, id)
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s: no response after %v", method, timeout)
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

// Notify sends a notification.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrTransportClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return t.writeMessage(Notification{JSONRPC: "2.0", Method: method, Params: raw})
}

// Notifications returns the channel of server-initiated notifications.
func (t *StdioTransport) Notifications() <-chan *Notification {
	return t.notifications
}

// Done is closed once the child has exited and been reaped.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// cancelRequest tells the server to abandon a request the caller gave up on.
func (t *StdioTransport) cancelRequest(ctx context.Context, id int64) {
	notifyCtx := context.WithoutCancel(ctx)
	err := t.Notify(notifyCtx, "notifications/cancelled", CancelledParams{
		RequestID: id,
		Reason:    "client cancelled",
	})
	if err != nil {
		t.logger.Debug(notifyCtx, "cancel notification failed",
			"server", t.config.ID,
			"request_id", id,
			"error", err)
	}
}

// writeMessage serializes one message and writes it as a single line.
// Writes are serialized so concurrent calls never interleave.
func (t *StdioTransport) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// readStdout parses newline-delimited JSON from the child until the pipe
// closes. Lines that are not JSON objects are server diagnostics.
func (t *StdioTransport) readStdout(stdout io.Reader) {
	defer t.readers.Done()
	ctx := context.Background()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), stdioScanBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			t.logger.Debug(ctx, "mcp server output", "server", t.config.ID, "line", line)
			continue
		}
		t.dispatch(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn(ctx, "mcp stdout read failed", "server", t.config.ID, "error", err)
	}
}

// dispatch routes one wire message: an id alongside a result or error is a
// response, a bare method is a notification, anything else is dropped.
func (t *StdioTransport) dispatch(ctx context.Context, line string) {
	var msg struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.logger.Debug(ctx, "mcp message unparseable", "server", t.config.ID, "error", err)
		return
	}

	switch {
	case msg.ID != nil && (msg.Result != nil || msg.Error != nil):
		id, ok := numericID(msg.ID)
		if !ok {
			t.logger.Debug(ctx, "mcp response id not numeric", "server", t.config.ID, "id", msg.ID)
			return
		}
		t.pendingMu.Lock()
		ch, waiting := t.pending[id]
		if waiting {
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		if !waiting {
			t.logger.Debug(ctx, "mcp response with no waiter", "server", t.config.ID, "id", id)
			return
		}
		ch <- &Response{JSONRPC: "2.0", ID: msg.ID, Result: msg.Result, Error: msg.Error}

	case msg.Method != "":
		notif := &Notification{JSONRPC: "2.0", Method: msg.Method, Params: msg.Params}
		select {
		case t.notifications <- notif:
		default:
			t.logger.Warn(ctx, "mcp notification buffer full, dropping",
				"server", t.config.ID,
				"method", msg.Method)
		}

	default:
		t.logger.Debug(ctx, "mcp message ignored", "server", t.config.ID, "line", line)
	}
}

// drainStderr forwards the child's stderr to the debug log.
func (t *StdioTransport) drainStderr(stderr io.Reader) {
	defer t.readers.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), stdioScanBuffer)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug(context.Background(), "mcp server stderr", "server", t.config.ID, "line", line)
		}
	}
}

// reap waits for the pipe readers to finish, collects the child's exit
// status, and signals Done so in-flight calls fail with a closed-transport
// error instead of hanging.
func (t *StdioTransport) reap() {
	t.readers.Wait()
	err := t.cmd.Wait()
	t.lifeCancel()
	t.connected.Store(false)
	t.doneOnce.Do(func() { close(t.done) })

	ctx := context.Background()
	if err != nil && !t.closing.Load() {
		t.logger.Warn(ctx, "mcp server exited", "server", t.config.ID, "error", err)
		return
	}
	t.logger.Info(ctx, "mcp server stopped", "server", t.config.ID)
}

func numericID(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
