package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/observability"
)

// sessionHeader carries the server-assigned session across requests.
const sessionHeader = "Mcp-Session-Id"

// HTTPTransport speaks streamable HTTP: every message is a POST whose
// response is either a single JSON body or a server-sent event stream of
// notifications ending with the response for the posted request.
type HTTPTransport struct {
	config *ServerConfig
	logger *observability.Logger
	client *http.Client

	sessionMu sync.Mutex
	sessionID string

	notifications chan *Notification
	connected     atomic.Bool
	done          chan struct{}
	doneOnce      sync.Once
}

// NewHTTPTransport creates an HTTP transport for cfg.
func NewHTTPTransport(cfg *ServerConfig, logger *observability.Logger) *HTTPTransport {
	if logger == nil {
		logger = observability.Nop()
	}
	return &HTTPTransport{
		config: cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.timeout(),
		},
		notifications: make(chan *Notification, notificationDepth),
		done:          make(chan struct{}),
	}
}

// Connect validates the endpoint. The first real exchange is the
// initialize call issued by the client.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if strings.TrimSpace(t.config.URL) == "" {
		return fmt.Errorf("mcp server %s: url is required for http transport", t.config.ID)
	}
	t.connected.Store(true)
	t.logger.Info(ctx, "mcp http transport ready", "server", t.config.ID, "url", t.config.URL)
	return nil
}

// Close stops the transport.
func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	t.doneOnce.Do(func() { close(t.done) })
	t.client.CloseIdleConnections()
	return nil
}

// Call posts a request and reads the response from either a JSON body or
// an SSE stream.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.NewString()
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := t.post(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			t.cancelRequest(ctx, id)
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	t.captureSession(resp)

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var rpcResp *Response
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "text/event-stream" {
		rpcResp, err = t.readStream(ctx, resp.Body, id)
	} else {
		rpcResp = &Response{}
		if decErr := json.NewDecoder(resp.Body).Decode(rpcResp); decErr != nil {
			err = fmt.Errorf("decode response: %w", decErr)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			t.cancelRequest(ctx, id)
			return nil, ctx.Err()
		}
		return nil, err
	}

	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// Notify posts a notification. Servers answer with 200 or 202 and an
// empty body.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrTransportClosed
	}

	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	body, err := json.Marshal(Notification{JSONRPC: "2.0", Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	resp, err := t.post(ctx, body)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s: HTTP %d", method, resp.StatusCode)
	}
	t.captureSession(resp)
	return nil
}

// Notifications returns the channel of server-initiated notifications.
func (t *HTTPTransport) Notifications() <-chan *Notification {
	return t.notifications
}

// Done is closed when the transport is shut down.
func (t *HTTPTransport) Done() <-chan struct{} {
	return t.done
}

// post sends one JSON-RPC body with the negotiated headers and the session
// id once the server has assigned one.
func (t *HTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
	if session := t.session(); session != "" {
		req.Header.Set(sessionHeader, session)
	}
	return t.client.Do(req)
}

func (t *HTTPTransport) session() string {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	return t.sessionID
}

// captureSession records the session id assigned by the server so later
// requests echo it.
func (t *HTTPTransport) captureSession(resp *http.Response) {
	s := resp.Header.Get(sessionHeader)
	if s == "" {
		return
	}
	t.sessionMu.Lock()
	fresh := t.sessionID != s
	t.sessionID = s
	t.sessionMu.Unlock()
	if fresh {
		t.logger.Debug(context.Background(), "mcp session established", "server", t.config.ID, "session", s)
	}
}

// readStream consumes an SSE body: data events are JSON-RPC messages, with
// notifications forwarded and the stream ending at the response whose id
// matches the posted request.
func (t *HTTPTransport) readStream(ctx context.Context, body io.Reader, wantID string) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), stdioScanBuffer)

	var data strings.Builder
	flush := func() (*Response, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		payload := data.String()
		data.Reset()
		return t.handleStreamEvent(ctx, payload, wantID)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: and comment lines carry nothing we use.
		}
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, fmt.Errorf("stream ended without a response for request %s", wantID)
}

// handleStreamEvent parses one SSE payload and reports whether it was the
// awaited response.
func (t *HTTPTransport) handleStreamEvent(ctx context.Context, payload, wantID string) (*Response, bool) {
	var msg struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		t.logger.Debug(ctx, "mcp stream event unparseable", "server", t.config.ID, "error", err)
		return nil, false
	}

	if msg.ID == nil && msg.Method != "" {
		notif := &Notification{JSONRPC: "2.0", Method: msg.Method, Params: msg.Params}
		select {
		case t.notifications <- notif:
		default:
			t.logger.Warn(ctx, "mcp notification buffer full, dropping",
				"server", t.config.ID,
				"method", msg.Method)
		}
		return nil, false
	}

	if id, ok := msg.ID.(string); ok && id == wantID {
		return &Response{JSONRPC: "2.0", ID: msg.ID, Result: msg.Result, Error: msg.Error}, true
	}

	t.logger.Debug(ctx, "mcp stream message ignored", "server", t.config.ID, "id", msg.ID)
	return nil, false
}

// cancelRequest tells the server to abandon a request the caller gave up on.
func (t *HTTPTransport) cancelRequest(ctx context.Context, id string) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
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
