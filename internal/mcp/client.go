package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
)

// protocolVersion is the MCP revision this client negotiates.
const protocolVersion = "2024-11-05"

// defaultHandshakeTimeout bounds transport connect, initialize, and the
// first capability discovery pass.
const defaultHandshakeTimeout = 30 * time.Second

// State is the connection lifecycle phase of a client.
type State string

const (
	StateIdle     State = "idle"
	StateSpawning State = "spawning"
	StateReady    State = "ready"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Client manages one MCP server: connection lifecycle, the initialize
// handshake, capability discovery, and request routing. All methods are
// safe for concurrent use; multiple tool calls may be in flight at once.
type Client struct {
	config       *ServerConfig
	logger       *observability.Logger
	newTransport func() Transport
	// onRefreshed, when set before Connect, runs after a notification-driven
	// rediscovery so bridged registrations can follow the new listings.
	onRefreshed func()

	mu         sync.Mutex
	state      State
	transport  Transport
	serverInfo ServerInfo
	caps       Capabilities
	tools      []ToolInfo
	resources  []ResourceInfo
	templates  []ResourceTemplate
	prompts    []PromptInfo
	// unsupported records optional discovery methods the server answered
	// with method-not-found, so refreshes stop asking.
	unsupported map[string]bool
}

// NewClient creates a client for cfg. Nothing is spawned until Connect.
func NewClient(cfg *ServerConfig, logger *observability.Logger) *Client {
	if logger == nil {
		logger = observability.Nop()
	}
	c := &Client{
		config:      cfg,
		logger:      logger,
		state:       StateIdle,
		unsupported: make(map[string]bool),
	}
	c.newTransport = func() Transport { return NewTransport(cfg, logger) }
	return c
}

// Connect spawns or dials the server, runs the initialize handshake, and
// discovers its tools and resources. A failed handshake is fatal for this
// attempt and leaves the client in the failed state; Connect may be called
// again to retry with a fresh transport.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateStopped, StateFailed:
		if c.state != StateIdle {
			observability.MCPServerRestartsTotal.WithLabelValues(c.config.ID).Inc()
		}
		c.state = StateSpawning
		c.transport = c.newTransport()
		c.unsupported = make(map[string]bool)
		c.tools, c.resources, c.templates, c.prompts = nil, nil, nil, nil
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("mcp server %s: connect while %s", c.config.ID, state)
	}
	tr := c.transport
	c.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
	defer cancel()

	if err := tr.Connect(hctx); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("mcp server %s: connect: %w", c.config.ID, err)
	}

	if err := c.initialize(hctx, tr); err != nil {
		tr.Close()
		c.setState(StateFailed)
		return fmt.Errorf("mcp server %s: initialize: %w", c.config.ID, err)
	}

	c.setState(StateReady)
	go c.watchDone(tr)
	go c.watchNotifications(tr)

	if err := tr.Notify(hctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn(hctx, "initialized notification failed", "server", c.config.ID, "error", err)
	}

	c.refreshCapabilities(hctx)
	return nil
}

// Close disconnects from the server. The stdio transport escalates from
// SIGTERM to SIGKILL if the child lingers past the grace period.
func (c *Client) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateStopped, StateFailed:
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	tr := c.transport
	c.mu.Unlock()

	var err error
	if tr != nil {
		err = tr.Close()
	}
	c.setState(StateStopped)
	return err
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig {
	return c.config
}

// ServerInfo returns the identity the server reported during initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Tools returns the discovered tool listing.
func (c *Client) Tools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolInfo, len(c.tools))
	copy(out, c.tools)
	return out
}

// Resources returns the discovered resource listing.
func (c *Client) Resources() []ResourceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ResourceInfo, len(c.resources))
	copy(out, c.resources)
	return out
}

// ResourceTemplates returns the discovered resource templates.
func (c *Client) ResourceTemplates() []ResourceTemplate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ResourceTemplate, len(c.templates))
	copy(out, c.templates)
	return out
}

// Prompts returns the discovered prompt listing.
func (c *Client) Prompts() []PromptInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PromptInfo, len(c.prompts))
	copy(out, c.prompts)
	return out
}

// CallTool executes a remote tool. Cancelling ctx makes the transport send
// a cancellation notification for the in-flight request id and returns the
// context error.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	result, err := c.call(ctx, "tools/call", CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var parsed ToolCallResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &parsed, nil
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	result, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var parsed ReadResourceResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parse resource: %w", err)
	}
	return parsed.Contents, nil
}

// RefreshCapabilities re-runs discovery against a ready server.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	if state := c.State(); state != StateReady {
		return fmt.Errorf("mcp server %s is %s", c.config.ID, state)
	}
	c.refreshCapabilities(ctx)
	return nil
}

// call routes one request, failing synchronously unless the client is ready.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	state, tr := c.state, c.transport
	c.mu.Unlock()
	if state != StateReady || tr == nil {
		return nil, fmt.Errorf("mcp server %s is %s", c.config.ID, state)
	}

	raw, err := tr.Call(ctx, method, params)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.MCPRequestsTotal.WithLabelValues(c.config.ID, method, outcome).Inc()
	return raw, err
}

func (c *Client) initialize(ctx context.Context, tr Transport) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{"subscribe": true},
			"prompts":   map[string]any{},
			"logging":   map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    "parley",
			"version": "1.0.0",
		},
	}

	raw, err := tr.Call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.caps = result.Capabilities
	c.mu.Unlock()

	c.logger.Info(ctx, "mcp server initialized",
		"server", c.config.ID,
		"name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	return nil
}

// refreshCapabilities performs discovery: tools/list always, the resource
// and prompt listings when the server advertised those capabilities.
func (c *Client) refreshCapabilities(ctx context.Context) {
	c.mu.Lock()
	caps := c.caps
	c.mu.Unlock()

	if result := c.discover(ctx, "tools/list"); result != nil {
		var parsed ListToolsResult
		if err := json.Unmarshal(result, &parsed); err != nil {
			c.logger.Warn(ctx, "mcp tools listing unparseable", "server", c.config.ID, "error", err)
		} else {
			c.mu.Lock()
			c.tools = parsed.Tools
			c.mu.Unlock()
			c.logger.Debug(ctx, "mcp tools discovered", "server", c.config.ID, "count", len(parsed.Tools))
		}
	}

	if caps.Resources != nil {
		if result := c.discover(ctx, "resources/list"); result != nil {
			var parsed ListResourcesResult
			if json.Unmarshal(result, &parsed) == nil {
				c.mu.Lock()
				c.resources = parsed.Resources
				c.mu.Unlock()
			}
		}
		if result := c.discover(ctx, "resources/templates/list"); result != nil {
			var parsed ListResourceTemplatesResult
			if json.Unmarshal(result, &parsed) == nil {
				c.mu.Lock()
				c.templates = parsed.ResourceTemplates
				c.mu.Unlock()
			}
		}
	}

	if caps.Prompts != nil {
		if result := c.discover(ctx, "prompts/list"); result != nil {
			var parsed ListPromptsResult
			if json.Unmarshal(result, &parsed) == nil {
				c.mu.Lock()
				c.prompts = parsed.Prompts
				c.mu.Unlock()
			}
		}
	}
}

// discover calls one optional listing endpoint. Method-not-found marks the
// endpoint unsupported and is not retried; other failures are logged and
// will be retried on the next refresh.
func (c *Client) discover(ctx context.Context, method string) json.RawMessage {
	c.mu.Lock()
	skip := c.unsupported[method]
	c.mu.Unlock()
	if skip {
		return nil
	}

	result, err := c.call(ctx, method, nil)
	if err == nil {
		return result
	}
	if IsMethodNotFound(err) {
		c.mu.Lock()
		c.unsupported[method] = true
		c.mu.Unlock()
		c.logger.Debug(ctx, "mcp method not supported", "server", c.config.ID, "method", method)
		return nil
	}
	c.logger.Warn(ctx, "mcp discovery failed", "server", c.config.ID, "method", method, "error", err)
	return nil
}

// watchNotifications consumes server-initiated notifications for as long
// as the transport lives. Logging and progress notifications are logged;
// list-changed notifications re-run discovery so the tool bridge sees the
// server's current surface.
func (c *Client) watchNotifications(tr Transport) {
	for {
		select {
		case <-tr.Done():
			return
		case n := <-tr.Notifications():
			c.handleNotification(n)
		}
	}
}

func (c *Client) handleNotification(n *Notification) {
	ctx := observability.WithServerID(context.Background(), c.config.ID)

	switch n.Method {
	case "notifications/message":
		var msg struct {
			Level  string          `json:"level"`
			Logger string          `json:"logger"`
			Data   json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(n.Params, &msg); err != nil {
			c.logger.Debug(ctx, "mcp log notification unparseable", "error", err)
			return
		}
		c.logServerMessage(ctx, msg.Level, msg.Logger, msg.Data)

	case "notifications/progress":
		var p struct {
			Token    any     `json:"progressToken"`
			Progress float64 `json:"progress"`
			Total    float64 `json:"total"`
		}
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return
		}
		c.logger.Debug(ctx, "mcp progress", "token", p.Token, "progress", p.Progress, "total", p.Total)

	case "notifications/tools/list_changed",
		"notifications/resources/list_changed",
		"notifications/prompts/list_changed":
		rctx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
		defer cancel()
		c.refreshCapabilities(rctx)
		if c.onRefreshed != nil {
			c.onRefreshed()
		}

	default:
		c.logger.Debug(ctx, "mcp notification ignored", "method", n.Method)
	}
}

// logServerMessage forwards an MCP logging notification at the nearest
// slog level. Levels above warning all map to error.
func (c *Client) logServerMessage(ctx context.Context, level, loggerName string, data json.RawMessage) {
	args := []any{"data", string(data)}
	if loggerName != "" {
		args = append(args, "logger", loggerName)
	}
	switch level {
	case "debug":
		c.logger.Debug(ctx, "mcp server log", args...)
	case "info", "notice":
		c.logger.Info(ctx, "mcp server log", args...)
	case "warning":
		c.logger.Warn(ctx, "mcp server log", args...)
	default:
		c.logger.Error(ctx, "mcp server log", args...)
	}
}

// watchDone observes transport shutdown. A close the client did not ask
// for (child exit, dropped connection) moves it straight to stopped so
// later calls fail fast.
func (c *Client) watchDone(tr Transport) {
	<-tr.Done()

	c.mu.Lock()
	if c.transport != tr {
		// A reconnect swapped the transport out from under us.
		c.mu.Unlock()
		return
	}
	unexpected := c.state == StateReady || c.state == StateSpawning
	if c.state != StateFailed {
		c.state = StateStopped
	}
	c.mu.Unlock()

	observability.MCPServersUp.WithLabelValues(c.config.ID).Set(0)
	if unexpected {
		c.logger.Warn(context.Background(), "mcp server stopped unexpectedly", "server", c.config.ID)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	up := 0.0
	if s == StateReady {
		up = 1
	}
	observability.MCPServersUp.WithLabelValues(c.config.ID).Set(up)
}
