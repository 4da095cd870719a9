package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/parley/internal/observability"
)

// Manager owns the configured MCP servers and one client per server.
type Manager struct {
	servers []*ServerConfig
	logger  *observability.Logger

	// ToolSync, when set before StartAll, runs with a server id after that
	// server re-discovers its listings so bridged tools can be rebuilt.
	ToolSync func(serverID string)

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager creates a manager for the given server configurations.
func NewManager(servers []*ServerConfig, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Manager{
		servers: servers,
		logger:  logger.WithFields("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// StartAll connects every configured server. A server that fails to
// validate or connect is logged and skipped; the rest still come up.
func (m *Manager) StartAll(ctx context.Context) {
	for _, cfg := range m.servers {
		if err := m.Connect(ctx, cfg.ID); err != nil {
			m.logger.Error(ctx, "mcp server failed to start", "server", cfg.ID, "error", err)
		}
	}
}

// StopAll disconnects every client. Stdio children receive SIGTERM and
// are killed after the grace period if they ignore it.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Config().ID, err))
		}
	}
	return errors.Join(errs...)
}

// Connect brings up one server by id, validating its configuration first.
// Connecting an already-ready server is a no-op.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	cfg := m.findConfig(serverID)
	if cfg == nil {
		return fmt.Errorf("mcp server %q is not configured", serverID)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	client, ok := m.clients[serverID]
	if !ok {
		client = NewClient(cfg, m.logger)
		if m.ToolSync != nil {
			hook := m.ToolSync
			client.onRefreshed = func() { hook(serverID) }
		}
		m.clients[serverID] = client
	}
	m.mu.Unlock()

	if client.State() == StateReady {
		return nil
	}
	return client.Connect(ctx)
}

// Disconnect tears down one server by id. Unknown ids are a no-op.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	client, ok := m.clients[serverID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return client.Close()
}

// Client returns the client for a server id.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[serverID]
	return client, ok
}

// AllTools returns the discovered tools of every ready server.
func (m *Manager) AllTools() map[string][]ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]ToolInfo)
	for id, client := range m.clients {
		if client.State() != StateReady {
			continue
		}
		if tools := client.Tools(); len(tools) > 0 {
			result[id] = tools
		}
	}
	return result
}

// CallTool executes a tool on a specific server.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, arguments json.RawMessage) (*ToolCallResult, error) {
	client, ok := m.Client(serverID)
	if !ok {
		return nil, fmt.Errorf("mcp server %q is not connected", serverID)
	}
	return client.CallTool(ctx, toolName, arguments)
}

// ReadResource reads a resource from a specific server.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) ([]ResourceContent, error) {
	client, ok := m.Client(serverID)
	if !ok {
		return nil, fmt.Errorf("mcp server %q is not connected", serverID)
	}
	return client.ReadResource(ctx, uri)
}

// ServerStatus is a point-in-time snapshot of one configured server.
type ServerStatus struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Transport TransportKind `json:"transport"`
	State     State         `json:"state"`
	Server    ServerInfo    `json:"server,omitempty"`
	Tools     int           `json:"tools"`
	Resources int           `json:"resources"`
	Prompts   int           `json:"prompts"`
}

// Status reports every configured server in configuration order, whether
// or not it has ever been connected.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, cfg := range m.servers {
		kind := cfg.Transport
		if kind == "" {
			kind = TransportStdio
		}
		status := ServerStatus{
			ID:        cfg.ID,
			Name:      cfg.Name,
			Transport: kind,
			State:     StateIdle,
		}
		if client, ok := m.clients[cfg.ID]; ok {
			status.State = client.State()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
			status.Resources = len(client.Resources())
			status.Prompts = len(client.Prompts())
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func (m *Manager) findConfig(serverID string) *ServerConfig {
	for _, cfg := range m.servers {
		if cfg.ID == serverID {
			return cfg
		}
	}
	return nil
}
