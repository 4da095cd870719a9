package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/parley/internal/observability"
)

// ErrTransportClosed is returned for calls in flight when the transport
// shuts down, and for calls attempted afterwards.
var ErrTransportClosed = errors.New("mcp: transport closed")

// Transport moves JSON-RPC messages to and from one server.
//
// Implementations send a best-effort notifications/cancelled for a call
// whose context is cancelled while waiting, then return the context error.
type Transport interface {
	// Connect establishes the connection (spawns the child process for
	// stdio, verifies configuration for HTTP).
	Connect(ctx context.Context) error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Notifications yields server-initiated notifications. The channel is
	// buffered; messages are dropped with a warning when it is full.
	Notifications() <-chan *Notification

	// Done is closed when the transport stops serving: the child process
	// exited, or Close was called.
	Done() <-chan struct{}

	// Close shuts the transport down and releases its process or
	// connections. Safe to call more than once.
	Close() error
}

// NewTransport builds the transport selected by the server configuration.
func NewTransport(cfg *ServerConfig, logger *observability.Logger) Transport {
	if cfg.Transport == TransportHTTP {
		return NewHTTPTransport(cfg, logger)
	}
	return NewStdioTransport(cfg, logger)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return data, nil
}
