// Package gateway exposes the agent runtime over a localhost WebSocket.
// Every turn event is pushed to every connected client; inbound frames
// carry send and cancel commands. The endpoint is unauthenticated and
// therefore refuses to bind anything but loopback.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// DefaultAddr is the gateway's default listen address.
const DefaultAddr = "127.0.0.1:7777"

// Orchestrator is the slice of the agent runtime the gateway drives.
type Orchestrator interface {
	SendTurn(ctx context.Context, conversationID, text string, opts ...agent.TurnOption) (*models.TurnOutcome, error)
	Cancel(conversationID string) bool
}

// Config carries the gateway listen settings and the metadata advertised
// to clients in the hello frame.
type Config struct {
	// Addr is the listen address; it must resolve to a loopback IP.
	Addr string

	// Version is the runtime version reported to connecting clients.
	Version string

	// Theme and EditorMode are the configured UI preferences. The
	// gateway hands them to frontends on connect; it does not interpret
	// them.
	Theme      string
	EditorMode string
}

// Server serves the /ws endpoint and fans turn events out to every
// connected client. It implements agent.Sink so it can be handed to
// the orchestrator as its event sink; since the orchestrator in turn
// needs the sink at construction, the orchestrator may be attached
// after NewServer but must be in place before Start.
type Server struct {
	logger *observability.Logger
	config Config

	mu    sync.RWMutex
	orch  Orchestrator
	conns map[*wsConn]struct{}

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a gateway. orch may be nil if Attach is called
// before Start.
func NewServer(cfg Config, orch Orchestrator, logger *observability.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Server{
		orch:   orch,
		logger: logger,
		config: cfg,
		conns:  make(map[*wsConn]struct{}),
	}
}

// Attach sets the orchestrator commands are dispatched to.
func (s *Server) Attach(orch Orchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orch = orch
}

func (s *Server) orchestrator() Orchestrator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orch
}

// Emit delivers one turn event to every connection. Implements
// agent.Sink; each connection applies its own backpressure, so a slow
// client only loses its own chunks.
func (s *Server) Emit(ctx context.Context, event models.TurnEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.conns {
		conn.sink.Emit(ctx, event)
	}
}

// Handler returns the HTTP handler serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start begins listening. It returns once the listener is bound; serve
// errors after that are logged.
func (s *Server) Start(ctx context.Context) error {
	if err := requireLoopback(s.config.Addr); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	server := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "gateway server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes the listener and every live connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.shutdown()
	}

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

func (s *Server) register(conn *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) unregister(conn *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// ConnectionCount reports the number of live WebSocket clients.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// requireLoopback rejects listen addresses that would expose the
// unauthenticated endpoint beyond the local machine.
func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("gateway addr %q: %w", addr, err)
	}
	switch host {
	case "localhost", "":
		if host == "" {
			return fmt.Errorf("gateway addr %q binds all interfaces; the endpoint is unauthenticated and must stay on loopback", addr)
		}
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("gateway addr %q: host is not an IP or localhost", addr)
	}
	if !ip.IsLoopback() {
		return fmt.Errorf("gateway addr %q is not loopback; the endpoint is unauthenticated and must stay on loopback", addr)
	}
	return nil
}
