package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/parley/internal/agent"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second

	// wsEventBuffer is the per-connection backpressure window. Chunks
	// beyond it are dropped for that client; lifecycle events queue.
	wsEventBuffer = 256

	frameHello = "gateway.hello"
	frameAck   = "gateway.ack"
	frameError = "gateway.error"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	// Loopback only; browsers on the same machine may connect from any
	// origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// command is one inbound client frame.
type command struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversationId"`
	Text           string `json:"text,omitempty"`
	Agent          string `json:"agent,omitempty"`
}

// helloFrame greets each new client with the runtime identity and the
// configured UI preferences, so frontends apply the user's theme without
// reading the config file themselves. Always the first frame sent.
type helloFrame struct {
	Type       string `json:"type"`
	Version    string `json:"version,omitempty"`
	Theme      string `json:"theme,omitempty"`
	EditorMode string `json:"editorMode,omitempty"`
}

// ackFrame confirms an accepted command.
type ackFrame struct {
	Type           string `json:"type"`
	Op             string `json:"op"`
	ConversationID string `json:"conversationId,omitempty"`
	Cancelled      *bool  `json:"cancelled,omitempty"`
}

// errorFrame reports a rejected command.
type errorFrame struct {
	Type           string `json:"type"`
	Op             string `json:"op,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error"`
}

// wsConn is one WebSocket client. Turn events arrive through its
// backpressure sink; command replies go through the send channel. A
// single write loop serializes both onto the wire.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	sink   *agent.BackpressureSink
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		server: s,
		conn:   conn,
		sink:   agent.NewBackpressureSink(wsEventBuffer),
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	// Queued before register so no turn event can precede it.
	c.enqueue(helloFrame{
		Type:       frameHello,
		Version:    s.config.Version,
		Theme:      s.config.Theme,
		EditorMode: s.config.EditorMode,
	})
	s.register(c)
	c.run()
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.server.unregister(c)
	c.cancel()
	c.sink.Close()
	_ = c.conn.Close()
}

// shutdown is the server-initiated close; the read loop unblocks and
// the normal cleanup path runs.
func (c *wsConn) shutdown() {
	deadline := time.Now().Add(wsWriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendError("", "", fmt.Sprintf("invalid frame: %v", err))
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *wsConn) handleCommand(cmd command) {
	orch := c.server.orchestrator()
	if orch == nil {
		c.sendError(cmd.Op, cmd.ConversationID, "gateway is not ready")
		return
	}
	switch cmd.Op {
	case "send":
		if strings.TrimSpace(cmd.Text) == "" {
			c.sendError(cmd.Op, cmd.ConversationID, "text is required")
			return
		}
		if strings.TrimSpace(cmd.ConversationID) == "" {
			c.sendError(cmd.Op, cmd.ConversationID, "conversationId is required")
			return
		}
		c.enqueue(ackFrame{Type: frameAck, Op: cmd.Op, ConversationID: cmd.ConversationID})
		// The turn outlives the connection: it persists to the store
		// and other clients may be watching the event stream.
		go func() {
			var opts []agent.TurnOption
			if cmd.Agent != "" {
				opts = append(opts, agent.WithAgent(cmd.Agent))
			}
			if _, err := orch.SendTurn(context.Background(), cmd.ConversationID, cmd.Text, opts...); err != nil {
				c.sendError(cmd.Op, cmd.ConversationID, err.Error())
			}
		}()
	case "cancel":
		if strings.TrimSpace(cmd.ConversationID) == "" {
			c.sendError(cmd.Op, cmd.ConversationID, "conversationId is required")
			return
		}
		cancelled := orch.Cancel(cmd.ConversationID)
		c.enqueue(ackFrame{Type: frameAck, Op: cmd.Op, ConversationID: cmd.ConversationID, Cancelled: &cancelled})
	default:
		c.sendError(cmd.Op, cmd.ConversationID, fmt.Sprintf("unknown op %q", cmd.Op))
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case event, ok := <-c.sink.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if !c.write(data) {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.server.logger.Debug(c.ctx, "gateway write failed", "error", err)
		return false
	}
	return true
}

func (c *wsConn) sendError(op, conversationID, message string) {
	c.enqueue(errorFrame{Type: frameError, Op: op, ConversationID: conversationID, Error: message})
}

func (c *wsConn) enqueue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.logger.Warn(c.ctx, "gateway send buffer full, dropping frame")
	}
}
