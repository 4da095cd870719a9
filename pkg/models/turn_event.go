// Package models provides domain types for the Parley agent runtime.
package models

import (
	"time"
)

// TurnEvent is the unified event model for one user turn. It provides a
// single stream that drives terminal rendering, the WebSocket gateway, and
// logging.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type TurnEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type TurnEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a turn for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// ConversationID identifies the conversation the turn belongs to.
	ConversationID string `json:"conversation_id,omitempty"`

	// TurnID identifies the turn (one SendTurn call).
	TurnID string `json:"turn_id,omitempty"`

	// Round is the 0-based model round within the turn.
	Round int `json:"round,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Chunk *ChunkPayload `json:"chunk,omitempty"`
	Tool  *ToolPayload  `json:"tool,omitempty"`
	Final *FinalPayload `json:"final,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
}

// TurnEventType identifies the kind of turn event.
type TurnEventType string

const (
	// Turn lifecycle
	EventTurnStart     TurnEventType = "turn.start"
	EventTurnFinal     TurnEventType = "turn.final"
	EventTurnError     TurnEventType = "turn.error"
	EventTurnCancelled TurnEventType = "turn.cancelled"

	// Model streaming
	EventChunk TurnEventType = "chunk"

	// Tool execution
	EventToolStart TurnEventType = "tool.start"
	EventToolEnd   TurnEventType = "tool.end"

	// Boundary between model rounds within one turn
	EventRoundBoundary TurnEventType = "round.boundary"
)

// ChunkPayload carries one streamed text fragment.
type ChunkPayload struct {
	Text string `json:"text"`
}

// ToolPayload describes a tool invocation start or completion.
type ToolPayload struct {
	// CallID identifies this specific tool invocation.
	CallID string `json:"call_id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the raw JSON argument object (start events).
	Arguments []byte `json:"arguments,omitempty"`

	// For end events:
	Success bool          `json:"success,omitempty"`
	Result  string        `json:"result,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// FinalPayload carries the complete assistant message of a finished turn.
type FinalPayload struct {
	Message *Message `json:"message"`
	Rounds  int      `json:"rounds"`
	Usage   Usage    `json:"usage"`
}

// ErrorPayload standardizes turn failures for sinks.
type ErrorPayload struct {
	// Kind is the error taxonomy bucket (configuration, authentication,
	// upstream-unavailable, rate-limited, model-protocol,
	// round-limit-exceeded).
	Kind string `json:"kind"`

	// Detail is the human-readable description.
	Detail string `json:"detail"`

	// LastText preserves the last assistant text emitted before the
	// failure, when any (round-limit-exceeded errors attach it).
	LastText string `json:"last_text,omitempty"`

	// Err is the original error (runtime only, not serialized).
	Err error `json:"-"`
}

// TurnStatus is the terminal state of a turn.
type TurnStatus string

const (
	TurnFinal     TurnStatus = "final"
	TurnFailed    TurnStatus = "failed"
	TurnCancelled TurnStatus = "cancelled"
)

// TurnOutcome summarizes one completed SendTurn call.
type TurnOutcome struct {
	TurnID         string     `json:"turn_id"`
	ConversationID string     `json:"conversation_id"`
	Status         TurnStatus `json:"status"`
	Message        *Message   `json:"message,omitempty"`
	Rounds         int        `json:"rounds"`
	Usage          Usage      `json:"usage"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	ErrorDetail    string     `json:"error_detail,omitempty"`
}
