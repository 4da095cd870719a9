package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation log. Assistant messages may carry
// tool calls; tool messages carry the matching results.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	ToolCalls      []ToolCall       `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult     `json:"tool_results,omitempty"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// MessageMetadata records provenance and cost accounting for a message.
type MessageMetadata struct {
	Provider         string        `json:"provider,omitempty"`
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	TotalTokens      int           `json:"total_tokens,omitempty"`
	ResponseTime     time.Duration `json:"response_time,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool. Arguments hold the
// raw JSON string exactly as emitted by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ResultKind describes how a tool result payload should be interpreted.
type ResultKind string

const (
	ResultText ResultKind = "text"
	ResultJSON ResultKind = "json"
)

// ToolResult represents the output of a tool execution. Content is the
// payload exactly as fed back to the model; failed executions carry an
// Error and a serialized {"success":false,...} content.
type ToolResult struct {
	ToolCallID string        `json:"tool_call_id"`
	Name       string        `json:"name,omitempty"`
	Success    bool          `json:"success"`
	Kind       ResultKind    `json:"kind,omitempty"`
	Content    string        `json:"content"`
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
}

// Usage accumulates token counts reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add merges another usage report into this one.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Conversation holds bookkeeping for one message log.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
