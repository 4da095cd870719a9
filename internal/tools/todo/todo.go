// Package todo provides the todo_read and todo_write built-ins: a small
// per-conversation task list the model uses to plan multi-step work. The
// list lives in memory and is scoped by conversation ID.
package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/haasonsaas/parley/internal/tools"
)

// Item is one todo entry.
type Item struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Store keeps one list per conversation.
type Store struct {
	mu    sync.RWMutex
	lists map[string][]Item
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{lists: make(map[string][]Item)}
}

// Get returns a copy of the conversation's list.
func (s *Store) Get(conversationID string) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.lists[conversationID]
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

// Replace swaps in a new list, assigning positional IDs to items that have
// none, and returns the stored list.
func (s *Store) Replace(conversationID string, items []Item) []Item {
	stored := make([]Item, len(items))
	copy(stored, items)
	for i := range stored {
		if stored[i].ID == "" {
			stored[i].ID = strconv.Itoa(i + 1)
		}
	}

	s.mu.Lock()
	s.lists[conversationID] = stored
	s.mu.Unlock()

	out := make([]Item, len(stored))
	copy(out, stored)
	return out
}

// Clear drops the conversation's list.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	delete(s.lists, conversationID)
	s.mu.Unlock()
}

// conversationKey scopes the list. Calls without an execution context share
// a scratch list, which is what direct invocations in tests want.
func conversationKey(ctx context.Context) string {
	return tools.ExecContextFrom(ctx).ConversationID
}

// ReadTool implements todo_read.
type ReadTool struct {
	store *Store
}

// NewReadTool creates the todo_read tool over a shared store.
func NewReadTool(store *Store) *ReadTool {
	return &ReadTool{store: store}
}

// Name returns the tool name.
func (t *ReadTool) Name() string {
	return "todo_read"
}

// Description returns the tool description.
func (t *ReadTool) Description() string {
	return "Read the current todo list for this conversation."
}

// Schema returns the JSON schema for the tool parameters.
func (t *ReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

// Execute returns the list.
func (t *ReadTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	items := t.store.Get(conversationKey(ctx))
	return tools.JSON(map[string]interface{}{
		"todos": items,
		"count": len(items),
	}), nil
}

// WriteTool implements todo_write. A write replaces the whole list, so the
// model re-sends every item it wants to keep.
type WriteTool struct {
	store *Store
}

// NewWriteTool creates the todo_write tool over a shared store.
func NewWriteTool(store *Store) *WriteTool {
	return &WriteTool{store: store}
}

// Name returns the tool name.
func (t *WriteTool) Name() string {
	return "todo_write"
}

// Description returns the tool description.
func (t *WriteTool) Description() string {
	return "Replace the conversation's todo list. Send the complete list; omitted items are dropped."
}

// Schema returns the JSON schema for the tool parameters.
func (t *WriteTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"todos": map[string]interface{}{
				"type":        "array",
				"description": "The complete todo list.",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"id": map[string]interface{}{
							"type":        "string",
							"description": "Stable identifier; assigned when omitted.",
						},
						"text": map[string]interface{}{
							"type":        "string",
							"description": "What needs doing.",
						},
						"done": map[string]interface{}{
							"type":        "boolean",
							"description": "Whether the item is finished.",
						},
					},
					"required": []string{"text"},
				},
			},
		},
		"required": []string{"todos"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute replaces the list.
func (t *WriteTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Todos []Item `json:"todos"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	for i, item := range input.Todos {
		if item.Text == "" {
			return tools.Errorf("todo %d: text is required", i+1), nil
		}
	}

	stored := t.store.Replace(conversationKey(ctx), input.Todos)
	done := 0
	for _, item := range stored {
		if item.Done {
			done++
		}
	}
	return tools.JSON(map[string]interface{}{
		"todos":   stored,
		"count":   len(stored),
		"summary": fmt.Sprintf("%d item(s), %d done", len(stored), done),
	}), nil
}
