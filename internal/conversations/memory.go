package conversations

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// maxMessagesPerConversation limits messages stored per conversation to
// prevent unbounded memory growth. When exceeded, the oldest messages are
// trimmed.
const maxMessagesPerConversation = 1000

// MemoryStore provides an in-memory Store implementation for local runs and
// tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]*models.Conversation{},
		messages:      map[string][]*models.Message{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("conversation is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneConversation(conv)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	// Reflect generated fields back to caller.
	conv.ID = clone.ID
	conv.CreatedAt = clone.CreatedAt
	conv.UpdatedAt = clone.UpdatedAt
	m.conversations[clone.ID] = clone
	observability.ConversationsTotal.Set(float64(len(m.conversations)))
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	observability.ConversationsTotal.Set(float64(len(m.conversations)))
	return nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		if opts.AgentID != "" && conv.AgentID != opts.AgentID {
			continue
		}
		out = append(out, cloneConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.Conversation{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

func (m *MemoryStore) EnsureConversation(ctx context.Context, id string, agentID string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv, ok := m.conversations[id]; ok {
		return cloneConversation(conv), nil
	}

	now := time.Now()
	conv := &models.Conversation{
		ID:        id,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	m.conversations[conv.ID] = conv
	observability.ConversationsTotal.Set(float64(len(m.conversations)))
	return cloneConversation(conv), nil
}

func (m *MemoryStore) Append(ctx context.Context, conversationID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	clone := cloneMessage(msg)
	clone.ConversationID = conversationID
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	// Reflect generated fields back to caller.
	msg.ID = clone.ID
	msg.ConversationID = clone.ConversationID
	msg.CreatedAt = clone.CreatedAt

	m.messages[conversationID] = append(m.messages[conversationID], clone)

	// Trim oldest messages once the cap is exceeded.
	if len(m.messages[conversationID]) > maxMessagesPerConversation {
		excess := len(m.messages[conversationID]) - maxMessagesPerConversation
		m.messages[conversationID] = m.messages[conversationID][excess:]
	}

	conv.UpdatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) History(ctx context.Context, conversationID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	messages := m.messages[conversationID]
	out := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func cloneConversation(conv *models.Conversation) *models.Conversation {
	if conv == nil {
		return nil
	}
	clone := *conv
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if msg.Metadata != nil {
		meta := *msg.Metadata
		clone.Metadata = &meta
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			clone.ToolCalls[i] = tc
			clone.ToolCalls[i].Arguments = append([]byte(nil), tc.Arguments...)
		}
	}
	if len(msg.ToolResults) > 0 {
		clone.ToolResults = append([]models.ToolResult{}, msg.ToolResults...)
	}
	return &clone
}
