package conversations

import (
	"context"
	"errors"

	"github.com/haasonsaas/parley/pkg/models"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Store is the interface for conversation persistence.
//
// Implementations must return deep-copied snapshots: mutating a returned
// conversation or message must never affect stored state.
type Store interface {
	// Conversation CRUD
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*models.Conversation, error)

	// EnsureConversation returns the conversation with the given ID,
	// creating an empty one when it does not exist yet.
	EnsureConversation(ctx context.Context, id string, agentID string) (*models.Conversation, error)

	// Message history
	Append(ctx context.Context, conversationID string, msg *models.Message) error
	History(ctx context.Context, conversationID string) ([]*models.Message, error)
}

// ListOptions configures conversation listing.
type ListOptions struct {
	AgentID string
	Limit   int
	Offset  int
}
