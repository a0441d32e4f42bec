// Package sessions persists conversations, their ordered message history and
// tool-call confirmations, and serializes turns per conversation.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/chatline/pkg/models"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("sessions: conversation not found")

	// ErrNotLastMessage is returned when a replacement does not target the
	// conversation's last message.
	ErrNotLastMessage = errors.New("sessions: message is not the last message")
)

// Store is the interface for conversation persistence.
//
// The message list is append-only; only the last message may be replaced,
// which is how tool results are spliced into an assistant message.
type Store interface {
	// Conversation CRUD
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, opts ListOptions) ([]*models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// Message history
	AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error
	ReplaceLastMessage(ctx context.Context, conversationID string, msg *models.Message) error
	History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)

	// Confirmations
	SaveConfirmation(ctx context.Context, c *models.Confirmation) error
	Confirmations(ctx context.Context, conversationID string) (map[string]models.Confirmation, error)
}

// ListOptions configures conversation listing.
type ListOptions struct {
	Limit  int
	Offset int
}
