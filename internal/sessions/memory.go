package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatline/pkg/models"
)

// maxMessagesPerConversation limits messages stored per conversation to
// prevent unbounded memory growth. Old messages are trimmed past the limit.
const maxMessagesPerConversation = 1000

// MemoryStore provides an in-memory Store implementation for testing and local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	confirmations map[string]map[string]models.Confirmation
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]*models.Conversation{},
		messages:      map[string][]*models.Message{},
		confirmations: map[string]map[string]models.Confirmation{},
	}
}

func (m *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("conversation is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneConversation(conv)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := m.conversations[clone.ID]; exists {
		return errors.New("conversation already exists")
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
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (m *MemoryStore) ListConversations(ctx context.Context, opts ListOptions) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		out = append(out, cloneConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
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

func (m *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	delete(m.confirmations, id)
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	clone := msg.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.ConversationID = conversationID
	msg.ID = clone.ID
	msg.ConversationID = conversationID
	msg.CreatedAt = clone.CreatedAt

	m.messages[conversationID] = append(m.messages[conversationID], clone)
	if len(m.messages[conversationID]) > maxMessagesPerConversation {
		excess := len(m.messages[conversationID]) - maxMessagesPerConversation
		m.messages[conversationID] = m.messages[conversationID][excess:]
	}
	conv.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ReplaceLastMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	msgs := m.messages[conversationID]
	if len(msgs) == 0 || msgs[len(msgs)-1].ID != msg.ID {
		return ErrNotLastMessage
	}
	clone := msg.Clone()
	clone.ConversationID = conversationID
	clone.CreatedAt = msgs[len(msgs)-1].CreatedAt
	msgs[len(msgs)-1] = clone
	conv.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Clone())
	}
	return out, nil
}

func (m *MemoryStore) SaveConfirmation(ctx context.Context, c *models.Confirmation) error {
	if c == nil || c.ToolCallID == "" {
		return errors.New("confirmation with tool call id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[c.ConversationID]; !ok {
		return ErrNotFound
	}
	stored := *c
	if stored.DecidedAt.IsZero() {
		stored.DecidedAt = time.Now()
	}
	byCall, ok := m.confirmations[c.ConversationID]
	if !ok {
		byCall = map[string]models.Confirmation{}
		m.confirmations[c.ConversationID] = byCall
	}
	byCall[c.ToolCallID] = stored
	return nil
}

func (m *MemoryStore) Confirmations(ctx context.Context, conversationID string) (map[string]models.Confirmation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]models.Confirmation, len(m.confirmations[conversationID]))
	for id, c := range m.confirmations[conversationID] {
		out[id] = c
	}
	return out, nil
}

func cloneConversation(conv *models.Conversation) *models.Conversation {
	if conv == nil {
		return nil
	}
	clone := *conv
	if conv.Metadata != nil {
		clone.Metadata = make(map[string]any, len(conv.Metadata))
		for k, v := range conv.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
