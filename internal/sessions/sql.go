package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatline/internal/storage"
	"github.com/haasonsaas/chatline/pkg/models"
)

// SQLStore implements Store on SQLite or Postgres. Message parts are stored
// as a JSON document per message; ordering is kept by a per-conversation seq.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore creates a store over an opened, migrated database.
func NewSQLStore(db *storage.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return fmt.Errorf("conversation is required")
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	conv.UpdatedAt = conv.CreatedAt

	metadata, err := marshalMetadata(conv.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO conversations (id, title, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), conv.ID, conv.Title, metadata, conv.CreatedAt.UTC(), conv.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, title, metadata, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`), id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, opts ListOptions) ([]*models.Conversation, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, title, metadata, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM messages WHERE conversation_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM confirmations WHERE conversation_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete confirmations: %w", err)
	}
	result, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLStore) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	parts, metadata, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ConversationID = conversationID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.touch(ctx, tx, conversationID); err != nil {
		return err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?
	`), conversationID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read message sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (id, conversation_id, seq, role, parts, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, conversationID, seq+1, string(msg.Role), parts, metadata, msg.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ReplaceLastMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	parts, metadata, err := marshalMessage(msg)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.touch(ctx, tx, conversationID); err != nil {
		return err
	}

	var lastID string
	err = tx.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`), conversationID).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && lastID != msg.ID) {
		return ErrNotLastMessage
	}
	if err != nil {
		return fmt.Errorf("failed to read last message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE messages
		SET role = ?, parts = ?, metadata = ?
		WHERE id = ?
	`), string(msg.Role), parts, metadata, msg.ID); err != nil {
		return fmt.Errorf("failed to replace message: %w", err)
	}
	msg.ConversationID = conversationID
	return tx.Commit()
}

func (s *SQLStore) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if err := s.exists(ctx, conversationID); err != nil {
		return nil, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, s.db.Rebind(`
			SELECT id, conversation_id, role, parts, metadata, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		`), conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.db.Rebind(`
			SELECT id, conversation_id, role, parts, metadata, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY seq ASC
		`), conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *SQLStore) SaveConfirmation(ctx context.Context, c *models.Confirmation) error {
	if c == nil || c.ToolCallID == "" {
		return fmt.Errorf("confirmation with tool call id is required")
	}
	if err := s.exists(ctx, c.ConversationID); err != nil {
		return err
	}
	if c.DecidedAt.IsZero() {
		c.DecidedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO confirmations (conversation_id, tool_call_id, message_id, approved, decided_by, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, tool_call_id) DO UPDATE
		SET message_id = excluded.message_id,
			approved = excluded.approved,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at
	`), c.ConversationID, c.ToolCallID, c.MessageID, c.Approved, c.DecidedBy, c.DecidedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save confirmation: %w", err)
	}
	return nil
}

func (s *SQLStore) Confirmations(ctx context.Context, conversationID string) (map[string]models.Confirmation, error) {
	if err := s.exists(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT tool_call_id, message_id, approved, decided_by, decided_at
		FROM confirmations
		WHERE conversation_id = ?
	`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmations: %w", err)
	}
	defer rows.Close()

	out := map[string]models.Confirmation{}
	for rows.Next() {
		c := models.Confirmation{ConversationID: conversationID}
		if err := rows.Scan(&c.ToolCallID, &c.MessageID, &c.Approved, &c.DecidedBy, &c.DecidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan confirmation: %w", err)
		}
		out[c.ToolCallID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating confirmations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) exists(ctx context.Context, conversationID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT 1 FROM conversations WHERE id = ?`), conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	return nil
}

// touch bumps updated_at and reports ErrNotFound for unknown conversations.
func (s *SQLStore) touch(ctx context.Context, tx *sql.Tx, conversationID string) error {
	result, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`), time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv     models.Conversation
		metadata sql.NullString
	)
	if err := row.Scan(&conv.ID, &conv.Title, &metadata, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &conv, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg      models.Message
		role     string
		parts    string
		metadata sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &parts, &metadata, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parts: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &msg, nil
}

func marshalMessage(msg *models.Message) (string, sql.NullString, error) {
	parts := msg.Parts
	if parts == nil {
		parts = []models.Part{}
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("failed to marshal parts: %w", err)
	}
	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return "", sql.NullString{}, err
	}
	return string(data), metadata, nil
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
