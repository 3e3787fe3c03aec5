package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertConversation creates the conversation row if it does not exist. The
// title is set on first insert and kept on later turns; only an empty title
// is ever overwritten.
func (s *Store) UpsertConversation(ctx context.Context, conv *Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.clk.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, type, title, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			title = CASE WHEN conversations.title = '' THEN excluded.title ELSE conversations.title END`,
		conv.ID, conv.UserID, conv.Type, conv.Title, conv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", conv.ID, err)
	}
	return nil
}

// GetConversation returns a conversation by id, or nil.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, type, title, created_at FROM conversations WHERE id = ?", id)
	var conv Conversation
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Type, &conv.Title, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &conv, nil
}

// SeenConversationEvent records (conversation, kind, event) and reports
// whether it was already recorded. A true return means the event is a
// duplicate and the caller must skip its side effect. First-writer-wins via
// INSERT OR IGNORE.
func (s *Store) SeenConversationEvent(ctx context.Context, conversationID, kind, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_events (conversation_id, kind, event_id, created_at)
		VALUES (?, ?, ?, ?)`,
		conversationID, kind, eventID, s.clk.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record conversation event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read event rowcount: %w", err)
	}
	return n == 0, nil
}
