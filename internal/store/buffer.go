package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Turn is one entry in the rolling conversation buffer: the raw
// material for the sliding context window passed to a tier. Turns are
// local working state; durability across devices comes from memories.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// AppendTurn adds a turn to a conversation's buffer.
func (s *Store) AppendTurn(conversationID, role, content string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate turn id: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO conversation_turns (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), conversationID, role, content, mustFmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Window returns the most recent n whole turns of a conversation in
// chronological order. The window is trimmed at entry boundaries,
// never mid-entry.
func (s *Store) Window(conversationID string, n int) ([]*Turn, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, created_at
		FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}
	defer rows.Close()

	var reversed []*Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		reversed = append(reversed, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Turn, len(reversed))
	for i, t := range reversed {
		out[len(reversed)-1-i] = t
	}
	return out, nil
}

// TrimConversation drops everything but the newest keep turns of a
// conversation.
func (s *Store) TrimConversation(conversationID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.db.Exec(`
		DELETE FROM conversation_turns
		WHERE conversation_id = ?
		AND id NOT IN (
			SELECT id FROM conversation_turns
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
	`, conversationID, conversationID, keep)
	if err != nil {
		return fmt.Errorf("trim conversation: %w", err)
	}
	return nil
}
