package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation groups an ordered message log.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry in a conversation. Assistant messages carry the
// document IDs that grounded them.
type Message struct {
	ID             uint64    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Sources        []uint64  `json:"sources"`
	IsAuto         bool      `json:"is_auto"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateConversation creates a conversation and returns its ID.
func (s *Store) CreateConversation(ctx context.Context, title string) (string, error) {
	id := uuid.New().String()
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)`, id, title, now, now)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// GetConversation fetches one conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, created)
	c.UpdatedAt = time.Unix(0, updated)
	return &c, nil
}

// ListConversations returns conversations ordered by most recent activity.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(0, created)
		c.UpdatedAt = time.Unix(0, updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage inserts a message and bumps the conversation's updated_at in
// one transaction. created_at is forced strictly monotonic within the
// conversation so concurrent appends keep a total order.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string, sources []uint64, isAuto bool) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	msg, err := appendMessageTx(ctx, tx, conversationID, role, content, sources, isAuto)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

// AppendExchange persists a user question and the assistant answer in a
// single transaction; either both messages land or neither does.
func (s *Store) AppendExchange(ctx context.Context, conversationID, question, answer string, sources []uint64, isAuto bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin exchange: %w", err)
	}
	defer tx.Rollback()

	if _, err := appendMessageTx(ctx, tx, conversationID, "user", question, nil, isAuto); err != nil {
		return err
	}
	if _, err := appendMessageTx(ctx, tx, conversationID, "assistant", answer, sources, isAuto); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit exchange: %w", err)
	}
	return nil
}

// AppendAssistantMessage persists an assistant answer alone, for invocations
// whose user question is already in the conversation.
func (s *Store) AppendAssistantMessage(ctx context.Context, conversationID, answer string, sources []uint64, isAuto bool) error {
	_, err := s.AppendMessage(ctx, conversationID, "assistant", answer, sources, isAuto)
	return err
}

func appendMessageTx(ctx context.Context, tx *sql.Tx, conversationID, role, content string, sources []uint64, isAuto bool) (*Message, error) {
	if sources == nil {
		sources = []uint64{}
	}
	srcJSON, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("encode sources: %w", err)
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&last); err != nil {
		return nil, fmt.Errorf("read last message time: %w", err)
	}
	createdAt := time.Now().UnixNano()
	if last.Valid && createdAt <= last.Int64 {
		createdAt = last.Int64 + 1
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, sources, is_auto, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, role, content, string(srcJSON), boolToInt(isAuto), createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?`,
		createdAt, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	return &Message{
		ID:             uint64(msgID),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Sources:        sources,
		IsAuto:         isAuto,
		CreatedAt:      time.Unix(0, createdAt),
	}, nil
}

// GetMessages returns a conversation's messages ordered oldest first.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, sources, is_auto, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var srcJSON string
		var isAuto int
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &srcJSON, &isAuto, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(srcJSON), &m.Sources); err != nil || m.Sources == nil {
			m.Sources = []uint64{}
		}
		m.IsAuto = isAuto != 0
		m.CreatedAt = time.Unix(0, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastUserMessage returns the most recent user message of a conversation, or
// nil when the conversation has none.
func (s *Store) LastUserMessage(ctx context.Context, conversationID string) (*Message, error) {
	var m Message
	var srcJSON string
	var isAuto int
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, sources, is_auto, created_at
		FROM messages WHERE conversation_id = ? AND role = 'user'
		ORDER BY created_at DESC LIMIT 1`, conversationID).
		Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &srcJSON, &isAuto, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(srcJSON), &m.Sources); err != nil || m.Sources == nil {
		m.Sources = []uint64{}
	}
	m.IsAuto = isAuto != 0
	m.CreatedAt = time.Unix(0, created)
	return &m, nil
}

// UserQuestions returns all user message contents of a conversation, oldest
// first. The auto-investigator uses this to avoid re-asking questions.
func (s *Store) UserQuestions(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content FROM messages
		WHERE conversation_id = ? AND role = 'user'
		ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation; messages and auto sessions
// cascade in the same commit.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
