package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AutoStatus is the lifecycle state of an auto-investigation session.
type AutoStatus string

const (
	AutoRunning   AutoStatus = "running"
	AutoStopped   AutoStatus = "stopped"
	AutoCompleted AutoStatus = "completed"
)

// AutoSession tracks one bounded auto-investigation loop.
type AutoSession struct {
	ID             uint64     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Status         AutoStatus `json:"status"`
	QueryCount     int        `json:"query_count"`
	MaxQueries     int        `json:"max_queries"`
	StartedAt      time.Time  `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
}

// ErrSessionRunning is returned when a conversation already has a running
// auto session; the partial unique index enforces at most one.
var ErrSessionRunning = fmt.Errorf("auto session already running for conversation")

// CreateAutoSession starts a session in running state.
func (s *Store) CreateAutoSession(ctx context.Context, conversationID string, maxQueries int) (*AutoSession, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_sessions (conversation_id, status, query_count, max_queries, started_at)
		VALUES (?, 'running', 0, ?, ?)`, conversationID, maxQueries, now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrSessionRunning
		}
		return nil, fmt.Errorf("create auto session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &AutoSession{
		ID:             uint64(id),
		ConversationID: conversationID,
		Status:         AutoRunning,
		MaxQueries:     maxQueries,
		StartedAt:      now,
	}, nil
}

// GetAutoSession fetches a session by ID.
func (s *Store) GetAutoSession(ctx context.Context, id uint64) (*AutoSession, error) {
	return s.scanAutoSession(s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, status, query_count, max_queries, started_at, stopped_at
		FROM auto_sessions WHERE id = ?`, id))
}

// RunningAutoSession returns the running session for a conversation, or nil.
func (s *Store) RunningAutoSession(ctx context.Context, conversationID string) (*AutoSession, error) {
	sess, err := s.scanAutoSession(s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, status, query_count, max_queries, started_at, stopped_at
		FROM auto_sessions WHERE conversation_id = ? AND status = 'running'`, conversationID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// IncrementAutoQueryCount bumps query_count and returns the new value.
func (s *Store) IncrementAutoQueryCount(ctx context.Context, id uint64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE auto_sessions SET query_count = query_count + 1 WHERE id = ?
		RETURNING query_count`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment auto query count: %w", err)
	}
	return count, nil
}

// SetAutoStatus transitions a session out of running. stopped_at is recorded
// for both stopped and completed.
func (s *Store) SetAutoStatus(ctx context.Context, id uint64, status AutoStatus) error {
	var stoppedAt any
	if status != AutoRunning {
		stoppedAt = time.Now().UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE auto_sessions SET status = ?, stopped_at = ? WHERE id = ?`,
		string(status), stoppedAt, id)
	if err != nil {
		return fmt.Errorf("set auto status: %w", err)
	}
	return nil
}

// AutoSessionStatus reads just the status, used by the loop's stop check.
func (s *Store) AutoSessionStatus(ctx context.Context, id uint64) (AutoStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM auto_sessions WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return "", err
	}
	return AutoStatus(status), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAutoSession(row rowScanner) (*AutoSession, error) {
	var sess AutoSession
	var started int64
	var stopped sql.NullInt64
	err := row.Scan(&sess.ID, &sess.ConversationID, &sess.Status, &sess.QueryCount,
		&sess.MaxQueries, &started, &stopped)
	if err != nil {
		return nil, err
	}
	sess.StartedAt = time.Unix(0, started)
	if stopped.Valid {
		t := time.Unix(0, stopped.Int64)
		sess.StoppedAt = &t
	}
	return &sess, nil
}
