package storage

import (
	"database/sql"
	"time"

	apperrors "github.com/odvcencio/paddock/pkg/errors"
)

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatSession represents a conversation thread persisted in SQLite.
type ChatSession struct {
	ID           string    `json:"sessionId"`
	CreatedAt    time.Time `json:"createdAt"`
	MessageCount int       `json:"messageCount"`
}

// Message represents one transcript entry belonging to a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// EnsureSession creates the session row if absent. Calling it again with the
// same id is a no-op.
func (s *Store) EnsureSession(sessionID string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if sessionID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "session id cannot be empty")
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sessions (session_id, created_at) VALUES (?, ?)
	`, sessionID, time.Now().UTC())
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to ensure session")
	}
	return nil
}

// AppendMessage inserts a transcript entry with a server-assigned timestamp
// strictly greater than any prior message in the same session, so retrieval
// in timestamp order reconstructs insertion order even within one clock tick.
func (s *Store) AppendMessage(sessionID, role, model, content string) (*Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	// Retry on transient SQLITE_BUSY during concurrent appends.
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var msg *Message
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg, err = s.appendMessageOnce(sessionID, role, model, content)
		if err == nil {
			return msg, nil
		}
		if isBusyError(err) && attempt < maxRetries {
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
			continue
		}
		break
	}
	if _, ok := err.(*apperrors.Error); ok {
		return nil, err
	}
	return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to append message")
}

func (s *Store) appendMessageOnce(sessionID, role, model, content string) (*Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "session %q not found", sessionID)
	}

	ts := time.Now().UTC()
	var last sql.NullTime
	if err := tx.QueryRow(`
		SELECT MAX(timestamp) FROM messages WHERE session_id = ?
	`, sessionID).Scan(&last); err != nil {
		return nil, err
	}
	if last.Valid && !ts.After(last.Time) {
		ts = last.Time.Add(time.Microsecond)
	}

	res, err := tx.Exec(`
		INSERT INTO messages (session_id, role, model, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, role, model, content, ts)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Message{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Model:     model,
		Content:   content,
		Timestamp: ts,
	}, nil
}

// ListSessions returns all sessions, most recently created first, with their
// message counts.
func (s *Store) ListSessions() ([]ChatSession, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(`
		SELECT s.session_id, s.created_at, COUNT(m.id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.created_at DESC, s.session_id DESC
	`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to list sessions")
	}
	defer rows.Close()

	var sessions []ChatSession
	for rows.Next() {
		var sess ChatSession
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &sess.MessageCount); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetMessages returns the session transcript, oldest first.
func (s *Store) GetMessages(sessionID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to check session")
	}
	if exists == 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeNotFound, "session %q not found", sessionID)
	}

	rows, err := s.db.Query(`
		SELECT id, session_id, role, model, content, timestamp
		FROM messages WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to read messages")
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Model, &msg.Content, &msg.Timestamp); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to scan message")
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteSession removes the session and all its messages as one transaction,
// so no orphaned messages survive a partial failure.
func (s *Store) DeleteSession(sessionID string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to begin delete")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to delete messages")
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to delete session")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to read delete result")
	}
	if affected == 0 {
		return apperrors.Newf(apperrors.ErrCodeNotFound, "session %q not found", sessionID)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to commit delete")
	}
	return nil
}

// Clear wipes all users, sessions, messages, and quota counters. Used by the
// administrative bulk-clear operation.
func (s *Store) Clear() error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to begin clear")
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "sessions", "quota_counters", "users"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to clear "+table)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to commit clear")
	}
	return nil
}
