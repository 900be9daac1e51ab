package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/routepilot/routepilot/internal/routepilot"
)

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *routepilot.Session) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, user_ref, agent_name, policy_name)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.CreatedAt.UTC().Format(time.RFC3339Nano), sess.UserRef, sess.AgentName, sess.PolicyName,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert session: %w", err)
	}
	return nil
}

// GetSession reads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*routepilot.Session, error) {
	var sess routepilot.Session
	var createdAt string
	err := s.read.QueryRowContext(ctx, `
		SELECT id, created_at, user_ref, agent_name, policy_name FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &createdAt, &sess.UserRef, &sess.AgentName, &sess.PolicyName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: session %q: %w", id, errSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get session: %w", err)
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("sqlite: parse session created_at: %w", err)
	}
	return &sess, nil
}

// InsertMessage appends one message to a session's history.
func (s *Store) InsertMessage(ctx context.Context, m *routepilot.Message) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, ts) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Role), m.Content, m.TS.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit most recent messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*routepilot.Message, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT id, session_id, role, content, ts FROM messages
		WHERE session_id = ? ORDER BY ts DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent messages query: %w", err)
	}
	defer rows.Close()

	var out []*routepilot.Message
	for rows.Next() {
		var m routepilot.Message
		var role, ts string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.Role = routepilot.MessageRole(role)
		if m.TS, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("sqlite: parse message ts: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest-first (for LIMIT to keep the most recent N);
	// reverse into chronological order for the caller.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastReceiptID returns the most recent receipt id with task_id ==
// sessionID, or "" if none.
func (s *Store) LastReceiptID(ctx context.Context, sessionID string) (string, error) {
	var id string
	err := s.read.QueryRowContext(ctx,
		`SELECT id FROM receipts WHERE task_id = ? ORDER BY ts DESC LIMIT 1`, sessionID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: last receipt id: %w", err)
	}
	return id, nil
}
