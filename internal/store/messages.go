package store

import (
	"fmt"
	"time"
)

// AppendMessage appends one history entry and, in the same
// transaction, bumps the memory counter and refreshes the learner's
// last-seen timestamp. Returns the record with its assigned id.
func (s *Store) AppendMessage(learnerID string, role Role, source Source, content string) (Message, error) {
	if err := s.EnsureLearner(learnerID, ""); err != nil {
		return Message{}, err
	}
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO messages (learner_id, role, source, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, learnerID, string(role), string(source), content, nowStr)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE learner_memory SET messages_since_summary = messages_since_summary + 1, updated_at = ?
		WHERE learner_id = ?
	`, nowStr, learnerID); err != nil {
		return Message{}, fmt.Errorf("bump memory counter: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE learners SET last_seen_at = ? WHERE learner_id = ?
	`, nowStr, learnerID); err != nil {
		return Message{}, fmt.Errorf("touch learner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit: %w", err)
	}

	return Message{
		ID:        id,
		LearnerID: learnerID,
		Role:      role,
		Source:    source,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// RecentMessages returns the last limit messages for a learner,
// oldest first.
func (s *Store) RecentMessages(learnerID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, learner_id, role, source, content, created_at
		FROM messages WHERE learner_id = ?
		ORDER BY id DESC LIMIT ?
	`, learnerID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages %s: %w", learnerID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role, source, created string
		if err := rows.Scan(&m.ID, &m.LearnerID, &role, &source, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.Source = Source(source)
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Query returns newest-first; callers want chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
