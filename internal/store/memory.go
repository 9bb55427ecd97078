package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Memory returns the learner's rolling summary and the count of
// messages accumulated since it was last refreshed.
func (s *Store) Memory(learnerID string) (Memory, error) {
	var m Memory
	var updated string
	err := s.db.QueryRow(`
		SELECT summary, messages_since_summary, updated_at
		FROM learner_memory WHERE learner_id = ?
	`, learnerID).Scan(&m.Summary, &m.MessagesSinceSummary, &updated)
	if err == sql.ErrNoRows {
		return Memory{}, fmt.Errorf("memory %s: %w", learnerID, ErrNotFound)
	}
	if err != nil {
		return Memory{}, fmt.Errorf("memory %s: %w", learnerID, err)
	}
	m.UpdatedAt = parseTime(updated)
	return m, nil
}

// SetSummary replaces the rolling summary and resets the
// messages-since-summary counter to zero. The counter is only ever
// reset here, never decremented.
func (s *Store) SetSummary(learnerID, summary string) error {
	res, err := s.db.Exec(`
		UPDATE learner_memory SET summary = ?, messages_since_summary = 0, updated_at = ?
		WHERE learner_id = ?
	`, summary, time.Now().UTC().Format(time.RFC3339), learnerID)
	if err != nil {
		return fmt.Errorf("set summary %s: %w", learnerID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("set summary %s: %w", learnerID, ErrNotFound)
	}
	return nil
}

// AddVocabSighting upserts a (learner, term) aggregate: the seen count
// increments and the example sentence is replaced by the latest one.
// Terms are normalized to trimmed lowercase; empty terms are ignored.
func (s *Store) AddVocabSighting(learnerID, term, sourceSentence string) error {
	normalized := strings.ToLower(strings.TrimSpace(term))
	if normalized == "" {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO vocab_seen (learner_id, term, source_sentence, seen_count, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(learner_id, term) DO UPDATE SET
			seen_count = seen_count + 1,
			source_sentence = excluded.source_sentence,
			last_seen_at = excluded.last_seen_at
	`, learnerID, normalized, sourceSentence, now, now)
	if err != nil {
		return fmt.Errorf("vocab sighting %s/%s: %w", learnerID, normalized, err)
	}
	return nil
}

// VocabSeenCount returns the aggregate count for a (learner, term)
// pair, zero if never seen.
func (s *Store) VocabSeenCount(learnerID, term string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT seen_count FROM vocab_seen WHERE learner_id = ? AND term = ?
	`, learnerID, strings.ToLower(strings.TrimSpace(term))).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("vocab count %s/%s: %w", learnerID, term, err)
	}
	return count, nil
}

// AddMistake appends an inferred correction record.
func (s *Store) AddMistake(learnerID, category, inputText, correctionText string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("mistake id: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO mistakes (id, learner_id, category, input_text, correction_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), learnerID, category, inputText, correctionText, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("add mistake %s: %w", learnerID, err)
	}
	return nil
}

// RecentMistakes returns the learner's newest mistakes, most recent
// first.
func (s *Store) RecentMistakes(learnerID string, limit int) ([]Mistake, error) {
	rows, err := s.db.Query(`
		SELECT category, input_text, correction_text
		FROM mistakes WHERE learner_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, learnerID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent mistakes %s: %w", learnerID, err)
	}
	defer rows.Close()

	var out []Mistake
	for rows.Next() {
		var m Mistake
		if err := rows.Scan(&m.Category, &m.InputText, &m.CorrectionText); err != nil {
			return nil, fmt.Errorf("scan mistake: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mistakes: %w", err)
	}
	return out, nil
}
