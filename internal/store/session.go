package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SessionState returns the learner's persisted conversation phase.
func (s *Store) SessionState(learnerID string) (SessionState, error) {
	var st SessionState
	var updated string
	err := s.db.QueryRow(`
		SELECT phase, current_task, turn_in_phase, updated_at
		FROM session_state WHERE learner_id = ?
	`, learnerID).Scan(&st.Phase, &st.CurrentTask, &st.TurnInPhase, &updated)
	if err == sql.ErrNoRows {
		return SessionState{}, fmt.Errorf("session %s: %w", learnerID, ErrNotFound)
	}
	if err != nil {
		return SessionState{}, fmt.Errorf("session %s: %w", learnerID, err)
	}
	st.UpdatedAt = parseTime(updated)
	return st, nil
}

// UpdateSessionState overwrites the learner's phase, task and
// turn counter with the FSM's decision for this turn.
func (s *Store) UpdateSessionState(learnerID, phase, currentTask string, turnInPhase int) error {
	res, err := s.db.Exec(`
		UPDATE session_state SET phase = ?, current_task = ?, turn_in_phase = ?, updated_at = ?
		WHERE learner_id = ?
	`, phase, currentTask, turnInPhase, time.Now().UTC().Format(time.RFC3339), learnerID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", learnerID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %s: %w", learnerID, ErrNotFound)
	}
	return nil
}
