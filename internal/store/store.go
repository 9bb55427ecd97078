// Package store persists all per-learner state for the tutor: profile,
// settings, session phase, message history, rolling memory, vocabulary
// sightings, mistakes, and a structured event log. It is a thin
// accessor layer over SQLite; all decision logic lives in the tutor
// package.
//
// Invariants: once EnsureLearner has run for an identity there is
// exactly one settings row, one session-state row, and one memory row
// for it. Message history is strictly append-only and ordered by id.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an accessor is invoked for an identity
// that was never initialized. Callers must run EnsureLearner (or any
// method that does) before reading.
var ErrNotFound = errors.New("learner not found")

// DefaultSettings are applied to new learners. Hosts may override via
// Options.Defaults.
var DefaultSettings = Settings{
	Mode:              ModeLesson,
	TargetLanguage:    "en",
	Level:             "A1",
	Goal:              "",
	Corrections:       CorrectionsLight,
	VoiceEnabled:      true,
	SendTextWithVoice: true,
	AllowGroups:       false,
}

// Options configures a Store.
type Options struct {
	// Defaults replaces DefaultSettings for newly created learners
	// when non-nil.
	Defaults *Settings
}

// Store manages tutor persistence. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db       *sql.DB
	defaults Settings
}

// NewStore opens (creating if needed) a tutor store at the given
// database path. The parent directory is created automatically.
func NewStore(dbPath string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := newStore(db, opts)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB creates a tutor store using an existing database
// connection. Used by tests and hosts that share one connection.
func NewStoreWithDB(db *sql.DB, opts Options) (*Store, error) {
	s := newStore(db, opts)
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func newStore(db *sql.DB, opts Options) *Store {
	defaults := DefaultSettings
	if opts.Defaults != nil {
		defaults = *opts.Defaults
	}
	return &Store{db: db, defaults: defaults}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS learners (
		learner_id   TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		last_seen_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS learner_settings (
		learner_id           TEXT PRIMARY KEY REFERENCES learners(learner_id),
		mode                 TEXT NOT NULL,
		target_language      TEXT NOT NULL,
		level                TEXT NOT NULL,
		goal                 TEXT NOT NULL DEFAULT '',
		corrections          TEXT NOT NULL,
		voice_enabled        INTEGER NOT NULL DEFAULT 1,
		send_text_with_voice INTEGER NOT NULL DEFAULT 1,
		allow_groups         INTEGER NOT NULL DEFAULT 0,
		updated_at           TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_state (
		learner_id    TEXT PRIMARY KEY REFERENCES learners(learner_id),
		phase         TEXT NOT NULL DEFAULT 'IDLE',
		current_task  TEXT NOT NULL DEFAULT '',
		turn_in_phase INTEGER NOT NULL DEFAULT 0,
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		learner_id TEXT NOT NULL REFERENCES learners(learner_id),
		role       TEXT NOT NULL,
		source     TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_learner ON messages(learner_id, id);

	CREATE TABLE IF NOT EXISTS learner_memory (
		learner_id             TEXT PRIMARY KEY REFERENCES learners(learner_id),
		summary                TEXT NOT NULL DEFAULT '',
		messages_since_summary INTEGER NOT NULL DEFAULT 0,
		updated_at             TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vocab_seen (
		learner_id      TEXT NOT NULL REFERENCES learners(learner_id),
		term            TEXT NOT NULL,
		source_sentence TEXT NOT NULL DEFAULT '',
		seen_count      INTEGER NOT NULL DEFAULT 1,
		first_seen_at   TEXT NOT NULL,
		last_seen_at    TEXT NOT NULL,
		PRIMARY KEY (learner_id, term)
	);

	CREATE TABLE IF NOT EXISTS mistakes (
		id              TEXT PRIMARY KEY,
		learner_id      TEXT NOT NULL REFERENCES learners(learner_id),
		category        TEXT NOT NULL DEFAULT 'general',
		input_text      TEXT NOT NULL,
		correction_text TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mistakes_learner ON mistakes(learner_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS event_logs (
		id         TEXT PRIMARY KEY,
		learner_id TEXT,
		level      TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload    TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);
	`)
	return err
}

// EnsureLearner upserts the learner row plus its settings, session and
// memory rows. Safe to call on every contact; existing rows keep their
// values, last-seen is refreshed, and a non-empty display name
// replaces a previously empty one.
func (s *Store) EnsureLearner(learnerID, displayName string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO learners (learner_id, display_name, created_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(learner_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE learners.display_name END,
			last_seen_at = excluded.last_seen_at
	`, learnerID, displayName, now, now); err != nil {
		return fmt.Errorf("upsert learner: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO learner_settings
		(learner_id, mode, target_language, level, goal, corrections, voice_enabled, send_text_with_voice, allow_groups, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, learnerID, string(s.defaults.Mode), s.defaults.TargetLanguage, s.defaults.Level, s.defaults.Goal,
		string(s.defaults.Corrections), boolInt(s.defaults.VoiceEnabled), boolInt(s.defaults.SendTextWithVoice),
		boolInt(s.defaults.AllowGroups), now); err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO session_state (learner_id, phase, current_task, turn_in_phase, updated_at)
		VALUES (?, 'IDLE', '', 0, ?)
	`, learnerID, now); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO learner_memory (learner_id, summary, messages_since_summary, updated_at)
		VALUES (?, '', 0, ?)
	`, learnerID, now); err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}

	return tx.Commit()
}

// Profile returns the learner's identity row.
func (s *Store) Profile(learnerID string) (Profile, error) {
	var p Profile
	var created, seen string
	err := s.db.QueryRow(`
		SELECT learner_id, display_name, created_at, last_seen_at
		FROM learners WHERE learner_id = ?
	`, learnerID).Scan(&p.LearnerID, &p.DisplayName, &created, &seen)
	if err == sql.ErrNoRows {
		return Profile{}, fmt.Errorf("profile %s: %w", learnerID, ErrNotFound)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", learnerID, err)
	}
	p.CreatedAt = parseTime(created)
	p.LastSeenAt = parseTime(seen)
	return p, nil
}

// TutorContext loads everything the engine needs for one turn:
// profile, settings, session state, memory, and the last recentLimit
// messages oldest-first. The learner is initialized if missing.
func (s *Store) TutorContext(learnerID, displayName string, recentLimit int) (*TutorContext, error) {
	if err := s.EnsureLearner(learnerID, displayName); err != nil {
		return nil, err
	}
	profile, err := s.Profile(learnerID)
	if err != nil {
		return nil, err
	}
	settings, err := s.Settings(learnerID)
	if err != nil {
		return nil, err
	}
	session, err := s.SessionState(learnerID)
	if err != nil {
		return nil, err
	}
	memory, err := s.Memory(learnerID)
	if err != nil {
		return nil, err
	}
	recent, err := s.RecentMessages(learnerID, recentLimit)
	if err != nil {
		return nil, err
	}
	return &TutorContext{
		Profile:        profile,
		Settings:       settings,
		Session:        session,
		Memory:         memory,
		RecentMessages: recent,
	}, nil
}

// LogEvent appends a structured event to the event log. Failures are
// returned but most callers treat them as best-effort.
func (s *Store) LogEvent(level, eventType string, payload map[string]any, learnerID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	var lid any
	if learnerID != "" {
		lid = learnerID
	}
	_, err = s.db.Exec(`
		INSERT INTO event_logs (id, learner_id, level, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), lid, level, eventType, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
