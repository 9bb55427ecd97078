package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Settings returns the learner's standing preferences.
func (s *Store) Settings(learnerID string) (Settings, error) {
	var out Settings
	var mode, corrections string
	var voice, sendText, allowGroups int
	err := s.db.QueryRow(`
		SELECT mode, target_language, level, goal, corrections, voice_enabled, send_text_with_voice, allow_groups
		FROM learner_settings WHERE learner_id = ?
	`, learnerID).Scan(&mode, &out.TargetLanguage, &out.Level, &out.Goal, &corrections, &voice, &sendText, &allowGroups)
	if err == sql.ErrNoRows {
		return Settings{}, fmt.Errorf("settings %s: %w", learnerID, ErrNotFound)
	}
	if err != nil {
		return Settings{}, fmt.Errorf("settings %s: %w", learnerID, err)
	}
	out.Mode = NormalizeMode(mode)
	out.Corrections = NormalizeCorrections(corrections)
	out.VoiceEnabled = voice == 1
	out.SendTextWithVoice = sendText == 1
	out.AllowGroups = allowGroups == 1
	return out, nil
}

// UpdateSettings applies a partial update and returns the resulting
// settings. The learner is initialized if missing.
func (s *Store) UpdateSettings(learnerID string, patch SettingsPatch) (Settings, error) {
	if err := s.EnsureLearner(learnerID, ""); err != nil {
		return Settings{}, err
	}
	current, err := s.Settings(learnerID)
	if err != nil {
		return Settings{}, err
	}

	next := current
	if patch.Mode != nil {
		next.Mode = NormalizeMode(string(*patch.Mode))
	}
	if patch.TargetLanguage != nil {
		next.TargetLanguage = *patch.TargetLanguage
	}
	if patch.Level != nil {
		next.Level = *patch.Level
	}
	if patch.Goal != nil {
		next.Goal = *patch.Goal
	}
	if patch.Corrections != nil {
		next.Corrections = NormalizeCorrections(string(*patch.Corrections))
	}
	if patch.VoiceEnabled != nil {
		next.VoiceEnabled = *patch.VoiceEnabled
	}
	if patch.SendTextWithVoice != nil {
		next.SendTextWithVoice = *patch.SendTextWithVoice
	}
	if patch.AllowGroups != nil {
		next.AllowGroups = *patch.AllowGroups
	}

	_, err = s.db.Exec(`
		UPDATE learner_settings
		SET mode = ?, target_language = ?, level = ?, goal = ?, corrections = ?,
		    voice_enabled = ?, send_text_with_voice = ?, allow_groups = ?, updated_at = ?
		WHERE learner_id = ?
	`, string(next.Mode), next.TargetLanguage, next.Level, next.Goal, string(next.Corrections),
		boolInt(next.VoiceEnabled), boolInt(next.SendTextWithVoice), boolInt(next.AllowGroups),
		time.Now().UTC().Format(time.RFC3339), learnerID)
	if err != nil {
		return Settings{}, fmt.Errorf("update settings %s: %w", learnerID, err)
	}
	return next, nil
}
