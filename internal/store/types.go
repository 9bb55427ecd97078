package store

import "time"

// Mode selects the tutoring style for a learner.
type Mode string

const (
	ModeChat   Mode = "chat"   // Free conversation, no lesson structure
	ModeLesson Mode = "lesson" // Guided micro-topics with practice
	ModeDrill  Mode = "drill"  // Repetition-heavy practice
	ModeExam   Mode = "exam"   // Assessment with bounded hints
)

// NormalizeMode maps an arbitrary string to a known Mode, defaulting
// to ModeLesson for unrecognized values.
func NormalizeMode(s string) Mode {
	switch Mode(s) {
	case ModeChat, ModeLesson, ModeDrill, ModeExam:
		return Mode(s)
	}
	return ModeLesson
}

// Corrections selects how aggressively the tutor flags errors.
type Corrections string

const (
	CorrectionsOff    Corrections = "off"
	CorrectionsLight  Corrections = "light"
	CorrectionsStrict Corrections = "strict"
)

// NormalizeCorrections maps an arbitrary string to a known Corrections
// value, defaulting to CorrectionsLight.
func NormalizeCorrections(s string) Corrections {
	switch Corrections(s) {
	case CorrectionsOff, CorrectionsLight, CorrectionsStrict:
		return Corrections(s)
	}
	return CorrectionsLight
}

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Source identifies how a message entered the system.
type Source string

const (
	SourceText     Source = "text"
	SourceAudio    Source = "audio"
	SourceCommand  Source = "command"
	SourceInternal Source = "internal"
)

// Profile is a learner's identity row. Created on first contact,
// last-seen refreshed on every turn, never deleted.
type Profile struct {
	LearnerID   string
	DisplayName string
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// Settings holds a learner's standing preferences. Every learner has
// exactly one settings row once touched.
type Settings struct {
	Mode              Mode
	TargetLanguage    string
	Level             string
	Goal              string
	Corrections       Corrections
	VoiceEnabled      bool
	SendTextWithVoice bool
	AllowGroups       bool
}

// SettingsPatch applies partial updates to Settings. Nil fields are
// left unchanged.
type SettingsPatch struct {
	Mode              *Mode
	TargetLanguage    *string
	Level             *string
	Goal              *string
	Corrections       *Corrections
	VoiceEnabled      *bool
	SendTextWithVoice *bool
	AllowGroups       *bool
}

// SessionState is the persisted conversation phase for a learner. One
// row per learner, overwritten each turn.
type SessionState struct {
	Phase       string
	CurrentTask string
	TurnInPhase int
	UpdatedAt   time.Time
}

// Message is an append-only history entry. Immutable once written;
// ordering is insertion order (id ascending).
type Message struct {
	ID        int64
	LearnerID string
	Role      Role
	Source    Source
	Content   string
	CreatedAt time.Time
}

// Memory is a learner's rolling summary plus the count of messages
// accumulated since the last successful refresh.
type Memory struct {
	Summary              string
	MessagesSinceSummary int
	UpdatedAt            time.Time
}

// Mistake is an inferred correction, appended whenever the tutor reply
// carries a correction marker.
type Mistake struct {
	Category       string
	InputText      string
	CorrectionText string
}

// TutorContext aggregates everything the engine needs to build a
// prompt for one learner.
type TutorContext struct {
	Profile        Profile
	Settings       Settings
	Session        SessionState
	Memory         Memory
	RecentMessages []Message
}
