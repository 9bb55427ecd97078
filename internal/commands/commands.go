// Package commands implements the slash-command dispatch table for
// learner settings: /mode, /level, /goal, /language, /corrections,
// /voice, plus onboarding and stats readback. Command handling is
// plain storage plumbing; anything that is not a command falls through
// to the tutor engine.
package commands

import (
	"fmt"
	"strings"

	"github.com/opentutor/opentutor/internal/store"
)

// Result is the outcome of a dispatch attempt. Handled is false when
// the input was not a command at all.
type Result struct {
	Handled bool
	Reply   string
}

// maxRecordedCommandChars bounds what gets written to history for a
// command turn.
const maxRecordedCommandChars = 500

// Handler dispatches slash commands against the store.
type Handler struct {
	store *store.Store
}

// NewHandler creates a command handler.
func NewHandler(s *store.Store) *Handler {
	return &Handler{store: s}
}

// parsed is a decomposed command line.
type parsed struct {
	command string
	args    []string
	rawArgs string
}

// parseCommandLine splits "/cmd arg arg" into its parts. Returns nil
// for anything that does not start with a slash.
func parseCommandLine(input string) *parsed {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return nil
	}
	command, rawArgs, _ := strings.Cut(trimmed[1:], " ")
	rawArgs = strings.TrimSpace(rawArgs)
	var args []string
	if rawArgs != "" {
		args = strings.Fields(rawArgs)
	}
	return &parsed{
		command: strings.ToLower(command),
		args:    args,
		rawArgs: rawArgs,
	}
}

// Handle dispatches one learner input line. Commands are recorded in
// history (source command) along with their replies; non-commands
// return Handled false with nothing persisted.
func (h *Handler) Handle(learnerID, text, displayName string) (Result, error) {
	p := parseCommandLine(text)
	if p == nil {
		return Result{}, nil
	}

	if err := h.store.EnsureLearner(learnerID, displayName); err != nil {
		return Result{}, fmt.Errorf("ensure learner: %w", err)
	}
	recorded := text
	if len([]rune(recorded)) > maxRecordedCommandChars {
		recorded = string([]rune(recorded)[:maxRecordedCommandChars])
	}
	if _, err := h.store.AppendMessage(learnerID, store.RoleUser, store.SourceCommand, recorded); err != nil {
		return Result{}, fmt.Errorf("record command: %w", err)
	}

	reply, err := h.dispatch(learnerID, p)
	if err != nil {
		return Result{}, err
	}

	if _, err := h.store.AppendMessage(learnerID, store.RoleAssistant, store.SourceText, reply); err != nil {
		return Result{}, fmt.Errorf("record command reply: %w", err)
	}
	return Result{Handled: true, Reply: reply}, nil
}

func (h *Handler) dispatch(learnerID string, p *parsed) (string, error) {
	switch p.command {
	case "start":
		return h.handleStart(learnerID)
	case "help":
		return usageHelp(), nil
	case "settings":
		settings, err := h.store.Settings(learnerID)
		if err != nil {
			return "", err
		}
		return settingsSummary(settings), nil
	case "mode":
		return h.handleMode(learnerID, p.args)
	case "level":
		return h.handleLevel(learnerID, p.rawArgs)
	case "goal":
		return h.handleGoal(learnerID, p.rawArgs)
	case "language":
		return h.handleLanguage(learnerID, p.args)
	case "corrections":
		return h.handleCorrections(learnerID, p.args)
	case "voice":
		return h.handleVoice(learnerID, p.args)
	case "stats":
		return h.handleStats(learnerID)
	default:
		return fmt.Sprintf("Unknown command /%s. %s", p.command, "Type /help for all commands."), nil
	}
}

func (h *Handler) handleStart(learnerID string) (string, error) {
	settings, err := h.store.Settings(learnerID)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		"OpenTutor is ready.",
		"I am your language tutor on WhatsApp (text + voice).",
		"Set your target language and preferences, then send a message or audio.",
		"",
		"Recommended setup:",
		"/language en",
		"/mode lesson",
		"/level A1",
		"/corrections light",
		"/voice on",
		"",
		settingsSummary(settings),
		"",
		"Type /help for all commands.",
	}, "\n"), nil
}

func (h *Handler) handleMode(learnerID string, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: /mode chat|lesson|drill|exam", nil
	}
	arg := strings.ToLower(args[0])
	switch store.Mode(arg) {
	case store.ModeChat, store.ModeLesson, store.ModeDrill, store.ModeExam:
	default:
		return "Usage: /mode chat|lesson|drill|exam", nil
	}
	mode := store.Mode(arg)
	if _, err := h.store.UpdateSettings(learnerID, store.SettingsPatch{Mode: &mode}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Mode set to %s.", mode), nil
}

func (h *Handler) handleLevel(learnerID, rawArgs string) (string, error) {
	if rawArgs == "" {
		return "Usage: /level <A1|A2|B1|B2|C1|C2 or custom>", nil
	}
	if _, err := h.store.UpdateSettings(learnerID, store.SettingsPatch{Level: &rawArgs}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Level set to %s.", rawArgs), nil
}

func (h *Handler) handleGoal(learnerID, rawArgs string) (string, error) {
	if rawArgs == "" {
		return "Usage: /goal <your goal>", nil
	}
	if _, err := h.store.UpdateSettings(learnerID, store.SettingsPatch{Goal: &rawArgs}); err != nil {
		return "", err
	}
	return "Goal saved.", nil
}

func (h *Handler) handleLanguage(learnerID string, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: /language <en|es|fr|de|it|...>", nil
	}
	lang := strings.ToLower(args[0])
	if _, err := h.store.UpdateSettings(learnerID, store.SettingsPatch{TargetLanguage: &lang}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Target language set to %s.", lang), nil
}

func (h *Handler) handleCorrections(learnerID string, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: /corrections off|light|strict", nil
	}
	arg := strings.ToLower(args[0])
	switch store.Corrections(arg) {
	case store.CorrectionsOff, store.CorrectionsLight, store.CorrectionsStrict:
	default:
		return "Usage: /corrections off|light|strict", nil
	}
	corrections := store.Corrections(arg)
	if _, err := h.store.UpdateSettings(learnerID, store.SettingsPatch{Corrections: &corrections}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Corrections set to %s.", corrections), nil
}

func (h *Handler) handleVoice(learnerID string, args []string) (string, error) {
	if len(args) != 1 {
		return "Usage: /voice on|off", nil
	}
	var enabled bool
	switch strings.ToLower(args[0]) {
	case "on":
		enabled = true
	case "off":
		enabled = false
	default:
		return "Usage: /voice on|off", nil
	}
	if _, err := h.store.UpdateSettings(learnerID, store.SettingsPatch{VoiceEnabled: &enabled}); err != nil {
		return "", err
	}
	if enabled {
		return "Voice replies on.", nil
	}
	return "Voice replies off.", nil
}

func (h *Handler) handleStats(learnerID string) (string, error) {
	memory, err := h.store.Memory(learnerID)
	if err != nil {
		return "", err
	}
	mistakes, err := h.store.RecentMistakes(learnerID, 5)
	if err != nil {
		return "", err
	}

	lines := []string{"Your progress:"}
	if memory.Summary != "" {
		lines = append(lines, memory.Summary)
	} else {
		lines = append(lines, "No summary yet. Keep practicing!")
	}
	if len(mistakes) > 0 {
		lines = append(lines, "", "Recent corrections:")
		for _, m := range mistakes {
			lines = append(lines, fmt.Sprintf("- %s → %s", m.InputText, m.CorrectionText))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func usageHelp() string {
	return strings.Join([]string{
		"OpenTutor commands:",
		"/start - onboarding",
		"/help - show commands",
		"/settings - show current settings",
		"/mode chat|lesson|drill|exam",
		"/level <A1|A2|B1|B2|C1|C2 or custom>",
		"/goal <your goal>",
		"/corrections off|light|strict",
		"/language <en|es|fr|de|it|...>",
		"/voice on|off",
		"/stats - progress summary",
	}, "\n")
}

func settingsSummary(s store.Settings) string {
	voice := "off"
	if s.VoiceEnabled {
		voice = "on"
	}
	goal := s.Goal
	if goal == "" {
		goal = "(not set)"
	}
	return strings.Join([]string{
		fmt.Sprintf("Mode: %s", s.Mode),
		fmt.Sprintf("Target language: %s", s.TargetLanguage),
		fmt.Sprintf("Level: %s", s.Level),
		fmt.Sprintf("Goal: %s", goal),
		fmt.Sprintf("Corrections: %s", s.Corrections),
		fmt.Sprintf("Voice: %s", voice),
	}, "\n")
}
