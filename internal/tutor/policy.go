package tutor

import (
	"fmt"

	"github.com/opentutor/opentutor/internal/store"
)

// CorrectionPolicy bounds how aggressively the tutor flags errors.
type CorrectionPolicy struct {
	Mode             store.Corrections
	MaxCorrections   int
	StyleInstruction string
}

// Policy is the full response-shaping snapshot for one turn.
type Policy struct {
	Correction    CorrectionPolicy
	ResponseRules []string
	Temperature   float64
}

// CorrectionPolicyFor maps a corrections setting to its policy.
// Unknown values fall back to light.
func CorrectionPolicyFor(mode store.Corrections) CorrectionPolicy {
	switch mode {
	case store.CorrectionsOff:
		return CorrectionPolicy{
			Mode:             mode,
			MaxCorrections:   0,
			StyleInstruction: "Do not explicitly correct errors unless the learner asks.",
		}
	case store.CorrectionsStrict:
		return CorrectionPolicy{
			Mode:             mode,
			MaxCorrections:   3,
			StyleInstruction: "Correct important grammar/wording errors before continuing, but keep it concise.",
		}
	default:
		return CorrectionPolicy{
			Mode:             store.CorrectionsLight,
			MaxCorrections:   2,
			StyleInstruction: "Correct at most a couple of high-impact errors and keep the conversation moving.",
		}
	}
}

// PolicyFor derives the turn policy from the tutoring mode and the
// corrections setting. Exam mode runs at a lower temperature so
// assessment language stays consistent across similar answers.
func PolicyFor(mode store.Mode, corrections store.Corrections) Policy {
	correction := CorrectionPolicyFor(corrections)

	rules := []string{
		"Keep replies short (2-6 lines).",
		"Ask exactly one follow-up question unless in exam mode.",
		"Prefer learner production over long explanations.",
		fmt.Sprintf("Apply corrections policy: %s Max corrections: %d.",
			correction.StyleInstruction, correction.MaxCorrections),
	}

	switch mode {
	case store.ModeDrill:
		rules = append(rules, "Focus on repetition, prompts, and quick checks.")
	case store.ModeExam:
		rules = append(rules, "Be stricter and avoid giving the answer too early.")
	case store.ModeLesson:
		rules = append(rules, "Teach one micro-topic at a time.")
	}

	temperature := 0.5
	if mode == store.ModeExam {
		temperature = 0.2
	}

	return Policy{
		Correction:    correction,
		ResponseRules: rules,
		Temperature:   temperature,
	}
}
