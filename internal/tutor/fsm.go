package tutor

import (
	"regexp"
	"strings"

	"github.com/opentutor/opentutor/internal/store"
)

// State is a phase of the guided tutoring flow.
type State string

const (
	StateIdle        State = "IDLE"
	StateLessonIntro State = "LESSON_INTRO"
	StatePractice    State = "PRACTICE"
	StateFeedback    State = "FEEDBACK"
)

// NormalizeState validates an externally persisted phase value,
// defaulting to StateIdle for anything unrecognized.
func NormalizeState(value string) State {
	switch State(value) {
	case StateIdle, StateLessonIntro, StatePractice, StateFeedback:
		return State(value)
	}
	return StateIdle
}

// doneSignal matches whole words a learner uses to close out the
// current practice block and move on.
var doneSignal = regexp.MustCompile(`\b(done|finished|next|continue)\b`)

// TransitionInput feeds one FSM step.
type TransitionInput struct {
	Current     State
	Mode        store.Mode
	LearnerText string
}

// TransitionResult is the FSM's decision for this turn. TurnIncrement
// is always 1 today; it is surfaced so future designs can weight
// phases differently.
type TransitionResult struct {
	Next          State
	CurrentTask   string
	TurnIncrement int
}

// Transition computes the next tutoring phase and micro-task. It is a
// pure function; the caller persists the result and must rebuild the
// prompt from the post-transition task.
//
// Priority order: chat mode pins the flow to IDLE, exam mode pins it
// to FEEDBACK, and lesson/drill cycle IDLE → LESSON_INTRO → PRACTICE →
// {LESSON_INTRO|FEEDBACK} → PRACTICE.
func Transition(input TransitionInput) TransitionResult {
	text := strings.ToLower(input.LearnerText)

	if input.Mode == store.ModeChat {
		return TransitionResult{
			Next:          StateIdle,
			CurrentTask:   "Free conversation in the target language.",
			TurnIncrement: 1,
		}
	}

	if input.Mode == store.ModeExam {
		return TransitionResult{
			Next:          StateFeedback,
			CurrentTask:   "Assess learner response, give limited hints, then ask next question.",
			TurnIncrement: 1,
		}
	}

	switch input.Current {
	case StateIdle:
		return TransitionResult{
			Next:          StateLessonIntro,
			CurrentTask:   "Introduce a micro-topic and model one example.",
			TurnIncrement: 1,
		}
	case StateLessonIntro:
		task := "Prompt learner to produce original sentences."
		if input.Mode == store.ModeDrill {
			task = "Run a short drill with repetition."
		}
		return TransitionResult{
			Next:          StatePractice,
			CurrentTask:   task,
			TurnIncrement: 1,
		}
	case StatePractice:
		if doneSignal.MatchString(text) {
			return TransitionResult{
				Next:          StateLessonIntro,
				CurrentTask:   "Start the next micro-topic.",
				TurnIncrement: 1,
			}
		}
		return TransitionResult{
			Next:          StateFeedback,
			CurrentTask:   "Give concise feedback and one follow-up prompt.",
			TurnIncrement: 1,
		}
	default:
		return TransitionResult{
			Next:          StatePractice,
			CurrentTask:   "Continue guided practice with one question at a time.",
			TurnIncrement: 1,
		}
	}
}
