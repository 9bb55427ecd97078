package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opentutor/opentutor/internal/events"
	"github.com/opentutor/opentutor/internal/llm"
	"github.com/opentutor/opentutor/internal/store"
)

// ErrEmptyInput means the learner text was empty after sanitization.
// Nothing is persisted and no reply is produced; the caller decides
// whether to ignore or ask for a retry.
var ErrEmptyInput = errors.New("empty learner text after sanitization")

// ErrEmptyGeneration means the backend returned nothing usable after
// sanitization. The learner turn stays persisted; no assistant turn is
// written.
var ErrEmptyGeneration = errors.New("empty generation after sanitization")

// Options configures an Engine. Zero values take the defaults below.
type Options struct {
	Store  *store.Store
	LLM    llm.Client
	Logger *slog.Logger

	// Bus receives summary-refresh events. Optional; a nil bus is a
	// no-op.
	Bus *events.Bus

	// SummaryEveryNMessages is the memory refresh threshold.
	SummaryEveryNMessages int
	// MaxHistoryMessages bounds the recent-history prompt window.
	MaxHistoryMessages int
	// MaxReplyChars clamps the reply returned to the learner.
	MaxReplyChars int
	// MaxReplyTokens is the output-length hint sent to the backend.
	MaxReplyTokens int
}

const (
	defaultSummaryEvery   = 8
	defaultHistoryWindow  = 12
	defaultMaxReplyChars  = 800
	defaultMaxReplyTokens = 240

	// summaryMaxTokens bounds the refresh call; summaries are short
	// by contract (max 120 words).
	summaryMaxTokens = 180
	// summaryTemperature keeps refresh output factual.
	summaryTemperature = 0.2
	// summaryMaxChars clamps the stored summary.
	summaryMaxChars = 800
)

// Engine orchestrates one conversational turn: sanitize, persist, FSM
// transition, policy, prompt assembly, generation, and best-effort
// memory upkeep. Turns for the same learner must be serialized by the
// caller; different learners are independent.
type Engine struct {
	store  *store.Store
	llm    llm.Client
	logger *slog.Logger
	bus    *events.Bus

	summaryEvery   int
	historyWindow  int
	maxReplyChars  int
	maxReplyTokens int
}

// TurnResult is the outcome of one handled turn.
type TurnResult struct {
	Reply          string
	LearnerText    string
	Phase          State
	CurrentTask    string
	SummaryUpdated bool
}

// NewEngine creates a turn engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:          opts.Store,
		llm:            opts.LLM,
		logger:         logger,
		bus:            opts.Bus,
		summaryEvery:   opts.SummaryEveryNMessages,
		historyWindow:  opts.MaxHistoryMessages,
		maxReplyChars:  opts.MaxReplyChars,
		maxReplyTokens: opts.MaxReplyTokens,
	}
	if e.summaryEvery <= 0 {
		e.summaryEvery = defaultSummaryEvery
	}
	if e.historyWindow <= 0 {
		e.historyWindow = defaultHistoryWindow
	}
	if e.maxReplyChars <= 0 {
		e.maxReplyChars = defaultMaxReplyChars
	}
	if e.maxReplyTokens <= 0 {
		e.maxReplyTokens = defaultMaxReplyTokens
	}
	return e
}

// HandleTurn processes one learner message end to end and returns the
// tutor reply. The FSM transition is persisted before the prompt is
// assembled so the generation instruction reflects the
// post-transition task.
func (e *Engine) HandleTurn(ctx context.Context, learnerID, text string, source store.Source) (*TurnResult, error) {
	clean := Sanitize(text)
	if clean == "" {
		return nil, ErrEmptyInput
	}

	tctx, err := e.store.TutorContext(learnerID, "", e.historyWindow)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	if _, err := e.store.AppendMessage(learnerID, store.RoleUser, source, clean); err != nil {
		return nil, fmt.Errorf("persist learner turn: %w", err)
	}

	fsmResult := Transition(TransitionInput{
		Current:     NormalizeState(tctx.Session.Phase),
		Mode:        tctx.Settings.Mode,
		LearnerText: clean,
	})
	turnInPhase := tctx.Session.TurnInPhase + fsmResult.TurnIncrement
	if err := e.store.UpdateSessionState(learnerID, string(fsmResult.Next), fsmResult.CurrentTask, turnInPhase); err != nil {
		return nil, fmt.Errorf("persist session state: %w", err)
	}

	// Settings may have changed since the turn started; re-read so
	// the prompt and policy see fresh values plus the new phase.
	tctx, err = e.store.TutorContext(learnerID, "", e.historyWindow)
	if err != nil {
		return nil, fmt.Errorf("reload context: %w", err)
	}

	policy := PolicyFor(tctx.Settings.Mode, tctx.Settings.Corrections)
	prompt := TurnPrompt(TurnPromptInput{
		Context:     tctx,
		LearnerText: clean,
		Phase:       NormalizeState(tctx.Session.Phase),
		CurrentTask: tctx.Session.CurrentTask,
		Policy:      policy,
	})

	generated, err := e.llm.Generate(ctx, llm.GenerateRequest{
		System:      SystemPrompt(),
		Prompt:      prompt,
		Temperature: policy.Temperature,
		MaxTokens:   e.maxReplyTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	reply := Clamp(Sanitize(generated.Text), e.maxReplyChars)
	if reply == "" {
		return nil, ErrEmptyGeneration
	}

	if _, err := e.store.AppendMessage(learnerID, store.RoleAssistant, store.SourceText, reply); err != nil {
		return nil, fmt.Errorf("persist tutor turn: %w", err)
	}

	RecordLearnerSignals(e.store, e.logger, learnerID, clean, reply)

	summaryUpdated := false
	memory, err := e.store.Memory(learnerID)
	if err != nil {
		e.logger.Warn("memory read failed", "learner", learnerID, "error", err)
	} else if ShouldRefreshSummary(memory.MessagesSinceSummary, e.summaryEvery) {
		summaryUpdated = e.refreshSummary(ctx, learnerID)
	}

	return &TurnResult{
		Reply:          reply,
		LearnerText:    clean,
		Phase:          fsmResult.Next,
		CurrentTask:    fsmResult.CurrentTask,
		SummaryUpdated: summaryUpdated,
	}, nil
}

// refreshSummary regenerates the rolling memory summary from an
// extended history window. Strictly best-effort: any failure is
// logged and recorded, never propagated into the turn.
func (e *Engine) refreshSummary(ctx context.Context, learnerID string) bool {
	window := e.historyWindow * 2
	if window < 20 {
		window = 20
	}

	tctx, err := e.store.TutorContext(learnerID, "", window)
	if err != nil {
		e.logSummaryFailure(learnerID, err)
		return false
	}

	system, prompt := SummaryPrompt(SummaryPromptInput{
		Context:        tctx,
		RecentMessages: tctx.RecentMessages,
	})

	generated, err := e.llm.Generate(ctx, llm.GenerateRequest{
		System:      system,
		Prompt:      prompt,
		Temperature: summaryTemperature,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		e.logSummaryFailure(learnerID, err)
		return false
	}

	summary := Clamp(Sanitize(generated.Text), summaryMaxChars)
	if summary == "" {
		e.logSummaryFailure(learnerID, errors.New("empty summary"))
		return false
	}

	if err := e.store.SetSummary(learnerID, summary); err != nil {
		e.logSummaryFailure(learnerID, err)
		return false
	}

	if err := e.store.LogEvent("info", "memory.summary.updated", map[string]any{"length": len(summary)}, learnerID); err != nil {
		e.logger.Debug("summary event log failed", "learner", learnerID, "error", err)
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Kind:      events.KindSummaryRefreshed,
		Data:      map[string]any{"learner_id": learnerID, "length": len(summary)},
	})
	return true
}

func (e *Engine) logSummaryFailure(learnerID string, cause error) {
	e.logger.Warn("memory summary refresh failed", "learner", learnerID, "error", cause)
	if err := e.store.LogEvent("warn", "memory.summary.failed", map[string]any{"error": cause.Error()}, learnerID); err != nil {
		e.logger.Debug("summary event log failed", "learner", learnerID, "error", err)
	}
}
