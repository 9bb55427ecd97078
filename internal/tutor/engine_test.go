package tutor

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/opentutor/opentutor/internal/llm"
	"github.com/opentutor/opentutor/internal/store"

	_ "modernc.org/sqlite"
)

// fakeLLM returns queued replies in order, recording every request.
// When the queue is empty the last reply repeats.
type fakeLLM struct {
	replies  []string
	err      error
	requests []llm.GenerateRequest
}

func (f *fakeLLM) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	reply := ""
	if len(f.replies) > 0 {
		reply = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	return &llm.GenerateResponse{Text: reply, Model: "fake"}, nil
}

func (f *fakeLLM) Ping(context.Context) error { return nil }

func setupEngine(t *testing.T, fake llm.Client, opts Options) (*Engine, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := store.NewStoreWithDB(db, store.Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	opts.Store = s
	opts.LLM = fake
	return NewEngine(opts), s
}

func TestHandleTurnFreshLearnerLessonMode(t *testing.T) {
	fake := &fakeLLM{replies: []string{"¡Hola! Hoy practicamos saludos. Di: buenos días."}}
	engine, s := setupEngine(t, fake, Options{})

	result, err := engine.HandleTurn(context.Background(), "learner-1", "hola", store.SourceText)
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}

	if result.Phase != StateLessonIntro {
		t.Errorf("phase: got %s, want LESSON_INTRO", result.Phase)
	}
	if result.Reply != "¡Hola! Hoy practicamos saludos. Di: buenos días." {
		t.Errorf("reply modified: %q", result.Reply)
	}

	// The prompt must reflect the post-transition task.
	if len(fake.requests) != 1 {
		t.Fatalf("got %d generation calls, want 1", len(fake.requests))
	}
	prompt := fake.requests[0].Prompt
	if !strings.Contains(prompt, "Introduce a micro-topic") {
		t.Errorf("prompt missing post-transition task:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Phase: LESSON_INTRO") {
		t.Errorf("prompt missing post-transition phase:\n%s", prompt)
	}
	if fake.requests[0].Temperature != 0.5 {
		t.Errorf("temperature: got %v, want 0.5", fake.requests[0].Temperature)
	}

	// Both turns persisted, session state updated.
	messages, err := s.RecentMessages("learner-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Role != store.RoleUser || messages[1].Role != store.RoleAssistant {
		t.Errorf("message roles: %+v", messages)
	}

	session, err := s.SessionState("learner-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.Phase != "LESSON_INTRO" || session.TurnInPhase != 1 {
		t.Errorf("session: %+v", session)
	}
}

func TestHandleTurnEmptyInput(t *testing.T) {
	fake := &fakeLLM{replies: []string{"nope"}}
	engine, s := setupEngine(t, fake, Options{})

	_, err := engine.HandleTurn(context.Background(), "learner-1", " \x00\n ", store.SourceText)
	if !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("got %v, want ErrEmptyInput", err)
	}

	if len(fake.requests) != 0 {
		t.Error("generation must not run for empty input")
	}
	messages, _ := s.RecentMessages("learner-1", 10)
	if len(messages) != 0 {
		t.Errorf("no history should be recorded, got %d messages", len(messages))
	}
}

func TestHandleTurnEmptyGeneration(t *testing.T) {
	fake := &fakeLLM{replies: []string{"  \x00 "}}
	engine, s := setupEngine(t, fake, Options{})

	_, err := engine.HandleTurn(context.Background(), "learner-1", "hola", store.SourceText)
	if !errors.Is(err, ErrEmptyGeneration) {
		t.Fatalf("got %v, want ErrEmptyGeneration", err)
	}

	// The learner turn stays persisted; no assistant turn is written.
	messages, err := s.RecentMessages("learner-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != store.RoleUser {
		t.Errorf("history: %+v", messages)
	}
}

func TestHandleTurnBackendErrorPropagates(t *testing.T) {
	backendErr := &llm.BackendError{Kind: llm.KindTimeout, Err: context.DeadlineExceeded}
	fake := &fakeLLM{err: backendErr}
	engine, s := setupEngine(t, fake, Options{})

	_, err := engine.HandleTurn(context.Background(), "learner-1", "hola", store.SourceText)

	var got *llm.BackendError
	if !errors.As(err, &got) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if got.Kind != llm.KindTimeout {
		t.Errorf("kind: %s", got.Kind)
	}

	// Partial turns keep the learner's input.
	messages, _ := s.RecentMessages("learner-1", 10)
	if len(messages) != 1 || messages[0].Role != store.RoleUser {
		t.Errorf("learner turn should survive backend failure: %+v", messages)
	}
}

func TestHandleTurnClampsLongReply(t *testing.T) {
	fake := &fakeLLM{replies: []string{strings.Repeat("palabra ", 100)}}
	engine, _ := setupEngine(t, fake, Options{MaxReplyChars: 50})

	result, err := engine.HandleTurn(context.Background(), "learner-1", "hola", store.SourceText)
	if err != nil {
		t.Fatalf("handle turn: %v", err)
	}
	if n := len([]rune(result.Reply)); n > 50 {
		t.Errorf("reply length: got %d runes, want <= 50", n)
	}
	if !strings.HasSuffix(result.Reply, "…") {
		t.Errorf("clamped reply missing ellipsis: %q", result.Reply)
	}
}

func TestHandleTurnRecordsSignals(t *testing.T) {
	fake := &fakeLLM{replies: []string{"Correction: yo soy feliz"}}
	engine, s := setupEngine(t, fake, Options{})

	if _, err := engine.HandleTurn(context.Background(), "learner-1", "yo es feliz hoy mismo", store.SourceText); err != nil {
		t.Fatalf("handle turn: %v", err)
	}

	count, err := s.VocabSeenCount("learner-1", "feliz")
	if err != nil {
		t.Fatalf("vocab: %v", err)
	}
	if count != 1 {
		t.Errorf("vocab sighting: got %d, want 1", count)
	}

	mistakes, err := s.RecentMistakes("learner-1", 5)
	if err != nil {
		t.Fatalf("mistakes: %v", err)
	}
	if len(mistakes) != 1 {
		t.Errorf("got %d mistakes, want 1", len(mistakes))
	}
}

func TestSummaryRefreshAtThreshold(t *testing.T) {
	fake := &fakeLLM{replies: []string{"una respuesta del tutor"}}
	// Threshold 8 with two messages per turn: refresh on the 4th turn.
	engine, s := setupEngine(t, fake, Options{SummaryEveryNMessages: 8})

	var refreshTurn int
	for turn := 1; turn <= 4; turn++ {
		result, err := engine.HandleTurn(context.Background(), "learner-1", "una frase nueva", store.SourceText)
		if err != nil {
			t.Fatalf("turn %d: %v", turn, err)
		}
		if result.SummaryUpdated {
			if refreshTurn != 0 {
				t.Fatalf("summary refreshed twice (turns %d and %d)", refreshTurn, turn)
			}
			refreshTurn = turn
		}
	}
	if refreshTurn != 4 {
		t.Fatalf("summary refresh on turn %d, want 4", refreshTurn)
	}

	memory, err := s.Memory("learner-1")
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if memory.MessagesSinceSummary != 0 {
		t.Errorf("counter after refresh: got %d, want 0", memory.MessagesSinceSummary)
	}
	if memory.Summary == "" {
		t.Error("summary not persisted")
	}

	// The refresh call runs at low temperature.
	last := fake.requests[len(fake.requests)-1]
	if last.Temperature != 0.2 {
		t.Errorf("summary temperature: got %v, want 0.2", last.Temperature)
	}
}

// summaryFailLLM answers turns normally but fails summary requests.
type summaryFailLLM struct {
	fakeLLM
}

func (f *summaryFailLLM) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	if strings.Contains(req.Prompt, "memory summary") {
		return nil, &llm.BackendError{Kind: llm.KindTransport, Err: errors.New("boom")}
	}
	return f.fakeLLM.Generate(ctx, req)
}

func TestSummaryFailureDoesNotFailTurn(t *testing.T) {
	fake := &summaryFailLLM{fakeLLM: fakeLLM{replies: []string{"respuesta"}}}
	engine, s := setupEngine(t, fake, Options{SummaryEveryNMessages: 2})

	result, err := engine.HandleTurn(context.Background(), "learner-1", "hola", store.SourceText)
	if err != nil {
		t.Fatalf("turn must survive summary failure: %v", err)
	}
	if result.SummaryUpdated {
		t.Error("summary reported as updated despite failure")
	}

	// Counter keeps accumulating; it only resets on success.
	memory, err := s.Memory("learner-1")
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if memory.MessagesSinceSummary != 2 {
		t.Errorf("counter: got %d, want 2", memory.MessagesSinceSummary)
	}
}

func TestHandleTurnChatModeStaysIdle(t *testing.T) {
	fake := &fakeLLM{replies: []string{"claro, hablemos"}}
	engine, s := setupEngine(t, fake, Options{})

	if _, err := s.UpdateSettings("learner-1", store.SettingsPatch{Mode: modePtr(store.ModeChat)}); err != nil {
		t.Fatalf("settings: %v", err)
	}

	for i := 0; i < 3; i++ {
		result, err := engine.HandleTurn(context.Background(), "learner-1", "hablemos de cine", store.SourceText)
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if result.Phase != StateIdle {
			t.Errorf("turn %d phase: got %s, want IDLE", i, result.Phase)
		}
	}
}

func modePtr(m store.Mode) *store.Mode { return &m }
