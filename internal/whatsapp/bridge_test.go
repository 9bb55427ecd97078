package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opentutor/opentutor/internal/admission"
	"github.com/opentutor/opentutor/internal/commands"
	"github.com/opentutor/opentutor/internal/events"
	"github.com/opentutor/opentutor/internal/store"
	"github.com/opentutor/opentutor/internal/tutor"
)

// fakeTransport records sends and feeds inbound messages through a
// channel, standing in for the gateway WebSocket.
type fakeTransport struct {
	msgs chan *Message

	mu   sync.Mutex
	sent []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{msgs: make(chan *Message, 16)}
}

func (f *fakeTransport) Messages() <-chan *Message { return f.msgs }

func (f *fakeTransport) Send(_ context.Context, chatID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+"|"+body)
	return nil
}

func (f *fakeTransport) SendTyping(context.Context, string, bool) error { return nil }

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

// waitSent polls until at least n messages have been sent.
func (f *fakeTransport) waitSent(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.sentCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("sent %d messages, want at least %d", f.sentCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeEngine records turn calls and returns a canned reply.
type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	reply string
	err   error
}

func (f *fakeEngine) HandleTurn(_ context.Context, learnerID, text string, _ store.Source) (*tutor.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, learnerID+"|"+text)
	if f.err != nil {
		return nil, f.err
	}
	return &tutor.TurnResult{Reply: f.reply, Phase: tutor.StatePractice}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// bridgeHelper wires a Bridge to a fake transport and engine backed by
// a real in-memory store.
func bridgeHelper(t *testing.T, opts ...func(*BridgeConfig)) (*Bridge, *fakeTransport, *fakeEngine) {
	t.Helper()

	// modernc in-memory databases are per connection; a second pooled
	// connection would see an empty schema.
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := store.NewStoreWithDB(db, store.Options{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	transport := newFakeTransport()
	engine := &fakeEngine{reply: "Muy bien. ¿Y tú?"}

	cfg := BridgeConfig{
		Transport: transport,
		Engine:    engine,
		Commands:  commands.NewHandler(s),
		Store:     s,
		Limiter:   admission.NewRateLimiter(admission.RateLimiterConfig{}),
		LoopGuard: admission.NewLoopGuard(admission.LoopGuardConfig{}),
		Bus:       events.New(),
		Logger:    slog.Default(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	bridge := NewBridge(cfg)
	return bridge, transport, engine
}

// startBridge runs the bridge loop and stops it on test cleanup.
func startBridge(t *testing.T, bridge *Bridge, transport *fakeTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bridge.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("bridge did not stop")
		}
	})
}

func inbound(body string) *Message {
	return &Message{ChatID: "111@c.us", SenderName: "Alice", Body: body}
}

func TestBridgeRoutesMessageToEngine(t *testing.T) {
	bridge, transport, engine := bridgeHelper(t)
	startBridge(t, bridge, transport)

	transport.msgs <- inbound("hola profesor")
	transport.waitSent(t, 1)

	if got := engine.callCount(); got != 1 {
		t.Fatalf("engine calls = %d, want 1", got)
	}
	sent := transport.lastSent(t)
	if !strings.HasPrefix(sent, "111@c.us|") {
		t.Errorf("reply went to %q", sent)
	}
	if !strings.Contains(sent, "Muy bien") {
		t.Errorf("reply = %q, want engine reply", sent)
	}
}

func TestBridgeFlattensMarkdownReply(t *testing.T) {
	bridge, transport, engine := bridgeHelper(t)
	engine.reply = "Use **ser** here, not _estar_."
	startBridge(t, bridge, transport)

	transport.msgs <- inbound("yo estar feliz")
	transport.waitSent(t, 1)

	sent := transport.lastSent(t)
	if !strings.Contains(sent, "*ser*") || !strings.Contains(sent, "_estar_") {
		t.Errorf("reply = %q, want WhatsApp formatting", sent)
	}
	if strings.Contains(sent, "**") {
		t.Errorf("reply = %q, markdown bold survived", sent)
	}
}

func TestBridgeSkipsOwnAndBroadcastMessages(t *testing.T) {
	bridge, transport, engine := bridgeHelper(t)
	startBridge(t, bridge, transport)

	transport.msgs <- &Message{ChatID: "111@c.us", Body: "hi", FromMe: true}
	transport.msgs <- &Message{ChatID: "status@broadcast", Body: "hi"}
	transport.msgs <- inbound("real message")
	transport.waitSent(t, 1)

	if got := engine.callCount(); got != 1 {
		t.Fatalf("engine calls = %d, want 1", got)
	}
}

func TestBridgeSkipsGroupsUnlessAllowed(t *testing.T) {
	bridge, transport, engine := bridgeHelper(t)
	startBridge(t, bridge, transport)

	transport.msgs <- &Message{ChatID: "grp@g.us", Body: "hola", IsGroup: true}
	transport.msgs <- inbound("direct")
	transport.waitSent(t, 1)

	if got := engine.callCount(); got != 1 {
		t.Fatalf("engine calls = %d, want 1 (group skipped)", got)
	}

	allowed, allowedTransport, allowedEngine := bridgeHelper(t, func(cfg *BridgeConfig) {
		cfg.AllowGroups = true
	})
	startBridge(t, allowed, allowedTransport)

	allowedTransport.msgs <- &Message{ChatID: "grp@g.us", SenderName: "Grp", Body: "hola", IsGroup: true}
	allowedTransport.waitSent(t, 1)
	if got := allowedEngine.callCount(); got != 1 {
		t.Fatalf("engine calls = %d, want 1 (group allowed)", got)
	}
}

func TestBridgeDispatchesSlashCommands(t *testing.T) {
	bridge, transport, engine := bridgeHelper(t)
	startBridge(t, bridge, transport)

	transport.msgs <- inbound("/mode exam")
	transport.waitSent(t, 1)

	if got := engine.callCount(); got != 0 {
		t.Fatalf("engine calls = %d, want 0 for a command", got)
	}
	sent := transport.lastSent(t)
	if !strings.Contains(sent, "exam") {
		t.Errorf("command reply = %q, want mode confirmation", sent)
	}
}

func TestBridgeDeclinesAudio(t *testing.T) {
	bridge, transport, engine := bridgeHelper(t)
	startBridge(t, bridge, transport)

	transport.msgs <- &Message{ChatID: "111@c.us", SenderName: "Alice", HasAudio: true}
	transport.waitSent(t, 1)

	if got := engine.callCount(); got != 0 {
		t.Fatalf("engine calls = %d, want 0 for audio", got)
	}
	if sent := transport.lastSent(t); !strings.Contains(sent, "send text") {
		t.Errorf("audio reply = %q", sent)
	}
}

func TestBridgeRateLimitsIncoming(t *testing.T) {
	bridge, transport, engine := bridgeHelper(t, func(cfg *BridgeConfig) {
		cfg.Limiter = admission.NewRateLimiter(admission.RateLimiterConfig{
			Window:          time.Minute,
			MaxMessages:     2,
			MinReplySpacing: time.Nanosecond,
		})
	})
	startBridge(t, bridge, transport)

	for i := 0; i < 4; i++ {
		transport.msgs <- inbound(fmt.Sprintf("message %d", i))
	}
	transport.waitSent(t, 2)

	// Give the loop a moment to process the denied messages.
	time.Sleep(50 * time.Millisecond)
	if got := engine.callCount(); got != 2 {
		t.Fatalf("engine calls = %d, want 2 within the window", got)
	}
}

func TestBridgeLoopGuardBlocksRepeats(t *testing.T) {
	bridge, transport, engine := bridgeHelper(t, func(cfg *BridgeConfig) {
		cfg.Limiter = admission.NewRateLimiter(admission.RateLimiterConfig{
			Window:          time.Minute,
			MaxMessages:     100,
			MinReplySpacing: time.Nanosecond,
		})
		cfg.LoopGuard = admission.NewLoopGuard(admission.LoopGuardConfig{MaxRepeat: 2})
	})
	engine.reply = "Repeat after me."
	startBridge(t, bridge, transport)

	for i := 0; i < 3; i++ {
		transport.msgs <- inbound(fmt.Sprintf("turn %d", i))
		transport.waitSent(t, i+1)
	}

	if sent := transport.lastSent(t); !strings.Contains(sent, "Loop protection") {
		t.Errorf("third identical reply = %q, want loop block", sent)
	}
}

func TestBridgeReportsTurnFailure(t *testing.T) {
	bridge, transport, engine := bridgeHelper(t)
	engine.err = fmt.Errorf("backend down")
	startBridge(t, bridge, transport)

	transport.msgs <- inbound("hola")
	transport.waitSent(t, 1)

	if sent := transport.lastSent(t); !strings.Contains(sent, "error") {
		t.Errorf("failure reply = %q", sent)
	}
}

func TestBridgePublishesTurnEvents(t *testing.T) {
	bus := events.New()
	bridge, transport, _ := bridgeHelper(t, func(cfg *BridgeConfig) {
		cfg.Bus = bus
	})
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)
	startBridge(t, bridge, transport)

	transport.msgs <- inbound("hola")
	transport.waitSent(t, 1)

	deadline := time.After(2 * time.Second)
	seen := map[string]bool{}
	for !seen[events.KindTurnComplete] {
		select {
		case e := <-ch:
			seen[e.Kind] = true
		case <-deadline:
			t.Fatalf("no turn-complete event, saw %v", seen)
		}
	}
	if !seen[events.KindTurnStart] {
		t.Error("no turn-start event")
	}
}
