package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opentutor/opentutor/internal/admission"
	"github.com/opentutor/opentutor/internal/commands"
	"github.com/opentutor/opentutor/internal/events"
	"github.com/opentutor/opentutor/internal/store"
	"github.com/opentutor/opentutor/internal/tutor"
)

// TurnRunner abstracts the tutor engine for testability. The real
// implementation is *tutor.Engine.
type TurnRunner interface {
	HandleTurn(ctx context.Context, learnerID, text string, source store.Source) (*tutor.TurnResult, error)
}

// CommandHandler abstracts slash-command dispatch. The real
// implementation is *commands.Handler.
type CommandHandler interface {
	Handle(learnerID, text, displayName string) (commands.Result, error)
}

// Transport abstracts the gateway client so tests can drive the
// bridge without a WebSocket.
type Transport interface {
	Messages() <-chan *Message
	Send(ctx context.Context, chatID, body string) error
	SendTyping(ctx context.Context, chatID string, active bool) error
}

// handleTimeout bounds how long a single inbound message may be
// processed (turn handling + reply send).
const handleTimeout = 2 * time.Minute

const (
	loopBlockedReply = "Loop protection triggered. Please send a new prompt or use /start."
	audioReply       = "Voice messages are not supported here yet. Please send text."
	failureReply     = "OpenTutor had an error processing your message. Please try again in a moment."
)

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Transport   Transport
	Engine      TurnRunner
	Commands    CommandHandler
	Store       *store.Store
	Limiter     *admission.RateLimiter
	LoopGuard   *admission.LoopGuard
	Bus         *events.Bus
	Logger      *slog.Logger
	AllowGroups bool
}

// Bridge receives WhatsApp messages from the gateway, routes them
// through admission control, command dispatch, and the tutor engine,
// and sends replies back through the gateway.
type Bridge struct {
	transport   Transport
	engine      TurnRunner
	commands    CommandHandler
	store       *store.Store
	limiter     *admission.RateLimiter
	loopGuard   *admission.LoopGuard
	bus         *events.Bus
	logger      *slog.Logger
	allowGroups bool

	mu        sync.Mutex
	chatLocks map[string]*sync.Mutex
	wg        sync.WaitGroup
}

// NewBridge creates a WhatsApp message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		transport:   cfg.Transport,
		engine:      cfg.Engine,
		commands:    cfg.Commands,
		store:       cfg.Store,
		limiter:     cfg.Limiter,
		loopGuard:   cfg.LoopGuard,
		bus:         cfg.Bus,
		logger:      logger,
		allowGroups: cfg.AllowGroups,
		chatLocks:   make(map[string]*sync.Mutex),
	}
}

// Start consumes gateway messages until ctx is cancelled or the
// message channel closes. Messages from different chats are handled
// concurrently; messages within one chat are serialized so turns
// cannot interleave for a learner.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("whatsapp bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("whatsapp bridge shutting down")
			b.wg.Wait()
			return
		case msg, ok := <-b.transport.Messages():
			if !ok {
				b.logger.Info("gateway message channel closed, bridge stopping")
				b.wg.Wait()
				return
			}
			if !b.admit(msg) {
				continue
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				lock := b.chatLock(msg.ChatID)
				lock.Lock()
				defer lock.Unlock()
				b.handleMessage(ctx, msg)
			}()
		}
	}
}

// admit applies the cheap pre-checks that need no learner state.
func (b *Bridge) admit(msg *Message) bool {
	if msg.FromMe {
		return false
	}
	if msg.ChatID == "" || msg.ChatID == "status@broadcast" {
		return false
	}
	if msg.IsGroup && !b.allowGroups {
		b.logger.Debug("ignoring group message", "chat_id", msg.ChatID)
		return false
	}
	return true
}

// handleMessage processes a single inbound message end to end.
func (b *Bridge) handleMessage(ctx context.Context, msg *Message) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	chatID := msg.ChatID
	start := time.Now()

	if err := b.store.EnsureLearner(chatID, msg.SenderName); err != nil {
		b.logger.Error("ensure learner failed", "chat_id", chatID, "error", err)
		return
	}
	b.store.LogEvent("info", "message.received", map[string]any{
		"is_group":  msg.IsGroup,
		"has_audio": msg.HasAudio,
	}, chatID)

	if d := b.limiter.AllowIncoming(chatID); !d.Allowed {
		b.store.LogEvent("warn", "rate_limited.incoming", map[string]any{
			"retry_after_ms": d.RetryAfter.Milliseconds(),
		}, chatID)
		b.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceWhatsApp,
			Kind:      events.KindRateLimited,
			Data:      map[string]any{"gate": d.Reason, "learner_id": chatID},
		})
		return
	}

	body := strings.TrimSpace(msg.Body)

	if strings.HasPrefix(body, "/") {
		b.handleCommand(ctx, chatID, msg.SenderName, body)
		return
	}

	if msg.HasAudio {
		b.reply(ctx, chatID, audioReply)
		return
	}
	if body == "" {
		return
	}

	if d := b.limiter.AllowReply(chatID); !d.Allowed {
		b.store.LogEvent("warn", "rate_limited.reply", map[string]any{
			"retry_after_ms": d.RetryAfter.Milliseconds(),
		}, chatID)
		b.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceWhatsApp,
			Kind:      events.KindRateLimited,
			Data:      map[string]any{"gate": d.Reason, "learner_id": chatID},
		})
		return
	}

	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWhatsApp,
		Kind:      events.KindTurnStart,
		Data:      map[string]any{"learner_id": chatID},
	})

	// Typing indicator before the potentially slow generation.
	// Best-effort, failure does not prevent processing.
	if err := b.transport.SendTyping(ctx, chatID, true); err != nil {
		b.logger.Debug("typing indicator failed", "error", err)
	}

	turn, err := b.engine.HandleTurn(ctx, chatID, body, store.SourceText)

	// Stop the typing indicator regardless of outcome. Use a fresh
	// background context so this cleanup runs even if the handler
	// context has timed out.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if typErr := b.transport.SendTyping(stopCtx, chatID, false); typErr != nil {
		b.logger.Debug("typing stop failed", "error", typErr)
	}
	stopCancel()

	if err != nil {
		if errors.Is(err, tutor.ErrEmptyInput) {
			return
		}
		b.logger.Error("turn failed", "chat_id", chatID, "error", err)
		b.store.LogEvent("error", "message.failed", map[string]any{
			"error": err.Error(),
		}, chatID)
		b.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceWhatsApp,
			Kind:      events.KindTurnFailed,
			Data:      map[string]any{"learner_id": chatID, "error": err.Error()},
		})
		b.reply(ctx, chatID, failureReply)
		return
	}

	if b.loopGuard.ShouldBlock(chatID, turn.Reply) {
		b.store.LogEvent("warn", "loop_guard.blocked", map[string]any{
			"preview": tutor.Clamp(turn.Reply, 80),
		}, chatID)
		b.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceWhatsApp,
			Kind:      events.KindLoopBlocked,
			Data:      map[string]any{"learner_id": chatID},
		})
		b.reply(ctx, chatID, loopBlockedReply)
		return
	}

	b.reply(ctx, chatID, FlattenMarkdown(turn.Reply))

	b.store.LogEvent("info", "message.replied", map[string]any{
		"chars": len(turn.Reply),
		"phase": string(turn.Phase),
	}, chatID)
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWhatsApp,
		Kind:      events.KindTurnComplete,
		Data: map[string]any{
			"learner_id":  chatID,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
}

// handleCommand dispatches a slash command and sends its reply.
func (b *Bridge) handleCommand(ctx context.Context, chatID, displayName, body string) {
	res, err := b.commands.Handle(chatID, body, displayName)
	if err != nil {
		b.logger.Error("command failed", "chat_id", chatID, "error", err)
		return
	}
	if !res.Handled || res.Reply == "" {
		return
	}
	if d := b.limiter.AllowReply(chatID); !d.Allowed {
		return
	}
	b.reply(ctx, chatID, res.Reply)
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWhatsApp,
		Kind:      events.KindCommandHandled,
		Data:      map[string]any{"learner_id": chatID},
	})
}

// reply sends a message back to the chat, logging failures.
func (b *Bridge) reply(ctx context.Context, chatID, body string) {
	if err := b.transport.Send(ctx, chatID, body); err != nil {
		b.logger.Error("reply send failed", "chat_id", chatID, "error", err)
	}
}

// chatLock returns the per-chat mutex, creating it on first use.
func (b *Bridge) chatLock(chatID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.chatLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		b.chatLocks[chatID] = lock
	}
	return lock
}
