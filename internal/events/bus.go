// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from components (turn
// engine, WhatsApp bridge, MQTT publisher) to subscribers (metrics
// collector, status publisher). The bus is nil-safe: calling Publish
// on a nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceEngine identifies events from the turn engine.
	SourceEngine = "engine"
	// SourceWhatsApp identifies events from the WhatsApp bridge.
	SourceWhatsApp = "whatsapp"
	// SourceMQTT identifies events from the MQTT status publisher.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a learner turn.
	// Data: learner, source, message_len.
	KindTurnStart = "turn_start"
	// KindTurnComplete signals a successfully handled turn.
	// Data: learner, phase, reply_len, duration_ms, summary_updated.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a turn that produced no reply.
	// Data: learner, reason.
	KindTurnFailed = "turn_failed"
	// KindRateLimited signals a denied admission check.
	// Data: learner, gate, retry_after_ms.
	KindRateLimited = "rate_limited"
	// KindLoopBlocked signals a reply suppressed by the loop guard.
	// Data: learner.
	KindLoopBlocked = "loop_blocked"
	// KindSummaryRefreshed signals a successful memory refresh.
	// Data: learner, length.
	KindSummaryRefreshed = "summary_refreshed"
	// KindCommandHandled signals a dispatched slash command.
	// Data: learner, command.
	KindCommandHandled = "command_handled"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so
	// Unsubscribe can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
