// Package admission implements the two gates invoked around the turn
// engine: a per-learner sliding-window rate limiter with independent
// reply spacing, and a loop guard that detects the tutor repeating
// itself. Both keep per-identity state in maps with lazy TTL eviction
// so long-running hosts do not grow without bound.
package admission

import (
	"sync"
	"time"
)

// Decision is the outcome of an admission check. RetryAfter is a hint
// for when the caller may try again; it is only set on denial.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

const (
	// ReasonWindow denies an incoming message that exceeded the
	// sliding-window budget.
	ReasonWindow = "rate-limit-window"
	// ReasonReplySpacing denies a reply sent too soon after the
	// previous one.
	ReasonReplySpacing = "reply-spacing"
)

// bucket tracks one learner's window count and reply time. The
// incoming counter and the reply clock are independent gates.
type bucket struct {
	count       int
	windowStart time.Time
	lastReplyAt time.Time
	touchedAt   time.Time
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// Window is the sliding-window length for incoming messages.
	Window time.Duration
	// MaxMessages is the incoming budget per window.
	MaxMessages int
	// MinReplySpacing is the minimum gap between two outgoing
	// replies to the same learner.
	MinReplySpacing time.Duration
}

// RateLimiter applies per-learner admission control. Safe for
// concurrent use.
type RateLimiter struct {
	cfg RateLimiterConfig
	now func() time.Time

	mu          sync.Mutex
	buckets     map[string]*bucket
	lastCleanup time.Time
}

// cleanupInterval controls how often stale buckets are evicted. A
// bucket is stale after two full windows without activity.
const cleanupInterval = 10 * time.Minute

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 8
	}
	if cfg.MinReplySpacing <= 0 {
		cfg.MinReplySpacing = time.Second
	}
	return &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// AllowIncoming decides whether an inbound message from the learner
// may be processed. The first message of a fresh (or elapsed) window
// starts a new window with count 1.
func (r *RateLimiter) AllowIncoming(id string) Decision {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeCleanupLocked(now)

	b, ok := r.buckets[id]
	if !ok || now.Sub(b.windowStart) > r.cfg.Window {
		r.buckets[id] = &bucket{count: 1, windowStart: now, touchedAt: now}
		if ok {
			// Keep the reply clock across window resets; spacing is
			// independent of the incoming counter.
			r.buckets[id].lastReplyAt = b.lastReplyAt
		}
		return Decision{Allowed: true}
	}

	b.touchedAt = now
	if b.count >= r.cfg.MaxMessages {
		retry := r.cfg.Window - now.Sub(b.windowStart)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, RetryAfter: retry, Reason: ReasonWindow}
	}

	b.count++
	return Decision{Allowed: true}
}

// AllowReply decides whether an outgoing reply to the learner may be
// sent now, recording the send time when allowed. Independent of the
// incoming counter.
func (r *RateLimiter) AllowReply(id string) Decision {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[id]
	if !ok {
		b = &bucket{windowStart: now}
		r.buckets[id] = b
	}
	b.touchedAt = now

	if !b.lastReplyAt.IsZero() {
		elapsed := now.Sub(b.lastReplyAt)
		if elapsed < r.cfg.MinReplySpacing {
			return Decision{
				Allowed:    false,
				RetryAfter: r.cfg.MinReplySpacing - elapsed,
				Reason:     ReasonReplySpacing,
			}
		}
	}

	b.lastReplyAt = now
	return Decision{Allowed: true}
}

// maybeCleanupLocked evicts buckets idle for more than two windows.
// Called with the mutex held.
func (r *RateLimiter) maybeCleanupLocked(now time.Time) {
	if now.Sub(r.lastCleanup) < cleanupInterval {
		return
	}
	r.lastCleanup = now

	stale := 2 * r.cfg.Window
	if stale < cleanupInterval {
		stale = cleanupInterval
	}
	for id, b := range r.buckets {
		if now.Sub(b.touchedAt) > stale {
			delete(r.buckets, id)
		}
	}
}
