package admission

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// loopState tracks the last outgoing text hash for one learner.
type loopState struct {
	hash      uint64
	count     int
	updatedAt time.Time
}

// LoopGuardConfig configures a LoopGuard.
type LoopGuardConfig struct {
	// MaxRepeat is how many consecutive identical replies are
	// tolerated before blocking.
	MaxRepeat int
	// TTL is how long repeat state survives without a new reply.
	TTL time.Duration
}

// LoopGuard detects the engine or backend degenerating into repeating
// the same reply verbatim across consecutive turns. Comparison is
// case-insensitive and whitespace-trimmed. Safe for concurrent use.
type LoopGuard struct {
	cfg LoopGuardConfig
	now func() time.Time

	mu          sync.Mutex
	state       map[string]*loopState
	lastCleanup time.Time
}

// NewLoopGuard creates a loop guard with the given configuration.
func NewLoopGuard(cfg LoopGuardConfig) *LoopGuard {
	if cfg.MaxRepeat <= 0 {
		cfg.MaxRepeat = 3
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &LoopGuard{
		cfg:   cfg,
		now:   time.Now,
		state: make(map[string]*loopState),
	}
}

// ShouldBlock reports whether the outgoing text is a blocked repeat.
// A different text, a missing entry, or an expired entry resets the
// counter to 1 and allows; an identical text increments the counter
// and blocks once it exceeds MaxRepeat.
func (g *LoopGuard) ShouldBlock(id, outgoingText string) bool {
	now := g.now()
	hash := hashText(outgoingText)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeCleanupLocked(now)

	current, ok := g.state[id]
	if !ok || now.Sub(current.updatedAt) > g.cfg.TTL {
		g.state[id] = &loopState{hash: hash, count: 1, updatedAt: now}
		return false
	}

	if current.hash == hash {
		current.count++
		current.updatedAt = now
		return current.count > g.cfg.MaxRepeat
	}

	g.state[id] = &loopState{hash: hash, count: 1, updatedAt: now}
	return false
}

// hashText normalizes (trim + lowercase) and hashes outgoing text.
func hashText(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(text))))
	return h.Sum64()
}

// maybeCleanupLocked evicts entries older than the TTL. Called with
// the mutex held.
func (g *LoopGuard) maybeCleanupLocked(now time.Time) {
	if now.Sub(g.lastCleanup) < cleanupInterval {
		return
	}
	g.lastCleanup = now

	for id, st := range g.state {
		if now.Sub(st.updatedAt) > g.cfg.TTL {
			delete(g.state, id)
		}
	}
}
