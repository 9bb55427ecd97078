package admission

import (
	"testing"
	"time"
)

func newTestGuard(cfg LoopGuardConfig) (*LoopGuard, *fakeClock) {
	g := NewLoopGuard(cfg)
	clock := newFakeClock()
	g.now = clock.now
	return g, clock
}

func TestLoopGuardBlocksAfterMaxRepeat(t *testing.T) {
	g, _ := newTestGuard(LoopGuardConfig{MaxRepeat: 3, TTL: 5 * time.Minute})

	// maxRepeat identical sends are tolerated; the next one blocks.
	for i := 1; i <= 3; i++ {
		if g.ShouldBlock("learner-1", "same reply") {
			t.Fatalf("send %d should not block", i)
		}
	}
	if !g.ShouldBlock("learner-1", "same reply") {
		t.Fatal("4th identical send should block")
	}
}

func TestLoopGuardNormalizesText(t *testing.T) {
	g, _ := newTestGuard(LoopGuardConfig{MaxRepeat: 1, TTL: time.Minute})

	if g.ShouldBlock("learner-1", "Hola amigo") {
		t.Fatal("first send")
	}
	// Case and surrounding whitespace do not make the text different.
	if !g.ShouldBlock("learner-1", "  HOLA AMIGO  ") {
		t.Fatal("normalized repeat should block")
	}
}

func TestLoopGuardDifferentTextResets(t *testing.T) {
	g, _ := newTestGuard(LoopGuardConfig{MaxRepeat: 2, TTL: time.Minute})

	g.ShouldBlock("learner-1", "reply a")
	g.ShouldBlock("learner-1", "reply a")
	// One different text resets the counter.
	if g.ShouldBlock("learner-1", "reply b") {
		t.Fatal("different text should not block")
	}
	if g.ShouldBlock("learner-1", "reply a") {
		t.Fatal("counter should have reset")
	}
	if g.ShouldBlock("learner-1", "reply a") {
		t.Fatal("second repeat within tolerance")
	}
	if !g.ShouldBlock("learner-1", "reply a") {
		t.Fatal("third repeat should block")
	}
}

func TestLoopGuardTTLExpiry(t *testing.T) {
	g, clock := newTestGuard(LoopGuardConfig{MaxRepeat: 1, TTL: time.Minute})

	g.ShouldBlock("learner-1", "same")
	clock.advance(2 * time.Minute)

	// Expired state resets to count 1.
	if g.ShouldBlock("learner-1", "same") {
		t.Fatal("expired state should not block")
	}
}

func TestLoopGuardIdentitiesIndependent(t *testing.T) {
	g, _ := newTestGuard(LoopGuardConfig{MaxRepeat: 1, TTL: time.Minute})

	g.ShouldBlock("a", "same")
	if g.ShouldBlock("b", "same") {
		t.Fatal("identities must not share repeat state")
	}
}
