package admission

import (
	"testing"
	"time"
)

// fakeClock drives the limiter's notion of time in tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg RateLimiterConfig) (*RateLimiter, *fakeClock) {
	r := NewRateLimiter(cfg)
	clock := newFakeClock()
	r.now = clock.now
	return r, clock
}

func TestAllowIncomingWindowBudget(t *testing.T) {
	r, _ := newTestLimiter(RateLimiterConfig{Window: time.Minute, MaxMessages: 3})

	for i := 1; i <= 3; i++ {
		if d := r.AllowIncoming("learner-1"); !d.Allowed {
			t.Fatalf("message %d should be allowed", i)
		}
	}

	d := r.AllowIncoming("learner-1")
	if d.Allowed {
		t.Fatal("4th message within window should be denied")
	}
	if d.Reason != ReasonWindow {
		t.Errorf("reason: got %q, want %q", d.Reason, ReasonWindow)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("retry hint: got %v, want positive", d.RetryAfter)
	}
}

func TestAllowIncomingWindowReset(t *testing.T) {
	r, clock := newTestLimiter(RateLimiterConfig{Window: time.Minute, MaxMessages: 2})

	r.AllowIncoming("learner-1")
	r.AllowIncoming("learner-1")
	if d := r.AllowIncoming("learner-1"); d.Allowed {
		t.Fatal("over budget should be denied")
	}

	clock.advance(time.Minute + time.Second)

	if d := r.AllowIncoming("learner-1"); !d.Allowed {
		t.Fatal("fresh window should allow")
	}
	// Count restarted at 1, so one more fits before denial.
	if d := r.AllowIncoming("learner-1"); !d.Allowed {
		t.Fatal("second message of fresh window should be allowed")
	}
	if d := r.AllowIncoming("learner-1"); d.Allowed {
		t.Fatal("third message of fresh window should be denied")
	}
}

func TestAllowIncomingIndependentIdentities(t *testing.T) {
	r, _ := newTestLimiter(RateLimiterConfig{Window: time.Minute, MaxMessages: 1})

	if d := r.AllowIncoming("a"); !d.Allowed {
		t.Fatal("first for a")
	}
	if d := r.AllowIncoming("b"); !d.Allowed {
		t.Fatal("first for b")
	}
	if d := r.AllowIncoming("a"); d.Allowed {
		t.Fatal("a over budget")
	}
	if d := r.AllowIncoming("b"); d.Allowed {
		t.Fatal("b over budget")
	}
}

func TestAllowReplySpacing(t *testing.T) {
	r, clock := newTestLimiter(RateLimiterConfig{
		Window:          time.Minute,
		MaxMessages:     10,
		MinReplySpacing: 2 * time.Second,
	})

	if d := r.AllowReply("learner-1"); !d.Allowed {
		t.Fatal("first reply should be allowed")
	}

	clock.advance(time.Second)
	d := r.AllowReply("learner-1")
	if d.Allowed {
		t.Fatal("reply inside spacing should be denied")
	}
	if d.Reason != ReasonReplySpacing {
		t.Errorf("reason: %q", d.Reason)
	}
	if d.RetryAfter != time.Second {
		t.Errorf("retry hint: got %v, want 1s", d.RetryAfter)
	}

	clock.advance(time.Second)
	if d := r.AllowReply("learner-1"); !d.Allowed {
		t.Fatal("reply after spacing should be allowed")
	}
}

func TestReplyGateIndependentOfIncomingGate(t *testing.T) {
	r, clock := newTestLimiter(RateLimiterConfig{
		Window:          time.Minute,
		MaxMessages:     1,
		MinReplySpacing: time.Second,
	})

	r.AllowIncoming("learner-1")
	if d := r.AllowIncoming("learner-1"); d.Allowed {
		t.Fatal("incoming budget exhausted")
	}

	// Denied incoming messages never consume the reply gate.
	if d := r.AllowReply("learner-1"); !d.Allowed {
		t.Fatal("reply gate should be open")
	}

	// A window reset keeps the reply clock running.
	clock.advance(61 * time.Second)
	r.AllowIncoming("learner-1")
	if d := r.AllowReply("learner-1"); !d.Allowed {
		t.Fatal("reply after spacing should be allowed despite window reset")
	}
}

func TestBucketEviction(t *testing.T) {
	r, clock := newTestLimiter(RateLimiterConfig{Window: time.Minute, MaxMessages: 5})

	r.AllowIncoming("stale-learner")
	clock.advance(30 * time.Minute)
	// Any call past the cleanup interval triggers eviction.
	r.AllowIncoming("active-learner")

	r.mu.Lock()
	_, stale := r.buckets["stale-learner"]
	r.mu.Unlock()
	if stale {
		t.Error("stale bucket should have been evicted")
	}
}
