package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/opentutor/opentutor/internal/events"
)

// DailyActivity tracks tutoring activity that resets at local
// midnight. It is safe for concurrent use from multiple goroutines.
type DailyActivity struct {
	mu       sync.Mutex
	turns    int64
	failures int64
	lastTurn time.Time
	learners map[string]struct{}
	resetDay int // day-of-year of last reset
	loc      *time.Location
}

// NewDailyActivity creates a new accumulator using the given timezone
// for midnight detection. If loc is nil, [time.Local] is used.
func NewDailyActivity(loc *time.Location) *DailyActivity {
	if loc == nil {
		loc = time.Local
	}
	return &DailyActivity{
		learners: make(map[string]struct{}),
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// OnTurn records one handled turn for a learner. Failed turns count
// toward the failure sensor but not the turn total.
func (d *DailyActivity) OnTurn(learnerID string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	if ok {
		d.turns++
		d.lastTurn = time.Now().In(d.loc)
	} else {
		d.failures++
	}
	if learnerID != "" {
		d.learners[learnerID] = struct{}{}
	}
}

// Snapshot returns the accumulated totals after checking for midnight
// rollover: turns, failures, distinct learners, and the last
// successful turn time (zero if none today).
func (d *DailyActivity) Snapshot() (turns, failures, learners int64, lastTurn time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.turns, d.failures, int64(len(d.learners)), d.lastTurn
}

// maybeReset zeroes the accumulators if the local day-of-year has
// changed. Must be called with d.mu held.
func (d *DailyActivity) maybeReset() {
	day := time.Now().In(d.loc).YearDay()
	if day == d.resetDay {
		return
	}
	d.resetDay = day
	d.turns = 0
	d.failures = 0
	d.lastTurn = time.Time{}
	d.learners = make(map[string]struct{})
}

// Track consumes bus events until ctx is cancelled, feeding the
// accumulator from turn outcomes. Intended to run as one goroutine.
func (d *DailyActivity) Track(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(128)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			learner, _ := e.Data["learner_id"].(string)
			switch e.Kind {
			case events.KindTurnComplete:
				d.OnTurn(learner, true)
			case events.KindTurnFailed:
				d.OnTurn(learner, false)
			}
		}
	}
}
