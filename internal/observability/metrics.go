// Package observability exposes Prometheus instruments for the tutor
// daemon. A collector subscribes to the event bus and translates
// operational events into metric updates, keeping the engine and
// bridge free of metrics plumbing.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opentutor/opentutor/internal/events"
)

// Metrics groups all Prometheus instruments used by the daemon.
type Metrics struct {
	TurnsTotal        *prometheus.CounterVec
	AdmissionDenials  *prometheus.CounterVec
	LoopBlocks        prometheus.Counter
	SummaryRefreshes  prometheus.Counter
	CommandsTotal     prometheus.Counter
	TurnDuration      prometheus.Histogram
	ActiveSubscribers prometheus.Gauge
}

// NewMetrics registers all instruments under the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Learner turns by outcome.",
		}, []string{"outcome"}),
		AdmissionDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denials_total",
			Help:      "Denied admission checks by gate.",
		}, []string{"gate"}),
		LoopBlocks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_blocks_total",
			Help:      "Replies suppressed by the loop guard.",
		}),
		SummaryRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_refreshes_total",
			Help:      "Successful memory summary refreshes.",
		}),
		CommandsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Handled slash commands.",
		}),
		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time for one handled turn, generation included.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		ActiveSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Active event bus subscribers.",
		}),
	}
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Collect consumes bus events until ctx is cancelled, updating the
// instruments. Intended to run as one goroutine per process.
func (m *Metrics) Collect(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.apply(e)
		}
	}
}

func (m *Metrics) apply(e events.Event) {
	switch e.Kind {
	case events.KindTurnComplete:
		m.TurnsTotal.WithLabelValues("ok").Inc()
		if ms, ok := e.Data["duration_ms"].(int64); ok {
			m.TurnDuration.Observe(float64(ms) / 1000)
		}
	case events.KindTurnFailed:
		m.TurnsTotal.WithLabelValues("failed").Inc()
	case events.KindRateLimited:
		gate, _ := e.Data["gate"].(string)
		if gate == "" {
			gate = "unknown"
		}
		m.AdmissionDenials.WithLabelValues(gate).Inc()
	case events.KindLoopBlocked:
		m.LoopBlocks.Inc()
	case events.KindSummaryRefreshed:
		m.SummaryRefreshes.Inc()
	case events.KindCommandHandled:
		m.CommandsTotal.Inc()
	}
}
