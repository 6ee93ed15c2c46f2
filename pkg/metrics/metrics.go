// Package metrics exposes Prometheus instrumentation for relay turns.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/papercomputeco/chatrelay/pkg/upstream"
)

const namespace = "chatrelay"

// Turn outcomes used as label values.
const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeDisconnected = "disconnected"
)

// Metrics holds the relay collectors. A nil *Metrics records nothing.
type Metrics struct {
	TurnsTotal          *prometheus.CounterVec
	TurnDurationSeconds *prometheus.HistogramVec
	ActiveTurns         prometheus.Gauge
	FragmentsTotal      prometheus.Counter
	DecodeSkipsTotal    prometheus.Counter
	UpstreamErrorsTotal *prometheus.CounterVec
	PartialSavesTotal   prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "turns_total",
				Help:      "Total chat turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "turn_duration_seconds",
				Help:      "Turn duration from user message to terminal event",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),

		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_turns",
			Help:      "Turns currently streaming",
		}),

		FragmentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "fragments_total",
			Help:      "Fragments forwarded to callers",
		}),

		DecodeSkipsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalize",
			Name:      "skipped_lines_total",
			Help:      "Upstream payload lines skipped as undecodable",
		}),

		UpstreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "errors_total",
				Help:      "Upstream failures by kind",
			},
			[]string{"kind"},
		),

		PartialSavesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "partial_saves_total",
			Help:      "Assistant messages saved from an interrupted stream",
		}),
	}
}

func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Inc()
}

func (m *Metrics) TurnFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) Fragment() {
	if m == nil {
		return
	}
	m.FragmentsTotal.Inc()
}

func (m *Metrics) DecodeSkipped() {
	if m == nil {
		return
	}
	m.DecodeSkipsTotal.Inc()
}

func (m *Metrics) PartialSaved() {
	if m == nil {
		return
	}
	m.PartialSavesTotal.Inc()
}

// UpstreamError counts err under its upstream kind.
func (m *Metrics) UpstreamError(err error) {
	if m == nil {
		return
	}
	m.UpstreamErrorsTotal.WithLabelValues(kindOf(err)).Inc()
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		return "timeout"
	case errors.Is(err, upstream.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, upstream.ErrHTTPStatus):
		return "http_status"
	case errors.Is(err, upstream.ErrMalformedResponse):
		return "malformed_response"
	default:
		return "other"
	}
}
