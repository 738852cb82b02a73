package arbiter

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fallback-oracle/internal/registry"
	"fallback-oracle/internal/twap"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	Decisions    *prometheus.CounterVec
	GateFailures *prometheus.CounterVec
	Errors       *prometheus.CounterVec
	Duration     prometheus.Histogram
}

// NewMetrics builds the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "decisions_total",
			Help:      "Arbitrated prices by chosen source.",
		}, []string{"query_id", "source"}),
		GateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "gate_failures_total",
			Help:      "AMM gate failures by gate.",
		}, []string{"query_id", "gate"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "errors_total",
			Help:      "Queries that produced no price, by reason.",
		}, []string{"reason"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "decision_duration_seconds",
			Help:      "Wall time of one arbitration including both reads.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions, m.GateFailures, m.Errors, m.Duration)
	}
	return m
}

func (m *Metrics) observe(d Decision, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Duration.Observe(elapsed.Seconds())
	if err != nil {
		m.Errors.WithLabelValues(errorReason(err)).Inc()
		return
	}
	id := d.QueryID.String()
	m.Decisions.WithLabelValues(id, d.Result.Source.String()).Inc()
	for _, g := range d.Gates.Failures() {
		m.GateFailures.WithLabelValues(id, string(g)).Inc()
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrUnknownIdentifier):
		return "unknown_identifier"
	case errors.Is(err, ErrNoReferenceData):
		return "no_reference_data"
	case errors.Is(err, twap.ErrInsufficientObservationHistory):
		return "insufficient_history"
	case errors.Is(err, twap.ErrInvalidWindow):
		return "invalid_window"
	default:
		return "read_failed"
	}
}
