package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Transaction outcomes used as the "outcome" label.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeClosed    = "closed"
	OutcomeTransport = "transport"
)

// Metrics groups the client's collectors. A nil *Metrics records nothing.
type Metrics struct {
	started prometheus.Counter
	settled *prometheus.CounterVec
	pending prometheus.Gauge
	events  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "started_total",
			Help:      "Correlated requests registered.",
		}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "settled_total",
			Help:      "Correlated requests settled, by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "pending",
			Help:      "Correlated requests awaiting settlement.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handle",
			Name:      "events_total",
			Help:      "Handle notifications emitted, by event.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.started, m.settled, m.pending, m.events)
	}
	return m
}

// TransactionStarted records a newly registered transaction.
func (m *Metrics) TransactionStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.pending.Inc()
}

// TransactionSettled records a settlement with the given outcome.
func (m *Metrics) TransactionSettled(outcome string) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(outcome).Inc()
	m.pending.Dec()
}

// HandleEvent records a handle notification.
func (m *Metrics) HandleEvent(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}
