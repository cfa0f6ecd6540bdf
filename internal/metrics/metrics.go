package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stripe_reconciler"

// Metrics groups the collectors the service reports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	webhookEvents      *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	lockWait           prometheus.Histogram
	lockTimeouts       prometheus.Counter
	reconciledRepaired *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		webhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stripe_webhook_events_total",
			Help:      "Stripe webhook events handled, by event type and outcome.",
		}, []string{"type", "outcome"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transaction_transitions_total",
			Help:      "Order transaction state requests, by target state and result.",
		}, []string{"target", "result"}),
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_transaction_lock_wait_seconds",
			Help:      "Time spent waiting for a per-transaction lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		lockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transaction_lock_timeouts_total",
			Help:      "Lock acquisitions that gave up waiting.",
		}),
		reconciledRepaired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_repaired_total",
			Help:      "Stuck order transactions moved to a final state by the reconciliation worker.",
		}, []string{"target"}),
	}
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) Transition(target, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(target, result).Inc()
}

func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) LockTimeout() {
	if m == nil {
		return
	}
	m.lockTimeouts.Inc()
}

func (m *Metrics) Repaired(target string) {
	if m == nil {
		return
	}
	m.reconciledRepaired.WithLabelValues(target).Inc()
}
