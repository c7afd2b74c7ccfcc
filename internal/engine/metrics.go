package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/content"
)

const metricsNamespace = "shelfsync"

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	cycles        *prometheus.CounterVec
	fetched       *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	combines      *prometheus.CounterVec
	retries       *prometheus.CounterVec
	notifications prometheus.Counter
	caughtUp      *prometheus.GaugeVec
	cycleSeconds  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_cycles_total",
			Help:      "Group sync cycles by result.",
		}, []string{"result"}),
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_fetched_total",
			Help:      "Transactions received from the node by source.",
		}, []string{"source"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handler_outcomes_total",
			Help:      "Content handler results by kind and outcome.",
		}, []string{"kind", "outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_unrecognized_total",
			Help:      "Transactions that matched no activity schema.",
		}, []string{"template"}),
		combines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "combine_results_total",
			Help:      "Segment combiner results by parent type and outcome.",
		}, []string{"parent", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Pending and empty retries by queue and result.",
		}, []string{"queue", "result"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "push_notifications_total",
			Help:      "Trx notifications received on the push channel.",
		}),
		caughtUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "group_caught_up",
			Help:      "1 when the group's last poll returned a short page.",
		}, []string{"group_id"}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sync_cycle_duration_seconds",
			Help:      "Duration of one group sync cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			metrics.cycles,
			metrics.fetched,
			metrics.outcomes,
			metrics.rejected,
			metrics.combines,
			metrics.retries,
			metrics.notifications,
			metrics.caughtUp,
			metrics.cycleSeconds,
		)
	}
	return metrics
}

func (m *Metrics) observeReport(report content.BatchReport) {
	if m == nil {
		return
	}
	for _, result := range report.Results {
		m.outcomes.WithLabelValues(string(result.Kind), string(result.Outcome)).Inc()
	}
}

func (m *Metrics) observeCombine(results []content.CombineResult) {
	if m == nil {
		return
	}
	for _, result := range results {
		m.combines.WithLabelValues(string(result.Parent), string(result.Outcome)).Inc()
	}
}

func (m *Metrics) observeFetched(source string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.fetched.WithLabelValues(source).Add(float64(count))
}

func (m *Metrics) observeRejected(template string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.rejected.WithLabelValues(template).Add(float64(count))
}

func (m *Metrics) observeRetry(queue, result string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(queue, result).Inc()
}

func (m *Metrics) observeCycle(result string, seconds float64) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleSeconds.Observe(seconds)
}

func (m *Metrics) observeNotification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) setCaughtUp(groupID string, caughtUp bool) {
	if m == nil {
		return
	}
	value := 0.0
	if caughtUp {
		value = 1
	}
	m.caughtUp.WithLabelValues(groupID).Set(value)
}
