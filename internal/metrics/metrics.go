// Package metrics exposes the Prometheus collectors of the automaton.
// Collectors are registered on an explicit registry so tests stay hermetic.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "payment_automaton"

// Metrics groups every collector the automaton records into.
type Metrics struct {
	transactionsTotal  *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	pluginCallDuration *prometheus.HistogramVec
	pluginFailures     *prometheus.CounterVec
	retryAttempts      *prometheus.CounterVec
	inFlight           prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Finalized payment transactions by type and status.",
		}, []string{"transaction_type", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of RunTransaction calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transaction_type"}),
		pluginCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_call_duration_seconds",
			Help:      "Duration of plugin invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin", "outcome"}),
		pluginFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_failures_total",
			Help:      "Failed plugin invocations by failure kind.",
		}, []string{"plugin", "kind"}),
		retryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Control loop retry attempts by resulting status.",
		}, []string{"status"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_in_flight",
			Help:      "Transactions recorded but not yet finalized by this process.",
		}),
	}
}

func (m *Metrics) ObserveTransaction(txnType, status string) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(txnType, status).Inc()
}

func (m *Metrics) ObserveRun(txnType string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(txnType).Observe(d.Seconds())
}

func (m *Metrics) ObservePluginCall(plugin, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pluginCallDuration.WithLabelValues(plugin, outcome).Observe(d.Seconds())
}

func (m *Metrics) IncPluginFailure(plugin, kind string) {
	if m == nil {
		return
	}
	m.pluginFailures.WithLabelValues(plugin, kind).Inc()
}

func (m *Metrics) IncRetryAttempt(status string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(status).Inc()
}

func (m *Metrics) InFlightInc() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) InFlightDec() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// TransactionsTotal exposes the counter for tests.
func (m *Metrics) TransactionsTotal() *prometheus.CounterVec { return m.transactionsTotal }

// PluginFailures exposes the counter for tests.
func (m *Metrics) PluginFailures() *prometheus.CounterVec { return m.pluginFailures }

// RetryAttempts exposes the counter for tests.
func (m *Metrics) RetryAttempts() *prometheus.CounterVec { return m.retryAttempts }

// InFlight exposes the gauge for tests.
func (m *Metrics) InFlight() prometheus.Gauge { return m.inFlight }
