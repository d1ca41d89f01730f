package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors the monitoring engine reports into.
// A single instance is shared across components.
type Metrics struct {
	CycleDuration     prometheus.Histogram
	CycleRuns         *prometheus.CounterVec
	InsightsEmitted   *prometheus.CounterVec
	CircuitState      *prometheus.GaugeVec
	CacheRequests     *prometheus.CounterVec
	NotificationSends *prometheus.CounterVec
}

// NewMetrics registers and returns the harborwatch collectors
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "harborwatch",
			Name:      "monitoring_cycle_duration_seconds",
			Help:      "Wall-clock duration of a full monitoring cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		CycleRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harborwatch",
			Name:      "monitoring_cycle_runs_total",
			Help:      "Monitoring cycle executions by outcome.",
		}, []string{"outcome"}),
		InsightsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harborwatch",
			Name:      "insights_emitted_total",
			Help:      "Insights produced per cycle by category and severity.",
		}, []string{"category", "severity"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "harborwatch",
			Name:      "inventory_circuit_state",
			Help:      "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open).",
		}, []string{"endpoint_id"}),
		CacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harborwatch",
			Name:      "swr_cache_requests_total",
			Help:      "SWR cache requests by result (hit, stale, miss).",
		}, []string{"result"}),
		NotificationSends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harborwatch",
			Name:      "notification_sends_total",
			Help:      "Notification attempts by channel and status.",
		}, []string{"channel", "status"}),
	}
}
