// Package telemetry holds the Prometheus instrumentation shared by the
// orchestration engine and the HTTP server. Metrics register on the default
// registerer and are served by the /metrics endpoint.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the counter/histogram bundle recorded per request cycle.
type Metrics struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	tokens         *prometheus.CounterVec
	memoryFailures *prometheus.CounterVec
	coRoutes       prometheus.Counter
}

// New registers the metric set under the counsel namespace. Call once per
// process.
func New() *Metrics {
	return &Metrics{
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counsel",
			Name:      "requests_total",
			Help:      "Requests handled, by routed agent and outcome.",
		}, []string{"agent", "outcome"}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "counsel",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration, by routed agent.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"agent"}),
		tokens: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counsel",
			Name:      "tokens_used_total",
			Help:      "Completion tokens consumed, by routed agent.",
		}, []string{"agent"}),
		memoryFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counsel",
			Name:      "memory_write_failures_total",
			Help:      "Failed memory writes, by store kind.",
		}, []string{"store"}),
		coRoutes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "counsel",
			Name:      "co_routes_total",
			Help:      "Requests where a second specialist was co-routed.",
		}),
	}
}

// ObserveRequest records one finished request cycle.
func (m *Metrics) ObserveRequest(agent string, outcome string, tokens int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(agent, outcome).Inc()
	m.duration.WithLabelValues(agent).Observe(elapsed.Seconds())
	if tokens > 0 {
		m.tokens.WithLabelValues(agent).Add(float64(tokens))
	}
}

// ObserveCoRoute records that a sub-agent ran alongside the primary.
func (m *Metrics) ObserveCoRoute() {
	if m == nil {
		return
	}
	m.coRoutes.Inc()
}

// ObserveMemoryFailure records a failed write to one of the memory stores
// ("relational" or "semantic").
func (m *Metrics) ObserveMemoryFailure(store string) {
	if m == nil {
		return
	}
	m.memoryFailures.WithLabelValues(store).Inc()
}
