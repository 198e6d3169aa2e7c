package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts gateway traffic per provider and outcome.
type Metrics struct {
	requests *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics builds the gateway metric set and registers it on reg. A nil
// registry skips registration, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "LLM round-trips by provider and outcome.",
		}, []string{"provider", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cortex",
			Subsystem: "gateway",
			Name:      "tokens_total",
			Help:      "Tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cortex",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Provider round-trip latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.tokens, m.latency)
	}
	return m
}

func (m *Metrics) observe(provider, outcome string, inputTokens, outputTokens int, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(provider, outcome).Inc()
	m.tokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	m.tokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	m.latency.WithLabelValues(provider).Observe(seconds)
}
