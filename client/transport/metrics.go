package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records pipeline outcomes
type Metrics struct {
	requests *prometheus.CounterVec
	retries  prometheus.Counter
	latency  *prometheus.HistogramVec
}

// NewMetrics registers the transport metrics on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "passkeyd_client",
			Name:      "requests_total",
			Help:      "Transport pipeline results by method and outcome.",
		}, []string{"method", "outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "passkeyd_client",
			Name:      "retries_total",
			Help:      "Retried attempts after a retryable failure.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "passkeyd_client",
			Name:      "request_duration_seconds",
			Help:      "Time spent in the pipeline per request, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.retries, m.latency)
	}
	return m
}

func (m *Metrics) outcome(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) observe(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(method).Observe(d.Seconds())
}
