package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/layer-3/passkeyd/core"
)

// Metrics holds the server-side ceremony and session counters
type Metrics struct {
	ceremonies  *prometheus.CounterVec
	validations *prometheus.CounterVec
}

// NewMetrics registers the counters on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ceremonies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "passkeyd",
			Name:      "ceremonies_total",
			Help:      "Completed ceremony attempts by purpose and outcome code.",
		}, []string{"purpose", "outcome"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "passkeyd",
			Name:      "session_validations_total",
			Help:      "Authoritative session validations by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.ceremonies, m.validations)
	}
	return m
}

func (m *Metrics) observeCeremony(purpose core.Purpose, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = core.Code(err)
	}
	m.ceremonies.WithLabelValues(string(purpose), outcome).Inc()
}

func (m *Metrics) observeValidation(err error, cached bool) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err != nil:
		result = core.Code(err)
	case cached:
		result = "cached"
	}
	m.validations.WithLabelValues(result).Inc()
}
