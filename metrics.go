package acme

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the counters exported by the Manager. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	lookups  *prometheus.CounterVec
	renewals *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acme",
			Name:      "certificate_lookups_total",
			Help:      "Certificate lookups by freshness state.",
		}, []string{"state"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acme",
			Name:      "renewals_total",
			Help:      "Renewal attempts by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.lookups, m.renewals)
	}
	return m
}

func (m *Metrics) observeLookup(state freshness) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) observeRenewal(outcome Outcome) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(outcome.String()).Inc()
}
