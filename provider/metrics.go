package provider

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the provider tier's prometheus collectors.
type Metrics struct {
	Requests *prometheus.CounterVec
	InFlight *prometheus.GaugeVec
	Retries  *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wopa_provider_requests_total",
			Help: "Provider calls by kind and outcome.",
		}, []string{"kind", "outcome"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wopa_provider_in_flight",
			Help: "Calls currently held by instances of a kind.",
		}, []string{"kind"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wopa_provider_retries_total",
			Help: "Fallback retries against a different instance.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.Requests, m.InFlight, m.Retries)
	return m
}
