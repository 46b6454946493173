// Package metrics exposes Prometheus instrumentation for the auth flows. A
// nil *Collector is valid and records nothing, so instrumentation stays
// optional for embedders that do not run Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector counts flow outcomes. All methods are nil-safe.
type Collector struct {
	logins    *prometheus.CounterVec
	callbacks *prometheus.CounterVec
	refreshes prometheus.Counter
	errors    prometheus.Counter
}

// NewCollector registers the auth metrics on reg and returns a Collector.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aponia",
			Name:      "login_initiations_total",
			Help:      "Login flows started, by provider.",
		}, []string{"provider"}),
		callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aponia",
			Name:      "callbacks_total",
			Help:      "Callback completions, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		refreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aponia",
			Name:      "session_refreshes_total",
			Help:      "Sessions re-issued by the refresh hook.",
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aponia",
			Name:      "flow_errors_total",
			Help:      "Requests answered with an error response.",
		}),
	}
}

// LoginStarted records a login initiation for a provider.
func (c *Collector) LoginStarted(provider string) {
	if c == nil {
		return
	}
	c.logins.WithLabelValues(provider).Inc()
}

// CallbackFinished records a callback completion and its outcome.
func (c *Collector) CallbackFinished(provider string, ok bool) {
	if c == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	c.callbacks.WithLabelValues(provider, outcome).Inc()
}

// SessionRefreshed records a session re-issued on an ordinary request.
func (c *Collector) SessionRefreshed() {
	if c == nil {
		return
	}
	c.refreshes.Inc()
}

// FlowErrored records a request packaged as an error response.
func (c *Collector) FlowErrored() {
	if c == nil {
		return
	}
	c.errors.Inc()
}
