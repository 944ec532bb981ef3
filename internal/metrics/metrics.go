// Package metrics exposes the Prometheus collectors shared by the explain,
// billing and settlement paths. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "papertutor"

// Metrics holds every collector registered by the daemon.
type Metrics struct {
	registry *prometheus.Registry

	artifactLookups     *prometheus.CounterVec
	artifactProductions *prometheus.CounterVec
	productionDuration  prometheus.Histogram
	accessOutcomes      *prometheus.CounterVec
	creditsDebited      prometheus.Counter
	billingAnomalies    prometheus.Counter
	settlements         *prometheus.CounterVec
	creditsSettled      prometheus.Counter
	consentTransitions  *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		artifactLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_lookups_total",
			Help:      "Artifact lookups by tier that answered (memory, store, miss).",
		}, []string{"result"}),
		artifactProductions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_productions_total",
			Help:      "Producer invocations by outcome (success, failure).",
		}, []string{"outcome"}),
		productionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "artifact_production_duration_seconds",
			Help:      "Latency of producer invocations.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}),
		accessOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_outcomes_total",
			Help:      "Explanation requests by outcome (cached, billed, preview, denied).",
		}, []string{"outcome"}),
		creditsDebited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_debited_total",
			Help:      "Credits debited for first access to an artifact.",
		}),
		billingAnomalies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_anomalies_total",
			Help:      "Debits whose access record could not be written.",
		}),
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Payment reconciliations by channel and resulting state.",
		}, []string{"channel", "state"}),
		creditsSettled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_settled_total",
			Help:      "Credits added by settled payments.",
		}),
		consentTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consent_transitions_total",
			Help:      "Consent grants and materialised expiries.",
		}, []string{"transition"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limit, by scope (explain, signup).",
		}, []string{"scope"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ArtifactLookup(result string) {
	if m != nil {
		m.artifactLookups.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ArtifactProduction(outcome string, seconds float64) {
	if m != nil {
		m.artifactProductions.WithLabelValues(outcome).Inc()
		m.productionDuration.Observe(seconds)
	}
}

func (m *Metrics) AccessOutcome(outcome string) {
	if m != nil {
		m.accessOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) CreditsDebited(amount int64) {
	if m != nil && amount > 0 {
		m.creditsDebited.Add(float64(amount))
	}
}

func (m *Metrics) BillingAnomaly() {
	if m != nil {
		m.billingAnomalies.Inc()
	}
}

// Settlement counts one reconciliation; credits is non-zero only when this
// call wrote the ledger entry.
func (m *Metrics) Settlement(channel, state string, credits int64) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(channel, state).Inc()
	if credits > 0 {
		m.creditsSettled.Add(float64(credits))
	}
}

func (m *Metrics) ConsentTransition(transition string) {
	if m != nil {
		m.consentTransitions.WithLabelValues(transition).Inc()
	}
}

func (m *Metrics) RateLimited(scope string) {
	if m != nil {
		m.rateLimited.WithLabelValues(scope).Inc()
	}
}
