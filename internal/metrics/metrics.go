// Package metrics holds the Prometheus collectors for the payment flow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "payments"

// Webhook results recorded by ObserveWebhook.
const (
	WebhookApplied      = "applied"
	WebhookDuplicate    = "duplicate"
	WebhookUnauthorized = "unauthorized"
	WebhookInvalid      = "invalid"
	WebhookError        = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	initiated             *prometheus.CounterVec
	webhooks              *prometheus.CounterVec
	transitions           *prometheus.CounterVec
	reconciliationFailure prometheus.Counter
	rateLimited           prometheus.Counter
	requestDuration       *prometheus.HistogramVec
}

// New registers all collectors on a private registry so tests can build
// as many instances as they need.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		initiated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "initiated_total",
			Help:      "Payment initiations by provider and upstream outcome.",
		}, []string{"provider", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound webhooks by provider and processing result.",
		}, []string{"provider", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Applied ledger transitions out of pending.",
		}, []string{"provider", "status", "source"}),
		reconciliationFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_reconciliation_failures_total",
			Help:      "Settled payments whose order could not be updated.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Initiate requests rejected by the rate limiter.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}

	reg.MustRegister(m.initiated, m.webhooks, m.transitions, m.reconciliationFailure, m.rateLimited, m.requestDuration)
	return m
}

func (m *Metrics) ObserveInitiate(provider, outcome string) {
	m.initiated.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveWebhook(provider, result string) {
	m.webhooks.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ObserveTransition(provider, status, source string) {
	m.transitions.WithLabelValues(provider, status, source).Inc()
}

func (m *Metrics) ReconciliationFailed() {
	m.reconciliationFailure.Inc()
}

func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

func (m *Metrics) ObserveRequest(route, code string, seconds float64) {
	m.requestDuration.WithLabelValues(route, code).Observe(seconds)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
