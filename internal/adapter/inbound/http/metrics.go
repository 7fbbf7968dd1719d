// Package http provides the HTTP transport adapter for the authorization
// engine: the check-auth endpoint, the admin rule API, health, and metrics.
package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/countersign-labs/countersign/internal/service"
)

// Metrics holds all Prometheus metrics for countersign.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	CheckAuthTotal    *prometheus.CounterVec
	CheckAuthDuration prometheus.Histogram
	RuleMatchesTotal  *prometheus.CounterVec
	EnforcementsTotal *prometheus.CounterVec
	AuditDropsTotal   prometheus.Counter

	registry *prometheus.Registry
}

// NewServerMetrics builds a Metrics set backed by a fresh registry with
// the Go and process collectors attached. Use when the same instance must
// be shared between the engine and the transport's /metrics endpoint.
func NewServerMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewMetrics(reg)
	m.registry = reg
	return m
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "countersign",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "countersign",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		CheckAuthTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "countersign",
				Name:      "check_auth_total",
				Help:      "Total authorization invocations",
			},
			[]string{"result"},
		),
		CheckAuthDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "countersign",
				Name:      "check_auth_duration_seconds",
				Help:      "Authorization invocation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RuleMatchesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "countersign",
				Name:      "rule_matches_total",
				Help:      "Context rules winning a context, by rule type",
			},
			[]string{"type"},
		),
		EnforcementsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "countersign",
				Name:      "policy_enforcements_total",
				Help:      "Policy enforcement attempts",
			},
			[]string{"policy", "result"},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "countersign",
				Name:      "audit_drops_total",
				Help:      "Total audit events dropped due to backpressure",
			},
		),
	}
}

// CheckAuthCompleted records one finished authorization invocation.
func (m *Metrics) CheckAuthCompleted(result string, elapsed time.Duration) {
	m.CheckAuthTotal.WithLabelValues(result).Inc()
	m.CheckAuthDuration.Observe(elapsed.Seconds())
}

// RuleMatched records a rule winning a context.
func (m *Metrics) RuleMatched(typeKey string) {
	m.RuleMatchesTotal.WithLabelValues(typeKey).Inc()
}

// PolicyEnforced records one policy enforcement attempt.
func (m *Metrics) PolicyEnforced(policyID, result string) {
	m.EnforcementsTotal.WithLabelValues(policyID, result).Inc()
}

// Compile-time check that Metrics satisfies the engine's metrics port.
var _ service.AuthMetrics = (*Metrics)(nil)
