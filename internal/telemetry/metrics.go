// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	FailoverAttempts  *prometheus.CounterVec
	CircuitState      *prometheus.GaugeVec
	RateLimitRejects  *prometheus.CounterVec
	TokensProcessed   *prometheus.CounterVec
	CreditsCharged    *prometheus.CounterVec
	TrialRequests     prometheus.Counter
	AuthCacheHits     prometheus.Counter
	AuthCacheMisses   prometheus.Counter
	UsageQueueDropped prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewayz",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "gatewayz",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewayz",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "gatewayz",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewayz",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		FailoverAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewayz",
			Name:      "failover_attempts_total",
			Help:      "Provider attempts per failover run, by outcome.",
		}, []string{"provider", "outcome"}),

		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatewayz",
			Name:      "circuit_open",
			Help:      "1 when the (model, provider) circuit is open.",
		}, []string{"model", "provider"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewayz",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"window"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewayz",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		CreditsCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewayz",
			Name:      "credits_charged_total",
			Help:      "Total credits deducted from user balances.",
		}, []string{"model"}),

		TrialRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewayz",
			Name:      "trial_requests_total",
			Help:      "Total requests served under trial entitlement.",
		}),

		AuthCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewayz",
			Name:      "auth_cache_hits_total",
			Help:      "Total API key cache hits.",
		}),

		AuthCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewayz",
			Name:      "auth_cache_misses_total",
			Help:      "Total API key cache misses.",
		}),

		UsageQueueDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewayz",
			Name:      "usage_records_dropped",
			Help:      "Usage records discarded due to a full queue.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FailoverAttempts,
		m.CircuitState,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.CreditsCharged,
		m.TrialRequests,
		m.AuthCacheHits,
		m.AuthCacheMisses,
		m.UsageQueueDropped,
	)

	return m
}
