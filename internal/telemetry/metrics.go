// Package telemetry provides observability primitives for the gateway:
// Prometheus metrics and OpenTelemetry tracing, both off unless configured.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the gateway registers.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	ProxyCacheHits   prometheus.Counter
	ProxyCacheMisses prometheus.Counter
	ProxyCoalesced   prometheus.Counter

	PaymentChallengesIssued *prometheus.CounterVec
	PaymentVerifyFailures   *prometheus.CounterVec
	PaymentSettleFailures   *prometheus.CounterVec

	SessionsActive    prometheus.Gauge
	SessionsExpired   *prometheus.CounterVec
	SessionBytesTotal prometheus.Counter

	RouterSelections *prometheus.CounterVec
	NodesActive      prometheus.Gauge

	AdmissionAttempts *prometheus.CounterVec
	BenchmarkScore    *prometheus.HistogramVec
}

// NewMetrics builds and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                   "gateway",
			Name:                        "request_duration_seconds",
			Help:                        "HTTP request duration in seconds.",
			NativeHistogramBucketFactor: 1.1,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_requests",
			Help:      "Number of currently in-flight requests.",
		}),

		ProxyCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "proxy_cache_hits_total",
			Help:      "Total dedup-proxy cache hits.",
		}),
		ProxyCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "proxy_cache_misses_total",
			Help:      "Total dedup-proxy cache misses.",
		}),
		ProxyCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "proxy_coalesced_total",
			Help:      "Total requests that joined an in-flight upstream call.",
		}),

		PaymentChallengesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "payment_challenges_issued_total",
			Help:      "Total 402 payment challenges issued.",
		}, []string{"resource"}),
		PaymentVerifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "payment_verify_failures_total",
			Help:      "Total facilitator verification failures.",
		}, []string{"network"}),
		PaymentSettleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "payment_settle_failures_total",
			Help:      "Total facilitator settlement failures after a passing verify.",
		}, []string{"network"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "sessions_active",
			Help:      "Number of currently live WebSocket sessions.",
		}),
		SessionsExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "sessions_expired_total",
			Help:      "Total sessions closed by budget expiry, by reason.",
		}, []string{"reason"}),
		SessionBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "session_bytes_total",
			Help:      "Total bytes relayed across all sessions.",
		}),

		RouterSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "router_selections_total",
			Help:      "Total node selections, by outcome.",
		}, []string{"outcome"}),
		NodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "nodes_active",
			Help:      "Number of nodes with status=active.",
		}),

		AdmissionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "admission_attempts_total",
			Help:      "Total node admission attempts, by outcome.",
		}, []string{"outcome"}),
		BenchmarkScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "admission_benchmark_score",
			Help:      "Composite benchmark score observed during admission.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}, []string{"leg"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.ProxyCacheHits,
		m.ProxyCacheMisses,
		m.ProxyCoalesced,
		m.PaymentChallengesIssued,
		m.PaymentVerifyFailures,
		m.PaymentSettleFailures,
		m.SessionsActive,
		m.SessionsExpired,
		m.SessionBytesTotal,
		m.RouterSelections,
		m.NodesActive,
		m.AdmissionAttempts,
		m.BenchmarkScore,
	)

	return m
}
