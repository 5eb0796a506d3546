package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the edge router.
type Metrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	AuthFailures    *prometheus.CounterVec
	BreakerRejects  *prometheus.CounterVec
}

// New creates and registers all gateway metrics. Call once per process.
func New() *Metrics {
	return &Metrics{
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end latency of proxied requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Proxied requests by route, method and response status.",
		}, []string{"route", "method", "status"}),
		RetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_forward_retries_total",
			Help: "Idempotent forwards retried after a connection failure.",
		}),
		AuthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Rejected requests by auth failure reason.",
		}, []string{"reason"}),
		BreakerRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_rejects_total",
			Help: "Requests failed fast because the target circuit was open.",
		}, []string{"target"}),
	}
}

// ObserveRequest records latency and status for one proxied request.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	m.RequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}
