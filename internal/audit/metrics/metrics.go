package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	EventsProcessed *prometheus.CounterVec
	DeadLetters     *prometheus.CounterVec
	Retries         prometheus.Counter
	ProcessDuration prometheus.Histogram
}

// New creates and registers all pipeline metrics. Call once per process.
func New() *Metrics {
	return &Metrics{
		EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_processed_total",
			Help: "Consumed events by terminal processing result.",
		}, []string{"result"}),
		DeadLetters: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_dead_letters_total",
			Help: "Events routed to the dead-letter store, by reason.",
		}, []string{"reason"}),
		Retries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audit_transient_retries_total",
			Help: "Processing attempts retried after a transient store failure.",
		}),
		ProcessDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_process_duration_seconds",
			Help:    "Time from message pickup to terminal outcome.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveOutcome records one terminal processing outcome.
func (m *Metrics) ObserveOutcome(result string, d time.Duration) {
	m.EventsProcessed.WithLabelValues(result).Inc()
	m.ProcessDuration.Observe(d.Seconds())
}
