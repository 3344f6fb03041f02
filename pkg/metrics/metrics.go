package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labfleet_workers_total",
			Help: "Total number of workers by lifecycle status",
		},
		[]string{"status"},
	)

	WorkersServiceAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labfleet_workers_service_available",
			Help: "Number of workers whose lab service is reachable",
		},
	)

	LabsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labfleet_labs_total",
			Help: "Total number of lab records across the fleet",
		},
	)

	// Refresh metrics
	RefreshCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labfleet_refresh_cycles_total",
			Help: "Total number of fleet refresh cycles",
		},
	)

	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labfleet_refresh_duration_seconds",
			Help:    "Duration of per-worker refresh operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RefreshFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labfleet_refresh_failures_total",
			Help: "Total number of failed per-worker refresh operations",
		},
	)

	// Scheduler metrics
	JobsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labfleet_jobs_executed_total",
			Help: "Total number of background job executions by job name",
		},
		[]string{"job"},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labfleet_jobs_failed_total",
			Help: "Total number of failed background job executions by job name",
		},
		[]string{"job"},
	)

	// Relay metrics
	RelayEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labfleet_relay_events_published_total",
			Help: "Total number of events published to the relay by type",
		},
		[]string{"type"},
	)

	RelayEventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labfleet_relay_events_delivered_total",
			Help: "Total number of events delivered to subscriber queues",
		},
	)

	RelayEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labfleet_relay_events_dropped_total",
			Help: "Total number of events dropped because a subscriber queue was full",
		},
	)

	// Cloud metrics
	CloudAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labfleet_cloud_api_calls_total",
			Help: "Total number of cloud API calls by operation",
		},
		[]string{"operation"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkersServiceAvailable)
	prometheus.MustRegister(LabsTotal)
	prometheus.MustRegister(RefreshCyclesTotal)
	prometheus.MustRegister(RefreshDuration)
	prometheus.MustRegister(RefreshFailuresTotal)
	prometheus.MustRegister(JobsExecutedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(RelayEventsPublished)
	prometheus.MustRegister(RelayEventsDelivered)
	prometheus.MustRegister(RelayEventsDropped)
	prometheus.MustRegister(CloudAPICallsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
