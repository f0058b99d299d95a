package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Host metrics
	ComponentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_components_total",
			Help: "Number of components in the local index by lattice",
		},
		[]string{"lattice"},
	)

	ComponentInstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_component_max_instances_total",
			Help: "Sum of max_instances across local components by lattice",
		},
		[]string{"lattice"},
	)

	ProvidersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_providers_total",
			Help: "Number of supervised provider processes by lattice",
		},
		[]string{"lattice"},
	)

	// Invocation metrics
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_component_invocations_total",
			Help: "Completed component export invocations",
		},
		[]string{"lattice", "operation", "success"},
	)

	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_component_invocation_duration_nanoseconds",
			Help:    "Duration of component export invocations in nanoseconds",
			Buckets: prometheus.ExponentialBuckets(1e5, 10, 8),
		},
		[]string{"lattice", "operation", "success"},
	)

	// Provider health metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_provider_health_checks_total",
			Help: "Provider health checks by result",
		},
		[]string{"lattice", "result"},
	)

	// Control interface metrics
	ControlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_control_requests_total",
			Help: "Control interface requests by kind and verb",
		},
		[]string{"kind", "verb", "success"},
	)

	// Store metrics
	StoreEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_store_events_total",
			Help: "Lattice bucket watch events processed by operation",
		},
		[]string{"operation"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_events_published_total",
			Help: "Lifecycle events published by event name",
		},
		[]string{"event"},
	)
)

// Register registers all metrics with the default registry
func Register() {
	prometheus.MustRegister(
		ComponentsTotal,
		ComponentInstancesTotal,
		ProvidersTotal,
		InvocationsTotal,
		InvocationDuration,
		HealthChecksTotal,
		ControlRequestsTotal,
		StoreEventsTotal,
		EventsPublishedTotal,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and records it into a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into the given observer
func (t *Timer) ObserveDuration(obs prometheus.Observer) time.Duration {
	d := time.Since(t.start)
	obs.Observe(float64(d.Nanoseconds()))
	return d
}
