package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry of the dispatcher
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// DispatchOutcomes counts booking and check results by mode and reason ("ok" on success)
	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ridepool_dispatch_outcomes_total", Help: "Dispatch outcomes by mode and reason."},
		[]string{"mode", "reason"},
	)
	// FreeSlotHits counts bookings served from an existing tour without solving
	FreeSlotHits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ridepool_free_slot_hits_total", Help: "Bookings placed into an existing tour without a solve."},
	)
	// SolveDuration tracks solver wall time by result
	SolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "ridepool_solve_duration_seconds", Help: "Solver duration in seconds.", Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10}},
		[]string{"result"},
	)
	// SolveAttempts records how many slack steps a solve needed
	SolveAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "ridepool_solve_attempts", Help: "Slack attempts per solve.", Buckets: []float64{1, 2, 3}},
	)
	// LifecycleRuns counts lifecycle job record results by job and status
	LifecycleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ridepool_lifecycle_records_total", Help: "Lifecycle job records by job and status."},
		[]string{"job", "status"},
	)
	// InboundEvents counts broker messages by type and status
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ridepool_inbound_events_total", Help: "Inbound broker events by type and status."},
		[]string{"type", "status"},
	)
	// OutboundEvents counts published events by kind
	OutboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ridepool_outbound_events_total", Help: "Published events by kind."},
		[]string{"kind"},
	)
	// WebhookDeliveries counts webhook POSTs by outcome (delivered, retry, dropped)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ridepool_webhook_deliveries_total", Help: "Webhook delivery attempts by outcome."},
		[]string{"outcome"},
	)
)

// RegisterDefault registers collectors to the dispatcher registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(DispatchOutcomes)
		Registry.MustRegister(FreeSlotHits)
		Registry.MustRegister(SolveDuration)
		Registry.MustRegister(SolveAttempts)
		Registry.MustRegister(LifecycleRuns)
		Registry.MustRegister(InboundEvents)
		Registry.MustRegister(OutboundEvents)
		Registry.MustRegister(WebhookDeliveries)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// ObserveSolve records one solver run.
func ObserveSolve(seconds float64, attempts int, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	SolveDuration.WithLabelValues(result).Observe(seconds)
	SolveAttempts.Observe(float64(attempts))
}
