// Package metrics exposes the pipeline's operational counters via
// Prometheus and tracks in-process component health. These are the
// process-level observables of the daemon itself; the domain metrics
// derived from telemetry events live in the metrics store.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fast-path metrics
	EventsRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blueplane_events_read_total",
			Help: "Events read from the ingress stream",
		},
	)

	BatchesCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blueplane_batches_committed_total",
			Help: "Raw batches committed to the raw store",
		},
	)

	BatchesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blueplane_batches_failed_total",
			Help: "Batch commit attempts that failed",
		},
	)

	CDCPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blueplane_cdc_published_total",
			Help: "CDC records appended to the cdc stream",
		},
	)

	CDCFallback = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blueplane_cdc_fallback_total",
			Help: "CDC records diverted to the local fallback log",
		},
	)

	AckFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blueplane_ack_failed_total",
			Help: "Ingress acknowledgements that failed",
		},
	)

	// Worker pool metrics
	RecordsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blueplane_records_processed_total",
			Help: "CDC records processed by builder and outcome",
		},
		[]string{"builder", "outcome"},
	)

	BuilderRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blueplane_builder_retries_total",
			Help: "Transient builder retries by builder",
		},
		[]string{"builder"},
	)

	CDCPendingDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blueplane_cdc_pending_depth",
			Help: "Pending-entries depth of the cdc consumer group",
		},
	)

	ShedLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blueplane_shed_level",
			Help: "Backpressure tier (0 normal, 1 warn, 2 shed, 3 shed+pause)",
		},
	)

	// Failure surface
	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blueplane_dlq_total",
			Help: "Events deposited on the dead-letter stream by stage",
		},
		[]string{"stage"},
	)

	InvariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blueplane_invariant_violations_total",
			Help: "Internal invariant violations observed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsRead,
		BatchesCommitted,
		BatchesFailed,
		CDCPublished,
		CDCFallback,
		AckFailed,
		RecordsProcessed,
		BuilderRetries,
		CDCPendingDepth,
		ShedLevel,
		DLQTotal,
		InvariantViolations,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
