package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// MutationsTotal counts orchestrator operations by entity kind,
	// operation name, and outcome (ok, not_found, bad_transition,
	// validation, conflict, invalid_state, counter_locked, error).
	MutationsTotal *prometheus.CounterVec

	// NumbersAllocated counts freshly issued sequence numbers.
	NumbersAllocated *prometheus.CounterVec

	// AllocationReplays counts idempotent allocate calls answered from the
	// index without touching a counter.
	AllocationReplays prometheus.Counter

	// AllocationsExpired counts provisional allocations aged out by the
	// sweep or lazily on read.
	AllocationsExpired prometheus.Counter

	// WriteConflicts counts optimistic-version losers surfaced to callers.
	WriteConflicts prometheus.Counter

	// RequestDuration observes HTTP handler latency.
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		MutationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dartachalani_mutations_total",
			Help: "Case mutations by entity kind, operation, and outcome",
		}, []string{"entity", "operation", "outcome"}),
		NumbersAllocated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dartachalani_numbers_allocated_total",
			Help: "Sequence numbers issued, by document type and scope",
		}, []string{"document_type", "scope"}),
		AllocationReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dartachalani_allocation_replays_total",
			Help: "Allocate calls answered idempotently without counter mutation",
		}),
		AllocationsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dartachalani_allocations_expired_total",
			Help: "Provisional allocations expired by TTL",
		}),
		WriteConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dartachalani_write_conflicts_total",
			Help: "Concurrent-write conflicts surfaced to callers",
		}),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dartachalani_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// ObserveMutation records one orchestrator operation outcome. Nil-safe so
// services can run without metrics in tests.
func (m *Metrics) ObserveMutation(entity, operation, outcome string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(entity, operation, outcome).Inc()
}
