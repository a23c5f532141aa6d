package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loadcore"

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// Metrics holds the collectors shared by the load coordinator components.
type Metrics struct {
	registry prometheus.Gatherer

	// Capacity reservation.
	CapacityBytes  prometheus.Gauge
	ReservedBytes  prometheus.Gauge
	CapacityWaits  prometheus.Counter
	CapacityWaited prometheus.Histogram

	// Event routing.
	RecordsRouted *prometheus.CounterVec
	BytesRouted   *prometheus.CounterVec

	// Checkpoints.
	CheckpointsPending prometheus.Gauge
	CheckpointsEmitted *prometheus.CounterVec
	StatesReconciled   prometheus.Counter
}

// Default returns the process-wide Metrics registered with its own registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultSet = New(prometheus.NewRegistry())
	})
	return defaultSet
}

// OrDiscard returns m, or a Metrics bound to a private registry if m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(prometheus.NewRegistry())
}

// New registers a fresh set of collectors with the registry.
func New(registry *prometheus.Registry) *Metrics {
	var f = promauto.With(registry)

	return &Metrics{
		registry: registry,

		CapacityBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_bytes",
			Help:      "Total bytes of the reservation pool",
		}),
		ReservedBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reserved_bytes",
			Help:      "Bytes currently reserved from the pool",
		}),
		CapacityWaits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_waits_total",
			Help:      "Reservations which had to wait for capacity",
		}),
		CapacityWaited: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capacity_wait_seconds",
			Help:      "Time spent waiting for capacity",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		RecordsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_routed_total",
			Help:      "Records routed per stream",
		}, []string{"stream"}),
		BytesRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_routed_total",
			Help:      "Record bytes routed per stream",
		}, []string{"stream"}),
		CheckpointsPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoints_pending",
			Help:      "Checkpoints waiting for their records to be committed",
		}),
		CheckpointsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_emitted_total",
			Help:      "Checkpoints emitted to the output, by mode",
		}, []string{"mode"}),
		StatesReconciled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "states_reconciled_total",
			Help:      "Partitioned states emitted by the reconciler",
		}),
	}
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
