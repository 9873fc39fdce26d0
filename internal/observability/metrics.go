package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Record outcome labels for RecordsTotal.
const (
	StatusDelivered = "delivered"
	StatusFiltered  = "filtered"
	StatusFailed    = "failed"
	StatusMalformed = "malformed"
)

// Metrics holds the simulator's Prometheus metrics.
type Metrics struct {
	RecordsTotal       *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	RetriesTotal       *prometheus.CounterVec
	DeliveryFailures   *prometheus.CounterVec
	MalformedBatches   *prometheus.CounterVec
	IteratorRefreshes  *prometheus.CounterVec
	DeadLetterTotal    *prometheus.CounterVec
	ActivePipelines    *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsim_records_total",
			Help: "Records handed to functions, by outcome.",
		}, []string{"function", "source", "status"}),

		InvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamsim_invocation_duration_seconds",
			Help:    "Handler invocation latency per attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"function", "source"}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsim_retries_total",
			Help: "Batch redeliveries after a failed invocation.",
		}, []string{"function", "source"}),

		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsim_delivery_failures_total",
			Help: "Batches abandoned after exhausting retries.",
		}, []string{"function", "source"}),

		MalformedBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsim_malformed_batches_total",
			Help: "Batches dropped because a record was malformed.",
		}, []string{"function", "source"}),

		IteratorRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsim_iterator_refreshes_total",
			Help: "Shard iterators re-acquired after expiry.",
		}, []string{"function", "source"}),

		DeadLetterTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsim_dead_letter_total",
			Help: "Failure records sent to an on-failure destination.",
		}, []string{"function"}),

		ActivePipelines: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamsim_active_pipelines",
			Help: "Running shard and queue pipelines.",
		}, []string{"source"}),
	}
}
