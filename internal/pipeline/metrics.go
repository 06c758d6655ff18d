package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	logsFetched = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "marketscope_logs_fetched_total", Help: "Raw logs fetched from the chain source"},
	)
	batchesPersisted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "marketscope_batches_persisted_total", Help: "Batches fully persisted and acknowledged"},
	)
	rollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "marketscope_rollbacks_total", Help: "Chain reorganizations handled"},
	)
	persistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "marketscope_persist_duration_seconds", Help: "Batch persist latency", Buckets: prometheus.DefBuckets},
	)

	// DecodeFailures counts per-log decode errors that were skipped. Batch
	// handlers increment it.
	DecodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "marketscope_decode_failures_total", Help: "Logs skipped due to decode errors"},
	)
	// RecordsDecoded counts successfully decoded records across handlers.
	RecordsDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "marketscope_records_decoded_total", Help: "Logs decoded into typed records"},
	)
)

func init() {
	prometheus.MustRegister(logsFetched, batchesPersisted, rollbacks, persistDuration, DecodeFailures, RecordsDecoded)
}
