package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the execution core.
// A nil *Metrics is valid everywhere; every method no-ops on nil so
// instrumentation stays optional.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	TasksEvicted   prometheus.Counter
	QueueDepth     *prometheus.GaugeVec
	TaskDuration   *prometheus.HistogramVec

	WorkerCount  *prometheus.GaugeVec
	WorkersBusy  *prometheus.GaugeVec
	PoolScalings *prometheus.CounterVec

	BatchSize        prometheus.Histogram
	BatchRetries     prometheus.Counter
	RecordsEvicted   prometheus.Counter
	CompressionRatio prometheus.Gauge
	BytesIn          prometheus.Counter
	BytesOut         prometheus.Counter
}

// New creates a metrics collection registered on its own registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	return NewWith(prometheus.WrapRegistererWith(prometheus.Labels{"service": "taskstream"}, registry), registry)
}

// NewWith creates a metrics collection on the given registerer
func NewWith(registerer prometheus.Registerer, registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		TasksSubmitted: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskstream_tasks_submitted_total",
				Help: "Total number of tasks accepted by the scheduler",
			},
			[]string{"priority"},
		),
		TasksCompleted: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskstream_tasks_completed_total",
				Help: "Total number of tasks completed successfully",
			},
			[]string{"pool"},
		),
		TasksFailed: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskstream_tasks_failed_total",
				Help: "Total number of tasks that exhausted their retries",
			},
			[]string{"pool", "reason"},
		),
		TasksEvicted: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "taskstream_tasks_evicted_total",
				Help: "Total number of queued tasks evicted to admit higher-priority work",
			},
		),
		QueueDepth: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskstream_queue_depth",
				Help: "Number of queued tasks per priority tier",
			},
			[]string{"priority"},
		),
		TaskDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskstream_task_duration_seconds",
				Help:    "Task execution duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pool"},
		),

		WorkerCount: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskstream_workers",
				Help: "Current number of execution units per pool",
			},
			[]string{"pool"},
		),
		WorkersBusy: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskstream_workers_busy",
				Help: "Number of busy execution units per pool",
			},
			[]string{"pool"},
		),
		PoolScalings: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskstream_pool_scalings_total",
				Help: "Pool scaling events by direction",
			},
			[]string{"pool", "direction"},
		),

		BatchSize: promauto.With(registerer).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskstream_batch_size",
				Help:    "Number of records per emitted batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		BatchRetries: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "taskstream_batch_retries_total",
				Help: "Total number of batch processing retries",
			},
		),
		RecordsEvicted: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "taskstream_records_evicted_total",
				Help: "Records dropped from the ingestion queue on overflow",
			},
		),
		CompressionRatio: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "taskstream_compression_ratio",
				Help: "Cumulative compressed/original size ratio",
			},
		),
		BytesIn: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "taskstream_compression_bytes_in_total",
				Help: "Serialized bytes before compression",
			},
		),
		BytesOut: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "taskstream_compression_bytes_out_total",
				Help: "Bytes after compression",
			},
		),
	}
	return m
}

// Registry returns the underlying registry for exposition
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Nil-safe recording helpers. Components call these unconditionally.

func (m *Metrics) RecordSubmitted(priority string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.WithLabelValues(priority).Inc()
}

func (m *Metrics) RecordCompleted(pool string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksCompleted.WithLabelValues(pool).Inc()
	m.TaskDuration.WithLabelValues(pool).Observe(d.Seconds())
}

func (m *Metrics) RecordFailed(pool, reason string) {
	if m == nil {
		return
	}
	m.TasksFailed.WithLabelValues(pool, reason).Inc()
}

func (m *Metrics) RecordEvicted() {
	if m == nil {
		return
	}
	m.TasksEvicted.Inc()
}

func (m *Metrics) SetQueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

func (m *Metrics) SetWorkers(pool string, total, busy int) {
	if m == nil {
		return
	}
	m.WorkerCount.WithLabelValues(pool).Set(float64(total))
	m.WorkersBusy.WithLabelValues(pool).Set(float64(busy))
}

func (m *Metrics) RecordScaling(pool, direction string) {
	if m == nil {
		return
	}
	m.PoolScalings.WithLabelValues(pool, direction).Inc()
}

func (m *Metrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(size))
}

func (m *Metrics) RecordBatchRetry() {
	if m == nil {
		return
	}
	m.BatchRetries.Inc()
}

func (m *Metrics) RecordRecordsEvicted(n int) {
	if m == nil {
		return
	}
	m.RecordsEvicted.Add(float64(n))
}

func (m *Metrics) RecordCompression(bytesIn, bytesOut int, ratio float64) {
	if m == nil {
		return
	}
	m.BytesIn.Add(float64(bytesIn))
	m.BytesOut.Add(float64(bytesOut))
	m.CompressionRatio.Set(ratio)
}
