// Package metrics exposes sync counters and pushes them to a Prometheus pushgateway at the end of a run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/retry"
)

const (
	namespace = "ucl"
	subsystem = "sync"
)

// Metrics holds the sync collectors on their own registry.
type Metrics struct {
	Registry *prometheus.Registry

	RowsExtracted *prometheus.CounterVec
	RowsLoaded    *prometheus.CounterVec
	RowsRejected  *prometheus.CounterVec
	ChunkRetries  *prometheus.CounterVec
	Jobs          *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		RowsExtracted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rows_extracted_total",
			Help:      "Rows read from the source and written to artifacts",
		}, []string{"table"}),
		RowsLoaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rows_loaded_total",
			Help:      "Rows committed to the destination",
		}, []string{"table", "load_type"}),
		RowsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rows_rejected_total",
			Help:      "Rows rejected by load-ready validation",
		}, []string{"table"}),
		ChunkRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chunk_retries_total",
			Help:      "Failed chunk attempts that were retried",
		}, []string{"phase"}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_total",
			Help:      "Finished sync jobs by outcome",
		}, []string{"table", "load_type", "status"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "job_duration_seconds",
			Help:      "Duration of finished sync jobs",
			Buckets:   []float64{5, 60, 300, 600, 1800, 3600, 7200, 36000},
		}, []string{"table", "status"}),
	}
}

// ObserveJob records one finished job.
func (m *Metrics) ObserveJob(table, loadType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(table, loadType, status).Inc()
	m.JobDuration.WithLabelValues(table, status).Observe(elapsed.Seconds())
}

// AddExtracted counts rows written to artifacts.
func (m *Metrics) AddExtracted(table string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.RowsExtracted.WithLabelValues(table).Add(float64(rows))
}

// AddLoaded counts rows committed and rejected by one load.
func (m *Metrics) AddLoaded(table, loadType string, loaded, rejected int64) {
	if m == nil {
		return
	}
	m.RowsLoaded.WithLabelValues(table, loadType).Add(float64(loaded))
	if rejected > 0 {
		m.RowsRejected.WithLabelValues(table).Add(float64(rejected))
	}
}

// RetryNotifier counts failed attempts of one phase. It is safe on a nil Metrics.
func (m *Metrics) RetryNotifier(phase string) retry.NotifyFunc {
	return func(int, error, time.Duration) {
		if m == nil {
			return
		}
		m.ChunkRetries.WithLabelValues(phase).Inc()
	}
}

// Pusher pushes the registry to a pushgateway.
type Pusher struct {
	pusher *push.Pusher
	logger *zap.Logger
}

// NewPusher returns nil when address is empty.
func NewPusher(m *Metrics, address, job string, logger *zap.Logger) *Pusher {
	if address == "" || m == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if job == "" {
		job = "ucl-sync"
	}
	return &Pusher{
		pusher: push.New(address, job).Gatherer(m.Registry),
		logger: logger.Named("metrics"),
	}
}

// Push sends the current values. Failures are logged, not returned.
func (p *Pusher) Push() {
	if p == nil {
		return
	}
	if err := p.pusher.Push(); err != nil {
		p.logger.Error("Failed to push metrics", zap.Error(err))
	}
}
