// Package metrics holds the Prometheus collectors shared by the upload, loader
// and supervisor packages. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics owns a private registry so tests can create as many as they like
type Metrics struct {
	reg *prometheus.Registry

	rowsInserted   prometheus.Counter
	batches        *prometheus.CounterVec // outcome: committed, failed
	jobs           *prometheus.CounterVec // status: succeeded, failed, retried
	jobDuration    *prometheus.HistogramVec
	uploadChunks   prometheus.Counter
	uploadBytes    prometheus.Counter
	uploadSessions *prometheus.CounterVec // status: opened, completed, cancelled, expired
}

// New registers all collectors plus the Go runtime and process collectors
func New() (*Metrics, error) {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		rowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "importer_rows_inserted_total",
			Help: "Rows written to target tables.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "importer_batches_total",
			Help: "Insert batches by outcome.",
		}, []string{"outcome"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "importer_jobs_total",
			Help: "Import job attempts by final status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "importer_job_duration_seconds",
			Help:    "Wall clock time of finished import jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"status"}),
		uploadChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "importer_upload_chunks_total",
			Help: "Chunks accepted by the upload assembler.",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "importer_upload_bytes_total",
			Help: "Chunk bytes accepted by the upload assembler.",
		}),
		uploadSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "importer_upload_sessions_total",
			Help: "Upload session transitions.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{
		m.rowsInserted, m.batches, m.jobs, m.jobDuration,
		m.uploadChunks, m.uploadBytes, m.uploadSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Push sends the current values to a Pushgateway. Used by one-shot imports
// that exit before a scrape could happen.
func (m *Metrics) Push(gatewayURL, job string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	if err := push.New(gatewayURL, job).Gatherer(m.reg).Push(); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

func (m *Metrics) BatchCommitted(rows int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues("committed").Inc()
	m.rowsInserted.Add(float64(rows))
}

func (m *Metrics) BatchFailed() {
	if m == nil {
		return
	}
	m.batches.WithLabelValues("failed").Inc()
}

// JobFinished records one attempt outcome. Retried attempts pass "retried".
func (m *Metrics) JobFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
	if status != "retried" {
		m.jobDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ChunkReceived(size int64) {
	if m == nil {
		return
	}
	m.uploadChunks.Inc()
	m.uploadBytes.Add(float64(size))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.uploadSessions.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionFinished(status string) {
	if m == nil {
		return
	}
	m.uploadSessions.WithLabelValues(status).Inc()
}
