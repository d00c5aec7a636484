// Package metrics exposes Prometheus metrics for the processing pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks pipeline Prometheus metrics.
//
// All metrics use the blurpipe_ prefix. A nil *Metrics is safe to call, so
// components never need to check whether metrics are enabled.
type Metrics struct {
	// JobsTotal counts jobs by terminal outcome
	JobsTotal *prometheus.CounterVec

	// JobsSubmitted counts admitted jobs
	JobsSubmitted prometheus.Counter

	// JobsRejected counts uploads refused at admission by reason
	JobsRejected *prometheus.CounterVec

	// ProcessingDuration tracks per-job processing latency
	ProcessingDuration prometheus.Histogram

	// QueueDepth tracks current queue depth
	QueueDepth prometheus.Gauge

	// ActiveWorkers tracks workers currently processing a job
	ActiveWorkers prometheus.Gauge

	// FacesBlurred counts faces blurred across all jobs
	FacesBlurred prometheus.Counter

	registry *prometheus.Registry
}

// New creates pipeline metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blurpipe_jobs_total",
				Help: "Jobs by terminal outcome",
			},
			[]string{"outcome"}, // "completed", "failed"
		),
		JobsSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "blurpipe_jobs_submitted_total",
				Help: "Jobs admitted into the queue",
			},
		),
		JobsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blurpipe_jobs_rejected_total",
				Help: "Uploads refused at admission",
			},
			[]string{"reason"}, // "no_vehicle", "invalid_image", "backpressure"
		),
		ProcessingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "blurpipe_job_processing_seconds",
				Help:    "Per-job processing duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blurpipe_queue_depth",
				Help: "Jobs in the queue, visible or claimed",
			},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blurpipe_active_workers",
				Help: "Workers currently processing a job",
			},
		),
		FacesBlurred: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "blurpipe_faces_blurred_total",
				Help: "Faces blurred across all completed jobs",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobsSubmitted,
		m.JobsRejected,
		m.ProcessingDuration,
		m.QueueDepth,
		m.ActiveWorkers,
		m.FacesBlurred,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCompleted records a successful job.
func (m *Metrics) RecordCompleted(durationSeconds float64, faces int) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues("completed").Inc()
	m.ProcessingDuration.Observe(durationSeconds)
	m.FacesBlurred.Add(float64(faces))
}

// RecordFailed records a terminally failed job.
func (m *Metrics) RecordFailed() {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues("failed").Inc()
}

// RecordSubmitted records an admitted job.
func (m *Metrics) RecordSubmitted() {
	if m == nil {
		return
	}
	m.JobsSubmitted.Inc()
}

// RecordRejected records a refused upload.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.JobsRejected.WithLabelValues(reason).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// WorkerActive adjusts the active worker gauge.
func (m *Metrics) WorkerActive(delta int) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Add(float64(delta))
}
