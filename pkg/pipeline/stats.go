package pipeline

import (
	"sync"
	"time"

	"github.com/roadsight/blurpipe/pkg/metrics"
)

const (
	// emaAlpha weights the newest sample in the average processing time.
	emaAlpha = 0.1

	// throughputWindow is the sliding window for jobs-per-minute.
	throughputWindow = time.Minute
)

// Stats is a point-in-time snapshot of pipeline throughput.
type Stats struct {
	TotalSubmitted       int64   `json:"total_submitted"`
	TotalProcessed       int64   `json:"total_processed"`
	TotalFailed          int64   `json:"total_failed"`
	TotalRejected        int64   `json:"total_rejected"`
	SuccessRate          float64 `json:"success_rate"`
	AvgProcessingTimeSec float64 `json:"avg_processing_time_seconds"`
	ThroughputPerMinute  float64 `json:"throughput_jobs_per_minute"`
	ActiveWorkers        int     `json:"active_workers"`
}

// Collector aggregates pipeline counters. Processing time is an exponential
// moving average; throughput is a count over a sliding one-minute window.
type Collector struct {
	mu sync.Mutex

	submitted int64
	processed int64
	failed    int64
	rejected  int64

	ema     float64
	emaInit bool

	completions []time.Time
	active      int

	prom *metrics.Metrics

	now func() time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{now: time.Now}
}

// WithMetrics mirrors every recorded event into Prometheus metrics.
func (c *Collector) WithMetrics(m *metrics.Metrics) *Collector {
	c.prom = m
	return c
}

// RecordSubmitted counts an admitted job.
func (c *Collector) RecordSubmitted() {
	c.mu.Lock()
	c.submitted++
	c.mu.Unlock()
	c.prom.RecordSubmitted()
}

// RecordRejected counts an upload refused at admission.
func (c *Collector) RecordRejected(reason string) {
	c.mu.Lock()
	c.rejected++
	c.mu.Unlock()
	c.prom.RecordRejected(reason)
}

// RecordSuccess counts a completed job and folds its processing time into
// the moving average.
func (c *Collector) RecordSuccess(d time.Duration) {
	sec := d.Seconds()

	c.mu.Lock()
	c.processed++
	if !c.emaInit {
		c.ema = sec
		c.emaInit = true
	} else {
		c.ema = emaAlpha*sec + (1-emaAlpha)*c.ema
	}
	now := c.now()
	c.completions = append(c.completions, now)
	c.prune(now)
	c.mu.Unlock()

	c.prom.RecordCompleted(sec, 0)
}

// RecordFacesBlurred counts faces blurred in a completed job.
func (c *Collector) RecordFacesBlurred(n int) {
	if n > 0 && c.prom != nil {
		c.prom.FacesBlurred.Add(float64(n))
	}
}

// SetQueueDepth forwards the observed queue depth to Prometheus.
func (c *Collector) SetQueueDepth(depth int64) {
	c.prom.SetQueueDepth(depth)
}

// RecordFailure counts a terminally failed job.
func (c *Collector) RecordFailure() {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
	c.prom.RecordFailed()
}

// WorkerActive adjusts the active worker gauge.
func (c *Collector) WorkerActive(delta int) {
	c.mu.Lock()
	c.active += delta
	c.mu.Unlock()
	c.prom.WorkerActive(delta)
}

// Snapshot returns current statistics.
func (c *Collector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.prune(now)

	s := Stats{
		TotalSubmitted:       c.submitted,
		TotalProcessed:       c.processed,
		TotalFailed:          c.failed,
		TotalRejected:        c.rejected,
		AvgProcessingTimeSec: c.ema,
		ThroughputPerMinute:  float64(len(c.completions)),
		ActiveWorkers:        c.active,
	}
	if done := c.processed + c.failed; done > 0 {
		s.SuccessRate = float64(c.processed) / float64(done)
	}
	return s
}

// prune drops completions older than the window. Callers hold the lock.
func (c *Collector) prune(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	i := 0
	for i < len(c.completions) && c.completions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.completions = append(c.completions[:0], c.completions[i:]...)
	}
}
