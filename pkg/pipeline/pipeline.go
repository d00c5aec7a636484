package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/roadsight/blurpipe/internal/logger"
	"github.com/roadsight/blurpipe/pkg/blob"
	"github.com/roadsight/blurpipe/pkg/metadata"
	"github.com/roadsight/blurpipe/pkg/metrics"
	"github.com/roadsight/blurpipe/pkg/model"
	"github.com/roadsight/blurpipe/pkg/queue"
)

// Options configures the assembled pipeline.
type Options struct {
	NumWorkers     int
	PollInterval   time.Duration
	MaxAttempts    int
	ProcessTimeout time.Duration

	// InlineMaxBytes overrides the inline payload cutover when positive;
	// larger payloads are staged in the blob store.
	InlineMaxBytes int

	// Metrics, when set, mirrors pipeline events into Prometheus.
	Metrics *metrics.Metrics
}

// Pipeline bundles the admission gate, worker pool, and stats collector
// around the shared stores.
type Pipeline struct {
	gate       *Gate
	dispatcher *Dispatcher
	stats      *Collector

	models *model.Manager
	store  metadata.Store
	blobs  blob.Store
	jobs   queue.Queue
}

// New assembles a pipeline over already-connected stores.
func New(models *model.Manager, store metadata.Store, blobs blob.Store, jobs queue.Queue, opts Options) *Pipeline {
	stats := NewCollector().WithMetrics(opts.Metrics)
	gate := NewGate(models, store, blobs, jobs, stats)
	gate.inlineMax = opts.InlineMaxBytes

	wcfg := WorkerConfig{
		MaxAttempts:    opts.MaxAttempts,
		ProcessTimeout: opts.ProcessTimeout,
	}
	dcfg := DispatcherConfig{
		NumWorkers:   opts.NumWorkers,
		PollInterval: opts.PollInterval,
	}.withDefaults()

	n := dcfg.NumWorkers
	if n < 0 {
		// Invalid pool size; Start will refuse the empty pool.
		n = 0
	}
	workers := make([]*Worker, n)
	for i := range workers {
		workers[i] = NewWorker(
			fmt.Sprintf("worker-%d", i+1),
			models, store, blobs, jobs, stats, wcfg,
		)
	}

	return &Pipeline{
		gate:       gate,
		dispatcher: NewDispatcher(jobs, workers, stats, dcfg),
		stats:      stats,
		models:     models,
		store:      store,
		blobs:      blobs,
		jobs:       jobs,
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start() error {
	return p.dispatcher.Start()
}

// Stop drains the worker pool.
func (p *Pipeline) Stop(ctx context.Context) error {
	return p.dispatcher.Stop(ctx)
}

// Gate exposes the admission gate.
func (p *Pipeline) Gate() *Gate {
	return p.gate
}

// Store exposes the metadata store for read-side queries.
func (p *Pipeline) Store() metadata.Store {
	return p.store
}

// QueueDepth reports the current queue depth.
func (p *Pipeline) QueueDepth(ctx context.Context) (int64, error) {
	return p.jobs.Depth(ctx)
}

// QueueMaxSize reports the queue's depth cap. Zero means unbounded.
func (p *Pipeline) QueueMaxSize() int64 {
	if q, ok := p.jobs.(interface{ MaxSize() int64 }); ok {
		return q.MaxSize()
	}
	return 0
}

// ActiveWorkers reports how many workers are processing a job right now.
func (p *Pipeline) ActiveWorkers() int {
	return p.stats.Snapshot().ActiveWorkers
}

// NumWorkers reports the pool size.
func (p *Pipeline) NumWorkers() int {
	return len(p.dispatcher.workers)
}

// ModelVersions reports the loaded model versions, or nil when the models
// have not loaded yet.
func (p *Pipeline) ModelVersions(ctx context.Context) map[string]string {
	versions, err := p.models.Versions(ctx)
	if err != nil {
		return nil
	}
	return versions
}

// Snapshot returns pipeline stats together with the live queue depth.
func (p *Pipeline) Snapshot(ctx context.Context) (Stats, int64) {
	s := p.stats.Snapshot()
	depth, err := p.jobs.Depth(ctx)
	if err != nil {
		logger.Warn("queue depth unavailable", logger.Err(err))
		depth = -1
	}
	if depth >= 0 {
		p.stats.SetQueueDepth(depth)
	}
	return s, depth
}

// ComponentHealth is the health of one dependency.
type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Health checks every backing service.
func (p *Pipeline) Health(ctx context.Context) []ComponentHealth {
	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"metadata", p.store.HealthCheck},
		{"blob", p.blobs.HealthCheck},
		{"queue", p.jobs.HealthCheck},
	}

	out := make([]ComponentHealth, 0, len(checks))
	for _, c := range checks {
		h := ComponentHealth{Name: c.name, Healthy: true}
		if err := c.fn(ctx); err != nil {
			h.Healthy = false
			h.Error = err.Error()
		}
		out = append(out, h)
	}
	return out
}

// WaitReady pings every dependency until all respond, retrying up to
// attempts times with linear backoff. Startup aborts when this fails.
func (p *Pipeline) WaitReady(ctx context.Context, attempts int) error {
	if attempts <= 0 {
		attempts = 5
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		lastErr = nil
		for _, h := range p.Health(ctx) {
			if !h.Healthy {
				lastErr = fmt.Errorf("%s unavailable: %s", h.Name, h.Error)
				break
			}
		}
		if lastErr == nil {
			return nil
		}

		logger.Warn("dependency not ready",
			logger.KeyAttempt, i,
			logger.KeyMaxRetries, attempts,
			logger.Err(lastErr),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i) * time.Second):
		}
	}
	return fmt.Errorf("dependencies not ready after %d attempts: %w", attempts, lastErr)
}
