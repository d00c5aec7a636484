package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roadsight/blurpipe/internal/logger"
	"github.com/roadsight/blurpipe/pkg/queue"
)

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	// NumWorkers is the pool size.
	NumWorkers int

	// PollInterval is the idle sleep between empty polls.
	PollInterval time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	// Zero means unset; negative values are kept and refused at Start.
	if c.NumWorkers == 0 {
		c.NumWorkers = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Dispatcher runs the worker pool. Each worker loops on the queue; a job in
// flight when Stop is called runs to completion before the pool drains.
type Dispatcher struct {
	jobs    queue.Queue
	workers []*Worker
	stats   *Collector
	cfg     DispatcherConfig

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewDispatcher creates a pool over pre-built workers.
func NewDispatcher(jobs queue.Queue, workers []*Worker, stats *Collector, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		jobs:    jobs,
		workers: workers,
		stats:   stats,
		cfg:     cfg.withDefaults(),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker goroutines. A pool without workers cannot make
// progress, so it refuses to start.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher requires at least one worker")
	}
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true

	for _, w := range d.workers {
		d.wg.Add(1)
		go d.run(w)
	}

	logger.Info("worker pool started", "workers", len(d.workers))
	return nil
}

// Stop signals the pool to drain and waits for in-flight jobs, up to the
// context deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool drain timed out: %w", ctx.Err())
	}
}

// run is one worker's poll loop.
func (d *Dispatcher) run(w *Worker) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		del, err := d.jobs.Pop(context.Background())
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				logger.Error("queue pop failed", logger.KeyWorkerID, w.id, logger.Err(err))
			}
			d.idle()
			continue
		}

		d.stats.WorkerActive(1)
		d.handle(w, del)
		d.stats.WorkerActive(-1)
	}
}

// handle runs one delivery. The worker converts processing panics into job
// failures itself; this guard only keeps an unexpected panic elsewhere in
// the delivery path from killing the pool goroutine.
func (d *Dispatcher) handle(w *Worker, del *queue.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic recovered",
				logger.KeyWorkerID, w.id,
				logger.KeyDeliveryID, del.ID,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()
	w.Handle(context.Background(), del)
}

// idle sleeps one poll interval, waking early on stop.
func (d *Dispatcher) idle() {
	select {
	case <-d.stopCh:
	case <-time.After(d.cfg.PollInterval):
	}
}
