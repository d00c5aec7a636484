package pipeline

import (
	"math"
	"testing"
	"time"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.RecordSubmitted()
	c.RecordSubmitted()
	c.RecordSuccess(time.Second)
	c.RecordFailure()
	c.RecordRejected("no_vehicle")

	s := c.Snapshot()
	if s.TotalSubmitted != 2 {
		t.Errorf("submitted = %d, want 2", s.TotalSubmitted)
	}
	if s.TotalProcessed != 1 || s.TotalFailed != 1 || s.TotalRejected != 1 {
		t.Errorf("counters wrong: %+v", s)
	}
	if s.SuccessRate != 0.5 {
		t.Errorf("success rate = %f, want 0.5", s.SuccessRate)
	}
}

func TestCollectorEmptySuccessRate(t *testing.T) {
	s := NewCollector().Snapshot()
	if s.SuccessRate != 0 {
		t.Errorf("success rate on empty collector = %f, want 0", s.SuccessRate)
	}
}

func TestCollectorEMA(t *testing.T) {
	c := NewCollector()

	// First sample seeds the average.
	c.RecordSuccess(2 * time.Second)
	if got := c.Snapshot().AvgProcessingTimeSec; got != 2.0 {
		t.Fatalf("ema after seed = %f, want 2.0", got)
	}

	// Second sample folds in at alpha=0.1: 0.1*4 + 0.9*2 = 2.2.
	c.RecordSuccess(4 * time.Second)
	if got := c.Snapshot().AvgProcessingTimeSec; math.Abs(got-2.2) > 1e-9 {
		t.Errorf("ema = %f, want 2.2", got)
	}
}

func TestCollectorThroughputWindow(t *testing.T) {
	c := NewCollector()
	base := time.Unix(1_700_000_000, 0)
	now := base
	c.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		c.RecordSuccess(time.Second)
	}
	if got := c.Snapshot().ThroughputPerMinute; got != 5 {
		t.Fatalf("throughput = %f, want 5", got)
	}

	// 30s later everything is still inside the window.
	now = base.Add(30 * time.Second)
	c.RecordSuccess(time.Second)
	if got := c.Snapshot().ThroughputPerMinute; got != 6 {
		t.Errorf("throughput = %f, want 6", got)
	}

	// 70s after the first burst only the later completion remains.
	now = base.Add(70 * time.Second)
	if got := c.Snapshot().ThroughputPerMinute; got != 1 {
		t.Errorf("throughput = %f, want 1", got)
	}
}

func TestCollectorWorkerGauge(t *testing.T) {
	c := NewCollector()
	c.WorkerActive(1)
	c.WorkerActive(1)
	c.WorkerActive(-1)
	if got := c.Snapshot().ActiveWorkers; got != 1 {
		t.Errorf("active workers = %d, want 1", got)
	}
}
