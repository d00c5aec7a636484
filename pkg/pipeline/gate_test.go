package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/roadsight/blurpipe/pkg/metadata"
	"github.com/roadsight/blurpipe/pkg/pipeline/job"
	"github.com/roadsight/blurpipe/pkg/queue"
	"github.com/roadsight/blurpipe/pkg/queue/sqlqueue"
)

func TestSubmitAccepted(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	g := e.gate()
	ctx := context.Background()

	res, err := g.Submit(ctx, "car.png", smallImage(t))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if res.JobID == "" {
		t.Error("expected job id")
	}
	if res.Status != "submitted" {
		t.Errorf("status = %q, want submitted", res.Status)
	}
	if !res.IsVehicleDetected {
		t.Error("expected vehicle detected")
	}

	img := smallImage(t)
	rec, err := e.store.GetByJobID(ctx, res.JobID)
	if err != nil {
		t.Fatalf("expected job record: %v", err)
	}
	if rec.Status != "submitted" || !rec.IsVehicleDetected {
		t.Errorf("record wrong: %+v", rec)
	}
	if rec.S3OriginalURL == "" {
		t.Error("expected original URL on the submitted record")
	}
	if rec.FileSizeOriginal != int64(len(img)) {
		t.Errorf("original size = %d, want %d", rec.FileSizeOriginal, len(img))
	}

	if n := depth(t, e); n != 1 {
		t.Errorf("queue depth = %d, want 1", n)
	}

	// The original artifact is stored at admission; small payloads ride
	// inline so nothing else lands in the blob store.
	if e.blobs.Len() != 1 {
		t.Errorf("expected only the original blob, found %d", e.blobs.Len())
	}
	if e.blobs.Has(job.StagingKey(res.JobID)) {
		t.Error("small payload should not be staged")
	}
}

func TestSubmitStorageUnavailable(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	e.blobs.FailPuts = true
	g := e.gate()
	ctx := context.Background()

	_, err := g.Submit(ctx, "car.png", smallImage(t))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}

	// Nothing entered the system: no record, no queued job.
	_, total, err := e.store.List(ctx, metadata.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("expected no records, got %d", total)
	}
	if n := depth(t, e); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
}

// flakyQueue fails the first pushes with a transient error, then delegates.
type flakyQueue struct {
	queue.Queue
	failures int
	calls    int
}

func (q *flakyQueue) Push(ctx context.Context, payload []byte) error {
	q.calls++
	if q.calls <= q.failures {
		return queue.ErrUnavailable
	}
	return q.Queue.Push(ctx, payload)
}

func TestSubmitRetriesTransientPush(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	fq := &flakyQueue{Queue: e.jobs, failures: 2}
	g := NewGate(e.models, e.store, e.blobs, fq, e.stats)
	ctx := context.Background()

	res, err := g.Submit(ctx, "car.png", smallImage(t))
	if err != nil {
		t.Fatalf("submit should survive transient push failures: %v", err)
	}
	if fq.calls != 3 {
		t.Errorf("push calls = %d, want 3", fq.calls)
	}
	if res.Status != "submitted" {
		t.Errorf("status = %q, want submitted", res.Status)
	}
	if n := depth(t, e); n != 1 {
		t.Errorf("queue depth = %d, want 1", n)
	}
}

func TestSubmitPushRetriesExhausted(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	fq := &flakyQueue{Queue: e.jobs, failures: pushAttempts}
	g := NewGate(e.models, e.store, e.blobs, fq, e.stats)
	ctx := context.Background()

	_, err := g.Submit(ctx, "car.png", smallImage(t))
	if err == nil || errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected transient push error, got %v", err)
	}
	if fq.calls != pushAttempts {
		t.Errorf("push calls = %d, want %d", fq.calls, pushAttempts)
	}

	// The half-admitted record is failed, not left in submitted.
	recs, _, err := e.store.List(ctx, metadata.ListOptions{Status: "failed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 failed record, got %d", len(recs))
	}
}

func TestSubmitInlineCutoverOverride(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	g := e.gate()
	g.inlineMax = 16

	res, err := g.Submit(context.Background(), "car.png", smallImage(t))
	if err != nil {
		t.Fatal(err)
	}
	if !e.blobs.Has(job.StagingKey(res.JobID)) {
		t.Error("payload over the configured cutover should be staged")
	}
}

func TestSubmitNoVehicle(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(false, false), sqlqueue.Config{})
	g := e.gate()

	res, err := g.Submit(context.Background(), "street.png", smallImage(t))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if res.Status != "rejected" || res.Reason != "no vehicle detected" {
		t.Errorf("unexpected result %+v", res)
	}

	// Rejected uploads never enter the system.
	if n := depth(t, e); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
	if _, _, err := e.store.List(context.Background(), metadata.ListOptions{}); err != nil {
		t.Fatal(err)
	}
	_, total, _ := e.store.List(context.Background(), metadata.ListOptions{})
	if total != 0 {
		t.Errorf("expected no records, got %d", total)
	}
}

func TestSubmitInvalidImage(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	g := e.gate()

	res, err := g.Submit(context.Background(), "junk.bin", []byte("definitely not an image"))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if res.Reason != "invalid image" {
		t.Errorf("reason = %q, want invalid image", res.Reason)
	}
}

func TestSubmitEmptyPayload(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	g := e.gate()

	res, err := g.Submit(context.Background(), "empty.jpg", nil)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if res.Reason != "empty payload" {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestSubmitStagesLargePayload(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	g := e.gate()
	ctx := context.Background()

	res, err := g.Submit(ctx, "big.png", largeImage(t))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if !e.blobs.Has(job.StagingKey(res.JobID)) {
		t.Error("expected staged payload blob")
	}

	d, err := e.jobs.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	env, err := job.Decode(d.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if env.Payload.Kind != job.PayloadStaged {
		t.Errorf("payload kind = %q, want staged", env.Payload.Kind)
	}
	if env.Payload.StagingKey != job.StagingKey(res.JobID) {
		t.Errorf("staging key = %q", env.Payload.StagingKey)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{MaxSize: 1})
	g := e.gate()
	ctx := context.Background()

	if _, err := g.Submit(ctx, "first.png", smallImage(t)); err != nil {
		t.Fatal(err)
	}

	res, err := g.Submit(ctx, "second.png", smallImage(t))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v (%+v)", err, res)
	}

	// The half-admitted record must not stay in submitted forever.
	recs, _, err := e.store.List(ctx, metadata.ListOptions{Status: "failed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 failed record, got %d", len(recs))
	}
	if recs[0].ErrorMessage != "queue at capacity" {
		t.Errorf("unexpected error message %q", recs[0].ErrorMessage)
	}
}

func TestSubmitBatchMixed(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	g := e.gate()

	items := g.SubmitBatch(context.Background(), map[string][]byte{
		"good.png": smallImage(t),
		"junk.bin": []byte("nope"),
	})

	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	byName := map[string]BatchItem{}
	for _, it := range items {
		byName[it.Filename] = it
	}

	if byName["good.png"].Result == nil || byName["good.png"].Result.Status != "submitted" {
		t.Errorf("good file not submitted: %+v", byName["good.png"])
	}
	if byName["junk.bin"].Result == nil || byName["junk.bin"].Result.Status != "rejected" {
		t.Errorf("bad file not rejected: %+v", byName["junk.bin"])
	}
	if n := depth(t, e); n != 1 {
		t.Errorf("queue depth = %d, want 1", n)
	}
}
