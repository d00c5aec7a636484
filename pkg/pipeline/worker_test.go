package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/roadsight/blurpipe/pkg/metadata"
	"github.com/roadsight/blurpipe/pkg/pipeline/job"
	"github.com/roadsight/blurpipe/pkg/queue/sqlqueue"
)

func TestWorkerCompletesJob(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	g := e.gate()
	w := e.worker(WorkerConfig{})
	ctx := context.Background()

	res, err := g.Submit(ctx, "car.png", smallImage(t))
	if err != nil {
		t.Fatal(err)
	}

	d, err := e.jobs.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	w.Handle(ctx, d)

	rec, err := e.store.GetByJobID(ctx, res.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "completed" {
		t.Fatalf("status = %q, want completed (err: %s)", rec.Status, rec.ErrorMessage)
	}
	if !rec.IsVehicleDetected || !rec.IsFaceDetected || !rec.IsFaceBlurred {
		t.Errorf("detection flags wrong: %+v", rec)
	}
	if rec.FaceCount != 1 {
		t.Errorf("face count = %d, want 1", rec.FaceCount)
	}
	if rec.S3OriginalURL == "" || rec.S3ProcessedURL == "" {
		t.Error("blob urls not recorded")
	}
	if rec.ProcessedTimestamp == nil {
		t.Error("processed timestamp missing")
	}

	if n := depth(t, e); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
	if e.blobs.Len() != 2 {
		t.Errorf("expected original + processed blobs, got %d", e.blobs.Len())
	}

	s := e.stats.Snapshot()
	if s.TotalProcessed != 1 || s.TotalFailed != 0 {
		t.Errorf("stats wrong: %+v", s)
	}
}

func TestWorkerNoFaces(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, false), sqlqueue.Config{})
	g := e.gate()
	w := e.worker(WorkerConfig{})
	ctx := context.Background()

	res, err := g.Submit(ctx, "car.png", smallImage(t))
	if err != nil {
		t.Fatal(err)
	}
	d, _ := e.jobs.Pop(ctx)
	w.Handle(ctx, d)

	rec, _ := e.store.GetByJobID(ctx, res.JobID)
	if rec.Status != "completed" {
		t.Fatalf("status = %q, want completed", rec.Status)
	}
	// No faces means both face flags stay down together.
	if rec.IsFaceDetected || rec.IsFaceBlurred || rec.FaceCount != 0 {
		t.Errorf("face flags should be down: %+v", rec)
	}
	if !rec.IsVehicleDetected {
		t.Error("vehicle flag lost")
	}
}

func TestWorkerStagedPayload(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	g := e.gate()
	w := e.worker(WorkerConfig{})
	ctx := context.Background()

	res, err := g.Submit(ctx, "big.png", largeImage(t))
	if err != nil {
		t.Fatal(err)
	}

	stagingKey := job.StagingKey(res.JobID)
	if !e.blobs.Has(stagingKey) {
		t.Fatal("payload not staged")
	}

	d, _ := e.jobs.Pop(ctx)
	w.Handle(ctx, d)

	rec, _ := e.store.GetByJobID(ctx, res.JobID)
	if rec.Status != "completed" {
		t.Fatalf("status = %q, want completed (err: %s)", rec.Status, rec.ErrorMessage)
	}

	// Staged payload is cleaned up after the terminal outcome.
	if e.blobs.Has(stagingKey) {
		t.Error("staging blob not cleaned up")
	}
}

func TestWorkerRedeliveryIdempotent(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{VisibilityTimeout: 10 * time.Millisecond})
	g := e.gate()
	w := e.worker(WorkerConfig{})
	ctx := context.Background()

	res, err := g.Submit(ctx, "car.png", smallImage(t))
	if err != nil {
		t.Fatal(err)
	}

	// First delivery claimed but never acked: the claim expires and the
	// job comes back.
	first, err := e.jobs.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(25 * time.Millisecond)

	second, err := e.jobs.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	w.Handle(ctx, second)

	rec, _ := e.store.GetByJobID(ctx, res.JobID)
	if rec.Status != "completed" {
		t.Fatalf("status = %q, want completed", rec.Status)
	}
	urlOrig, urlProc := rec.S3OriginalURL, rec.S3ProcessedURL

	// The stale first delivery now lands on a terminal record and must
	// drop without overwriting anything.
	w.Handle(ctx, first)

	rec, _ = e.store.GetByJobID(ctx, res.JobID)
	if rec.Status != "completed" {
		t.Errorf("late duplicate changed status to %q", rec.Status)
	}
	if rec.S3OriginalURL != urlOrig || rec.S3ProcessedURL != urlProc {
		t.Error("late duplicate rewrote blob urls")
	}
	if n := depth(t, e); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
}

func TestWorkerFatalDecodeFailure(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	w := e.worker(WorkerConfig{})
	ctx := context.Background()

	// Bypass the gate to enqueue a payload that cannot decode.
	env := job.NewEnvelope("bad.jpg", job.InlinePayload([]byte("garbage bytes")))
	if err := e.store.CreateSubmitted(ctx, recordFor(env)); err != nil {
		t.Fatal(err)
	}
	pushEnvelope(t, e, env)

	d, _ := e.jobs.Pop(ctx)
	w.Handle(ctx, d)

	rec, err := e.store.GetByJobID(ctx, env.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "failed" {
		t.Fatalf("status = %q, want failed", rec.Status)
	}
	if rec.ErrorMessage == "" {
		t.Error("expected error message")
	}

	// Fatal failures ack; no retry.
	if n := depth(t, e); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
	if s := e.stats.Snapshot(); s.TotalFailed != 1 {
		t.Errorf("failed count = %d, want 1", s.TotalFailed)
	}
}

func TestWorkerTransientFailureRetries(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	g := e.gate()
	w := e.worker(WorkerConfig{})
	ctx := context.Background()

	res, err := g.Submit(ctx, "car.png", smallImage(t))
	if err != nil {
		t.Fatal(err)
	}

	e.blobs.FailPuts = true
	d, _ := e.jobs.Pop(ctx)
	w.Handle(ctx, d)

	// Transient failure: the job stays queued for redelivery and the
	// record is not terminal.
	if n := depth(t, e); n != 1 {
		t.Errorf("queue depth = %d, want 1", n)
	}
	rec, _ := e.store.GetByJobID(ctx, res.JobID)
	if rec.Status != "processing" {
		t.Errorf("status = %q, want processing", rec.Status)
	}
	if s := e.stats.Snapshot(); s.TotalFailed != 0 {
		t.Error("transient failure must not count as failed")
	}
}

func TestWorkerRetriesExhausted(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	g := e.gate()
	w := e.worker(WorkerConfig{MaxAttempts: 1})
	ctx := context.Background()

	res, err := g.Submit(ctx, "car.png", smallImage(t))
	if err != nil {
		t.Fatal(err)
	}

	e.blobs.FailPuts = true
	d, _ := e.jobs.Pop(ctx)
	w.Handle(ctx, d)

	rec, _ := e.store.GetByJobID(ctx, res.JobID)
	if rec.Status != "failed" {
		t.Fatalf("status = %q, want failed", rec.Status)
	}
	if n := depth(t, e); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
}

func TestWorkerOrphanDelivery(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	w := e.worker(WorkerConfig{})
	ctx := context.Background()

	// Envelope with no job record.
	env := job.NewEnvelope("ghost.png", job.InlinePayload(smallImage(t)))
	pushEnvelope(t, e, env)

	d, _ := e.jobs.Pop(ctx)
	w.Handle(ctx, d)

	if n := depth(t, e); n != 0 {
		t.Errorf("orphan not acked: depth %d", n)
	}
	if s := e.stats.Snapshot(); s.TotalFailed != 0 || s.TotalProcessed != 0 {
		t.Errorf("orphan must not count: %+v", s)
	}
}

func TestWorkerPoisonPayload(t *testing.T) {
	e := newTestEnv(t, vehicleAndFaceLoader(true, true), sqlqueue.Config{})
	w := e.worker(WorkerConfig{})
	ctx := context.Background()

	if err := e.jobs.Push(ctx, []byte("not an envelope")); err != nil {
		t.Fatal(err)
	}
	d, _ := e.jobs.Pop(ctx)
	w.Handle(ctx, d)

	if n := depth(t, e); n != 0 {
		t.Errorf("poison payload not acked: depth %d", n)
	}
}

func recordFor(env *job.Envelope) *metadata.ProcessedImage {
	return &metadata.ProcessedImage{
		JobID:             env.JobID,
		OriginalFilename:  env.Filename,
		IsVehicleDetected: true,
		UploadTimestamp:   time.Unix(env.UploadTS, 0).UTC(),
	}
}

func pushEnvelope(t *testing.T, e *testEnv, env *job.Envelope) {
	t.Helper()
	payload, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := e.jobs.Push(context.Background(), payload); err != nil {
		t.Fatal(err)
	}
}
