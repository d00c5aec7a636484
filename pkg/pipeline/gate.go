package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roadsight/blurpipe/internal/logger"
	"github.com/roadsight/blurpipe/internal/telemetry"
	"github.com/roadsight/blurpipe/pkg/blob"
	"github.com/roadsight/blurpipe/pkg/metadata"
	"github.com/roadsight/blurpipe/pkg/model"
	"github.com/roadsight/blurpipe/pkg/pipeline/job"
	"github.com/roadsight/blurpipe/pkg/queue"
)

// MaxUploadBytes caps accepted payload size.
const MaxUploadBytes = 10 << 20

// SubmitResult is the admission outcome returned to the submitter.
type SubmitResult struct {
	JobID             string `json:"job_id,omitempty"`
	Status            string `json:"status"`
	Reason            string `json:"reason,omitempty"`
	IsVehicleDetected bool   `json:"is_vehicle_detected"`
}

// Gate is the admission gate: it validates uploads, runs the vehicle
// pre-check, stores the original artifact, persists the initial job record,
// and enqueues accepted jobs.
type Gate struct {
	models *model.Manager
	store  metadata.Store
	blobs  blob.Store
	jobs   queue.Queue
	stats  *Collector

	// inlineMax overrides the inline payload cutover when positive.
	inlineMax int
}

// NewGate wires an admission gate.
func NewGate(models *model.Manager, store metadata.Store, blobs blob.Store, jobs queue.Queue, stats *Collector) *Gate {
	return &Gate{models: models, store: store, blobs: blobs, jobs: jobs, stats: stats}
}

func (g *Gate) inlineLimit() int {
	if g.inlineMax > 0 {
		return g.inlineMax
	}
	return job.InlinePayloadMaxBytes
}

// Submit admits one upload.
//
// Rejections (ErrRejected) mean the image never entered the system: invalid
// payload, undecodable image, or no vehicle in frame. ErrQueueFull means
// admission passed but the queue refused the job; the caller should retry.
func (g *Gate) Submit(ctx context.Context, filename string, data []byte) (*SubmitResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSubmit)
	defer span.End()
	span.SetAttributes(telemetry.Filename(filename))

	if len(data) == 0 {
		return reject("", "empty payload"), ErrRejected
	}
	if len(data) > MaxUploadBytes {
		return reject("", fmt.Sprintf("payload exceeds %d bytes", MaxUploadBytes)), ErrRejected
	}

	// Vehicle pre-check before anything is persisted. An undecodable
	// upload fails here too, which doubles as image validation.
	meta, err := g.models.DetectVehicles(ctx, data)
	if err != nil {
		if Classify(err) == KindFatal {
			g.stats.RecordRejected("invalid_image")
			logger.InfoCtx(ctx, "upload rejected",
				logger.KeyReason, "invalid image",
				logger.Err(err),
			)
			return reject("", "invalid image"), ErrRejected
		}
		return nil, fmt.Errorf("vehicle pre-check failed: %w", err)
	}
	span.SetAttributes(telemetry.VehicleDetected(meta.VehicleDetected))
	if !meta.VehicleDetected {
		g.stats.RecordRejected("no_vehicle")
		logger.InfoCtx(ctx, "upload rejected", logger.KeyReason, "no vehicle detected")
		return reject("", "no vehicle detected"), ErrRejected
	}

	env := job.NewEnvelope(filename, job.InlinePayload(data))
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode detection meta: %w", err)
	}
	env.VehicleMetaJSON = metaJSON

	if traceID := telemetry.TraceID(ctx); traceID != "" {
		env.TraceID = traceID
	}
	span.SetAttributes(telemetry.JobID(env.JobID))

	lc := logger.NewLogContext(env.JobID, env.TraceID)
	ctx = logger.WithContext(ctx, lc)

	// The original artifact is stored before anything else, so every row
	// ever inserted carries its URL. The key is a pure function of the
	// envelope, so a retried admission overwrites rather than duplicates.
	origURL, err := g.blobs.Put(ctx, env.OriginalKeyFor(), data, contentTypeFor(env.Extension))
	if err != nil {
		logger.WarnCtx(ctx, "admission refused, blob store unavailable", logger.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	rec := &metadata.ProcessedImage{
		JobID:             env.JobID,
		OriginalFilename:  filename,
		S3OriginalURL:     origURL,
		IsVehicleDetected: true,
		VehicleMeta:       string(metaJSON),
		FileSizeOriginal:  int64(len(data)),
		UploadTimestamp:   time.Unix(env.UploadTS, 0).UTC(),
	}
	if err := g.store.CreateSubmitted(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}

	// Oversized payloads get parked in the blob store so the queue only
	// carries a reference.
	if len(data) > g.inlineLimit() {
		key := job.StagingKey(env.JobID)
		if _, err := g.blobs.Put(ctx, key, data, "application/octet-stream"); err != nil {
			g.failAdmission(ctx, env.JobID, "failed to stage payload")
			return nil, fmt.Errorf("failed to stage payload: %w", err)
		}
		env.Payload = job.StagedPayload(key)
	}

	payload, err := env.Encode()
	if err != nil {
		g.failAdmission(ctx, env.JobID, "failed to encode job")
		return nil, err
	}

	if err := g.pushWithRetry(ctx, payload); err != nil {
		if errors.Is(err, queue.ErrBackpressure) {
			g.failAdmission(ctx, env.JobID, "queue at capacity")
			logger.WarnCtx(ctx, "admission refused by backpressure")
			return nil, ErrQueueFull
		}
		g.failAdmission(ctx, env.JobID, "failed to enqueue job")
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	g.stats.RecordSubmitted()
	logger.InfoCtx(ctx, "job admitted",
		logger.KeySize, len(data),
		"staged", env.Payload.Kind == job.PayloadStaged,
	)

	return &SubmitResult{
		JobID:             env.JobID,
		Status:            string(job.StatusSubmitted),
		IsVehicleDetected: true,
	}, nil
}

// BatchItem is one per-file outcome of a batch submission.
type BatchItem struct {
	Filename string        `json:"filename"`
	Result   *SubmitResult `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// SubmitBatch admits several uploads independently. One bad file never
// blocks the rest.
func (g *Gate) SubmitBatch(ctx context.Context, files map[string][]byte) []BatchItem {
	items := make([]BatchItem, 0, len(files))
	for name, data := range files {
		res, err := g.Submit(ctx, name, data)
		item := BatchItem{Filename: name, Result: res}
		if err != nil && res == nil {
			item.Error = err.Error()
		}
		items = append(items, item)
	}
	return items
}

const (
	pushAttempts    = 5
	pushBackoffBase = 100 * time.Millisecond
	pushBackoffCap  = 5 * time.Second
)

// pushWithRetry retries transient enqueue failures in-band so a brief queue
// blip does not fail admission. Backpressure is surfaced immediately.
func (g *Gate) pushWithRetry(ctx context.Context, payload []byte) error {
	delay := pushBackoffBase
	var err error
	for attempt := 1; ; attempt++ {
		err = g.jobs.Push(ctx, payload)
		if err == nil || errors.Is(err, queue.ErrBackpressure) || attempt >= pushAttempts {
			return err
		}
		logger.WarnCtx(ctx, "enqueue failed, retrying",
			logger.KeyAttempt, attempt,
			"delay", delay.String(),
			logger.Err(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > pushBackoffCap {
			delay = pushBackoffCap
		}
	}
}

// failAdmission marks a half-admitted job failed so no submitted row leaks
// when the enqueue path breaks. Best effort.
func (g *Gate) failAdmission(ctx context.Context, jobID, reason string) {
	if err := g.store.MarkFailed(ctx, jobID, reason); err != nil {
		logger.ErrorCtx(ctx, "failed to mark half-admitted job failed", logger.Err(err))
	}
}

func reject(jobID, reason string) *SubmitResult {
	return &SubmitResult{
		JobID:  jobID,
		Status: string(job.StatusRejected),
		Reason: reason,
	}
}
