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

// errOrphan marks a delivery whose job record is gone or already terminal.
// The delivery is acked and dropped without touching the record.
var errOrphan = errors.New("orphan delivery")

// WorkerConfig bounds a single worker's processing.
type WorkerConfig struct {
	// MaxAttempts is the delivery count after which a transiently failing
	// job is declared failed.
	MaxAttempts int

	// ProcessTimeout bounds one processing attempt.
	ProcessTimeout time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 5 * time.Minute
	}
	return c
}

// Worker processes one claimed delivery at a time: fetch payload, store the
// original, blur faces, store the result, finalize the record.
type Worker struct {
	id     string
	models *model.Manager
	store  metadata.Store
	blobs  blob.Store
	jobs   queue.Queue
	stats  *Collector
	cfg    WorkerConfig
}

// NewWorker wires a worker.
func NewWorker(id string, models *model.Manager, store metadata.Store, blobs blob.Store, jobs queue.Queue, stats *Collector, cfg WorkerConfig) *Worker {
	return &Worker{
		id:     id,
		models: models,
		store:  store,
		blobs:  blobs,
		jobs:   jobs,
		stats:  stats,
		cfg:    cfg.withDefaults(),
	}
}

// Handle runs one delivery to an ack or nack. Processing gets a fresh
// timeout-bounded context so an in-flight job survives pool shutdown.
func (w *Worker) Handle(parent context.Context, d *queue.Delivery) {
	env, err := job.Decode(d.Payload)
	if err != nil {
		// Poison payload: nothing to retry and no record to update.
		logger.Error("dropping undecodable delivery",
			logger.KeyDeliveryID, d.ID,
			logger.KeyWorkerID, w.id,
			logger.Err(err),
		)
		w.ack(parent, d.ID)
		return
	}

	lc := logger.NewLogContext(env.JobID, env.TraceID).WithWorker(w.id)
	ctx := logger.WithContext(context.Background(), lc)
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ProcessTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanProcess)
	defer span.End()
	span.SetAttributes(
		telemetry.JobID(env.JobID),
		telemetry.WorkerID(w.id),
		telemetry.Attempt(d.Attempts),
	)

	start := time.Now()
	err = w.safeProcess(ctx, env)

	switch {
	case err == nil:
		w.ack(ctx, d.ID)
		w.cleanupStaging(ctx, env)
		elapsed := time.Since(start)
		w.stats.RecordSuccess(elapsed)
		logger.InfoCtx(ctx, "job completed",
			logger.KeyAttempt, d.Attempts,
			logger.DurationMs(logger.Duration(start)),
		)

	case errors.Is(err, errOrphan):
		w.ack(ctx, d.ID)
		logger.WarnCtx(ctx, "dropping orphan delivery", logger.KeyDeliveryID, d.ID)

	case Classify(err) == KindFatal:
		telemetry.RecordError(ctx, err)
		w.fail(ctx, env, d, err)

	case d.Attempts >= w.cfg.MaxAttempts:
		w.fail(ctx, env, d, fmt.Errorf("retries exhausted after %d attempts: %w", d.Attempts, err))

	default:
		delay := Backoff(d.Attempts)
		if nerr := w.jobs.Nack(ctx, d.ID, delay); nerr != nil {
			// The claim expires on its own; redelivery still happens.
			logger.ErrorCtx(ctx, "nack failed", logger.Err(nerr))
		}
		logger.WarnCtx(ctx, "job retry scheduled",
			logger.KeyAttempt, d.Attempts,
			logger.KeyMaxRetries, w.cfg.MaxAttempts,
			"delay", delay.String(),
			logger.Err(err),
		)
	}
}

// safeProcess converts a panic during processing into a fatal error, so one
// crashing job is failed and acked instead of redelivering until the claim
// expires again.
func (w *Worker) safeProcess(ctx context.Context, env *job.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", model.ErrModel, r)
		}
	}()
	return w.process(ctx, env)
}

// process runs the eight-step job flow. Every step is idempotent, so a
// redelivered job replays safely from the top.
func (w *Worker) process(ctx context.Context, env *job.Envelope) error {
	start := time.Now()

	if err := w.store.MarkProcessing(ctx, env.JobID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return errOrphan
		}
		return err
	}

	data, err := w.payload(ctx, env)
	if err != nil {
		return err
	}

	contentType := contentTypeFor(env.Extension)
	origURL, err := w.blobs.Put(ctx, env.OriginalKeyFor(), data, contentType)
	if err != nil {
		return fmt.Errorf("failed to store original: %w", err)
	}

	blurred, faceMeta, err := w.models.DetectAndBlurFaces(ctx, data)
	if err != nil {
		return err
	}

	procURL, err := w.blobs.Put(ctx, env.ProcessedKeyFor(), blurred, contentType)
	if err != nil {
		return fmt.Errorf("failed to store processed image: %w", err)
	}

	faceJSON, err := json.Marshal(faceMeta)
	if err != nil {
		return fmt.Errorf("failed to encode face meta: %w", err)
	}

	faces := faceMeta.FaceCount > 0
	upd := metadata.CompletionUpdate{
		OriginalURL:       origURL,
		ProcessedURL:      procURL,
		IsVehicleDetected: vehicleDetected(env),
		IsFaceDetected:    faces,
		IsFaceBlurred:     faces,
		FaceCount:         faceMeta.FaceCount,
		VehicleMeta:       string(env.VehicleMetaJSON),
		FaceMeta:          string(faceJSON),
		ProcessedSize:     int64(len(blurred)),
		ProcessingTimeSec: time.Since(start).Seconds(),
	}
	if err := w.store.Complete(ctx, env.JobID, upd); err != nil {
		return err
	}
	w.stats.RecordFacesBlurred(faceMeta.FaceCount)
	telemetry.SetAttributes(ctx, telemetry.FaceCount(faceMeta.FaceCount))

	logger.DebugCtx(ctx, "job record finalized",
		logger.KeyFaceDetected, faces,
		logger.KeyFaceCount, faceMeta.FaceCount,
	)
	return nil
}

// payload materializes the image bytes from the envelope.
func (w *Worker) payload(ctx context.Context, env *job.Envelope) ([]byte, error) {
	switch env.Payload.Kind {
	case job.PayloadInline:
		return env.Payload.Data, nil
	case job.PayloadStaged:
		data, err := w.blobs.Get(ctx, env.Payload.StagingKey)
		if err != nil {
			// A vanished staged payload can never be recovered.
			return nil, fmt.Errorf("staged payload %s: %w", env.Payload.StagingKey, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: payload kind %q", model.ErrModel, env.Payload.Kind)
	}
}

// fail writes the terminal failed state and removes the delivery.
func (w *Worker) fail(ctx context.Context, env *job.Envelope, d *queue.Delivery, cause error) {
	if err := w.store.MarkFailed(ctx, env.JobID, cause.Error()); err != nil {
		logger.ErrorCtx(ctx, "failed to record job failure", logger.Err(err))
	}
	w.ack(ctx, d.ID)
	w.cleanupStaging(ctx, env)
	w.stats.RecordFailure()
	logger.ErrorCtx(ctx, "job failed",
		logger.KeyAttempt, d.Attempts,
		logger.Err(cause),
	)
}

func (w *Worker) ack(ctx context.Context, id int64) {
	if err := w.jobs.Ack(ctx, id); err != nil {
		logger.Error("ack failed", logger.KeyDeliveryID, id, logger.Err(err))
	}
}

// cleanupStaging removes the staged payload after a terminal outcome.
// Best effort; leftover staging objects are harmless.
func (w *Worker) cleanupStaging(ctx context.Context, env *job.Envelope) {
	if env.Payload.Kind != job.PayloadStaged {
		return
	}
	if err := w.blobs.Delete(ctx, env.Payload.StagingKey); err != nil {
		logger.WarnCtx(ctx, "failed to delete staged payload", logger.Err(err))
	}
}

func vehicleDetected(env *job.Envelope) bool {
	if len(env.VehicleMetaJSON) == 0 {
		return true
	}
	var meta model.DetectionMeta
	if err := json.Unmarshal(env.VehicleMetaJSON, &meta); err != nil {
		return true
	}
	return meta.VehicleDetected
}

func contentTypeFor(ext string) string {
	switch ext {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
