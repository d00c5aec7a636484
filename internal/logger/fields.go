package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently across
// all log statements so logs aggregate and query cleanly.
const (
	// Job correlation
	KeyJobID    = "job_id"
	KeyTraceID  = "trace_id"
	KeyWorkerID = "worker_id"

	// Queue
	KeyDeliveryID = "delivery_id"
	KeyQueueDepth = "queue_depth"
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"

	// Blob storage
	KeyBucket = "bucket"
	KeyKey    = "key"
	KeyRegion = "region"
	KeySize   = "size"

	// Job outcome
	KeyStatus     = "status"
	KeyReason     = "reason"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"

	// Detection flags
	KeyVehicleDetected = "vehicle_detected"
	KeyFaceDetected    = "face_detected"
	KeyFaceBlurred     = "face_blurred"
	KeyFaceCount       = "face_count"
)

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// JobID returns a slog.Attr for a job identifier
func JobID(id string) slog.Attr {
	return slog.String(KeyJobID, id)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
