package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for pipeline operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	// Job attributes
	AttrJobID     = "job.id"
	AttrJobStatus = "job.status"
	AttrFilename  = "job.filename"
	AttrExtension = "job.extension"
	AttrAttempt   = "job.attempt"
	AttrPayload   = "job.payload_kind" // inline or staged

	// Queue attributes
	AttrQueueName  = "queue.name"
	AttrQueueDepth = "queue.depth"
	AttrDeliveryID = "queue.delivery_id"

	// Detection attributes
	AttrVehicleDetected = "detect.vehicle"
	AttrFaceDetected    = "detect.face"
	AttrFaceCount       = "detect.face_count"
	AttrModelVersion    = "detect.model_version"

	// Storage backend attributes
	AttrBucket = "storage.bucket"
	AttrKey    = "storage.key"
	AttrRegion = "storage.region"
	AttrSize   = "storage.size"

	// Worker attributes
	AttrWorkerID = "worker.id"

	// HTTP client attributes
	AttrClientIP = "client.ip"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// Admission spans
	SpanSubmit      = "gate.submit"
	SpanVehicleScan = "gate.vehicle_scan"

	// Worker spans
	SpanProcess  = "worker.process"
	SpanFaceBlur = "worker.face_blur"

	// Storage spans
	SpanBlobPut = "blob.put"
	SpanBlobGet = "blob.get"

	// Queue spans
	SpanQueuePush = "queue.push"
	SpanQueuePop  = "queue.pop"
)

// Attribute constructors

// JobID creates a job.id attribute.
func JobID(id string) attribute.KeyValue {
	return attribute.String(AttrJobID, id)
}

// JobStatus creates a job.status attribute.
func JobStatus(status string) attribute.KeyValue {
	return attribute.String(AttrJobStatus, status)
}

// Filename creates a job.filename attribute.
func Filename(name string) attribute.KeyValue {
	return attribute.String(AttrFilename, name)
}

// Attempt creates a job.attempt attribute.
func Attempt(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}

// QueueDepth creates a queue.depth attribute.
func QueueDepth(depth int64) attribute.KeyValue {
	return attribute.Int64(AttrQueueDepth, depth)
}

// FaceCount creates a detect.face_count attribute.
func FaceCount(n int) attribute.KeyValue {
	return attribute.Int(AttrFaceCount, n)
}

// VehicleDetected creates a detect.vehicle attribute.
func VehicleDetected(found bool) attribute.KeyValue {
	return attribute.Bool(AttrVehicleDetected, found)
}

// StorageKey creates a storage.key attribute.
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// WorkerID creates a worker.id attribute.
func WorkerID(id string) attribute.KeyValue {
	return attribute.String(AttrWorkerID, id)
}

// ClientIP creates a client.ip attribute.
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}
