package job

import "fmt"

// Blob key discipline. Keys for the original and processed artifacts are
// pure functions of (job_id, upload_ts, extension), so a redelivered job
// overwrites its own earlier partial uploads instead of duplicating them.

// OriginalKey is the blob key for the as-uploaded image.
func OriginalKey(jobID string, uploadTS int64, ext string) string {
	return fmt.Sprintf("original/%s_%d.%s", jobID, uploadTS, ext)
}

// ProcessedKey is the blob key for the blurred output image.
func ProcessedKey(jobID string, uploadTS int64, ext string) string {
	return fmt.Sprintf("processed/%s_%d.%s", jobID, uploadTS, ext)
}

// StagingKey is the blob key used to park oversized payloads between
// admission and processing.
func StagingKey(jobID string) string {
	return fmt.Sprintf("staging/%s", jobID)
}

// OriginalKeyFor derives the original key from an envelope.
func (e *Envelope) OriginalKeyFor() string {
	return OriginalKey(e.JobID, e.UploadTS, e.Extension)
}

// ProcessedKeyFor derives the processed key from an envelope.
func (e *Envelope) ProcessedKeyFor() string {
	return ProcessedKey(e.JobID, e.UploadTS, e.Extension)
}
