// Package metadata persists per-job records in a relational store. Every
// admitted job gets exactly one row, keyed by job id, that tracks the
// lifecycle from submission through completion or failure together with the
// detection outcome and blob URLs.
package metadata

import (
	"context"
	"errors"
	"time"
)

// Common metadata store errors.
var (
	// ErrNotFound indicates no record exists for the given job id.
	ErrNotFound = errors.New("job record not found")

	// ErrDuplicateJob indicates a record already exists for the job id.
	ErrDuplicateJob = errors.New("job record already exists")

	// ErrUnavailable indicates the database could not be reached.
	// Transient: retry with backoff.
	ErrUnavailable = errors.New("metadata store unavailable")
)

// CompletionUpdate carries the fields written when a job completes.
type CompletionUpdate struct {
	OriginalURL       string
	ProcessedURL      string
	IsVehicleDetected bool
	IsFaceDetected    bool
	IsFaceBlurred     bool
	FaceCount         int
	VehicleMeta       string
	FaceMeta          string
	ProcessedSize     int64
	ProcessingTimeSec float64
}

// ListOptions controls record listing. The boolean pointers filter on the
// detection flags when set.
type ListOptions struct {
	Status  string
	Vehicle *bool
	Face    *bool
	Blurred *bool
	Limit   int
	Offset  int
}

// AggregateStats summarizes the processed_images table.
type AggregateStats struct {
	TotalImages       int64   `json:"total_images"`
	Completed         int64   `json:"completed"`
	Failed            int64   `json:"failed"`
	Processing        int64   `json:"processing"`
	Submitted         int64   `json:"submitted"`
	VehiclesDetected  int64   `json:"vehicles_detected"`
	FacesDetected     int64   `json:"faces_detected"`
	FacesBlurred      int64   `json:"faces_blurred"`
	AvgProcessingTime float64 `json:"avg_processing_time_seconds"`
}

// Store is the interface for job record persistence.
type Store interface {
	// CreateSubmitted inserts a fresh record in the submitted state.
	// Returns ErrDuplicateJob if the job id already has a record.
	CreateSubmitted(ctx context.Context, rec *ProcessedImage) error

	// MarkProcessing transitions the record to processing. Redeliveries
	// call this again; it only touches records in submitted or processing
	// state so terminal records stay terminal.
	MarkProcessing(ctx context.Context, jobID string) error

	// Complete transitions the record to completed and writes the outcome.
	// A record already in a terminal state is left untouched.
	Complete(ctx context.Context, jobID string, upd CompletionUpdate) error

	// MarkFailed transitions the record to failed with an error message.
	// A record already in a terminal state is left untouched.
	MarkFailed(ctx context.Context, jobID, errorMessage string) error

	// GetByJobID fetches the record for a job.
	GetByJobID(ctx context.Context, jobID string) (*ProcessedImage, error)

	// List returns records matching the options plus the total match count.
	List(ctx context.Context, opts ListOptions) ([]ProcessedImage, int64, error)

	// Aggregate computes table-wide statistics.
	Aggregate(ctx context.Context) (*AggregateStats, error)

	// HealthCheck verifies the database is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}

// ProcessedImage is the per-job database record.
type ProcessedImage struct {
	ID                 uint       `gorm:"primaryKey" json:"-"`
	JobID              string     `gorm:"uniqueIndex;size:64;not null" json:"job_id"`
	OriginalFilename   string     `gorm:"size:512" json:"original_filename"`
	Status             string     `gorm:"index;size:16;not null" json:"status"`
	S3OriginalURL      string     `gorm:"size:1024" json:"s3_original_url,omitempty"`
	S3ProcessedURL     string     `gorm:"size:1024" json:"s3_processed_url,omitempty"`
	IsVehicleDetected  bool       `gorm:"index" json:"is_vehicle_detected"`
	IsFaceDetected     bool       `gorm:"index" json:"is_face_detected"`
	IsFaceBlurred      bool       `gorm:"index" json:"is_face_blurred"`
	FaceCount          int        `json:"face_count"`
	FileSizeOriginal   int64      `json:"file_size_original"`
	FileSizeProcessed  int64      `json:"file_size_processed"`
	VehicleMeta        string     `gorm:"type:text" json:"vehicle_meta,omitempty"`
	FaceMeta           string     `gorm:"type:text" json:"face_meta,omitempty"`
	ProcessingTimeSec  float64    `json:"processing_time_seconds"`
	ErrorMessage       string     `gorm:"type:text" json:"error_message,omitempty"`
	UploadTimestamp    time.Time  `gorm:"index;not null" json:"upload_timestamp"`
	ProcessedTimestamp *time.Time `json:"processed_timestamp,omitempty"`
	CreatedAt          time.Time  `json:"-"`
	UpdatedAt          time.Time  `json:"-"`
}

// TableName fixes the table name regardless of GORM pluralization rules.
func (ProcessedImage) TableName() string {
	return "processed_images"
}
