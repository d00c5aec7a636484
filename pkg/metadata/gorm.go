package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/roadsight/blurpipe/internal/logger"
)

// DatabaseType identifies the backing database.
type DatabaseType string

const (
	DatabaseSQLite   DatabaseType = "sqlite"
	DatabasePostgres DatabaseType = "postgres"
)

// Config holds metadata store configuration.
type Config struct {
	// Type selects the database backend
	Type DatabaseType

	// DSN is the connection string. For SQLite this is a file path or
	// ":memory:"; for Postgres a standard connection URL.
	DSN string

	// Pool settings (Postgres only; SQLite serializes writes anyway)
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// AutoMigrate runs schema migration on open. Production Postgres
	// deployments run versioned migrations instead.
	AutoMigrate bool
}

// GormStore implements Store on GORM over SQLite or Postgres.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore opens the database and optionally migrates the schema.
func NewGormStore(cfg Config) (*GormStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("metadata store DSN is required")
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Type {
	case DatabaseSQLite, "":
		dsn := cfg.DSN
		if dsn != ":memory:" && !strings.Contains(dsn, "?") {
			// WAL keeps readers unblocked during worker writes.
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case DatabasePostgres:
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, cfg.Type, err)
	}

	if cfg.Type == DatabasePostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access connection pool: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&ProcessedImage{}); err != nil {
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	logger.Info("metadata store opened", "type", string(cfg.Type))

	return &GormStore{db: db}, nil
}

// CreateSubmitted inserts a fresh record in the submitted state.
func (s *GormStore) CreateSubmitted(ctx context.Context, rec *ProcessedImage) error {
	if rec.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	rec.Status = "submitted"
	if rec.UploadTimestamp.IsZero() {
		rec.UploadTimestamp = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, rec.JobID)
		}
		return wrapDBError("create record", err)
	}
	return nil
}

// MarkProcessing transitions a live record to processing.
func (s *GormStore) MarkProcessing(ctx context.Context, jobID string) error {
	res := s.db.WithContext(ctx).Model(&ProcessedImage{}).
		Where("job_id = ? AND status IN ?", jobID, []string{"submitted", "processing"}).
		Update("status", "processing")
	if res.Error != nil {
		return wrapDBError("mark processing", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// terminalStatuses never change again once written.
var terminalStatuses = []string{"completed", "failed"}

// Complete writes the terminal completed state and the processing outcome.
// A record already terminal stays as it is: a stale worker whose claim
// expired must not rewrite the outcome another worker already recorded.
func (s *GormStore) Complete(ctx context.Context, jobID string, upd CompletionUpdate) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&ProcessedImage{}).
		Where("job_id = ? AND status NOT IN ?", jobID, terminalStatuses).
		Updates(map[string]any{
			"status":              "completed",
			"s3_original_url":     upd.OriginalURL,
			"s3_processed_url":    upd.ProcessedURL,
			"is_vehicle_detected": upd.IsVehicleDetected,
			"is_face_detected":    upd.IsFaceDetected,
			"is_face_blurred":     upd.IsFaceBlurred,
			"face_count":          upd.FaceCount,
			"vehicle_meta":        upd.VehicleMeta,
			"face_meta":           upd.FaceMeta,
			"file_size_processed": upd.ProcessedSize,
			"processing_time_sec": upd.ProcessingTimeSec,
			"error_message":       "",
			"processed_timestamp": &now,
		})
	if res.Error != nil {
		return wrapDBError("complete record", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.terminalOrMissing(ctx, jobID)
	}
	return nil
}

// MarkFailed writes the terminal failed state. Like Complete, it never
// touches a record that is already terminal.
func (s *GormStore) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&ProcessedImage{}).
		Where("job_id = ? AND status NOT IN ?", jobID, terminalStatuses).
		Updates(map[string]any{
			"status":              "failed",
			"error_message":       errorMessage,
			"processed_timestamp": &now,
		})
	if res.Error != nil {
		return wrapDBError("mark failed", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.terminalOrMissing(ctx, jobID)
	}
	return nil
}

// terminalOrMissing resolves a zero-row terminal update: nil when the record
// exists (already terminal, no-op), ErrNotFound when it never did.
func (s *GormStore) terminalOrMissing(ctx context.Context, jobID string) error {
	var n int64
	err := s.db.WithContext(ctx).Model(&ProcessedImage{}).
		Where("job_id = ?", jobID).Count(&n).Error
	if err != nil {
		return wrapDBError("check record", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// GetByJobID fetches the record for a job.
func (s *GormStore) GetByJobID(ctx context.Context, jobID string) (*ProcessedImage, error) {
	var rec ProcessedImage
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, wrapDBError("get record", err)
	}
	return &rec, nil
}

// List returns records matching the options, newest first.
func (s *GormStore) List(ctx context.Context, opts ListOptions) ([]ProcessedImage, int64, error) {
	q := s.db.WithContext(ctx).Model(&ProcessedImage{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.Vehicle != nil {
		q = q.Where("is_vehicle_detected = ?", *opts.Vehicle)
	}
	if opts.Face != nil {
		q = q.Where("is_face_detected = ?", *opts.Face)
	}
	if opts.Blurred != nil {
		q = q.Where("is_face_blurred = ?", *opts.Blurred)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, wrapDBError("count records", err)
	}

	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var recs []ProcessedImage
	err := q.Order("upload_timestamp DESC").
		Limit(limit).
		Offset(opts.Offset).
		Find(&recs).Error
	if err != nil {
		return nil, 0, wrapDBError("list records", err)
	}
	return recs, total, nil
}

// Aggregate computes table-wide statistics in a single scan per dimension.
func (s *GormStore) Aggregate(ctx context.Context) (*AggregateStats, error) {
	stats := &AggregateStats{}
	db := s.db.WithContext(ctx).Model(&ProcessedImage{})

	type row struct {
		Status string
		N      int64
	}
	var byStatus []row
	if err := db.Select("status, COUNT(*) AS n").Group("status").Scan(&byStatus).Error; err != nil {
		return nil, wrapDBError("aggregate status", err)
	}
	for _, r := range byStatus {
		stats.TotalImages += r.N
		switch r.Status {
		case "completed":
			stats.Completed = r.N
		case "failed":
			stats.Failed = r.N
		case "processing":
			stats.Processing = r.N
		case "submitted":
			stats.Submitted = r.N
		}
	}

	type flags struct {
		Vehicles int64
		Faces    int64
		Blurred  int64
		AvgTime  *float64
	}
	var f flags
	err := s.db.WithContext(ctx).Model(&ProcessedImage{}).
		Select(`COUNT(CASE WHEN is_vehicle_detected THEN 1 END) AS vehicles,
			COUNT(CASE WHEN is_face_detected THEN 1 END) AS faces,
			COUNT(CASE WHEN is_face_blurred THEN 1 END) AS blurred,
			AVG(CASE WHEN status = 'completed' THEN processing_time_sec END) AS avg_time`).
		Scan(&f).Error
	if err != nil {
		return nil, wrapDBError("aggregate flags", err)
	}
	stats.VehiclesDetected = f.Vehicles
	stats.FacesDetected = f.Faces
	stats.FacesBlurred = f.Blurred
	if f.AvgTime != nil {
		stats.AvgProcessingTime = *f.AvgTime
	}

	return stats, nil
}

// HealthCheck pings the database.
func (s *GormStore) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying GORM handle so the queue can share one
// connection to the same database.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// wrapDBError classifies database failures as transient.
func wrapDBError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// isUniqueConstraintError detects duplicate-key violations across both
// backends. Neither driver exposes a portable error type for this.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
