// Package sqlqueue implements the work queue on a SQL table shared with the
// metadata database. Claims are a single UPDATE .. RETURNING over the oldest
// visible row, so concurrent workers never double-claim; visibility is a
// unix-millisecond watermark that claimed rows carry into the future.
package sqlqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/roadsight/blurpipe/internal/logger"
	"github.com/roadsight/blurpipe/pkg/queue"
)

// Config holds queue configuration.
type Config struct {
	// Name partitions the queue_jobs table; one table serves many queues.
	Name string

	// VisibilityTimeout is how long a claimed job stays hidden before it
	// is redelivered.
	VisibilityTimeout time.Duration

	// MaxSize caps queue depth. Push returns ErrBackpressure beyond it.
	// Zero means unbounded.
	MaxSize int64
}

// SQLQueue implements queue.Queue on a GORM handle.
type SQLQueue struct {
	db       *gorm.DB
	name     string
	vt       time.Duration
	maxSize  int64
	postgres bool
}

var _ queue.Queue = (*SQLQueue)(nil)

type queueJob struct {
	ID         int64 `gorm:"primaryKey"`
	Queue      string
	Payload    []byte
	Attempts   int
	VisibleAt  int64
	EnqueuedAt time.Time
}

func (queueJob) TableName() string {
	return "queue_jobs"
}

// New creates a queue over an already-open database handle. AutoMigrate
// covers SQLite; Postgres deployments create the table via migrations.
func New(db *gorm.DB, cfg Config) (*SQLQueue, error) {
	if cfg.Name == "" {
		cfg.Name = "image-jobs"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}

	if err := db.AutoMigrate(&queueJob{}); err != nil {
		return nil, fmt.Errorf("failed to migrate queue table: %w", err)
	}

	return &SQLQueue{
		db:       db,
		name:     cfg.Name,
		vt:       cfg.VisibilityTimeout,
		maxSize:  cfg.MaxSize,
		postgres: db.Dialector.Name() == "postgres",
	}, nil
}

// MaxSize reports the configured depth cap. Zero means unbounded.
func (q *SQLQueue) MaxSize() int64 {
	return q.maxSize
}

// Push enqueues a payload, refusing when the queue is at capacity.
func (q *SQLQueue) Push(ctx context.Context, payload []byte) error {
	if q.maxSize > 0 {
		depth, err := q.Depth(ctx)
		if err != nil {
			return err
		}
		if depth >= q.maxSize {
			return fmt.Errorf("%w: depth %d at limit %d", queue.ErrBackpressure, depth, q.maxSize)
		}
	}

	j := queueJob{
		Queue:      q.name,
		Payload:    payload,
		VisibleAt:  0,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.db.WithContext(ctx).Create(&j).Error; err != nil {
		return wrapQueueError("push", err)
	}

	logger.Debug("job enqueued", logger.KeyDeliveryID, j.ID, logger.KeySize, len(payload))
	return nil
}

// Pop claims the oldest visible job. The claim and the visibility update are
// one statement, so two workers cannot claim the same row.
func (q *SQLQueue) Pop(ctx context.Context) (*queue.Delivery, error) {
	now := time.Now().UnixMilli()
	hideUntil := now + q.vt.Milliseconds()

	sub := "SELECT id FROM queue_jobs WHERE queue = ? AND visible_at <= ? ORDER BY id ASC LIMIT 1"
	if q.postgres {
		sub += " FOR UPDATE SKIP LOCKED"
	}

	var claimed queueJob
	res := q.db.WithContext(ctx).Raw(
		"UPDATE queue_jobs SET visible_at = ?, attempts = attempts + 1 WHERE id = ("+sub+") RETURNING id, payload, attempts",
		hideUntil, q.name, now,
	).Scan(&claimed)
	if res.Error != nil {
		return nil, wrapQueueError("pop", res.Error)
	}
	if res.RowsAffected == 0 || claimed.ID == 0 {
		return nil, queue.ErrEmpty
	}

	return &queue.Delivery{
		ID:       claimed.ID,
		Attempts: claimed.Attempts,
		Payload:  claimed.Payload,
	}, nil
}

// Ack deletes a claimed job. Acking an already-deleted claim is harmless so
// redelivered duplicates can both ack.
func (q *SQLQueue) Ack(ctx context.Context, id int64) error {
	res := q.db.WithContext(ctx).
		Where("id = ? AND queue = ?", id, q.name).
		Delete(&queueJob{})
	if res.Error != nil {
		return wrapQueueError("ack", res.Error)
	}
	return nil
}

// Nack makes a claimed job visible again after delay.
func (q *SQLQueue) Nack(ctx context.Context, id int64, delay time.Duration) error {
	visibleAt := int64(0)
	if delay > 0 {
		visibleAt = time.Now().Add(delay).UnixMilli()
	}

	res := q.db.WithContext(ctx).Model(&queueJob{}).
		Where("id = ? AND queue = ?", id, q.name).
		Update("visible_at", visibleAt)
	if res.Error != nil {
		return wrapQueueError("nack", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", queue.ErrNotClaimed, id)
	}
	return nil
}

// Extend pushes a claim's visibility deadline to now+d. Only still-hidden
// claims can be extended; an expired claim has already been redelivered.
func (q *SQLQueue) Extend(ctx context.Context, id int64, d time.Duration) error {
	now := time.Now().UnixMilli()
	res := q.db.WithContext(ctx).Model(&queueJob{}).
		Where("id = ? AND queue = ? AND visible_at > ?", id, q.name, now).
		Update("visible_at", now+d.Milliseconds())
	if res.Error != nil {
		return wrapQueueError("extend", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", queue.ErrNotClaimed, id)
	}
	return nil
}

// Depth counts all jobs in the queue, visible or claimed.
func (q *SQLQueue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&queueJob{}).
		Where("queue = ?", q.name).
		Count(&n).Error
	if err != nil {
		return 0, wrapQueueError("depth", err)
	}
	return n, nil
}

// HealthCheck pings the underlying database.
func (q *SQLQueue) HealthCheck(ctx context.Context) error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op; the database handle is owned by the metadata store.
func (q *SQLQueue) Close() error {
	return nil
}

func wrapQueueError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", queue.ErrUnavailable, op, err)
}

// IsRetryable reports whether a queue error is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, queue.ErrUnavailable)
}
