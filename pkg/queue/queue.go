// Package queue defines the durable work queue abstraction between
// admission and the worker pool.
//
// Delivery is at-least-once: a popped job becomes invisible for a
// visibility timeout instead of being removed, and reappears for another
// worker if the holder never acks. Consumers must therefore be idempotent.
package queue

import (
	"context"
	"errors"
	"time"
)

// Common queue errors.
var (
	// ErrEmpty indicates no job is currently visible.
	ErrEmpty = errors.New("queue is empty")

	// ErrBackpressure indicates the queue is at capacity and the push was
	// refused.
	ErrBackpressure = errors.New("queue is full")

	// ErrUnavailable indicates the backing store could not be reached.
	// Transient: retry with backoff.
	ErrUnavailable = errors.New("queue unavailable")

	// ErrNotClaimed indicates the delivery id does not match an in-flight
	// claim, typically because the visibility timeout already expired.
	ErrNotClaimed = errors.New("delivery not claimed")
)

// Delivery is one claimed job. ID identifies the claim for Ack/Nack/Extend;
// Attempts counts deliveries including this one.
type Delivery struct {
	ID       int64
	Attempts int
	Payload  []byte
}

// Queue is the durable work queue interface.
type Queue interface {
	// Push enqueues a payload. Returns ErrBackpressure when the queue is
	// at capacity.
	Push(ctx context.Context, payload []byte) error

	// Pop claims the oldest visible job and hides it for the visibility
	// timeout. Returns ErrEmpty when nothing is visible.
	Pop(ctx context.Context) (*Delivery, error)

	// Ack removes a claimed job permanently.
	Ack(ctx context.Context, id int64) error

	// Nack returns a claimed job to the queue, visible again after delay.
	Nack(ctx context.Context, id int64, delay time.Duration) error

	// Extend pushes a claim's visibility deadline further out.
	Extend(ctx context.Context, id int64, d time.Duration) error

	// Depth returns the number of jobs in the queue, visible or claimed.
	Depth(ctx context.Context) (int64, error)

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the queue.
	Close() error
}
