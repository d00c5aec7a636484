// Package pipeline wires admission, the work queue, the worker pool, and the
// stats collector into the image processing service.
package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/roadsight/blurpipe/pkg/blob"
	"github.com/roadsight/blurpipe/pkg/metadata"
	"github.com/roadsight/blurpipe/pkg/model"
	"github.com/roadsight/blurpipe/pkg/queue"
)

// Admission errors surfaced to submitters.
var (
	// ErrRejected indicates the upload failed admission (no vehicle,
	// undecodable image, invalid payload). The job was never queued.
	ErrRejected = errors.New("upload rejected")

	// ErrQueueFull indicates admission passed but the queue refused the
	// job. Submitters should retry later.
	ErrQueueFull = errors.New("queue at capacity")

	// ErrStorageUnavailable indicates admission could not persist the
	// original artifact. Submitters should retry later.
	ErrStorageUnavailable = errors.New("blob store unavailable")
)

// Kind classifies a processing failure.
type Kind int

const (
	// KindTransient failures may succeed on retry: unreachable blob
	// store, database, or queue, and timeouts.
	KindTransient Kind = iota

	// KindFatal failures can never succeed: undecodable payloads,
	// structurally invalid model output, missing staged payloads.
	KindFatal
)

func (k Kind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// Classify maps a processing error to its retry class. Unknown errors are
// transient so at-least-once delivery gets a chance to recover them.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, model.ErrDecode),
		errors.Is(err, model.ErrModel),
		errors.Is(err, blob.ErrNotFound):
		return KindFatal
	case errors.Is(err, blob.ErrUnavailable),
		errors.Is(err, metadata.ErrUnavailable),
		errors.Is(err, queue.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindTransient
	}
}

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// Backoff returns the redelivery delay before the given retry. Exponential
// from 1s, capped at 60s, with up to 20% jitter to spread retry storms.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase << uint(attempt-1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	return d + jitter
}
