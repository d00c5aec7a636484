package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds job-scoped logging context carried through the pipeline.
type LogContext struct {
	JobID     string    // Pipeline job identifier
	TraceID   string    // Correlation id minted at admission
	WorkerID  string    // Worker processing the job, if any
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a job.
func NewLogContext(jobID, traceID string) *LogContext {
	return &LogContext{
		JobID:     jobID,
		TraceID:   traceID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	c := *lc
	return &c
}

// WithWorker returns a copy with the worker id set
func (lc *LogContext) WithWorker(workerID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.WorkerID = workerID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
