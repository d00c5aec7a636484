// Package blob defines the blob store abstraction used for original,
// processed, and staged image payloads.
package blob

import (
	"context"
	"errors"
)

// Common blob store errors.
var (
	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("blob store is closed")

	// ErrUnavailable indicates the backing service could not be reached.
	// Transient: retry with backoff.
	ErrUnavailable = errors.New("blob store unavailable")
)

// Store is the interface for blob storage backends.
//
// Put is an idempotent full-object write: re-putting the same key replaces
// the object, which is what makes redelivered jobs safe.
type Store interface {
	// Put stores data under key with the given content type and returns
	// the object's URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get retrieves the object stored under key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// URL returns the object URL for key without touching the backend.
	URL(key string) string

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
