// Package memory implements an in-memory blob store for tests and local
// development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/roadsight/blurpipe/pkg/blob"
)

type object struct {
	data        []byte
	contentType string
}

// Store is a thread-safe in-memory blob store.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	closed  bool

	// FailPuts makes Put return ErrUnavailable when set. Tests use this
	// to exercise transient failure handling.
	FailPuts bool
}

var _ blob.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", blob.ErrStoreClosed
	}
	if s.FailPuts {
		return "", fmt.Errorf("%w: injected failure", blob.ErrUnavailable)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = object{data: cp, contentType: contentType}
	return s.URL(key), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, blob.ErrStoreClosed
	}

	obj, ok := s.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return blob.ErrStoreClosed
	}
	delete(s.objects, key)
	return nil
}

func (s *Store) URL(key string) string {
	return "memory://" + key
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return blob.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Has reports whether key exists.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}
