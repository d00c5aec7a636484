package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/roadsight/blurpipe/pkg/blob"
)

func TestPutGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	url, err := s.Put(ctx, "original/j1_1.jpg", []byte("image-bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if url != "memory://original/j1_1.jpg" {
		t.Errorf("unexpected url %q", url)
	}

	data, err := s.Get(ctx, "original/j1_1.jpg")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(data, []byte("image-bytes")) {
		t.Error("data mismatch")
	}
}

func TestGetMissing(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutIsIdempotentOverwrite(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Put(ctx, "k", []byte("first"), "image/jpeg"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, "k", []byte("second"), "image/jpeg"); err != nil {
		t.Fatal(err)
	}

	data, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("expected overwrite, got %q", data)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 object, got %d", s.Len())
	}
}

func TestDeleteMissingIsNoError(t *testing.T) {
	s := New()
	if err := s.Delete(context.Background(), "nope"); err != nil {
		t.Errorf("delete of missing key should not error: %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Put(context.Background(), "k", []byte("x"), ""); !errors.Is(err, blob.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := s.Get(context.Background(), "k"); !errors.Is(err, blob.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if err := s.HealthCheck(context.Background()); !errors.Is(err, blob.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestInjectedPutFailure(t *testing.T) {
	s := New()
	s.FailPuts = true
	_, err := s.Put(context.Background(), "k", []byte("x"), "")
	if !errors.Is(err, blob.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
