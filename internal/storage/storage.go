// Package storage keeps uploaded crop images in a local directory, a MinIO
// bucket or a Google Cloud Storage bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	// ErrObjectNotFound is returned by Get when the key does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidKey rejects keys that are not a single path segment.
	ErrInvalidKey = errors.New("invalid object key")
)

// immutableCacheControl is attached to stored objects. Generated names are
// never reused, so an object's bytes never change under its key.
const immutableCacheControl = "public, max-age=31536000, immutable"

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Location(key string) string
	Bucket() string
}

// Storage fronts a backend with key validation and a memoized bucket check.
type Storage struct {
	backend ObjectStorage

	mu      sync.Mutex
	ensured bool
}

func NewStorage(backend ObjectStorage) *Storage {
	return &Storage{backend: backend}
}

// EnsureBucket creates the bucket if it is absent. Once it has succeeded
// later calls return immediately.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}
	if err := s.backend.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", s.backend.Bucket(), err)
	}
	s.ensured = true
	return nil
}

// Put stores r under key.
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.backend.Put(ctx, key, r, size, contentType); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get opens the object stored under key. Missing objects yield
// ErrObjectNotFound.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return s.backend.Get(ctx, key)
}

// Location describes where key is stored, for logs and asset records.
func (s *Storage) Location(key string) string {
	return s.backend.Location(key)
}

func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}

// Close releases the backend's client when it holds one.
func (s *Storage) Close() error {
	if closer, ok := s.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// ValidateKey accepts only single, non-hidden path segments, the shape every
// generated upload name has.
func ValidateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
