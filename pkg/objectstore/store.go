// Package objectstore stores blobs under string keys.
//
// It backs the model registry, the telemetry archive and artifact export.
// Backends live in subpackages (s3, file) and all report failures with the
// sentinels from pkg/provider wrapped in *Error.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Backend names a storage implementation.
type Backend string

const (
	BackendS3   Backend = "s3"
	BackendFile Backend = "file"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Store is the operation set every backend provides.
type Store interface {
	// Put writes body under key, replacing any existing object.
	// size is the exact body length, or -1 when unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Get opens an object. The caller must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Head returns metadata without reading the body.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// URI renders a stable locator for key (s3://bucket/key, file:///path).
	URI(key string) string

	Close() error
}

// Error wraps backend failures with context.
type Error struct {
	Op      string
	Backend Backend
	Bucket  string
	Key     string
	Err     error
}

func (e *Error) Error() string {
	loc := e.Key
	if e.Bucket != "" {
		loc = e.Bucket + "/" + e.Key
	}
	if loc != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, loc, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PutBytes is a convenience wrapper around Store.Put.
func PutBytes(ctx context.Context, s Store, key string, data []byte) error {
	return s.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
}

// GetBytes reads a whole object into memory.
func GetBytes(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, _, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// JoinKey joins key segments with "/" and strips leading slashes.
func JoinKey(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return path.Join(nonEmpty...)
}
