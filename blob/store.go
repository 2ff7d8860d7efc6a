// Package blob stores image bytes for the raw and processed buckets.
//
// Keys have the form "<bucket>/<object>". Backends that talk to an object
// store map the first key segment onto the bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hubenschmidt/go-imgsearch/core"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = core.ErrNotFound

// Info describes a stored blob.
type Info struct {
	Key         string
	Size        int64
	ContentType string
}

// Store is a flat key/value store for image bytes.
type Store interface {
	// Put writes a blob atomically, replacing any existing one.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the blob contents or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Stat returns blob metadata or ErrNotFound.
	Stat(ctx context.Context, key string) (Info, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes a blob. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Relocate moves src to dst by copy, verify, then delete. Every step is
// idempotent: if src is already gone and dst exists the move has completed
// on an earlier run.
func Relocate(ctx context.Context, s Store, src, dst string) error {
	if src == dst {
		return nil
	}
	srcInfo, err := s.Stat(ctx, src)
	if errors.Is(err, ErrNotFound) {
		ok, derr := s.Exists(ctx, dst)
		if derr != nil {
			return fmt.Errorf("stat destination %s: %w", dst, derr)
		}
		if ok {
			return nil
		}
		return fmt.Errorf("relocate %s: %w", src, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("stat source %s: %w", src, err)
	}

	data, err := s.Get(ctx, src)
	if err != nil {
		return fmt.Errorf("read source %s: %w", src, err)
	}
	if err := s.Put(ctx, dst, data, srcInfo.ContentType); err != nil {
		return fmt.Errorf("write destination %s: %w", dst, err)
	}

	dstInfo, err := s.Stat(ctx, dst)
	if err != nil {
		return fmt.Errorf("verify destination %s: %w", dst, err)
	}
	if dstInfo.Size != int64(len(data)) {
		return fmt.Errorf("verify destination %s: size %d, want %d", dst, dstInfo.Size, len(data))
	}

	if err := s.Delete(ctx, src); err != nil {
		return fmt.Errorf("delete source %s: %w", src, err)
	}
	return nil
}

// splitKey separates "<bucket>/<object>" into its parts.
func splitKey(key string) (bucket, object string, err error) {
	bucket, object, ok := strings.Cut(strings.TrimPrefix(key, "/"), "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid blob key %q: want <bucket>/<object>", key)
	}
	return bucket, object, nil
}
