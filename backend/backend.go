// Package backend provides the storage abstraction under the response cache.
// Keys are slash-separated paths relative to the cache root: an entry
// directory name, optionally followed by a file name inside it.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Info describes a stored file or directory.
type Info struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, creating parent directories.
	// If the key already exists, it is overwritten.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the key and, for directories, everything below it.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the sorted names of the immediate children of prefix.
	// Temporary files are omitted. A missing prefix yields an empty list.
	List(ctx context.Context, prefix string) ([]string, error)

	// Stat returns size and modification time of the key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (Info, error)
}

// RootDir returns the directory a backend stores under, looking through
// wrappers that expose Unwrap. It reports false for backends without one.
func RootDir(b Backend) (string, bool) {
	for b != nil {
		if r, ok := b.(interface{ Root() string }); ok {
			return r.Root(), true
		}
		u, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			return "", false
		}
		b = u.Unwrap()
	}
	return "", false
}
