// Package backend stores the small blobs that sit beside published segments:
// fetched cover art, rendered overlays and generation records. Every write
// replaces the target atomically, so a reader only ever sees a complete
// file or no file.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// ErrInvalidKey is returned for keys that would resolve outside the root.
var ErrInvalidKey = errors.New("invalid backend key")

// Info describes a stored blob.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend defines the interface for blob storage.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at key, replacing any previous value atomically.
	// It returns the number of bytes written.
	Write(ctx context.Context, key string, r io.Reader) (int64, error)

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns size and modification time for key, or ErrNotFound.
	Stat(ctx context.Context, key string) (Info, error)

	// Delete removes data at the given key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// List returns every blob under prefix ("/" separated).
	List(ctx context.Context, prefix string) ([]Info, error)
}

// LocalBackend is a Backend whose blobs are plain files, so their paths can
// be handed to external processes such as ffmpeg.
type LocalBackend interface {
	Backend

	// Path returns the on-disk path for key. The file may not exist.
	Path(key string) (string, error)
}
