package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

// Filesystem implements LocalBackend on a directory tree.
// Writes go to a temp file in the destination directory and are renamed
// into place.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at root, creating the
// directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (b *Filesystem) Root() string {
	return b.root
}

// Path returns the on-disk path for key.
func (b *Filesystem) Path(key string) (string, error) {
	return b.keyToPath(key)
}

// Write stores data at key using WriteFileAtomic.
func (b *Filesystem) Write(ctx context.Context, key string, r io.Reader) (int64, error) {
	path, err := b.keyToPath(key)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return WriteFileAtomic(path, r, 0o644)
}

// Read opens the blob at key.
func (b *Filesystem) Read(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := b.keyToPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Stat reports size and mtime for key.
func (b *Filesystem) Stat(_ context.Context, key string) (Info, error) {
	path, err := b.keyToPath(key)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat file: %w", err)
	}
	if fi.IsDir() {
		return Info{}, ErrNotFound
	}
	return Info{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Delete removes key. Missing keys are ignored.
func (b *Filesystem) Delete(_ context.Context, key string) error {
	path, err := b.keyToPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// List walks prefix and returns every committed blob beneath it.
func (b *Filesystem) List(ctx context.Context, prefix string) ([]Info, error) {
	dir := b.root
	if prefix != "" {
		var err error
		if dir, err = b.keyToPath(prefix); err != nil {
			return nil, err
		}
	}

	var out []Info
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		out = append(out, Info{Key: filepath.ToSlash(rel), Size: fi.Size(), ModTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return out, nil
}

func (b *Filesystem) keyToPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(b.root, clean), nil
}

// WriteFileAtomic copies r into path via a synced temp file in the same
// directory and a rename. Parent directories are created. On error the
// previous contents of path, if any, are untouched.
func WriteFileAtomic(path string, r io.Reader, perm os.FileMode) (int64, error) {
	w, err := NewAtomicWriter(path, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Abort()
		return n, fmt.Errorf("writing data: %w", err)
	}
	if err := w.Close(); err != nil {
		return n, err
	}
	return n, nil
}

// AtomicWriter buffers writes in a temp file that is renamed over the
// destination on Close. Abort discards it.
type AtomicWriter struct {
	f       *os.File
	tmpPath string
	dstPath string
	perm    os.FileMode
	closed  bool
}

// NewAtomicWriter opens a temp file beside path.
func NewAtomicWriter(path string, perm os.FileMode) (*AtomicWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return &AtomicWriter{f: tmp, tmpPath: tmp.Name(), dstPath: path, perm: perm}, nil
}

// Write implements io.Writer.
func (w *AtomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close commits the write.
func (w *AtomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(w.tmpPath, w.perm); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.dstPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Abort removes the temp file without touching the destination.
func (w *AtomicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.f.Close()
	return os.Remove(w.tmpPath)
}

var _ LocalBackend = (*Filesystem)(nil)
