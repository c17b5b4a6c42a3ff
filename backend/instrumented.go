package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/segment-cache/telemetry"
)

// Instrumented wraps a LocalBackend with operation metrics labelled by name.
type Instrumented struct {
	backend LocalBackend
	name    string
}

// NewInstrumented creates a new instrumented backend wrapper.
func NewInstrumented(b LocalBackend, name string) *Instrumented {
	return &Instrumented{backend: b, name: name}
}

func (ib *Instrumented) record(ctx context.Context, op string, start time.Time, err error, n int64) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcomeFromError(err), time.Since(start), n)
}

func (ib *Instrumented) Write(ctx context.Context, key string, r io.Reader) (int64, error) {
	start := time.Now()
	n, err := ib.backend.Write(ctx, key, r)
	ib.record(ctx, "write", start, err, n)
	return n, err
}

func (ib *Instrumented) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	ib.record(ctx, "read", start, err, 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *Instrumented) Stat(ctx context.Context, key string) (Info, error) {
	start := time.Now()
	info, err := ib.backend.Stat(ctx, key)
	ib.record(ctx, "stat", start, err, 0)
	return info, err
}

func (ib *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	ib.record(ctx, "delete", start, err, 0)
	return err
}

func (ib *Instrumented) List(ctx context.Context, prefix string) ([]Info, error) {
	start := time.Now()
	infos, err := ib.backend.List(ctx, prefix)
	ib.record(ctx, "list", start, err, 0)
	return infos, err
}

// Path is not instrumented; it does no I/O.
func (ib *Instrumented) Path(key string) (string, error) {
	return ib.backend.Path(key)
}

// Unwrap returns the underlying backend.
func (ib *Instrumented) Unwrap() LocalBackend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

var _ LocalBackend = (*Instrumented)(nil)
