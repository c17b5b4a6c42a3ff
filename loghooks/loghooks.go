// Package loghooks is the default pipeline event sink: structured logs,
// plus a journal record for every build attempt when a journal is
// configured.
package loghooks

import (
	"context"
	"log/slog"

	"github.com/wolfeidau/segment-cache/journal"
	"github.com/wolfeidau/segment-cache/pipeline"
)

// Recorder persists build reports.
type Recorder interface {
	Append(ctx context.Context, e journal.Entry) (uint64, error)
}

// Hooks implements pipeline.Hooks.
type Hooks struct {
	logger   *slog.Logger
	recorder Recorder
}

// New creates Hooks. recorder may be nil.
func New(logger *slog.Logger, recorder Recorder) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{logger: logger.With("component", "hooks"), recorder: recorder}
}

func (h *Hooks) CacheHit(ctx context.Context, key string, waited bool) {
	h.logger.DebugContext(ctx, "cache hit", "key", key, "waited", waited)
}

func (h *Hooks) BuildStarted(ctx context.Context, key, generation string) {
	h.logger.InfoContext(ctx, "build started", "key", key, "generation", generation)
}

func (h *Hooks) BuildFinished(ctx context.Context, r pipeline.BuildReport) {
	attrs := []any{
		"key", r.Key,
		"generation", r.Generation,
		"outcome", r.Outcome,
		"stage", r.Stage,
		"duration", r.Duration,
		"lock_wait", r.LockWait,
	}
	if r.Err != nil {
		attrs = append(attrs, "exit_code", r.ExitCode, "error", r.Err)
		h.logger.WarnContext(ctx, "build finished", attrs...)
	} else {
		attrs = append(attrs, "segments", r.Segments, "bytes", r.Bytes, "cover", r.CoverOrigin)
		h.logger.InfoContext(ctx, "build finished", attrs...)
	}

	if h.recorder == nil {
		return
	}
	if _, err := h.recorder.Append(ctx, EntryFromReport(r)); err != nil {
		h.logger.ErrorContext(ctx, "recording build failed", "key", r.Key, "error", err)
	}
}

func (h *Hooks) Fallback(ctx context.Context, key, kind string, err error) {
	h.logger.WarnContext(ctx, "degraded build step", "key", key, "kind", kind, "error", err)
}

// EntryFromReport converts a build report into a journal entry.
func EntryFromReport(r pipeline.BuildReport) journal.Entry {
	e := journal.Entry{
		Key:         r.Key,
		Generation:  r.Generation,
		Outcome:     string(r.Outcome),
		Stage:       string(r.Stage),
		ExitCode:    r.ExitCode,
		Started:     r.Started,
		Duration:    r.Duration,
		LockWait:    r.LockWait,
		Bytes:       r.Bytes,
		Segments:    r.Segments,
		CoverOrigin: string(r.CoverOrigin),
		Tail:        r.Tail,
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	return e
}

var _ pipeline.Hooks = (*Hooks)(nil)
