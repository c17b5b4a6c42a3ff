package pipeline

import (
	"context"
	"time"

	"github.com/wolfeidau/segment-cache/coverart"
)

// Stage names a step of a build, used in reports and spans.
type Stage string

const (
	StageLocking   Stage = "locking"
	StageCatalog   Stage = "catalog"
	StageCover     Stage = "cover"
	StageOverlay   Stage = "overlay"
	StageEncoding  Stage = "encoding"
	StagePublish   Stage = "publish"
	StageCompleted Stage = "completed"
)

// Outcome classifies a finished build.
type Outcome string

const (
	OutcomeBuilt       Outcome = "built"
	OutcomeEncodeError Outcome = "encode_error"
	OutcomeError       Outcome = "error"
)

// Fallback kinds reported through Hooks.Fallback.
const (
	FallbackCover   = "cover"
	FallbackOverlay = "overlay"
)

// BuildReport summarises one build attempt.
type BuildReport struct {
	Key        string
	Generation string
	Outcome    Outcome
	// Stage is where the build stopped; StageCompleted on success.
	Stage Stage
	// ExitCode is -1 when ffmpeg never ran.
	ExitCode    int
	Tail        string
	Started     time.Time
	Duration    time.Duration
	LockWait    time.Duration
	Bytes       int64
	Segments    int
	MediaLength float64
	CoverOrigin coverart.Origin
	Err         error
}

// Hooks receives pipeline events. Implementations must be safe for
// concurrent use and must not block for long.
type Hooks interface {
	// CacheHit fires when a fresh generation is returned without building.
	// waited is true when it was found after waiting for the key lock.
	CacheHit(ctx context.Context, key string, waited bool)
	// BuildStarted fires once the key lock and a permit are held.
	BuildStarted(ctx context.Context, key, generation string)
	// BuildFinished fires for every build attempt, successful or not.
	BuildFinished(ctx context.Context, report BuildReport)
	// Fallback fires when a recoverable step degraded.
	Fallback(ctx context.Context, key, kind string, err error)
}

// NopHooks ignores every event.
type NopHooks struct{}

func (NopHooks) CacheHit(context.Context, string, bool) {}
func (NopHooks) BuildStarted(context.Context, string, string) {}
func (NopHooks) BuildFinished(context.Context, BuildReport) {}
func (NopHooks) Fallback(context.Context, string, string, error) {}

var _ Hooks = NopHooks{}
