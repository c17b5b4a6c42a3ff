// Package pipeline produces ready-to-serve HLS generations on demand.
//
// EnsureReady returns a fresh published generation for a key, building one
// when needed: catalog lookup, cover art, overlay frame, ffmpeg encode and
// atomic publish. Builds for one key are serialized across goroutines and
// processes, and the number of concurrent encodes is bounded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	segmentcache "github.com/wolfeidau/segment-cache"
	"github.com/wolfeidau/segment-cache/coverart"
	"github.com/wolfeidau/segment-cache/encode"
	"github.com/wolfeidau/segment-cache/flight"
	"github.com/wolfeidau/segment-cache/guard"
	"github.com/wolfeidau/segment-cache/overlay"
	"github.com/wolfeidau/segment-cache/slot"
	"github.com/wolfeidau/segment-cache/telemetry"
)

const tracerName = "github.com/wolfeidau/segment-cache/pipeline"

// overlayName is the rendered frame inside the staging directory. It is
// removed before publish.
const overlayName = "overlay.png"

var (
	// ErrUnknownKey is returned when the catalog has no track for a key.
	ErrUnknownKey = errors.New("unknown content key")
	// ErrClosed is returned for builds requested after Close.
	ErrClosed = errors.New("pipeline closed")
)

// Track is what the catalog knows about a key.
type Track struct {
	Key     string
	Locator string
	Title   string
	Artist  string
	Album   string
	CoverID string
}

// Catalog maps content keys to tracks. Implementations return an error
// matching ErrUnknownKey for keys they do not know.
type Catalog interface {
	Track(ctx context.Context, key string) (*Track, error)
}

// Encoder runs one encode job.
type Encoder interface {
	Invoke(ctx context.Context, job encode.Job) (*encode.Result, error)
}

// CoverResolver supplies the source image for an overlay and never fails.
type CoverResolver interface {
	Resolve(ctx context.Context, id string) (image.Image, *coverart.Asset)
}

// State is how EnsureReady satisfied a request.
type State string

const (
	StateFastHit   State = "fast_hit"
	StateWaitedHit State = "waited_hit"
	StateBuilt     State = "built"
)

// Ready is a successful EnsureReady result.
type Ready struct {
	Key          string
	ManifestPath string
	State        State
	Entry        *slot.Entry
}

// Pipeline coordinates builds.
type Pipeline struct {
	cache       *slot.Cache
	guard       *guard.Guard
	catalog     Catalog
	covers      CoverResolver
	renderer    *overlay.Renderer
	encoder     Encoder
	hooks       Hooks
	lockTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer
	flights     flight.Group[*Ready]

	mu       sync.Mutex
	closed   bool
	builds   sync.WaitGroup
	abortCtx context.Context
	abort    context.CancelFunc
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHooks sets the event sink.
func WithHooks(h Hooks) Option {
	return func(p *Pipeline) {
		p.hooks = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithClock overrides the time source used for build timings.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithTracerProvider sets where build spans go. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		p.tracer = tp.Tracer(tracerName)
	}
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Cache    *slot.Cache
	Guard    *guard.Guard
	Catalog  Catalog
	Covers   CoverResolver
	Renderer *overlay.Renderer
	Encoder  Encoder
}

// New creates a Pipeline. lockTimeout bounds how long a build waits for its
// key lock.
func New(deps Deps, lockTimeout time.Duration, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Cache == nil:
		return nil, errors.New("pipeline: cache is required")
	case deps.Guard == nil:
		return nil, errors.New("pipeline: guard is required")
	case deps.Catalog == nil:
		return nil, errors.New("pipeline: catalog is required")
	case deps.Covers == nil:
		return nil, errors.New("pipeline: cover resolver is required")
	case deps.Renderer == nil:
		return nil, errors.New("pipeline: renderer is required")
	case deps.Encoder == nil:
		return nil, errors.New("pipeline: encoder is required")
	case lockTimeout <= 0:
		return nil, errors.New("pipeline: lock timeout must be positive")
	}
	p := &Pipeline{
		cache:       deps.Cache,
		guard:       deps.Guard,
		catalog:     deps.Catalog,
		covers:      deps.Covers,
		renderer:    deps.Renderer,
		encoder:     deps.Encoder,
		hooks:       NopHooks{},
		lockTimeout: lockTimeout,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	p.logger = p.logger.With("component", "pipeline")
	p.abortCtx, p.abort = context.WithCancel(context.Background())
	return p, nil
}

// Close stops new builds and waits for running ones. When ctx ends first the
// remaining builds are cancelled, which kills their encoders and purges their
// staging output, and Close returns ctx.Err() once they have unwound.
// Published generations stay readable through EnsureReady.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.builds.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	}
	p.logger.Warn("cancelling unfinished builds", "error", ctx.Err())
	p.abort()
	<-drained
	return ctx.Err()
}

// track registers a flight with Close. The returned context ends when ctx
// does or when Close gives up waiting.
func (p *Pipeline) track(ctx context.Context) (context.Context, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrClosed
	}
	p.builds.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.abortCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
		p.builds.Done()
	}, nil
}

// Cache returns the slot cache the pipeline publishes into.
func (p *Pipeline) Cache() *slot.Cache {
	return p.cache
}

// EnsureReady returns a fresh generation for key, building it if needed.
//
// A fresh published generation is returned without locking. Otherwise the
// call joins the in-process flight for key, whose work takes the key lock,
// re-checks freshness and only then builds. The flight runs on a context
// detached from ctx, so when ctx ends EnsureReady returns ctx.Err() while
// the build carries on until it finishes or Close cancels it.
//
// Failures are *guard.LockTimeoutError, *encode.Failure, ErrUnknownKey,
// ErrClosed or catalog and filesystem errors.
func (p *Pipeline) EnsureReady(ctx context.Context, key string) (*Ready, error) {
	if err := segmentcache.ValidateKey(key); err != nil {
		return nil, err
	}

	if ready, ok := p.lookup(key, StateFastHit); ok {
		telemetry.RecordCacheLookup(ctx, telemetry.LookupFastHit)
		p.hooks.CacheHit(ctx, key, false)
		return ready, nil
	}

	ready, _, err := p.flights.Do(ctx, key, func(fctx context.Context) (*Ready, error) {
		fctx, done, err := p.track(fctx)
		if err != nil {
			return nil, err
		}
		defer done()
		return p.run(fctx, key)
	})
	if err != nil {
		return nil, err
	}
	return ready, nil
}

// Refresh rebuilds key even if its generation is still fresh.
func (p *Pipeline) Refresh(ctx context.Context, key string) (*Ready, error) {
	if err := segmentcache.ValidateKey(key); err != nil {
		return nil, err
	}
	ready, _, err := p.flights.Do(ctx, "refresh/"+key, func(fctx context.Context) (*Ready, error) {
		fctx, done, err := p.track(fctx)
		if err != nil {
			return nil, err
		}
		defer done()
		h, err := p.acquire(fctx, key)
		if err != nil {
			return nil, err
		}
		defer func() { _ = h.Release() }()
		return p.build(fctx, key, h.Waited)
	})
	return ready, err
}

// lookup returns the published generation of key when it is fresh.
func (p *Pipeline) lookup(key string, state State) (*Ready, bool) {
	if !p.cache.IsFresh(key) {
		return nil, false
	}
	entry, err := p.cache.Entry(key)
	if err != nil {
		return nil, false
	}
	return &Ready{Key: key, ManifestPath: entry.ManifestPath, State: state, Entry: entry}, true
}

func (p *Pipeline) acquire(ctx context.Context, key string) (*guard.Handle, error) {
	h, err := p.guard.Acquire(ctx, key, p.lockTimeout)
	if err != nil {
		telemetry.RecordLockWait(ctx, p.lockTimeout, errors.Is(err, guard.ErrLockTimeout))
		return nil, err
	}
	telemetry.RecordLockWait(ctx, h.Waited, false)
	return h, nil
}

// run is the body of a flight: lock, re-check, build.
func (p *Pipeline) run(ctx context.Context, key string) (*Ready, error) {
	h, err := p.acquire(ctx, key)
	if err != nil {
		p.logger.Warn("key lock not acquired", "key", key, "error", err)
		return nil, err
	}
	defer func() { _ = h.Release() }()

	// another builder, possibly in another process, may have finished
	if ready, ok := p.lookup(key, StateWaitedHit); ok {
		telemetry.RecordCacheLookup(ctx, telemetry.LookupWaitedHit)
		p.hooks.CacheHit(ctx, key, true)
		return ready, nil
	}
	telemetry.RecordCacheLookup(ctx, telemetry.LookupMiss)
	return p.build(ctx, key, h.Waited)
}

// build produces and publishes a new generation. The key lock is held.
func (p *Pipeline) build(ctx context.Context, key string, lockWait time.Duration) (ready *Ready, err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.build", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	report := BuildReport{Key: key, Started: p.now(), LockWait: lockWait, Stage: StageLocking, ExitCode: -1}
	defer func() {
		report.Duration = p.now().Sub(report.Started)
		if err != nil {
			report.Err = err
			report.Outcome = OutcomeError
			var f *encode.Failure
			if errors.As(err, &f) {
				report.Outcome = OutcomeEncodeError
				report.ExitCode = f.ExitCode
				report.Tail = f.Tail
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, string(report.Stage))
			p.logger.Error("build failed", "key", key, "stage", report.Stage, "error", err)
		} else {
			report.Outcome = OutcomeBuilt
			report.Stage = StageCompleted
		}
		telemetry.RecordBuild(ctx, buildOutcome(report.Outcome), report.Duration, report.Bytes)
		p.hooks.BuildFinished(ctx, report)
	}()

	permitStart := time.Now()
	permit, err := p.guard.Admit(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()
	telemetry.RecordPermitWait(ctx, time.Since(permitStart))
	telemetry.AddActiveBuilds(ctx, 1)
	defer telemetry.AddActiveBuilds(ctx, -1)

	report.Stage = StageCatalog
	track, err := p.catalog.Track(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", key, err)
	}
	if track.Locator == "" {
		return nil, fmt.Errorf("track %s has no stream locator", key)
	}

	staged, err := p.cache.Stage(key)
	if err != nil {
		return nil, err
	}
	report.Generation = staged.Generation
	span.SetAttributes(attribute.String("generation", staged.Generation))
	p.hooks.BuildStarted(ctx, key, staged.Generation)

	// nothing staged may outlive a failed build
	defer func() {
		if err != nil {
			if perr := p.cache.PurgePartial(key); perr != nil {
				p.logger.Error("purging partial build failed", "key", key, "error", perr)
			}
		}
	}()

	report.Stage = StageCover
	src, asset := p.covers.Resolve(ctx, track.CoverID)
	report.CoverOrigin = asset.Origin
	if asset.Origin == coverart.OriginFallback {
		p.hooks.Fallback(ctx, key, FallbackCover, asset.Err)
	}
	span.AddEvent("cover resolved", trace.WithAttributes(
		attribute.String("origin", string(asset.Origin)),
		attribute.Bool("cached", asset.Cached),
	))
	if err := overlay.WritePNG(staged.CoverPath(), src); err != nil {
		return nil, fmt.Errorf("writing cover asset: %w", err)
	}

	report.Stage = StageOverlay
	frame, rerr := p.renderer.Render(src, overlay.Text{Title: track.Title, Artist: track.Artist, Album: track.Album})
	if rerr != nil {
		telemetry.RecordFallback(ctx, FallbackOverlay)
		p.hooks.Fallback(ctx, key, FallbackOverlay, rerr)
	}
	framePath := staged.Path(overlayName)
	if err := overlay.WritePNG(framePath, frame); err != nil {
		return nil, fmt.Errorf("writing overlay frame: %w", err)
	}

	report.Stage = StageEncoding
	res, err := p.encoder.Invoke(ctx, encode.Job{
		Key:          key,
		InputLocator: track.Locator,
		ImagePath:    framePath,
		OutputDir:    staged.Dir,
	})
	if err != nil {
		return nil, err
	}
	report.ExitCode = 0
	report.Segments = len(res.Segments)
	report.MediaLength = res.MediaDuration
	span.AddEvent("encoded", trace.WithAttributes(
		attribute.Int("segments", len(res.Segments)),
		attribute.Int64("bytes", res.Bytes),
	))
	_ = os.Remove(framePath)

	report.Stage = StagePublish
	staged.Labels = map[string]string{
		"title":        track.Title,
		"artist":       track.Artist,
		"album":        track.Album,
		"cover_origin": string(asset.Origin),
	}
	entry, err := p.cache.Publish(ctx, staged)
	if err != nil {
		return nil, fmt.Errorf("publishing %s: %w", key, err)
	}
	report.Bytes = entry.Bytes

	p.logger.Info("build complete",
		"key", key,
		"generation", entry.Generation,
		"segments", len(entry.Segments),
		"bytes", entry.Bytes,
		"cover", asset.Origin,
	)
	return &Ready{Key: key, ManifestPath: entry.ManifestPath, State: StateBuilt, Entry: entry}, nil
}

func buildOutcome(o Outcome) string {
	switch o {
	case OutcomeBuilt:
		return telemetry.OutcomeSuccess
	case OutcomeEncodeError:
		return telemetry.OutcomeEncodeError
	default:
		return telemetry.OutcomeError
	}
}
