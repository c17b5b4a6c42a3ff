// Package coverart resolves the source image for an overlay. Resolution
// never fails: a cover is read from the local store, else fetched from the
// catalog and stored, else replaced by a solid placeholder.
package coverart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"

	segmentcache "github.com/wolfeidau/segment-cache"
	"github.com/wolfeidau/segment-cache/backend"
	"github.com/wolfeidau/segment-cache/flight"
	"github.com/wolfeidau/segment-cache/overlay"
	"github.com/wolfeidau/segment-cache/telemetry"
)

// Origin records how an asset was obtained.
type Origin string

const (
	OriginFetched  Origin = "fetched"
	OriginFallback Origin = "fallback"
)

// DefaultMaxBytes caps a fetched cover.
const DefaultMaxBytes = 16 << 20

// storePrefix is the backend key prefix for cached covers.
const storePrefix = "covers/"

// ErrNoCover is reported in Asset.Err when the track has no cover id.
var ErrNoCover = errors.New("no cover art id")

// Fetcher downloads cover art bytes by catalog id.
type Fetcher interface {
	CoverArt(ctx context.Context, id string) (io.ReadCloser, error)
}

// Asset describes a resolved cover.
type Asset struct {
	ID     string
	Origin Origin
	// Cached is true when the bytes came from the local store.
	Cached bool
	// Path is the stored file, empty for fallbacks.
	Path   string
	Digest segmentcache.Digest
	Format string
	// Err is why the fallback was used.
	Err error
}

// Resolver resolves covers against a store and a fetcher.
type Resolver struct {
	store    backend.LocalBackend
	fetcher  Fetcher
	width    int
	height   int
	fill     color.Color
	maxBytes int64
	fetches  flight.Group[[]byte]
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(r *Resolver) {
		r.maxBytes = n
	}
}

// NewResolver creates a Resolver. fetcher may be nil, in which case only
// stored covers are used. Placeholders are width x height in fill.
func NewResolver(store backend.LocalBackend, fetcher Fetcher, width, height int, fill color.Color, opts ...Option) *Resolver {
	r := &Resolver{
		store:    store,
		fetcher:  fetcher,
		width:    width,
		height:   height,
		fill:     fill,
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "coverart")
	return r
}

// StoreKey returns the backend key for cover id. Ids that are not safe file
// names are replaced by their digest.
func StoreKey(id string) string {
	if segmentcache.ValidateKey(id) == nil {
		return storePrefix + id
	}
	return storePrefix + segmentcache.DigestBytes([]byte(id)).String()
}

// Resolve returns the cover image for id together with a description of
// where it came from. It always returns a usable image.
func (r *Resolver) Resolve(ctx context.Context, id string) (image.Image, *Asset) {
	if id == "" {
		return r.fallback(ctx, &Asset{ID: id}, ErrNoCover)
	}
	asset := &Asset{ID: id}
	key := StoreKey(id)

	if r.store != nil {
		img, err := r.fromStore(ctx, key, asset)
		if err == nil {
			return img, asset
		}
		if !errors.Is(err, backend.ErrNotFound) {
			r.logger.Warn("stored cover unusable, refetching", "id", id, "error", err)
			_ = r.store.Delete(ctx, key)
		}
	}

	if r.fetcher == nil {
		return r.fallback(ctx, asset, errors.New("no cover fetcher configured"))
	}

	data, _, err := r.fetches.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		return r.fetch(ctx, id)
	})
	if err != nil {
		return r.fallback(ctx, asset, err)
	}

	img, format, err := overlay.Decode(bytes.NewReader(data))
	if err != nil {
		return r.fallback(ctx, asset, err)
	}
	asset.Origin = OriginFetched
	asset.Format = format
	asset.Digest = segmentcache.DigestBytes(data)

	if r.store != nil {
		if _, err := r.store.Write(ctx, key, bytes.NewReader(data)); err != nil {
			r.logger.Warn("storing cover failed", "id", id, "error", err)
		} else if p, err := r.store.Path(key); err == nil {
			asset.Path = p
		}
	}
	return img, asset
}

func (r *Resolver) fromStore(ctx context.Context, key string, asset *Asset) (image.Image, error) {
	rc, err := r.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	hr := segmentcache.NewHashingReader(rc)
	img, format, err := overlay.Decode(hr)
	if err != nil {
		return nil, err
	}
	asset.Origin = OriginFetched
	asset.Cached = true
	asset.Format = format
	asset.Digest = hr.Sum()
	if p, err := r.store.Path(key); err == nil {
		asset.Path = p
	}
	return img, nil
}

func (r *Resolver) fetch(ctx context.Context, id string) ([]byte, error) {
	rc, err := r.fetcher.CoverArt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching cover %s: %w", id, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading cover %s: %w", id, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("cover %s exceeds %d bytes", id, r.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("cover %s is empty", id)
	}
	return data, nil
}

func (r *Resolver) fallback(ctx context.Context, asset *Asset, cause error) (image.Image, *Asset) {
	asset.Origin = OriginFallback
	asset.Cached = false
	asset.Path = ""
	asset.Digest = segmentcache.Digest{}
	asset.Format = ""
	asset.Err = cause
	telemetry.RecordFallback(ctx, "cover")
	if !errors.Is(cause, ErrNoCover) {
		r.logger.Warn("using placeholder cover", "id", asset.ID, "error", cause)
	}
	return overlay.Placeholder(r.width, r.height, r.fill), asset
}
