// Package catalog maps slot keys to tracks of a Subsonic-compatible music
// server.
//
// A refresh walks the server's albums and numbers the first N songs as slots
// "0001", "0002", ... The resulting table is served as metadata to players
// and resolves keys for the build pipeline. The stream URL of a song is its
// encoder locator.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	segmentcache "github.com/wolfeidau/segment-cache"
	"github.com/wolfeidau/segment-cache/flight"
	"github.com/wolfeidau/segment-cache/pipeline"
)

// MetadataVersion is the schema version of Metadata.
const MetadataVersion = 1

// DefaultSelection is the album ordering used to pick songs.
const DefaultSelection = "newest"

// ErrNotLoaded is returned by Track before the first successful refresh.
var ErrNotLoaded = errors.New("catalog not loaded")

// Library is the part of the music server a Catalog needs.
type Library interface {
	Songs(ctx context.Context, listType string, max int) ([]Song, error)
	StreamURL(id string) string
}

// TrackInfo is one slot of the table.
type TrackInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album"`
	AlbumID  string `json:"album_id"`
	CoverArt string `json:"cover_art,omitempty"`
	Duration int    `json:"duration"`
}

// AlbumInfo groups the slots of one album in table order.
type AlbumInfo struct {
	Name       string   `json:"name"`
	Artist     string   `json:"artist"`
	TrackSlots []string `json:"track_slots"`
}

// Metadata is the slot table published to players.
type Metadata struct {
	Version     int                  `json:"version"`
	BaseURL     string               `json:"base_url"`
	SlotCount   int                  `json:"slot_count"`
	GeneratedAt time.Time            `json:"generated_at"`
	Tracks      map[string]TrackInfo `json:"tracks"`
	Albums      map[string]AlbumInfo `json:"albums"`
}

// Slots returns the slot keys in order.
func (m *Metadata) Slots() []string {
	keys := make([]string, 0, len(m.Tracks))
	for k := range m.Tracks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildMetadata numbers up to slotCount songs from 1. Songs without an id
// are skipped and do not take a slot.
func BuildMetadata(songs []Song, baseURL string, slotCount int, now time.Time) *Metadata {
	m := &Metadata{
		Version:     MetadataVersion,
		BaseURL:     baseURL,
		SlotCount:   slotCount,
		GeneratedAt: now.UTC(),
		Tracks:      make(map[string]TrackInfo),
		Albums:      make(map[string]AlbumInfo),
	}

	n := 0
	for _, s := range songs {
		if n >= slotCount {
			break
		}
		if s.ID == "" {
			continue
		}
		n++
		key := segmentcache.SlotKey(n)

		m.Tracks[key] = TrackInfo{
			ID:       s.ID,
			Title:    s.Title,
			Artist:   s.Artist,
			Album:    s.Album,
			AlbumID:  s.AlbumID,
			CoverArt: s.CoverArt,
			Duration: s.Duration,
		}

		if s.AlbumID == "" {
			continue
		}
		a, ok := m.Albums[s.AlbumID]
		if !ok {
			a = AlbumInfo{Name: s.Album, Artist: s.Artist}
		}
		a.TrackSlots = append(a.TrackSlots, key)
		m.Albums[s.AlbumID] = a
	}
	return m
}

// Catalog holds the current slot table and implements pipeline.Catalog.
type Catalog struct {
	lib       Library
	baseURL   string
	slotCount int
	selection string
	logger    *slog.Logger
	now       func() time.Time

	refreshes flight.Group[*Metadata]
	current   atomic.Pointer[Metadata]
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithBaseURL sets the base URL advertised in the metadata.
func WithBaseURL(u string) Option {
	return func(c *Catalog) {
		c.baseURL = u
	}
}

// WithSlotCount sets the number of slots.
func WithSlotCount(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.slotCount = n
		}
	}
}

// WithSelection sets the album ordering songs are picked in.
func WithSelection(listType string) Option {
	return func(c *Catalog) {
		if listType != "" {
			c.selection = listType
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithClock sets the time source stamped on metadata.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		c.now = now
	}
}

// New creates an empty Catalog. Call Refresh to load it.
func New(lib Library, opts ...Option) *Catalog {
	c := &Catalog{
		lib:       lib,
		slotCount: 1000,
		selection: DefaultSelection,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "catalog")
	return c
}

// Refresh rebuilds the slot table from the server. Concurrent calls share
// one walk. On failure the previous table stays in place.
func (c *Catalog) Refresh(ctx context.Context) (*Metadata, error) {
	m, _, err := c.refreshes.Do(ctx, "refresh", func(ctx context.Context) (*Metadata, error) {
		start := time.Now()
		songs, err := c.lib.Songs(ctx, c.selection, c.slotCount)
		if err != nil {
			c.logger.Error("catalog refresh failed", "error", err)
			return nil, fmt.Errorf("refresh catalog: %w", err)
		}

		m := BuildMetadata(songs, c.baseURL, c.slotCount, c.now())
		c.current.Store(m)

		c.logger.Info("catalog refreshed",
			"tracks", len(m.Tracks),
			"albums", len(m.Albums),
			"duration", time.Since(start),
		)
		return m, nil
	})
	return m, err
}

// Metadata returns the current table, or nil before the first refresh.
func (c *Catalog) Metadata() *Metadata {
	return c.current.Load()
}

// Track resolves a slot key. Unknown keys return an error matching
// pipeline.ErrUnknownKey.
func (c *Catalog) Track(_ context.Context, key string) (*pipeline.Track, error) {
	m := c.current.Load()
	if m == nil {
		return nil, ErrNotLoaded
	}

	info, ok := m.Tracks[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrUnknownKey, key)
	}

	coverID := info.CoverArt
	if coverID == "" {
		coverID = info.AlbumID
	}

	return &pipeline.Track{
		Key:     key,
		Locator: c.lib.StreamURL(info.ID),
		Title:   info.Title,
		Artist:  info.Artist,
		Album:   info.Album,
		CoverID: coverID,
	}, nil
}

var _ pipeline.Catalog = (*Catalog)(nil)
