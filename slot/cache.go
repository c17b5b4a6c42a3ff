// Package slot owns the on-disk layout of published HLS generations.
//
// Each content key has at most one current generation, reachable through
// a symlink:
//
//	segments/<key>           -> ../generations/<key>/<gen>
//	generations/<key>/<gen>/ index.m3u8, seg000.ts..., cover.png, generation.json
//	staging/<key>/<gen>/     build workspace, never served
//
// A build writes into a staging directory. Publish validates it, moves it
// under generations/ and swaps the symlink with a rename, so readers see
// either the previous generation or the new one and never a mixture.
//
// A superseded generation is marked rather than deleted and stays readable
// by name for a grace period, so players holding an older playlist can
// finish fetching its segments. PruneSuperseded removes it afterwards.
//
// Cache does no locking. Callers must hold the key's guard around Stage,
// Publish, PurgePartial and Remove.
package slot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	segmentcache "github.com/wolfeidau/segment-cache"
	"github.com/wolfeidau/segment-cache/backend"
)

const (
	// ManifestName is the playlist file name inside a generation.
	ManifestName = "index.m3u8"
	// CoverName is the cover asset published beside the segments.
	CoverName = "cover.png"
	// RecordName holds the generation record.
	RecordName = "generation.json"
	// DefaultGrace is how long a superseded generation stays readable.
	DefaultGrace = 10 * time.Minute

	// supersededName marks a retired generation. Its mtime is the moment
	// the generation stopped being current.
	supersededName = ".superseded"

	segmentsDir    = "segments"
	generationsDir = "generations"
	stagingDir     = "staging"
	tmpLinkPrefix  = ".tmp-"
)

var (
	// ErrNotFound is returned when a key has no published generation.
	ErrNotFound = errors.New("slot not found")
	// ErrIncomplete is returned by Publish when staged output is missing files.
	ErrIncomplete = errors.New("incomplete generation")
)

// Record is persisted as generation.json inside every published generation.
type Record struct {
	Key            string              `json:"key"`
	Generation     string              `json:"generation"`
	CreatedAt      time.Time           `json:"created_at"`
	Segments       []string            `json:"segments"`
	Duration       float64             `json:"duration_seconds"`
	Bytes          int64               `json:"bytes"`
	ManifestDigest segmentcache.Digest `json:"manifest_digest"`
	Labels         map[string]string   `json:"labels,omitempty"`
}

// Entry describes a published generation as seen through the symlink.
type Entry struct {
	Key          string
	Generation   string
	Dir          string
	ManifestPath string
	Segments     []string
	CoverPath    string
	CreatedAt    time.Time
	TTL          time.Duration
	Bytes        int64
	Duration     float64
	Labels       map[string]string
}

// ExpiresAt returns the instant the entry stops being fresh.
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Fresh reports whether the entry is still within its TTL at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.CreatedAt) <= e.TTL
}

// Staged is a build workspace allocated by Stage.
type Staged struct {
	Key        string
	Generation string
	Dir        string
	// Labels are copied into the generation record on publish.
	Labels map[string]string
}

// Path joins name onto the staging directory.
func (s *Staged) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// ManifestPath is where the encoder must write the playlist.
func (s *Staged) ManifestPath() string {
	return s.Path(ManifestName)
}

// CoverPath is where the cover asset must be written before publish.
func (s *Staged) CoverPath() string {
	return s.Path(CoverName)
}

// Cache manages the slot tree under a root directory.
type Cache struct {
	root   string
	ttl    time.Duration
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for freshness and publish stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithGrace sets how long superseded generations stay readable. Zero
// removes them as soon as a newer generation is published.
func WithGrace(d time.Duration) Option {
	return func(c *Cache) {
		c.grace = max(d, 0)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates the slot tree under root.
func New(root string, ttl time.Duration, opts ...Option) (*Cache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("slot: ttl must be positive, got %s", ttl)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving cache root: %w", err)
	}
	for _, dir := range []string{segmentsDir, generationsDir, stagingDir} {
		if err := os.MkdirAll(filepath.Join(absRoot, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	c := &Cache{
		root:   absRoot,
		ttl:    ttl,
		grace:  DefaultGrace,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "slot")
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// PathFor returns the stable manifest path for key. It resolves through the
// segments/<key> symlink and may not exist.
func (c *Cache) PathFor(key string) string {
	return filepath.Join(c.linkPath(key), ManifestName)
}

// Grace returns how long superseded generations stay readable.
func (c *Cache) Grace() time.Duration {
	return c.grace
}

// SegmentPath returns the path of one segment of the current generation of
// key.
func (c *Cache) SegmentPath(key, name string) (string, error) {
	if err := segmentcache.ValidateKey(key); err != nil {
		return "", err
	}
	if !ValidSegmentName(name) {
		return "", fmt.Errorf("%w: segment %q", ErrNotFound, name)
	}
	return filepath.Join(c.linkPath(key), name), nil
}

// GenerationSegmentPath returns the path of one segment of a named
// generation of key, current or superseded. The file may not exist.
func (c *Cache) GenerationSegmentPath(key, gen, name string) (string, error) {
	if err := segmentcache.ValidateKey(key); err != nil {
		return "", err
	}
	if !ValidGeneration(gen) {
		return "", fmt.Errorf("%w: generation %q", ErrNotFound, gen)
	}
	if !ValidSegmentName(name) {
		return "", fmt.Errorf("%w: segment %q", ErrNotFound, name)
	}
	return filepath.Join(c.root, generationsDir, key, gen, name), nil
}

// ValidGeneration reports whether gen has the canonical form Stage gives
// generation ids.
func ValidGeneration(gen string) bool {
	id, err := uuid.Parse(gen)
	return err == nil && id.String() == gen
}

// CoverPath returns the published cover asset path of key.
func (c *Cache) CoverPath(key string) string {
	return filepath.Join(c.linkPath(key), CoverName)
}

// IsFresh reports whether key has a published manifest whose publish time
// is within the TTL. Any stat failure counts as not fresh.
func (c *Cache) IsFresh(key string) bool {
	if segmentcache.ValidateKey(key) != nil {
		return false
	}
	fi, err := os.Stat(c.PathFor(key))
	if err != nil {
		return false
	}
	return c.now().Sub(fi.ModTime()) <= c.ttl
}

// Stage allocates a fresh staging directory for key.
func (c *Cache) Stage(key string) (*Staged, error) {
	if err := segmentcache.ValidateKey(key); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generation id: %w", err)
	}
	gen := id.String()
	dir := filepath.Join(c.root, stagingDir, key, gen)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	return &Staged{Key: key, Generation: gen, Dir: dir}, nil
}

// Publish validates the staged output and makes it the visible generation
// of its key. On any validation error the staging directory is left for
// PurgePartial and nothing visible changes.
func (c *Cache) Publish(ctx context.Context, staged *Staged) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := segmentcache.ValidateKey(staged.Key); err != nil {
		return nil, err
	}

	manifestBytes, err := os.ReadFile(staged.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %w", ErrIncomplete, err)
	}
	manifest, err := ParseManifest(bytes.NewReader(manifestBytes))
	if err != nil {
		return nil, err
	}

	total := int64(len(manifestBytes))
	for _, seg := range manifest.Segments {
		fi, err := os.Stat(staged.Path(seg.Name))
		if err != nil {
			return nil, fmt.Errorf("%w: segment %s: %w", ErrIncomplete, seg.Name, err)
		}
		if !fi.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: segment %s is not a regular file", ErrIncomplete, seg.Name)
		}
		total += fi.Size()
	}
	coverInfo, err := os.Stat(staged.CoverPath())
	if err != nil {
		return nil, fmt.Errorf("%w: cover asset: %w", ErrIncomplete, err)
	}
	total += coverInfo.Size()

	now := c.now()
	record := Record{
		Key:            staged.Key,
		Generation:     staged.Generation,
		CreatedAt:      now,
		Segments:       manifest.Names(),
		Duration:       manifest.TotalDuration(),
		Bytes:          total,
		ManifestDigest: segmentcache.DigestBytes(manifestBytes),
		Labels:         staged.Labels,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding generation record: %w", err)
	}
	if _, err := backend.WriteFileAtomic(staged.Path(RecordName), bytes.NewReader(data), 0o644); err != nil {
		return nil, fmt.Errorf("writing generation record: %w", err)
	}
	if err := os.Chtimes(staged.ManifestPath(), now, now); err != nil {
		return nil, fmt.Errorf("stamping manifest: %w", err)
	}

	genParent := filepath.Join(c.root, generationsDir, staged.Key)
	if err := os.MkdirAll(genParent, 0o755); err != nil {
		return nil, fmt.Errorf("creating generations dir: %w", err)
	}
	genDir := filepath.Join(genParent, staged.Generation)
	if err := os.Rename(staged.Dir, genDir); err != nil {
		return nil, fmt.Errorf("moving staged generation: %w", err)
	}

	if err := c.swapLink(staged.Key, staged.Generation); err != nil {
		// the generation dir is unreferenced and will be purged
		return nil, err
	}

	c.retire(staged.Key, staged.Generation)
	_ = os.Remove(filepath.Join(c.root, stagingDir, staged.Key))

	c.logger.Debug("published generation",
		"key", staged.Key,
		"generation", staged.Generation,
		"segments", len(record.Segments),
		"bytes", total,
	)

	return c.entryFromRecord(&record), nil
}

// swapLink points segments/<key> at gen with a rename over the old link.
func (c *Cache) swapLink(key, gen string) error {
	link := c.linkPath(key)
	target := filepath.Join("..", generationsDir, key, gen)

	tmp := filepath.Join(c.root, segmentsDir, tmpLinkPrefix+key+"-"+gen)
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("creating link: %w", err)
	}

	// rename cannot replace a directory with a symlink
	if fi, err := os.Lstat(link); err == nil && fi.IsDir() {
		if err := os.RemoveAll(link); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("removing legacy slot dir: %w", err)
		}
	}

	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swapping link: %w", err)
	}
	return nil
}

// retire marks every generation of key other than keep as superseded and
// removes those whose grace has passed.
func (c *Cache) retire(key, keep string) {
	parent := filepath.Join(c.root, generationsDir, key)
	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	now := c.now()
	for _, e := range entries {
		if e.Name() == keep || !e.IsDir() {
			continue
		}
		dir := filepath.Join(parent, e.Name())
		if _, ok := supersededAt(dir); ok {
			continue
		}
		if err := markSuperseded(dir, now); err != nil {
			c.logger.Warn("failed to mark superseded generation",
				"key", key,
				"generation", e.Name(),
				"error", err,
			)
		}
	}
	if _, _, err := c.PruneSuperseded(key); err != nil {
		c.logger.Warn("failed to prune superseded generations", "key", key, "error", err)
	}
}

// PruneSuperseded removes generations of key that were superseded more
// than the grace period ago. It returns how many were removed and the bytes
// freed. The current generation and unmarked generations are left alone.
func (c *Cache) PruneSuperseded(key string) (int, int64, error) {
	if err := segmentcache.ValidateKey(key); err != nil {
		return 0, 0, err
	}
	parent := filepath.Join(c.root, generationsDir, key)
	entries, err := os.ReadDir(parent)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	now := c.now()
	var removed int
	var freed int64
	var errs []error
	for _, e := range entries {
		dir := filepath.Join(parent, e.Name())
		at, ok := supersededAt(dir)
		if !ok || now.Sub(at) < c.grace {
			continue
		}
		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("removing generation %s: %w", e.Name(), err))
			continue
		}
		removed++
		freed += size
		c.logger.Debug("removed superseded generation", "key", key, "generation", e.Name(), "bytes", size)
	}
	return removed, freed, errors.Join(errs...)
}

func markSuperseded(dir string, at time.Time) error {
	marker := filepath.Join(dir, supersededName)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return err
	}
	return os.Chtimes(marker, at, at)
}

func supersededAt(dir string) (time.Time, bool) {
	fi, err := os.Stat(filepath.Join(dir, supersededName))
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

// current returns the generation the symlink of key points at.
func (c *Cache) current(key string) (string, error) {
	link := c.linkPath(key)
	fi, err := os.Lstat(link)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	if fi.IsDir() {
		// pre-symlink layout: published files live directly in the slot dir
		return "", nil
	}
	target, err := os.Readlink(link)
	if err != nil {
		return "", err
	}
	return filepath.Base(target), nil
}

// PurgePartial removes staging output of key and every generation that is
// neither current nor within its superseded grace period.
func (c *Cache) PurgePartial(key string) error {
	if err := segmentcache.ValidateKey(key); err != nil {
		return err
	}

	var errs []error
	if err := os.RemoveAll(filepath.Join(c.root, stagingDir, key)); err != nil {
		errs = append(errs, fmt.Errorf("removing staging: %w", err))
	}

	matches, _ := filepath.Glob(filepath.Join(c.root, segmentsDir, tmpLinkPrefix+key+"-*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}

	gen, err := c.current(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		errs = append(errs, err)
		return errors.Join(errs...)
	}

	parent := filepath.Join(c.root, generationsDir, key)
	entries, err := os.ReadDir(parent)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	now := c.now()
	for _, e := range entries {
		if e.Name() == gen {
			continue
		}
		dir := filepath.Join(parent, e.Name())
		if at, ok := supersededAt(dir); ok && now.Sub(at) < c.grace {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("removing generation %s: %w", e.Name(), err))
		}
	}
	if gen == "" {
		// fails while superseded generations remain
		_ = os.Remove(parent)
	}
	return errors.Join(errs...)
}

// Entry loads the published generation of key.
func (c *Cache) Entry(key string) (*Entry, error) {
	if err := segmentcache.ValidateKey(key); err != nil {
		return nil, err
	}
	gen, err := c.current(key)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(c.PathFor(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var record Record
	data, err := os.ReadFile(filepath.Join(c.linkPath(key), RecordName))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decoding generation record: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		m, err := ParseManifestFile(c.PathFor(key))
		if err != nil {
			return nil, err
		}
		record = Record{Key: key, Generation: gen, Segments: m.Names(), Duration: m.TotalDuration()}
	default:
		return nil, err
	}

	// the manifest mtime is authoritative for freshness
	record.CreatedAt = fi.ModTime()
	record.Key = key
	record.Generation = gen
	return c.entryFromRecord(&record), nil
}

func (c *Cache) entryFromRecord(r *Record) *Entry {
	link := c.linkPath(r.Key)
	segs := make([]string, len(r.Segments))
	for i, name := range r.Segments {
		segs[i] = filepath.Join(link, name)
	}
	return &Entry{
		Key:          r.Key,
		Generation:   r.Generation,
		Dir:          filepath.Join(c.root, generationsDir, r.Key, r.Generation),
		ManifestPath: filepath.Join(link, ManifestName),
		Segments:     segs,
		CoverPath:    filepath.Join(link, CoverName),
		CreatedAt:    r.CreatedAt,
		TTL:          c.ttl,
		Bytes:        r.Bytes,
		Duration:     r.Duration,
		Labels:       r.Labels,
	}
}

// List returns every key with a published generation, sorted.
func (c *Cache) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, segmentsDir))
	if err != nil {
		return nil, fmt.Errorf("listing slots: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, tmpLinkPrefix) || segmentcache.ValidateKey(name) != nil {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

// StagedKeys returns keys that have staging output. Outside a running build
// that output is debris from a crashed process.
func (c *Cache) StagedKeys() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, stagingDir))
	if err != nil {
		return nil, fmt.Errorf("listing staging: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() && segmentcache.ValidateKey(e.Name()) == nil {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Remove unpublishes key and deletes all of its generations, returning the
// number of bytes freed.
func (c *Cache) Remove(key string) (int64, error) {
	if err := segmentcache.ValidateKey(key); err != nil {
		return 0, err
	}

	genParent := filepath.Join(c.root, generationsDir, key)
	freed := dirSize(genParent)

	link := c.linkPath(key)
	if fi, err := os.Lstat(link); err == nil {
		if fi.IsDir() {
			freed += dirSize(link)
			err = os.RemoveAll(link)
		} else {
			err = os.Remove(link)
		}
		if err != nil {
			return 0, fmt.Errorf("unpublishing %s: %w", key, err)
		}
	}

	if err := os.RemoveAll(genParent); err != nil {
		return 0, fmt.Errorf("removing generations of %s: %w", key, err)
	}
	_ = os.RemoveAll(filepath.Join(c.root, stagingDir, key))
	return freed, nil
}

func (c *Cache) linkPath(key string) string {
	return filepath.Join(c.root, segmentsDir, key)
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if fi, err := d.Info(); err == nil {
				total += fi.Size()
			}
		}
		return nil
	})
	return total
}
