// Package expiry removes published generations that outlived their TTL,
// evicts the oldest ones when the cache exceeds a size cap, drops superseded
// generations past their grace period and clears staging debris left by
// crashed builds.
//
// A key is only touched when its build lock can be taken without waiting;
// busy keys are skipped and picked up by a later sweep.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/segment-cache/guard"
	"github.com/wolfeidau/segment-cache/slot"
	"github.com/wolfeidau/segment-cache/telemetry"
)

// Config holds sweep configuration.
type Config struct {
	// MaxSize is the total size of published generations in bytes above
	// which the oldest are evicted. Zero means no size limit.
	MaxSize int64

	// CheckInterval is how often the background sweep runs.
	// Default is 10 minutes.
	CheckInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 10 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Sweeper expires slots of a slot.Cache.
type Sweeper struct {
	config Config
	cache  *slot.Cache
	guard  *guard.Guard
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a Sweeper. The guard must share its lock directory
// with every builder of cache.
func NewSweeper(cache *slot.Cache, g *guard.Guard, cfg Config) *Sweeper {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sweeper{
		config: cfg,
		cache:  cache,
		guard:  g,
		logger: cfg.Logger.With("component", "expiry"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetClock overrides the time source. It must match the cache's clock.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start begins background sweeps. The first runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for a running one to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// Result contains the results of a sweep.
type Result struct {
	Expired    int
	Evicted    int
	Purged     int
	Retired    int
	Skipped    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) *Result {
	return s.runOnce(ctx)
}

func (s *Sweeper) runOnce(ctx context.Context) *Result {
	start := time.Now()
	result := &Result{}

	s.logger.Debug("starting sweep")

	live := s.expireByTTL(ctx, result)
	if s.config.MaxSize > 0 {
		s.evictBySize(ctx, live, result)
	}
	s.pruneSuperseded(ctx, live, result)
	s.purgeStaging(ctx, result)

	result.Duration = time.Since(start)
	telemetry.RecordSweep(ctx, result.Expired+result.Evicted, result.Skipped, result.BytesFreed, result.Duration)

	if result.Expired > 0 || result.Evicted > 0 || result.Purged > 0 || result.Retired > 0 {
		s.logger.Info("sweep complete",
			"expired", result.Expired,
			"evicted", result.Evicted,
			"purged", result.Purged,
			"retired", result.Retired,
			"skipped", result.Skipped,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		s.logger.Debug("sweep complete, nothing to remove", "skipped", result.Skipped)
	}
	return result
}

// expireByTTL removes stale entries and returns the fresh ones.
func (s *Sweeper) expireByTTL(ctx context.Context, result *Result) []*slot.Entry {
	keys, err := s.cache.List()
	if err != nil {
		s.logger.Error("failed to list slots", "error", err)
		result.Errors++
		return nil
	}

	now := s.now()
	var live []*slot.Entry
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		entry, err := s.cache.Entry(key)
		if err != nil {
			if !errors.Is(err, slot.ErrNotFound) {
				s.logger.Warn("unreadable slot", "key", key, "error", err)
				result.Errors++
			}
			continue
		}
		if entry.Fresh(now) {
			live = append(live, entry)
			continue
		}

		freed, removed := s.remove(key, true, result)
		if removed {
			result.Expired++
			result.BytesFreed += freed
			s.logger.Debug("expired slot",
				"key", key,
				"generation", entry.Generation,
				"age", now.Sub(entry.CreatedAt),
			)
		}
	}
	return live
}

// evictBySize removes the oldest fresh entries until the total is under
// MaxSize.
func (s *Sweeper) evictBySize(ctx context.Context, live []*slot.Entry, result *Result) {
	var total int64
	for _, e := range live {
		total += e.Bytes
	}
	if total <= s.config.MaxSize {
		return
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})

	for _, e := range live {
		if total <= s.config.MaxSize || ctx.Err() != nil {
			break
		}
		freed, removed := s.remove(e.Key, false, result)
		if !removed {
			continue
		}
		result.Evicted++
		result.BytesFreed += freed
		total -= e.Bytes
		s.logger.Debug("evicted slot by size", "key", e.Key, "created_at", e.CreatedAt, "bytes", e.Bytes)
	}
}

// pruneSuperseded removes superseded generations of live keys once their
// grace period has passed.
func (s *Sweeper) pruneSuperseded(ctx context.Context, live []*slot.Entry, result *Result) {
	for _, e := range live {
		if ctx.Err() != nil {
			return
		}
		h, ok, err := s.guard.TryAcquire(e.Key)
		if err != nil || !ok {
			continue
		}
		n, freed, err := s.cache.PruneSuperseded(e.Key)
		_ = h.Release()
		if err != nil {
			s.logger.Warn("failed to prune superseded generations", "key", e.Key, "error", err)
			result.Errors++
		}
		result.Retired += n
		result.BytesFreed += freed
	}
}

// purgeStaging clears staging output of keys nobody is building.
func (s *Sweeper) purgeStaging(ctx context.Context, result *Result) {
	keys, err := s.cache.StagedKeys()
	if err != nil {
		s.logger.Error("failed to list staging", "error", err)
		result.Errors++
		return
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		h, ok, err := s.guard.TryAcquire(key)
		if err != nil || !ok {
			continue
		}
		if err := s.cache.PurgePartial(key); err != nil {
			s.logger.Warn("failed to purge staging", "key", key, "error", err)
			result.Errors++
		} else {
			result.Purged++
		}
		_ = h.Release()
	}
}

// remove deletes key under its lock. With onlyIfStale it re-checks
// freshness once locked, since a build may have just republished.
func (s *Sweeper) remove(key string, onlyIfStale bool, result *Result) (int64, bool) {
	h, ok, err := s.guard.TryAcquire(key)
	if err != nil {
		s.logger.Warn("failed to lock slot", "key", key, "error", err)
		result.Errors++
		return 0, false
	}
	if !ok {
		s.logger.Debug("slot busy, skipping", "key", key)
		result.Skipped++
		return 0, false
	}
	defer func() { _ = h.Release() }()

	if onlyIfStale && s.cache.IsFresh(key) {
		return 0, false
	}

	freed, err := s.cache.Remove(key)
	if err != nil {
		s.logger.Warn("failed to remove slot", "key", key, "error", err)
		result.Errors++
		return 0, false
	}
	return freed, true
}

// ForceExpire removes every slot published more than olderThan ago,
// regardless of TTL. Busy slots are skipped.
func (s *Sweeper) ForceExpire(ctx context.Context, olderThan time.Duration) *Result {
	start := time.Now()
	result := &Result{}

	keys, err := s.cache.List()
	if err != nil {
		result.Errors++
		return result
	}

	cutoff := s.now().Add(-olderThan)
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		entry, err := s.cache.Entry(key)
		if err != nil {
			continue
		}
		if entry.CreatedAt.After(cutoff) {
			continue
		}
		if freed, removed := s.remove(key, false, result); removed {
			result.Expired++
			result.BytesFreed += freed
		}
	}

	result.Duration = time.Since(start)
	return result
}

// Stats summarises the published slots.
type Stats struct {
	Slots      int
	Fresh      int
	TotalSize  int64
	OldestSlot time.Time
	NewestSlot time.Time
}

// GetStats returns current cache statistics.
func (s *Sweeper) GetStats(_ context.Context) (*Stats, error) {
	keys, err := s.cache.List()
	if err != nil {
		return nil, err
	}
	now := s.now()
	stats := &Stats{}
	for _, key := range keys {
		e, err := s.cache.Entry(key)
		if err != nil {
			continue
		}
		stats.Slots++
		stats.TotalSize += e.Bytes
		if e.Fresh(now) {
			stats.Fresh++
		}
		if stats.OldestSlot.IsZero() || e.CreatedAt.Before(stats.OldestSlot) {
			stats.OldestSlot = e.CreatedAt
		}
		if e.CreatedAt.After(stats.NewestSlot) {
			stats.NewestSlot = e.CreatedAt
		}
	}
	return stats, nil
}
