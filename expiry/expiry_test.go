package expiry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/segment-cache/guard"
	"github.com/wolfeidau/segment-cache/slot"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	cache *slot.Cache
	guard *guard.Guard
	clock *fakeClock
	root  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c, err := slot.New(filepath.Join(root, "cache"), time.Hour, slot.WithClock(clock.Now))
	require.NoError(t, err)
	g, err := guard.New(filepath.Join(root, "locks"), 1)
	require.NoError(t, err)
	return &testEnv{cache: c, guard: g, clock: clock, root: root}
}

func (e *testEnv) sweeper(cfg Config) *Sweeper {
	s := NewSweeper(e.cache, e.guard, cfg)
	s.SetClock(e.clock.Now)
	return s
}

// publish writes a generation with n segments of size bytes each.
func (e *testEnv) publish(t *testing.T, key string, n, size int) *slot.Entry {
	t.Helper()
	staged, err := e.cache.Stage(key)
	require.NoError(t, err)

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:10\n")
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("seg%03d.ts", i)
		require.NoError(t, os.WriteFile(staged.Path(name), make([]byte, size), 0o644))
		fmt.Fprintf(&b, "#EXTINF:10.0,\n%s\n", name)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	require.NoError(t, os.WriteFile(staged.ManifestPath(), []byte(b.String()), 0o644))
	require.NoError(t, os.WriteFile(staged.CoverPath(), []byte("png"), 0o644))

	entry, err := e.cache.Publish(context.Background(), staged)
	require.NoError(t, err)
	return entry
}

func TestSweeperTTLExpiration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old := env.publish(t, "0001", 2, 100)
	env.clock.Advance(45 * time.Minute)
	env.publish(t, "0002", 2, 100)
	env.clock.Advance(30 * time.Minute)

	s := env.sweeper(DefaultConfig())
	result := s.RunOnce(ctx)

	require.Equal(t, 1, result.Expired)
	require.Equal(t, 0, result.Skipped)
	require.Equal(t, old.Bytes, result.BytesFreed)

	keys, err := env.cache.List()
	require.NoError(t, err)
	require.Equal(t, []string{"0002"}, keys)
	require.NoDirExists(t, old.Dir)
}

func TestSweeperSkipsBusySlots(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "0001", 1, 10)
	env.clock.Advance(2 * time.Hour)

	// a build holds the key, possibly in another process
	other, err := guard.New(filepath.Join(env.root, "locks"), 1)
	require.NoError(t, err)
	h, err := other.Acquire(context.Background(), "0001", time.Second)
	require.NoError(t, err)

	s := env.sweeper(DefaultConfig())
	result := s.RunOnce(context.Background())
	require.Equal(t, 0, result.Expired)
	require.Equal(t, 1, result.Skipped)

	require.NoError(t, h.Release())
	result = s.RunOnce(context.Background())
	require.Equal(t, 1, result.Expired)
}

func TestSweeperSizeEviction(t *testing.T) {
	env := newTestEnv(t)

	a := env.publish(t, "0001", 1, 1000)
	env.clock.Advance(time.Minute)
	b := env.publish(t, "0002", 1, 1000)
	env.clock.Advance(time.Minute)
	c := env.publish(t, "0003", 1, 1000)

	s := env.sweeper(Config{MaxSize: b.Bytes + c.Bytes})
	result := s.RunOnce(context.Background())

	require.Equal(t, 0, result.Expired)
	require.Equal(t, 1, result.Evicted)
	require.Equal(t, a.Bytes, result.BytesFreed)

	keys, err := env.cache.List()
	require.NoError(t, err)
	require.Equal(t, []string{"0002", "0003"}, keys)
}

func TestSweeperCombinedTTLAndSize(t *testing.T) {
	env := newTestEnv(t)

	env.publish(t, "0001", 1, 1000)
	env.clock.Advance(2 * time.Hour)
	b := env.publish(t, "0002", 1, 1000)
	env.clock.Advance(time.Minute)
	env.publish(t, "0003", 1, 1000)

	// the stale slot goes by TTL, then the oldest fresh one by size
	s := env.sweeper(Config{MaxSize: b.Bytes})
	result := s.RunOnce(context.Background())
	require.Equal(t, 1, result.Expired)
	require.Equal(t, 1, result.Evicted)

	keys, err := env.cache.List()
	require.NoError(t, err)
	require.Equal(t, []string{"0003"}, keys)
}

func TestSweeperPurgesStaging(t *testing.T) {
	env := newTestEnv(t)

	staged, err := env.cache.Stage("0009")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(staged.Path("seg000.ts"), []byte("partial"), 0o644))

	result := env.sweeper(DefaultConfig()).RunOnce(context.Background())
	require.Equal(t, 1, result.Purged)
	require.NoDirExists(t, staged.Dir)

	keys, err := env.cache.StagedKeys()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestSweeperRetiresSupersededGenerations(t *testing.T) {
	env := newTestEnv(t)
	old := env.publish(t, "0001", 2, 100)
	env.clock.Advance(time.Minute)
	current := env.publish(t, "0001", 1, 10)

	s := env.sweeper(DefaultConfig())
	result := s.RunOnce(context.Background())
	require.Zero(t, result.Retired)
	require.DirExists(t, old.Dir)

	env.clock.Advance(slot.DefaultGrace)
	result = s.RunOnce(context.Background())
	require.Equal(t, 1, result.Retired)
	require.Positive(t, result.BytesFreed)
	require.Zero(t, result.Expired)
	require.NoDirExists(t, old.Dir)
	require.DirExists(t, current.Dir)
}

func TestSweeperForceExpire(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "0001", 1, 10)
	env.clock.Advance(20 * time.Minute)
	env.publish(t, "0002", 1, 10)
	env.clock.Advance(5 * time.Minute)

	s := env.sweeper(DefaultConfig())
	result := s.ForceExpire(context.Background(), 10*time.Minute)
	require.Equal(t, 1, result.Expired)

	keys, err := env.cache.List()
	require.NoError(t, err)
	require.Equal(t, []string{"0002"}, keys)
}

func TestSweeperStats(t *testing.T) {
	env := newTestEnv(t)
	a := env.publish(t, "0001", 2, 10)
	env.clock.Advance(2 * time.Hour)
	b := env.publish(t, "0002", 1, 10)

	stats, err := env.sweeper(DefaultConfig()).GetStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Slots)
	require.Equal(t, 1, stats.Fresh)
	require.Equal(t, a.Bytes+b.Bytes, stats.TotalSize)
	require.True(t, stats.OldestSlot.Equal(a.CreatedAt))
	require.True(t, stats.NewestSlot.Equal(b.CreatedAt))
}

func TestSweeperBackgroundRun(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "0001", 1, 10)
	env.clock.Advance(2 * time.Hour)

	s := env.sweeper(Config{CheckInterval: 10 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		keys, err := env.cache.List()
		return err == nil && len(keys) == 0
	}, time.Second, 10*time.Millisecond)

	s.Stop()
	// stopping twice is safe
	s.Stop()
}
