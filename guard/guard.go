// Package guard serializes builds per content key and bounds how many run
// at once.
//
// A per-key lock is two layers: an in-process slot so goroutines queue
// without touching the filesystem, then an advisory file lock on
// <lockDir>/<key>.lock so separate processes sharing a cache root exclude
// each other too. Lock files are left in place after release.
//
// The global build ceiling is a weighted semaphore handed out as Permits.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	segmentcache "github.com/wolfeidau/segment-cache"
	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout is matched by every *LockTimeoutError.
var ErrLockTimeout = errors.New("lock timeout")

// LockTimeoutError reports a per-key lock that could not be taken in time.
type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock for %q not acquired within %s", e.Key, e.Timeout)
}

// Is makes errors.Is(err, ErrLockTimeout) hold.
func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

const defaultRetryDelay = 50 * time.Millisecond

type keySlot struct {
	ch   chan struct{}
	refs int
}

// Guard hands out per-key locks and global build permits.
type Guard struct {
	lockDir    string
	retryDelay time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	slots map[string]*keySlot

	sem    *semaphore.Weighted
	limit  int64
	active atomic.Int64
}

// Option configures a Guard.
type Option func(*Guard)

// WithRetryDelay sets how often a contended file lock is polled.
func WithRetryDelay(d time.Duration) Option {
	return func(g *Guard) {
		g.retryDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// New creates a Guard storing lock files in lockDir and admitting at most
// maxConcurrent builds.
func New(lockDir string, maxConcurrent int, opts ...Option) (*Guard, error) {
	if maxConcurrent < 1 {
		return nil, fmt.Errorf("guard: max concurrent must be at least 1, got %d", maxConcurrent)
	}
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	g := &Guard{
		lockDir:    lockDir,
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
		slots:      make(map[string]*keySlot),
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		limit:      int64(maxConcurrent),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "guard")
	return g, nil
}

// Handle is a held per-key lock.
type Handle struct {
	Key string
	// Waited is how long Acquire blocked before the lock was granted.
	Waited time.Duration

	g    *Guard
	slot *keySlot
	fl   *flock.Flock
	once sync.Once
	err  error
}

// Release unlocks the key. Calling it more than once is harmless.
func (h *Handle) Release() error {
	h.once.Do(func() {
		h.err = h.fl.Unlock()
		<-h.slot.ch
		h.g.unref(h.Key)
	})
	return h.err
}

// Acquire takes the lock for key, waiting at most timeout. It returns a
// *LockTimeoutError when the timeout passes and ctx's error when ctx ends
// first.
func (g *Guard) Acquire(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	if err := segmentcache.ValidateKey(key); err != nil {
		return nil, err
	}
	start := time.Now()

	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slot := g.ref(key)
	select {
	case slot.ch <- struct{}{}:
	case <-lctx.Done():
		g.unref(key)
		return nil, g.waitErr(ctx, key, timeout)
	}

	fl := flock.New(g.lockPath(key))
	ok, err := fl.TryLockContext(lctx, g.retryDelay)
	if err != nil || !ok {
		<-slot.ch
		g.unref(key)
		if ctx.Err() != nil || lctx.Err() != nil {
			return nil, g.waitErr(ctx, key, timeout)
		}
		return nil, fmt.Errorf("locking %s: %w", key, err)
	}

	return &Handle{Key: key, Waited: time.Since(start), g: g, slot: slot, fl: fl}, nil
}

// TryAcquire takes the lock for key only if nobody holds it. The boolean is
// false when the key is busy in this or another process.
func (g *Guard) TryAcquire(key string) (*Handle, bool, error) {
	if err := segmentcache.ValidateKey(key); err != nil {
		return nil, false, err
	}

	slot := g.ref(key)
	select {
	case slot.ch <- struct{}{}:
	default:
		g.unref(key)
		return nil, false, nil
	}

	fl := flock.New(g.lockPath(key))
	ok, err := fl.TryLock()
	if err != nil || !ok {
		<-slot.ch
		g.unref(key)
		if err != nil {
			return nil, false, fmt.Errorf("locking %s: %w", key, err)
		}
		return nil, false, nil
	}
	return &Handle{Key: key, g: g, slot: slot, fl: fl}, true, nil
}

func (g *Guard) waitErr(ctx context.Context, key string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.logger.Warn("lock wait timed out", "key", key, "timeout", timeout)
	return &LockTimeoutError{Key: key, Timeout: timeout}
}

func (g *Guard) ref(key string) *keySlot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	if !ok {
		s = &keySlot{ch: make(chan struct{}, 1)}
		g.slots[key] = s
	}
	s.refs++
	return s
}

func (g *Guard) unref(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(g.slots, key)
	}
}

func (g *Guard) lockPath(key string) string {
	return filepath.Join(g.lockDir, key+".lock")
}

// Permit is one unit of the global build ceiling.
type Permit struct {
	g    *Guard
	once sync.Once
}

// Release returns the permit. Calling it more than once is harmless.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.g.active.Add(-1)
		p.g.sem.Release(1)
	})
}

// Admit blocks until a build permit is free or ctx ends.
func (g *Guard) Admit(ctx context.Context) (*Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.active.Add(1)
	return &Permit{g: g}, nil
}

// Active reports how many permits are currently held.
func (g *Guard) Active() int {
	return int(g.active.Load())
}

// Limit reports the configured ceiling.
func (g *Guard) Limit() int {
	return int(g.limit)
}
