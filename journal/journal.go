// Package journal keeps a bounded history of build attempts in a bbolt
// database.
//
// Records are msgpack encoded. Values carry a one byte encoding flag so
// large records, which are nearly always ones with a long ffmpeg
// diagnostic tail, can be zstd compressed.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

const (
	// CompressionThreshold is the encoded size from which records are
	// compressed.
	CompressionThreshold = 2048

	// DefaultMaxEntries bounds the journal when no limit is configured.
	DefaultMaxEntries = 1000

	// MaxDecodedSize rejects records that would decompress absurdly.
	MaxDecodedSize = 1 << 20
)

const (
	flagIdentity byte = 0
	flagZstd     byte = 1
)

var (
	bucketEntries = []byte("entries") // 8-byte id -> flag|record
	bucketByKey   = []byte("by_key")  // key|0x00|8-byte id -> nil
)

var (
	// ErrCorrupted is returned for records that cannot be decoded.
	ErrCorrupted = errors.New("corrupted journal record")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("journal closed")
)

// Entry is one build attempt.
type Entry struct {
	ID          uint64        `msgpack:"id"`
	Key         string        `msgpack:"key"`
	Generation  string        `msgpack:"generation,omitempty"`
	Outcome     string        `msgpack:"outcome"`
	Stage       string        `msgpack:"stage,omitempty"`
	ExitCode    int           `msgpack:"exit_code"`
	Started     time.Time     `msgpack:"started"`
	Duration    time.Duration `msgpack:"duration"`
	LockWait    time.Duration `msgpack:"lock_wait"`
	Bytes       int64         `msgpack:"bytes"`
	Segments    int           `msgpack:"segments"`
	CoverOrigin string        `msgpack:"cover_origin,omitempty"`
	Error       string        `msgpack:"error,omitempty"`
	Tail        string        `msgpack:"tail,omitempty"`
}

// Stats aggregates the retained entries.
type Stats struct {
	Entries     int
	ByOutcome   map[string]int
	Bytes       int64
	AvgDuration time.Duration
	LastStarted time.Time
}

// Journal is a bbolt backed build history.
type Journal struct {
	db         *bbolt.DB
	maxEntries int
	noSync     bool
	logger     *slog.Logger

	mu  sync.RWMutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithMaxEntries bounds how many entries are retained.
func WithMaxEntries(n int) Option {
	return func(j *Journal) {
		j.maxEntries = n
	}
}

// WithNoSync disables fsync per transaction. Tests only.
func WithNoSync(noSync bool) Option {
	return func(j *Journal) {
		j.noSync = noSync
	}
}

// Open opens or creates the journal at path.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{
		maxEntries: DefaultMaxEntries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "journal")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  j.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByKey} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	j.db = db
	j.enc = enc
	j.dec = dec
	j.logger.Debug("opened journal", "path", path, "max_entries", j.maxEntries)
	return j, nil
}

// view and update run fn while holding off Close. The codecs used by
// encode and decode are only valid inside them.
func (j *Journal) view(fn func(*bbolt.Tx) error) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return ErrClosed
	}
	return j.db.View(fn)
}

func (j *Journal) update(fn func(*bbolt.Tx) error) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return ErrClosed
	}
	return j.db.Update(fn)
}

// Close waits for running operations and releases the database and codec
// resources. Later operations return ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc != nil {
		j.enc.Close()
		j.enc = nil
	}
	if j.dec != nil {
		j.dec.Close()
		j.dec = nil
	}
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Append stores e, assigning its ID, and drops the oldest entries beyond
// the retention bound.
func (j *Journal) Append(_ context.Context, e Entry) (uint64, error) {
	err := j.update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		id, err := entries.NextSequence()
		if err != nil {
			return err
		}
		e.ID = id
		value, err := j.encode(&e)
		if err != nil {
			return err
		}
		if err := entries.Put(idKey(id), value); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByKey).Put(keyIndex(e.Key, id), nil); err != nil {
			return err
		}
		if j.maxEntries > 0 {
			_, err = j.trim(tx, j.maxEntries)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("appending journal entry: %w", err)
	}
	return e.ID, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(_ context.Context, limit int) ([]Entry, error) {
	var out []Entry
	err := j.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			e, err := j.decode(v)
			if err != nil {
				j.logger.Warn("skipping unreadable journal entry", "id", binary.BigEndian.Uint64(k), "error", err)
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// ForKey returns up to limit entries for key, newest first.
func (j *Journal) ForKey(_ context.Context, key string, limit int) ([]Entry, error) {
	var out []Entry
	err := j.view(func(tx *bbolt.Tx) error {
		prefix := append([]byte(key), 0)
		var ids []uint64
		c := tx.Bucket(bucketByKey).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, binary.BigEndian.Uint64(k[len(prefix):]))
		}
		entries := tx.Bucket(bucketEntries)
		for i := len(ids) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
			v := entries.Get(idKey(ids[i]))
			if v == nil {
				continue
			}
			e, err := j.decode(v)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Stats aggregates every retained entry.
func (j *Journal) Stats(_ context.Context) (Stats, error) {
	s := Stats{ByOutcome: map[string]int{}}
	var total time.Duration
	err := j.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			e, err := j.decode(v)
			if err != nil {
				return nil
			}
			s.Entries++
			s.ByOutcome[e.Outcome]++
			s.Bytes += e.Bytes
			total += e.Duration
			if e.Started.After(s.LastStarted) {
				s.LastStarted = e.Started
			}
			return nil
		})
	})
	if err != nil {
		return Stats{}, err
	}
	if s.Entries > 0 {
		s.AvgDuration = total / time.Duration(s.Entries)
	}
	return s, nil
}

// Outcomes returns the outcome names in Stats order.
func (s Stats) Outcomes() []string {
	names := make([]string, 0, len(s.ByOutcome))
	for k := range s.ByOutcome {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Prune keeps the newest keep entries and returns how many were removed.
func (j *Journal) Prune(_ context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	var removed int
	err := j.update(func(tx *bbolt.Tx) error {
		var err error
		removed, err = j.trim(tx, keep)
		return err
	})
	return removed, err
}

// trim deletes the oldest entries until at most keep remain.
func (j *Journal) trim(tx *bbolt.Tx, keep int) (int, error) {
	entries := tx.Bucket(bucketEntries)
	byKey := tx.Bucket(bucketByKey)

	// Bucket.Stats ignores pages dirtied by this transaction, so count
	count := 0
	c := entries.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}
	excess := count - keep
	if excess <= 0 {
		return 0, nil
	}

	type victim struct {
		id  uint64
		key string
	}
	victims := make([]victim, 0, excess)
	for k, v := c.First(); k != nil && len(victims) < excess; k, v = c.Next() {
		vic := victim{id: binary.BigEndian.Uint64(k)}
		if e, err := j.decode(v); err == nil {
			vic.key = e.Key
		}
		victims = append(victims, vic)
	}
	for _, v := range victims {
		if err := entries.Delete(idKey(v.id)); err != nil {
			return 0, err
		}
		if v.key != "" {
			if err := byKey.Delete(keyIndex(v.key, v.id)); err != nil {
				return 0, err
			}
		}
	}
	return len(victims), nil
}

func (j *Journal) encode(e *Entry) ([]byte, error) {
	raw, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding entry: %w", err)
	}
	if len(raw) >= CompressionThreshold {
		if j.enc != nil {
			if packed := j.enc.EncodeAll(raw, nil); len(packed) < len(raw) {
				return append([]byte{flagZstd}, packed...), nil
			}
		}
	}
	return append([]byte{flagIdentity}, raw...), nil
}

func (j *Journal) decode(v []byte) (Entry, error) {
	var e Entry
	if len(v) == 0 {
		return e, ErrCorrupted
	}
	raw := v[1:]
	switch v[0] {
	case flagIdentity:
	case flagZstd:
		if j.dec == nil {
			return e, ErrClosed
		}
		var err error
		if raw, err = j.dec.DecodeAll(raw, nil); err != nil {
			return e, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
	default:
		return e, fmt.Errorf("%w: unknown flag %d", ErrCorrupted, v[0])
	}
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return e, nil
}

func idKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func keyIndex(key string, id uint64) []byte {
	b := make([]byte, 0, len(key)+9)
	b = append(b, key...)
	b = append(b, 0)
	return binary.BigEndian.AppendUint64(b, id)
}
