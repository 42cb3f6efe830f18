// Package trackerstore keeps the RNTI tracker's active set in a Pebble
// database so a restarted session does not have to relearn every UE.
package trackerstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/fxamacker/cbor/v2"

	"github.com/gebegb3j/falcon/rnti"
)

const (
	activePrefix = "a|"
	metaSavedKey = "meta|saved"
)

const (
	defaultCacheSizeBytes    = int64(8 << 20)
	defaultBloomFilterBits   = 10
	defaultMemTableSizeBytes = uint64(4 << 20)
)

var errInvalidKey = errors.New("trackerstore: invalid key")

// Options controls Pebble tuning. Zero fields take defaults.
type Options struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes == 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	return opts
}

// Store wraps the Pebble handle.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache
}

// Purpose: Open or create the tracker snapshot database.
// Key aspects: Path must be a directory (created when missing).
// Upstream: session startup.
// Downstream: pebble.Open.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("trackerstore: database path is empty")
	}
	opts = sanitizeOptions(opts)
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("trackerstore: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("trackerstore: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("trackerstore: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		Cache:        pebble.NewCache(opts.CacheSizeBytes),
		MemTableSize: opts.MemTableSizeBytes,
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(opts.BloomFilterBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("trackerstore: open: %w", err)
	}
	return &Store{db: db, cache: pebbleOpts.Cache}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Purpose: Replace the stored active set with set.
// Key aspects: One synced batch; previous entries are range-deleted first.
// Upstream: session shutdown and periodic checkpoints.
// Downstream: cbor encoding, Pebble batch.
func (s *Store) Save(set []rnti.ActiveEntry, savedAt time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("trackerstore: store is not initialized")
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	lower := []byte(activePrefix)
	if err := batch.DeleteRange(lower, prefixUpperBound(lower), nil); err != nil {
		return fmt.Errorf("trackerstore: clear: %w", err)
	}
	for _, e := range set {
		val, err := cbor.Marshal(e)
		if err != nil {
			return fmt.Errorf("trackerstore: encode 0x%04x: %w", e.RNTI, err)
		}
		if err := batch.Set(activeKey(e.RNTI, e.Class), val, nil); err != nil {
			return fmt.Errorf("trackerstore: set: %w", err)
		}
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(savedAt.UTC().UnixNano()))
	if err := batch.Set([]byte(metaSavedKey), ts[:], nil); err != nil {
		return fmt.Errorf("trackerstore: set meta: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("trackerstore: commit: %w", err)
	}
	return nil
}

// Purpose: Read the stored active set and when it was saved.
// Key aspects: An empty store returns no entries and a zero time.
// Upstream: session startup, the active-set command.
// Downstream: Pebble iterator, cbor decoding.
func (s *Store) Load() ([]rnti.ActiveEntry, time.Time, error) {
	if s == nil || s.db == nil {
		return nil, time.Time{}, errors.New("trackerstore: store is not initialized")
	}
	var savedAt time.Time
	raw, closer, err := s.db.Get([]byte(metaSavedKey))
	switch {
	case err == nil:
		if len(raw) == 8 {
			savedAt = time.Unix(0, int64(binary.BigEndian.Uint64(raw))).UTC()
		}
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		return nil, time.Time{}, fmt.Errorf("trackerstore: read meta: %w", err)
	}

	lower := []byte(activePrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("trackerstore: iterator: %w", err)
	}
	defer iter.Close()

	var out []rnti.ActiveEntry
	for iter.First(); iter.Valid(); iter.Next() {
		id, class, err := parseActiveKey(iter.Key())
		if err != nil {
			return nil, time.Time{}, err
		}
		var e rnti.ActiveEntry
		if err := cbor.Unmarshal(iter.Value(), &e); err != nil {
			return nil, time.Time{}, fmt.Errorf("trackerstore: decode 0x%04x: %w", id, err)
		}
		e.RNTI = id
		e.Class = class
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, time.Time{}, fmt.Errorf("trackerstore: iterate: %w", err)
	}
	return out, savedAt, nil
}

// activeKey sorts by RNTI, then class.
func activeKey(id uint16, class int) []byte {
	key := make([]byte, len(activePrefix)+3)
	copy(key, activePrefix)
	binary.BigEndian.PutUint16(key[len(activePrefix):], id)
	key[len(key)-1] = byte(class)
	return key
}

func parseActiveKey(key []byte) (uint16, int, error) {
	if len(key) != len(activePrefix)+3 || string(key[:len(activePrefix)]) != activePrefix {
		return 0, 0, fmt.Errorf("%w: %q", errInvalidKey, key)
	}
	id := binary.BigEndian.Uint16(key[len(activePrefix):])
	return id, int(key[len(key)-1]), nil
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
