// Package cache is the persistent, crash-tolerant, single-process local
// cache: a bbolt-backed key/value store with per-key TTL and size-capped
// LRU eviction, swept by a background task. The expiry clock (stored_at)
// and the LRU clock (last_access) are tracked as separate fields, and TTL
// is per-key rather than one process-wide default.
package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// record is the persisted envelope around a stored value.
type record struct {
	Value      []byte `json:"value"`
	StoredAt   int64  `json:"stored_at"`   // unix seconds, written at put time
	TTLSeconds int64  `json:"ttl_seconds"` // deadline = StoredAt + TTLSeconds
	LastAccess int64  `json:"last_access"` // unix seconds, updated on get
}

func (r record) expired(now time.Time) bool {
	return r.StoredAt+r.TTLSeconds <= now.Unix()
}

// Stats is the result of Stats().
type Stats struct {
	Bytes      int64
	Entries    int64
	CapBytes   int64
	DefaultTTL time.Duration
}

// Config configures a Cache.
type Config struct {
	Path              string
	MaxSizeBytes      int64
	DefaultTTL        time.Duration
	SweepInterval     time.Duration
}

// Cache is a single-opener, single-writer/multi-reader embedded store.
type Cache struct {
	db         *bolt.DB
	capBytes   int64
	defaultTTL time.Duration
	sweepEvery time.Duration

	mu       sync.Mutex // serializes writers; bbolt already serializes Update internally
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	now func() time.Time // overridable in tests
}

// Open opens (or creates) the cache file at cfg.Path and starts the
// background sweep task.
func Open(cfg Config) (*Cache, error) {
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: opening %s: %w", cfg.Path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: creating bucket: %w", err)
	}

	sweepEvery := cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = 60 * time.Second
	}

	c := &Cache{
		db:         db,
		capBytes:   cfg.MaxSizeBytes,
		defaultTTL: cfg.DefaultTTL,
		sweepEvery: sweepEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        time.Now,
	}

	// Enforce the cap synchronously at open time too, so a cap of 0 behaves
	// correctly even before the first sweep tick (boundary case).
	c.enforceCapLocked()

	go c.sweepLoop()

	return c, nil
}

// Close stops the background sweep and closes the underlying file.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
	return c.db.Close()
}

func (c *Cache) sweepLoop() {
	defer close(c.doneCh)
	t := time.NewTicker(c.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	c.enforceCapLocked()
}

// Put stores value at key using the configured default TTL.
func (c *Cache) Put(key string, value []byte) error {
	return c.PutTTL(key, value, c.defaultTTL)
}

// PutTTL stores value at key with an explicit TTL. A TTL of 0 means the
// entry is already expired the instant it is written.
func (c *Cache) PutTTL(key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Unix()
	r := record{
		Value:      value,
		StoredAt:   now,
		TTLSeconds: int64(ttl / time.Second),
		LastAccess: now,
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("cache: encoding entry %s: %w", key, err)
	}

	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("cache: put %s: %w", key, err)
	}

	// stats().bytes <= cap immediately after this returns, via synchronous
	// eviction.
	c.enforceCapLocked()
	return nil
}

// Get returns the value for key if its deadline has not passed. Expired
// entries are lazily deleted on read.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var r record
	var found bool
	if err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &r); err != nil {
			// Corruption of an individual value is reported as absent.
			return nil
		}
		found = true
		return nil
	}); err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}

	now := c.now()
	if r.expired(now) {
		_ = c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketEntries).Delete([]byte(key))
		})
		return nil, false, nil
	}

	r.LastAccess = now.Unix()
	if data, err := json.Marshal(r); err == nil {
		_ = c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketEntries).Put([]byte(key), data)
		})
	}

	return r.Value, true, nil
}

// Delete removes key unconditionally.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// Entry is one (key, value) pair returned by PrefixScan.
type Entry struct {
	Key   string
	Value []byte
}

// PrefixScan returns all non-expired entries whose key starts with prefix.
func (c *Cache) PrefixScan(prefix string) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketEntries).Cursor()
		p := []byte(prefix)
		for k, v := cur.Seek(p); k != nil && hasPrefix(k, p); k, v = cur.Next() {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.expired(now) {
				continue
			}
			out = append(out, Entry{Key: string(k), Value: r.Value})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache: prefix scan %s: %w", prefix, err)
	}
	return out, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketEntries)
		return err
	})
}

// Flush forces the underlying file to durable storage.
func (c *Cache) Flush() error {
	return c.db.Sync()
}

// Stats reports current size and entry count.
func (c *Cache) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bytes, entries := c.sizeLocked()
	return Stats{
		Bytes:      bytes,
		Entries:    entries,
		CapBytes:   c.capBytes,
		DefaultTTL: c.defaultTTL,
	}, nil
}

func (c *Cache) sizeLocked() (bytes, entries int64) {
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.ForEach(func(k, v []byte) error {
			bytes += int64(len(k) + len(v))
			entries++
			return nil
		})
	})
	return bytes, entries
}

// expireLocked deletes every entry whose deadline has passed. Caller holds c.mu.
func (c *Cache) expireLocked() {
	now := c.now()
	var expired [][]byte
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.ForEach(func(k, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if r.expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if len(expired) == 0 {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

type lruCandidate struct {
	key        []byte
	size       int64
	lastAccess int64
}

// enforceCapLocked evicts entries in ascending last_access order (ties
// broken by key bytes) until total size <= capBytes. Caller holds c.mu.
func (c *Cache) enforceCapLocked() {
	if c.capBytes <= 0 {
		// A cap of 0 means every entry is evicted immediately.
		if c.capBytes == 0 {
			_ = c.db.Update(func(tx *bolt.Tx) error {
				if err := tx.DeleteBucket(bucketEntries); err != nil {
					return err
				}
				_, err := tx.CreateBucket(bucketEntries)
				return err
			})
		}
		return
	}

	var total int64
	var candidates []lruCandidate
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.ForEach(func(k, v []byte) error {
			size := int64(len(k) + len(v))
			total += size
			var r record
			_ = json.Unmarshal(v, &r)
			candidates = append(candidates, lruCandidate{
				key:        append([]byte(nil), k...),
				size:       size,
				lastAccess: r.LastAccess,
			})
			return nil
		})
	})

	if total <= c.capBytes {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lastAccess != candidates[j].lastAccess {
			return candidates[i].lastAccess < candidates[j].lastAccess
		}
		return string(candidates[i].key) < string(candidates[j].key)
	})

	var toEvict [][]byte
	for _, cand := range candidates {
		if total <= c.capBytes {
			break
		}
		toEvict = append(toEvict, cand.key)
		total -= cand.size
	}
	if len(toEvict) == 0 {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, k := range toEvict {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
