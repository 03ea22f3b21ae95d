package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "cache.db")
	}
	c, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(t, Config{DefaultTTL: time.Minute, SweepInterval: time.Hour})
	require.NoError(t, c.Put("k1", []byte("v1")))

	v, ok, err := c.Get("k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
}

func TestGetAbsentAfterDelete(t *testing.T) {
	c := newTestCache(t, Config{DefaultTTL: time.Minute, SweepInterval: time.Hour})
	require.NoError(t, c.Put("k1", []byte("v1")))
	require.NoError(t, c.Delete("k1"))

	_, ok, err := c.Get("k1")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestTTLZeroMeansImmediateExpiry resolves an open design question.
func TestTTLZeroMeansImmediateExpiry(t *testing.T) {
	c := newTestCache(t, Config{SweepInterval: time.Hour})
	require.NoError(t, c.PutTTL("k1", []byte("v1"), 0))

	_, ok, err := c.Get("k1")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestCacheCapZeroEvictsImmediately covers the boundary case.
func TestCacheCapZeroEvictsImmediately(t *testing.T) {
	c := newTestCache(t, Config{DefaultTTL: time.Minute, SweepInterval: time.Hour, MaxSizeBytes: 0})
	require.NoError(t, c.Put("k1", []byte("v1")))

	_, ok, err := c.Get("k1")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestSweepRemovesExpiredEntriesOnTick exercises the background sweep: once
// entries' deadlines pass, a sweep tick must evict them from both the
// prefix scan results and the reported stats.
func TestSweepRemovesExpiredEntriesOnTick(t *testing.T) {
	c := newTestCache(t, Config{SweepInterval: time.Hour, MaxSizeBytes: 1 << 20})
	require.NoError(t, c.PutTTL("a", []byte("1"), time.Second))
	require.NoError(t, c.PutTTL("b", []byte("2"), time.Second))
	require.NoError(t, c.PutTTL("c", []byte("3"), time.Second))

	// Force expiry without waiting 2 real seconds: fake the clock forward.
	c.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	c.sweep()

	entries, err := c.PrefixScan("")
	require.NoError(t, err)
	require.Empty(t, entries)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.Entries)
}

func TestPrefixScanExcludesExpired(t *testing.T) {
	c := newTestCache(t, Config{SweepInterval: time.Hour, MaxSizeBytes: 1 << 20})
	require.NoError(t, c.PutTTL("zones/a", []byte("1"), time.Minute))
	require.NoError(t, c.PutTTL("zones/b", []byte("2"), 0))

	entries, err := c.PrefixScan("zones/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "zones/a", entries[0].Key)
}

func TestCapEnforcedAfterWriteReturns(t *testing.T) {
	c := newTestCache(t, Config{DefaultTTL: time.Minute, SweepInterval: time.Hour, MaxSizeBytes: 20})
	require.NoError(t, c.Put("k1", []byte("0123456789")))
	require.NoError(t, c.Put("k2", []byte("0123456789")))
	require.NoError(t, c.Put("k3", []byte("0123456789")))

	stats, err := c.Stats()
	require.NoError(t, err)
	require.LessOrEqual(t, stats.Bytes, stats.CapBytes)
}

func TestLRUEvictsLeastRecentlyAccessedFirst(t *testing.T) {
	// Each entry costs its key plus its JSON record (about 96 bytes here), so
	// a 250-byte cap holds two entries but not three.
	c := newTestCache(t, Config{DefaultTTL: time.Minute, SweepInterval: time.Hour, MaxSizeBytes: 250})
	require.NoError(t, c.Put("old", []byte("0123456789")))
	require.NoError(t, c.Put("new", []byte("0123456789")))

	// Touch "old" so its last_access is newer than "new"'s.
	_, _, err := c.Get("old")
	require.NoError(t, err)

	// Adding a third entry forces eviction; "new" should go, not "old".
	require.NoError(t, c.Put("third", []byte("0123456789")))

	_, oldOK, _ := c.Get("old")
	_, newOK, _ := c.Get("new")
	require.True(t, oldOK)
	require.False(t, newOK)
}

func TestDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c := newTestCache(t, Config{Path: path, DefaultTTL: time.Minute, SweepInterval: time.Hour})
	require.NoError(t, c.Put("k1", []byte("v1")))
	require.NoError(t, c.Close())

	c2 := newTestCache(t, Config{Path: path, DefaultTTL: time.Minute, SweepInterval: time.Hour})
	v, ok, err := c2.Get("k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
}

func TestDeadlineSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c := newTestCache(t, Config{Path: path, SweepInterval: time.Hour})
	require.NoError(t, c.PutTTL("k1", []byte("v1"), time.Second))
	require.NoError(t, c.Close())

	c2 := newTestCache(t, Config{Path: path, SweepInterval: time.Hour})
	c2.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	_, ok, err := c2.Get("k1")
	require.NoError(t, err)
	require.False(t, ok, "pre-restart deadline must still apply after reopen")
}
