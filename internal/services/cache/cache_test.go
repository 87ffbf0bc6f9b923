package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newBoltCache(t *testing.T) *BoltCache {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "session.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bc, err := NewBoltCache(db, "urls")
	require.NoError(t, err)
	return bc
}

// implementations runs the same contract tests against every Cache
func implementations(t *testing.T) map[string]Cache {
	mc := NewMemoryCache(0, 0)
	t.Cleanup(mc.Stop)
	return map[string]Cache{
		"memory": mc,
		"bolt":   newBoltCache(t),
	}
}

func TestCache_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, c := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			_, ok := c.Get(ctx, "audio_f1_raw")
			assert.False(t, ok)

			require.NoError(t, c.Set(ctx, "audio_f1_raw", []byte("https://signed/1"), 0))
			value, ok := c.Get(ctx, "audio_f1_raw")
			require.True(t, ok)
			assert.Equal(t, "https://signed/1", string(value))
			assert.True(t, c.Has(ctx, "audio_f1_raw"))

			require.NoError(t, c.Delete(ctx, "audio_f1_raw"))
			assert.False(t, c.Has(ctx, "audio_f1_raw"))

			// deleting an absent key is not an error
			assert.NoError(t, c.Delete(ctx, "audio_f1_raw"))
		})
	}
}

func TestCache_Expiry(t *testing.T) {
	ctx := context.Background()
	for name, c := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.Set(ctx, "short", []byte("x"), 10*time.Millisecond))
			require.NoError(t, c.Set(ctx, "forever", []byte("y"), 0))

			time.Sleep(30 * time.Millisecond)

			_, ok := c.Get(ctx, "short")
			assert.False(t, ok)
			_, ok = c.Get(ctx, "forever")
			assert.True(t, ok)
		})
	}
}

func TestCache_Clear(t *testing.T) {
	ctx := context.Background()
	for name, c := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
			require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

			require.NoError(t, c.Clear(ctx))

			assert.False(t, c.Has(ctx, "a"))
			assert.False(t, c.Has(ctx, "b"))

			// still usable after clear
			require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))
			assert.True(t, c.Has(ctx, "c"))
		})
	}
}

func TestMemoryCache_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache(2, 0)
	defer mc.Stop()

	require.NoError(t, mc.Set(ctx, "first", []byte("1"), 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, mc.Set(ctx, "second", []byte("2"), 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, mc.Set(ctx, "third", []byte("3"), 0))

	assert.False(t, mc.Has(ctx, "first"))
	assert.True(t, mc.Has(ctx, "second"))
	assert.True(t, mc.Has(ctx, "third"))

	stats := mc.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(2), stats.Entries)
}

func TestMemoryCache_Stats(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache(0, time.Hour)
	defer mc.Stop()

	_ = mc.Set(ctx, "k", []byte("v"), 0)
	mc.Get(ctx, "k")
	mc.Get(ctx, "missing")

	stats := mc.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)

	// Stop is idempotent
	mc.Stop()
}

func TestBoltCache_PersistsAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")

	db, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	bc, err := NewBoltCache(db, "urls")
	require.NoError(t, err)
	require.NoError(t, bc.Set(ctx, "audio_f1_clean", []byte("https://signed/c"), 0))
	require.NoError(t, db.Close())

	db, err = bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	defer db.Close()
	bc, err = NewBoltCache(db, "urls")
	require.NoError(t, err)

	value, ok := bc.Get(ctx, "audio_f1_clean")
	require.True(t, ok)
	assert.Equal(t, "https://signed/c", string(value))
	assert.Equal(t, int64(1), bc.Stats().Entries)
}
