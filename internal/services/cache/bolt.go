package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltCache stores entries in one bucket of a bbolt file. The file belongs to
// a single login session and is wiped on logout, so entries survive between
// CLI invocations but never outlive the session.
type BoltCache struct {
	db     *bolt.DB
	bucket []byte
}

type boltEntry struct {
	Value  []byte    `json:"value"`
	Expiry time.Time `json:"expiry,omitempty"`
}

// NewBoltCache creates the bucket if needed and returns a cache over it
func NewBoltCache(db *bolt.DB, bucket string) (*BoltCache, error) {
	name := []byte(bucket)
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltCache{db: db, bucket: name}, nil
}

// Get retrieves a value from the cache
func (bc *BoltCache) Get(ctx context.Context, key string) ([]byte, bool) {
	var entry boltEntry
	found := false
	err := bc.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bc.bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil || !found {
		return nil, false
	}

	if expired(entry.Expiry, time.Now()) {
		_ = bc.Delete(ctx, key)
		return nil, false
	}
	return entry.Value, true
}

// Set stores a value in the cache with a TTL
func (bc *BoltCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := json.Marshal(boltEntry{Value: value, Expiry: expiryFor(ttl, time.Now())})
	if err != nil {
		return err
	}
	return bc.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bc.bucket).Put([]byte(key), data)
	})
}

// Delete removes a value from the cache
func (bc *BoltCache) Delete(ctx context.Context, key string) error {
	return bc.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bc.bucket).Delete([]byte(key))
	})
}

// Clear drops and recreates the bucket
func (bc *BoltCache) Clear(ctx context.Context) error {
	return bc.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bc.bucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bc.bucket)
		return err
	})
}

// Has checks if a key exists in the cache
func (bc *BoltCache) Has(ctx context.Context, key string) bool {
	_, ok := bc.Get(ctx, key)
	return ok
}

// Stats reports the number of stored entries
func (bc *BoltCache) Stats() CacheStats {
	var stats CacheStats
	_ = bc.db.View(func(tx *bolt.Tx) error {
		stats.Entries = int64(tx.Bucket(bc.bucket).Stats().KeyN)
		return nil
	})
	return stats
}
