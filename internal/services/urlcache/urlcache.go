// Package urlcache remembers signed audio URLs per (file, variant) for the
// lifetime of a session.
package urlcache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/killallgit/somleng/internal/models"
	"github.com/killallgit/somleng/internal/services/cache"
)

// Key builds the session cache key for a file variant
func Key(fileID string, variant models.Variant) string {
	return fmt.Sprintf("audio_%s_%s", fileID, variant.KeySuffix())
}

// URLCache is a thin typed view over a session-scoped cache. Entries are
// plain URL strings. Expiry is not checked on read; callers that fail to
// fetch through a cached URL Invalidate it and resolve again.
type URLCache struct {
	store  cache.Cache
	logger zerolog.Logger
}

// New creates a URL cache over store
func New(store cache.Cache, logger zerolog.Logger) *URLCache {
	return &URLCache{
		store:  store,
		logger: logger.With().Str("component", "urlcache").Logger(),
	}
}

// Get returns the cached URL for the variant, if any
func (c *URLCache) Get(ctx context.Context, fileID string, variant models.Variant) (string, bool) {
	value, ok := c.store.Get(ctx, Key(fileID, variant))
	if !ok || len(value) == 0 {
		return "", false
	}
	return string(value), true
}

// Put stores url for the variant. A zero expiresAt keeps it for the session.
func (c *URLCache) Put(ctx context.Context, fileID string, variant models.Variant, url string, expiresAt time.Time) {
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			return
		}
	}

	if err := c.store.Set(ctx, Key(fileID, variant), []byte(url), ttl); err != nil {
		// a cache write failure only costs a later re-resolve
		c.logger.Warn().Err(err).Str("file_id", fileID).Str("variant", string(variant)).Msg("Failed to cache signed URL")
	}
}

// Invalidate drops the entry for one variant
func (c *URLCache) Invalidate(ctx context.Context, fileID string, variant models.Variant) {
	if err := c.store.Delete(ctx, Key(fileID, variant)); err != nil {
		c.logger.Warn().Err(err).Str("file_id", fileID).Msg("Failed to invalidate cached URL")
	}
}

// InvalidateFile drops both variants of a file
func (c *URLCache) InvalidateFile(ctx context.Context, fileID string) {
	c.Invalidate(ctx, fileID, models.VariantRaw)
	c.Invalidate(ctx, fileID, models.VariantCleaned)
}

// Clear drops every entry
func (c *URLCache) Clear(ctx context.Context) error {
	return c.store.Clear(ctx)
}
