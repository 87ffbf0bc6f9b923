// Package content retrieves audio bytes for files through signed URLs,
// reusing URLs from the session cache when it can.
package content

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/killallgit/somleng/internal/models"
	"github.com/killallgit/somleng/internal/services/gateway"
	"github.com/killallgit/somleng/internal/services/urlcache"
	"github.com/killallgit/somleng/pkg/download"
	apperrors "github.com/killallgit/somleng/pkg/errors"
)

// Fetcher downloads the body behind a signed URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, *download.Result, error)
}

// Resolved is a usable URL for a file and the variant it actually points at
type Resolved struct {
	URL     string
	Variant models.Variant
	Cached  bool
}

// Service resolves and fetches audio content
type Service struct {
	gw      gateway.Gateway
	urls    *urlcache.URLCache
	fetcher Fetcher
	logger  zerolog.Logger
}

// New creates a content service
func New(gw gateway.Gateway, urls *urlcache.URLCache, fetcher Fetcher, logger zerolog.Logger) *Service {
	return &Service{
		gw:      gw,
		urls:    urls,
		fetcher: fetcher,
		logger:  logger.With().Str("component", "content").Logger(),
	}
}

// URL returns a signed URL for the variant. A cleaned request for a file
// without a cleaned rendition is answered with the raw one.
func (s *Service) URL(ctx context.Context, file models.AudioFile, variant models.Variant) (*Resolved, error) {
	if !variant.Valid() {
		return nil, apperrors.ValidationError("variant", "must be raw or cleaned")
	}
	if variant == models.VariantCleaned && !file.HasCleaned() {
		variant = models.VariantRaw
	}

	if url, ok := s.urls.Get(ctx, file.ID, variant); ok {
		return &Resolved{URL: url, Variant: variant, Cached: true}, nil
	}

	resolved, err := s.gw.ResolveContentURL(ctx, file.ID, variant)
	if err != nil {
		// Our copy of the row may be ahead of the backend's
		if variant == models.VariantCleaned && apperrors.Is(err, apperrors.ErrCodeNotFound) {
			s.logger.Debug().Str("file_id", file.ID).Msg("No cleaned audio yet, using raw")
			return s.URL(ctx, file, models.VariantRaw)
		}
		return nil, err
	}

	s.urls.Put(ctx, file.ID, variant, resolved.URL, resolved.ExpiresAt)
	return &Resolved{URL: resolved.URL, Variant: variant}, nil
}

// Fetch downloads the variant's bytes. When a cached URL fails it is
// dropped and a fresh one is resolved and tried once.
func (s *Service) Fetch(ctx context.Context, file models.AudioFile, variant models.Variant) ([]byte, models.Variant, error) {
	resolved, err := s.URL(ctx, file, variant)
	if err != nil {
		return nil, "", err
	}

	data, err := s.read(ctx, resolved.URL)
	if err != nil && resolved.Cached && ctx.Err() == nil {
		s.logger.Debug().Err(err).Str("file_id", file.ID).Str("variant", string(resolved.Variant)).
			Msg("Cached URL failed, resolving again")
		s.urls.Invalidate(ctx, file.ID, resolved.Variant)

		resolved, err = s.URL(ctx, file, resolved.Variant)
		if err != nil {
			return nil, "", err
		}
		data, err = s.read(ctx, resolved.URL)
	}
	if err != nil {
		if stale(err) {
			s.urls.Invalidate(ctx, file.ID, resolved.Variant)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, "", err
		}
		return nil, "", apperrors.RemoteError("fetch audio", err).WithDetail("file_id", file.ID)
	}
	return data, resolved.Variant, nil
}

// Invalidate drops both cached URLs of a file
func (s *Service) Invalidate(ctx context.Context, fileID string) {
	s.urls.InvalidateFile(ctx, fileID)
}

// Clear drops every cached URL
func (s *Service) Clear(ctx context.Context) error {
	return s.urls.Clear(ctx)
}

func (s *Service) read(ctx context.Context, url string) ([]byte, error) {
	data, _, err := s.fetcher.Fetch(ctx, url)
	return data, err
}

// stale reports whether the URL itself is no good any more
func stale(err error) bool {
	return download.Rejected(err)
}
