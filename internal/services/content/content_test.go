package content

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/killallgit/somleng/internal/models"
	"github.com/killallgit/somleng/internal/services/cache"
	"github.com/killallgit/somleng/internal/services/gateway/gatewaytest"
	"github.com/killallgit/somleng/internal/services/urlcache"
	"github.com/killallgit/somleng/pkg/download"
	apperrors "github.com/killallgit/somleng/pkg/errors"
)

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, url string) ([]byte, *download.Result, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).([]byte), args.Get(1).(*download.Result), args.Error(2)
}

type fixture struct {
	svc     *Service
	fake    *gatewaytest.Fake
	urls    *urlcache.URLCache
	fetcher *MockFetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := cache.NewMemoryCache(100, 0)
	t.Cleanup(mem.Stop)
	urls := urlcache.New(mem, zerolog.Nop())
	fake := gatewaytest.New()
	fetcher := &MockFetcher{}
	return &fixture{
		svc:     New(fake, urls, fetcher, zerolog.Nop()),
		fake:    fake,
		urls:    urls,
		fetcher: fetcher,
	}
}

func rawFile() models.AudioFile {
	return models.AudioFile{ID: "f1", ProjectID: "p1", FileName: "a.wav", FilePathRaw: "p1/1-a.wav"}
}

func cleanedFile() models.AudioFile {
	f := rawFile()
	cleaned := "p1/1-a_cleaned.wav"
	f.FilePathCleaned = &cleaned
	return f
}

func TestURL_SecondCallServedFromCache(t *testing.T) {
	fx := newFixture(t)
	file := rawFile()
	fx.fake.SeedFile(file)
	ctx := context.Background()

	first, err := fx.svc.URL(ctx, file, models.VariantRaw)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := fx.svc.URL(ctx, file, models.VariantRaw)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.URL, second.URL)
	assert.Equal(t, 1, fx.fake.Calls(gatewaytest.OpResolveContentURL))

	cached, ok := fx.urls.Get(ctx, "f1", models.VariantRaw)
	require.True(t, ok)
	assert.Equal(t, first.URL, cached)
}

func TestURL_CleanedFallsBackToRaw(t *testing.T) {
	ctx := context.Background()

	t.Run("no cleaned path held locally", func(t *testing.T) {
		fx := newFixture(t)
		file := rawFile()
		fx.fake.SeedFile(file)

		got, err := fx.svc.URL(ctx, file, models.VariantCleaned)
		require.NoError(t, err)
		assert.Equal(t, models.VariantRaw, got.Variant)
		assert.Contains(t, got.URL, "p1/1-a.wav")

		_, ok := fx.urls.Get(ctx, "f1", models.VariantCleaned)
		assert.False(t, ok, "a cleaned entry must never hold a raw URL")
	})

	t.Run("backend has no cleaned path yet", func(t *testing.T) {
		fx := newFixture(t)
		fx.fake.SeedFile(rawFile())

		got, err := fx.svc.URL(ctx, cleanedFile(), models.VariantCleaned)
		require.NoError(t, err)
		assert.Equal(t, models.VariantRaw, got.Variant)
		assert.Equal(t, 2, fx.fake.Calls(gatewaytest.OpResolveContentURL))
	})

	t.Run("cleaned available", func(t *testing.T) {
		fx := newFixture(t)
		file := cleanedFile()
		fx.fake.SeedFile(file)

		got, err := fx.svc.URL(ctx, file, models.VariantCleaned)
		require.NoError(t, err)
		assert.Equal(t, models.VariantCleaned, got.Variant)
		assert.Contains(t, got.URL, "_cleaned.wav")
	})
}

func TestURL_Errors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.URL(ctx, rawFile(), models.Variant("stereo"))
	assert.True(t, apperrors.IsValidation(err))

	_, err = fx.svc.URL(ctx, rawFile(), models.VariantRaw)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound), "raw missing is not recoverable")

	fx.fake.SeedFile(rawFile())
	fx.fake.FailOn(gatewaytest.OpResolveContentURL, apperrors.Unauthorized("expired"))
	_, err = fx.svc.URL(ctx, rawFile(), models.VariantRaw)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized))
}

func TestFetch_RetriesOnceWithFreshURL(t *testing.T) {
	fx := newFixture(t)
	file := rawFile()
	fx.fake.SeedFile(file)
	ctx := context.Background()

	fx.urls.Put(ctx, "f1", models.VariantRaw, "https://storage.test/stale", time.Time{})
	fx.fetcher.On("Fetch", mock.Anything, "https://storage.test/stale").
		Return(nil, nil, &download.StatusError{StatusCode: 400}).Once()
	fx.fetcher.On("Fetch", mock.Anything, mock.MatchedBy(func(u string) bool {
		return strings.Contains(u, "sig=")
	})).Return([]byte("RIFF"), &download.Result{ContentLength: 4}, nil).Once()

	data, variant, err := fx.svc.Fetch(ctx, file, models.VariantRaw)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), data)
	assert.Equal(t, models.VariantRaw, variant)
	assert.Equal(t, 1, fx.fake.Calls(gatewaytest.OpResolveContentURL))

	cached, _ := fx.urls.Get(ctx, "f1", models.VariantRaw)
	assert.NotEqual(t, "https://storage.test/stale", cached)
	fx.fetcher.AssertExpectations(t)
}

func TestFetch_FreshURLFailureIsRemote(t *testing.T) {
	fx := newFixture(t)
	file := rawFile()
	fx.fake.SeedFile(file)
	ctx := context.Background()

	fx.fetcher.On("Fetch", mock.Anything, mock.Anything).
		Return(nil, nil, &download.StatusError{StatusCode: 403}).Once()

	_, _, err := fx.svc.Fetch(ctx, file, models.VariantRaw)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeRemote))
	assert.Equal(t, "fetch audio", apperrors.Operation(err))

	_, ok := fx.urls.Get(ctx, "f1", models.VariantRaw)
	assert.False(t, ok, "a rejected URL is not kept")
	fx.fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestFetch_LocalFileURL(t *testing.T) {
	fx := newFixture(t)
	svc := New(fx.fake, fx.urls, download.NewDownloader(download.DefaultOptions()), zerolog.Nop())
	file := rawFile()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "1-a.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFFlocal"), 0o644))
	expires := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	fx.urls.Put(ctx, file.ID, models.VariantRaw, "file://"+filepath.ToSlash(path)+"?expires="+expires, time.Time{})

	data, variant, err := svc.Fetch(ctx, file, models.VariantRaw)
	require.NoError(t, err)
	assert.Equal(t, "RIFFlocal", string(data))
	assert.Equal(t, models.VariantRaw, variant)
}

func TestInvalidateAndClear(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.urls.Put(ctx, "f1", models.VariantRaw, "u1", time.Time{})
	fx.urls.Put(ctx, "f1", models.VariantCleaned, "u2", time.Time{})
	fx.urls.Put(ctx, "f2", models.VariantRaw, "u3", time.Time{})

	fx.svc.Invalidate(ctx, "f1")
	_, ok := fx.urls.Get(ctx, "f1", models.VariantRaw)
	assert.False(t, ok)
	_, ok = fx.urls.Get(ctx, "f1", models.VariantCleaned)
	assert.False(t, ok)
	_, ok = fx.urls.Get(ctx, "f2", models.VariantRaw)
	assert.True(t, ok)

	require.NoError(t, fx.svc.Clear(ctx))
	_, ok = fx.urls.Get(ctx, "f2", models.VariantRaw)
	assert.False(t, ok)
}
