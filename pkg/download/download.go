package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/killallgit/somleng/pkg/log"
)

// Options configures the download behavior
type Options struct {
	MaxSize       int64         // Maximum body size in bytes (0 = no limit)
	Timeout       time.Duration // Whole-request timeout
	ProgressFunc  ProgressFunc  // Optional progress callback
	UserAgent     string        // User agent string
	ValidateAudio bool          // Reject responses that are not audio
}

// ProgressFunc is called during download to report progress. total is -1
// when the server did not send a length.
type ProgressFunc func(downloaded, total int64)

// DefaultOptions returns default download options
func DefaultOptions() Options {
	return Options{
		MaxSize:       200 * 1024 * 1024,
		Timeout:       2 * time.Minute,
		UserAgent:     "somleng-cli/1.0",
		ValidateAudio: true,
	}
}

// ErrTooLarge is returned when a body exceeds Options.MaxSize
var ErrTooLarge = errors.New("download exceeds size limit")

// StatusError is a non-success HTTP response
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.StatusCode)
}

// Rejected reports whether err means the URL itself was refused, as an
// expired or revoked signed URL is. Resolving a fresh URL may help.
func Rejected(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// Result describes a finished download
type Result struct {
	ContentType   string    // Content-Type from response
	ContentLength int64     // Bytes written
	ETag          string    // ETag header if present
	LastModified  time.Time // Last-Modified header if present
}

// Downloader fetches audio over HTTP, or from disk for the file:// URLs
// the local backend signs
type Downloader struct {
	client  *http.Client
	options Options
	now     func() time.Time
}

// NewDownloader creates a new downloader with the given options
func NewDownloader(options Options) *Downloader {
	return &Downloader{
		client: &http.Client{
			Timeout: options.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true, // Don't compress audio
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		options: options,
		now:     time.Now,
	}
}

// Fetch reads the whole body at url into memory
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, *Result, error) {
	var buf bytes.Buffer
	result, err := d.DownloadTo(ctx, url, &buf)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), result, nil
}

// DownloadTo streams the body at url into dst
func (d *Downloader) DownloadTo(ctx context.Context, url string, dst io.Writer) (*Result, error) {
	logger := log.WithComponent("download")

	if strings.HasPrefix(url, "file://") {
		written, err := d.copyFile(url, dst)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("url", redact(url)).Int64("bytes", written).Msg("Read local audio")
		return &Result{ContentType: "audio/wav", ContentLength: written}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", d.options.UserAgent)
	req.Header.Set("Accept", "audio/*,*/*")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: redact(url)}
	}

	contentType := resp.Header.Get("Content-Type")
	if d.options.ValidateAudio && !isAudioContentType(contentType) {
		return nil, fmt.Errorf("invalid content type: %s", contentType)
	}

	contentLength := resp.ContentLength
	if d.options.MaxSize > 0 && contentLength > d.options.MaxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, contentLength, d.options.MaxSize)
	}

	written, err := d.copy(dst, resp.Body, contentLength)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("url", redact(url)).Int64("bytes", written).Msg("Downloaded audio")

	result := &Result{
		ContentType:   contentType,
		ContentLength: written,
		ETag:          resp.Header.Get("ETag"),
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		if t, err := http.ParseTime(lastMod); err == nil {
			result.LastModified = t
		}
	}
	return result, nil
}

// copy moves src to dst with progress reporting and the size limit
func (d *Downloader) copy(dst io.Writer, src io.Reader, totalSize int64) (int64, error) {
	reader := src
	if d.options.ProgressFunc != nil {
		reader = &progressReader{
			reader:   src,
			total:    totalSize,
			callback: d.options.ProgressFunc,
		}
	}

	if d.options.MaxSize <= 0 {
		return io.Copy(dst, reader)
	}

	// One byte past the limit tells an exact fit from an oversized body
	written, err := io.Copy(dst, io.LimitReader(reader, d.options.MaxSize+1))
	if err != nil {
		return written, err
	}
	if written > d.options.MaxSize {
		return written, fmt.Errorf("%w: max %d bytes", ErrTooLarge, d.options.MaxSize)
	}
	return written, nil
}

// copyFile serves a file:// URL. An expired URL answers like a refused
// signed URL would, 403, and a missing file 404.
func (d *Downloader) copyFile(raw string, dst io.Writer) (int64, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid url: %w", err)
	}
	if exp := u.Query().Get("expires"); exp != "" {
		unix, err := strconv.ParseInt(exp, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid expiry: %w", err)
		}
		if d.now().After(time.Unix(unix, 0)) {
			return 0, &StatusError{StatusCode: http.StatusForbidden, URL: redact(raw)}
		}
	}

	f, err := os.Open(filepath.FromSlash(u.Path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &StatusError{StatusCode: http.StatusNotFound, URL: redact(raw)}
		}
		return 0, err
	}
	defer f.Close()

	var size int64 = -1
	if info, err := f.Stat(); err == nil {
		size = info.Size()
		if d.options.MaxSize > 0 && size > d.options.MaxSize {
			return 0, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, size, d.options.MaxSize)
		}
	}
	return d.copy(dst, f, size)
}

// redact strips the query string, which carries the signing token
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

// isAudioContentType checks if content type is audio
func isAudioContentType(contentType string) bool {
	contentType = strings.ToLower(contentType)
	return contentType == "" ||
		strings.HasPrefix(contentType, "audio/") ||
		contentType == "application/octet-stream" // storage often serves this for audio
}

// progressReader wraps a reader to report progress
type progressReader struct {
	reader     io.Reader
	total      int64
	downloaded int64
	callback   ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		pr.callback(pr.downloaded, pr.total)
	}
	return n, err
}
