package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/killallgit/somleng/internal/backend"
)

// FilesystemStorage implements backend.ObjectStore under a base directory.
// Signed URLs are file:// URLs carrying their expiry as a query parameter.
type FilesystemStorage struct {
	basePath string
	now      func() time.Time
}

// NewFilesystemStorage creates the base directory if needed
func NewFilesystemStorage(basePath string) (*FilesystemStorage, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FilesystemStorage{basePath: abs, now: time.Now}, nil
}

var _ backend.ObjectStore = (*FilesystemStorage)(nil)

// resolve maps an object path onto the filesystem, refusing escapes
func (fs *FilesystemStorage) resolve(objectPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(objectPath))
	if objectPath == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	return filepath.Join(fs.basePath, clean), nil
}

// Upload writes body to path
func (fs *FilesystemStorage) Upload(ctx context.Context, path string, body io.Reader, contentType string) error {
	fullPath, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		os.Remove(fullPath)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Open reads an object back
func (fs *FilesystemStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, backend.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Copy duplicates an object, as the cleaning step does
func (fs *FilesystemStorage) Copy(ctx context.Context, from, to string) error {
	src, err := fs.Open(ctx, from)
	if err != nil {
		return err
	}
	defer src.Close()
	return fs.Upload(ctx, to, src, "")
}

// SignedURL returns a file:// URL valid for expiresIn
func (fs *FilesystemStorage) SignedURL(ctx context.Context, path string, expiresIn time.Duration) (string, error) {
	fullPath, err := fs.resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", backend.ErrObjectNotFound
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(fullPath),
		RawQuery: url.Values{"expires": {strconv.FormatInt(fs.now().Add(expiresIn).Unix(), 10)}}.Encode(),
	}
	return u.String(), nil
}

// Remove deletes objects; missing ones are ignored
func (fs *FilesystemStorage) Remove(ctx context.Context, paths ...string) error {
	var errs []error
	for _, p := range paths {
		fullPath, err := fs.resolve(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

