package supabase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	storage_go "github.com/supabase-community/storage-go"

	"github.com/killallgit/somleng/internal/backend"
)

// DefaultBucket holds every uploaded recording
const DefaultBucket = "audio-files"

// Objects implements backend.ObjectStore over Supabase Storage
type Objects struct {
	cfg    Config
	tokens TokenSource
}

var _ backend.ObjectStore = (*Objects)(nil)

func (o *Objects) bucket() string {
	if o.cfg.Bucket == "" {
		return DefaultBucket
	}
	return o.cfg.Bucket
}

// client builds a storage client for one call; upload options are written
// into the client's shared headers.
func (o *Objects) client(ctx context.Context) (*storage_go.Client, error) {
	token, err := o.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return storage_go.NewClient(o.cfg.URL+storagePath, token, map[string]string{"apikey": o.cfg.AnonKey}), nil
}

// Upload stores body under path without overwriting
func (o *Objects) Upload(ctx context.Context, path string, body io.Reader, contentType string) error {
	c, err := o.client(ctx)
	if err != nil {
		return err
	}
	upsert := false
	opts := storage_go.FileOptions{Upsert: &upsert}
	if contentType != "" {
		opts.ContentType = &contentType
	}
	if _, err := c.UploadFile(o.bucket(), path, body, opts); err != nil {
		return storageError("upload", err)
	}
	return nil
}

// SignedURL issues a read URL valid for expiresIn
func (o *Objects) SignedURL(ctx context.Context, path string, expiresIn time.Duration) (string, error) {
	c, err := o.client(ctx)
	if err != nil {
		return "", err
	}
	seconds := int(expiresIn / time.Second)
	if seconds <= 0 {
		seconds = 60
	}
	resp, err := c.CreateSignedUrl(o.bucket(), path, seconds)
	if err != nil {
		return "", storageError("sign", err)
	}
	return resp.SignedURL, nil
}

// Remove deletes objects by path
func (o *Objects) Remove(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	c, err := o.client(ctx)
	if err != nil {
		return err
	}
	if _, err := c.RemoveFile(o.bucket(), paths); err != nil {
		return storageError("remove", err)
	}
	return nil
}

func storageError(op string, err error) error {
	var se *storage_go.StorageError
	if errors.As(err, &se) {
		switch se.Status {
		case 401, 403:
			return &wrapped{sentinel: backend.ErrUnauthorized, cause: err}
		case 404:
			return &wrapped{sentinel: backend.ErrObjectNotFound, cause: err}
		}
	}
	if sentinel := match(err, backend.ErrObjectNotFound); sentinel != nil {
		return &wrapped{sentinel: sentinel, cause: err}
	}
	return fmt.Errorf("storage %s: %w", op, err)
}
