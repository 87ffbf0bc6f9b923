// Package session keeps the signed-in user's credentials and the
// session-scoped URL cache in one bbolt file. Logging out wipes both.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/killallgit/somleng/internal/services/cache"
	apperrors "github.com/killallgit/somleng/pkg/errors"
)

var (
	authBucket  = []byte("auth")
	credsKey    = []byte("credentials")
	cacheBucket = "urls"
)

// Credentials is what a successful login leaves behind
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
}

// Session is a handle on the session file
type Session struct {
	db     *bolt.DB
	cache  *cache.BoltCache
	logger zerolog.Logger
	now    func() time.Time

	mu sync.RWMutex
}

// Open opens (or creates) the session file at path
func Open(path string, logger zerolog.Logger) (*Session, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize session file: %w", err)
	}

	urls, err := cache.NewBoltCache(db, cacheBucket)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Session{
		db:     db,
		cache:  urls,
		logger: logger.With().Str("component", "session").Logger(),
		now:    time.Now,
	}, nil
}

// Close releases the session file
func (s *Session) Close() error {
	return s.db.Close()
}

// Cache returns the session-scoped key-value store
func (s *Session) Cache() cache.Cache {
	return s.cache
}

// Save replaces the stored credentials
func (s *Session) Save(creds Credentials) error {
	if creds.AccessToken == "" {
		return apperrors.MissingFieldError("access_token")
	}

	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Put(credsKey, data)
	})
}

// Credentials returns the stored credentials, or Unauthorized when nobody
// is signed in.
func (s *Session) Credentials() (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var creds *Credentials
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(authBucket).Get(credsKey)
		if data == nil {
			return nil
		}
		creds = &Credentials{}
		return json.Unmarshal(data, creds)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	if creds == nil {
		return nil, apperrors.Unauthorized("not signed in")
	}
	return creds, nil
}

// AccessToken returns a bearer token that has not expired
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	creds, err := s.Credentials()
	if err != nil {
		return "", err
	}

	now := s.now()
	claims, err := ParseClaims(creds.AccessToken, now)
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "", apperrors.Unauthorized("session expired, sign in again")
	case err != nil:
		// opaque tokens fall back to the expiry recorded at login
		if !creds.ExpiresAt.IsZero() && !now.Before(creds.ExpiresAt) {
			return "", apperrors.Unauthorized("session expired, sign in again")
		}
		return creds.AccessToken, nil
	}

	if claims.ExpiresAt == nil && !creds.ExpiresAt.IsZero() && !now.Before(creds.ExpiresAt) {
		return "", apperrors.Unauthorized("session expired, sign in again")
	}
	return creds.AccessToken, nil
}

// UserID returns the signed-in user's id, preferring the token subject
func (s *Session) UserID(ctx context.Context) (string, error) {
	creds, err := s.Credentials()
	if err != nil {
		return "", err
	}
	if claims, err := ParseClaims(creds.AccessToken, s.now()); err == nil && claims.Subject != "" {
		return claims.Subject, nil
	}
	if creds.UserID == "" {
		return "", apperrors.Unauthorized("session has no user")
	}
	return creds.UserID, nil
}

// Logout drops the credentials and every cached URL so nothing leaks to the
// next user of this machine.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Delete(credsKey)
	})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}

	if err := s.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear url cache: %w", err)
	}

	s.logger.Info().Msg("Signed out, session cache cleared")
	return nil
}
