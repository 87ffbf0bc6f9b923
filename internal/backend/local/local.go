// Package local is an offline backend: sqlite rows, files on disk, an
// in-process change feed and a simulated processing pipeline.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/killallgit/somleng/internal/backend"
	"github.com/killallgit/somleng/internal/database"
)

// DefaultUserID owns everything created through the local backend
const DefaultUserID = "local-user"

// Config configures the local backend
type Config struct {
	DatabasePath    string
	StorageDir      string
	ProcessingDelay time.Duration
	UserID          string
	Verbose         bool
}

// Local owns the resources behind the local backend
type Local struct {
	db        *database.DB
	Repo      *Repository
	Storage   *FilesystemStorage
	Feed      *Broadcaster
	Processor *Processor
	userID    string
}

// New opens the database, migrates it and wires the pieces together
func New(cfg Config, transcriber Transcriber, logger zerolog.Logger) (*Local, error) {
	logger = logger.With().Str("component", "local-backend").Logger()

	db, err := database.Initialize(cfg.DatabasePath, cfg.Verbose)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	storage, err := NewFilesystemStorage(cfg.StorageDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	userID := cfg.UserID
	if userID == "" {
		userID = DefaultUserID
	}

	feed := NewBroadcaster(logger)
	repo := NewRepository(db.DB, feed)

	return &Local{
		db:        db,
		Repo:      repo,
		Storage:   storage,
		Feed:      feed,
		Processor: NewProcessor(repo, storage, transcriber, cfg.ProcessingDelay, logger),
		userID:    userID,
	}, nil
}

// Backend exposes the local pieces through the backend contract
func (l *Local) Backend() backend.Backend {
	return backend.Backend{
		Tables:     l.Repo,
		Objects:    l.Storage,
		Feed:       l.Feed,
		Processing: l.Processor,
		Identity:   l,
	}
}

// UserID implements backend.Identity with a fixed user
func (l *Local) UserID(ctx context.Context) (string, error) {
	return l.userID, nil
}

// Close stops background work and closes the database
func (l *Local) Close() error {
	l.Processor.Stop()
	l.Feed.CloseAll()
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("closing local backend: %w", err)
	}
	return nil
}
