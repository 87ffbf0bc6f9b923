package local

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/killallgit/somleng/internal/backend"
	"github.com/killallgit/somleng/internal/models"
)

// Transcriber turns audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, fileName string, audio []byte) (string, error)
}

// Processor runs the cleaning and transcription pipeline in the background.
// A trigger only queues the run; progress shows up as row updates on the
// change feed.
type Processor struct {
	repo        *Repository
	storage     *FilesystemStorage
	transcriber Transcriber
	delay       time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewProcessor creates a pipeline runner. transcriber may be nil, in which
// case every file ends up failed.
func NewProcessor(repo *Repository, storage *FilesystemStorage, transcriber Transcriber, delay time.Duration, logger zerolog.Logger) *Processor {
	return &Processor{
		repo:        repo,
		storage:     storage,
		transcriber: transcriber,
		delay:       delay,
		logger:      logger,
		running:     make(map[string]bool),
		stopCh:      make(chan struct{}),
	}
}

var _ backend.ProcessingTrigger = (*Processor)(nil)

// TriggerProjectProcessing accepts a run for the project
func (p *Processor) TriggerProjectProcessing(ctx context.Context, projectID string) error {
	if _, err := p.repo.GetProject(ctx, projectID); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("processor stopped")
	}
	if p.running[projectID] {
		return fmt.Errorf("project %s is already being processed", projectID)
	}
	p.running[projectID] = true

	p.wg.Add(1)
	go p.run(projectID)
	return nil
}

// Wait blocks until every accepted run has finished
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Stop cancels pending runs and waits for them to return
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Processor) run(projectID string) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.running, projectID)
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger := p.logger.With().Str("project_id", projectID).Logger()
	if err := p.processProject(ctx, projectID, logger); err != nil {
		logger.Error().Err(err).Msg("Processing run failed")
	}
}

func (p *Processor) processProject(ctx context.Context, projectID string, logger zerolog.Logger) error {
	if _, err := p.repo.UpdateProject(ctx, projectID, map[string]any{
		"status":   string(models.ProjectStatusInProgress),
		"progress": 0,
	}); err != nil {
		return fmt.Errorf("marking project in progress: %w", err)
	}

	files, err := p.repo.ListAudioFiles(ctx, projectID)
	if err != nil {
		return err
	}

	var queue []models.AudioFile
	for _, f := range files {
		if f.TranscriptionStatus.Processable() {
			queue = append(queue, f)
		}
	}
	logger.Info().Int("files", len(queue)).Msg("Processing project")

	failed := 0
	for i, file := range queue {
		if err := p.sleep(ctx); err != nil {
			return err
		}
		if err := p.processFile(ctx, file); err != nil {
			failed++
			logger.Warn().Err(err).Str("file_id", file.ID).Msg("File failed")
			// recorded even when the run is being stopped
			if _, markErr := p.repo.UpdateAudioFile(context.WithoutCancel(ctx), file.ID, map[string]any{
				"transcription_status":    string(models.TranscriptionFailed),
				"error_message":           err.Error(),
				"processing_completed_at": time.Now().UTC(),
			}); markErr != nil {
				logger.Error().Err(markErr).Str("file_id", file.ID).Msg("Failed to mark file failed")
			}
		}

		progress := (i + 1) * 100 / len(queue)
		if _, err := p.repo.UpdateProject(ctx, projectID, map[string]any{"progress": progress}); err != nil {
			return fmt.Errorf("updating progress: %w", err)
		}
	}

	final := models.ProjectStatusCompleted
	if failed > 0 {
		final = models.ProjectStatusArchived
	}
	_, err = p.repo.UpdateProject(ctx, projectID, map[string]any{
		"status":   string(final),
		"progress": 100,
	})
	logger.Info().Int("failed", failed).Str("status", string(final)).Msg("Processing finished")
	return err
}

func (p *Processor) processFile(ctx context.Context, file models.AudioFile) error {
	if _, err := p.repo.UpdateAudioFile(ctx, file.ID, map[string]any{
		"transcription_status":  string(models.TranscriptionProcessing),
		"processing_started_at": time.Now().UTC(),
		"error_message":         nil,
	}); err != nil {
		return err
	}

	cleaned := CleanedPath(file.FilePathRaw)
	if err := p.storage.Copy(ctx, file.FilePathRaw, cleaned); err != nil {
		return fmt.Errorf("cleaning audio: %w", err)
	}
	if _, err := p.repo.UpdateAudioFile(ctx, file.ID, map[string]any{"file_path_cleaned": cleaned}); err != nil {
		return err
	}

	if p.transcriber == nil {
		return fmt.Errorf("no transcription service configured")
	}

	rc, err := p.storage.Open(ctx, cleaned)
	if err != nil {
		return err
	}
	audio, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("reading cleaned audio: %w", err)
	}

	text, err := p.transcriber.Transcribe(ctx, file.FileName, audio)
	if err != nil {
		return fmt.Errorf("transcribing: %w", err)
	}

	_, err = p.repo.UpdateAudioFile(ctx, file.ID, map[string]any{
		"transcription_status":    string(models.TranscriptionCompleted),
		"transcription_content":   text,
		"processing_completed_at": time.Now().UTC(),
	})
	return err
}

func (p *Processor) sleep(ctx context.Context) error {
	if p.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CleanedPath names the cleaned rendition next to the raw one:
// p1/123-a.wav -> p1/123-a_cleaned.wav
func CleanedPath(raw string) string {
	ext := path.Ext(raw)
	return strings.TrimSuffix(raw, ext) + "_cleaned" + ext
}
