// Package actions runs the multi-step user workflows: transcribing one
// file, processing a whole project, and bulk uploads.
package actions

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/killallgit/somleng/internal/models"
	"github.com/killallgit/somleng/internal/services/gateway"
	"github.com/killallgit/somleng/internal/services/store"
	apperrors "github.com/killallgit/somleng/pkg/errors"
	"github.com/killallgit/somleng/pkg/ffmpeg"
)

// Transcriber turns WAV audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, fileName string, audio []byte) (string, error)
}

// ContentFetcher downloads a file's audio, preferring the given variant
type ContentFetcher interface {
	Fetch(ctx context.Context, file models.AudioFile, variant models.Variant) ([]byte, models.Variant, error)
}

// Prober reads audio metadata from an in-memory file
type Prober interface {
	ProbeBytes(ctx context.Context, name string, data []byte) (*ffmpeg.AudioMetadata, error)
}

// Config tunes the orchestrator
type Config struct {
	UploadConcurrency int     // parallel uploads in a batch, default 3
	UploadRate        float64 // uploads started per second, 0 = unlimited
	MaxUploadSize     int64   // per-file byte limit, 0 = unlimited
}

// Dependencies are the collaborators an Orchestrator drives. Transcriber
// and Prober are optional.
type Dependencies struct {
	Store       *store.Store
	Gateway     gateway.Gateway
	Content     ContentFetcher
	Transcriber Transcriber
	Prober      Prober
}

// Orchestrator is safe for concurrent use
type Orchestrator struct {
	store       *store.Store
	gw          gateway.Gateway
	content     ContentFetcher
	transcriber Transcriber
	prober      Prober
	cfg         Config
	logger      zerolog.Logger

	processing atomic.Bool

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates an orchestrator
func New(deps Dependencies, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 3
	}
	return &Orchestrator{
		store:       deps.Store,
		gw:          deps.Gateway,
		content:     deps.Content,
		transcriber: deps.Transcriber,
		prober:      deps.Prober,
		cfg:         cfg,
		logger:      logger.With().Str("component", "actions").Logger(),
		inFlight:    make(map[string]struct{}),
	}
}

// ProcessOne transcribes a single held file: it marks the file processing,
// fetches its audio (cleaned when available), transcribes it and saves the
// text. A failure after the first step marks the file failed.
func (o *Orchestrator) ProcessOne(ctx context.Context, fileID string) (*models.AudioFile, error) {
	file, ok := o.store.AudioFile(fileID)
	if !ok {
		return nil, apperrors.NotFound("audio file", fileID)
	}
	switch file.TranscriptionStatus {
	case models.TranscriptionProcessing:
		return nil, apperrors.AlreadyInProgress("transcription").WithDetail("file_id", fileID)
	case models.TranscriptionCompleted:
		return nil, apperrors.Newf(apperrors.ErrCodeConflict, "audio file %s is already transcribed", fileID)
	}
	if o.transcriber == nil {
		return nil, apperrors.ConfigError("asr.url", "no transcription service configured")
	}

	if !o.claim(fileID) {
		return nil, apperrors.AlreadyInProgress("transcription").WithDetail("file_id", fileID)
	}
	defer o.release(fileID)

	logger := o.logger.With().Str("file_id", fileID).Logger()

	updated, err := o.gw.UpdateAudioFileStatus(ctx, fileID, models.TranscriptionProcessing, nil)
	if err != nil {
		return nil, err
	}
	o.store.ApplyFile(*updated)

	audio, variant, err := o.content.Fetch(ctx, *updated, models.VariantCleaned)
	if err != nil {
		return nil, o.fail(ctx, fileID, err)
	}
	logger.Debug().Str("variant", string(variant)).Int("bytes", len(audio)).Msg("Fetched audio for transcription")

	text, err := o.transcriber.Transcribe(ctx, updated.FileName, audio)
	if err != nil {
		return nil, o.fail(ctx, fileID, apperrors.RemoteError("transcribe", err))
	}

	saved, err := o.gw.SaveTranscription(ctx, fileID, text)
	if err != nil {
		return nil, o.fail(ctx, fileID, err)
	}
	o.store.ApplyFile(*saved)
	logger.Info().Int("chars", len(text)).Msg("Transcription saved")
	return saved, nil
}

// fail records cause on the file and returns it. Marking goes ahead even
// when ctx has been cancelled.
func (o *Orchestrator) fail(ctx context.Context, fileID string, cause error) error {
	msg := cause.Error()
	failed, err := o.gw.UpdateAudioFileStatus(context.WithoutCancel(ctx), fileID, models.TranscriptionFailed, &msg)
	if err != nil {
		o.logger.Warn().Err(err).Str("file_id", fileID).Msg("Failed to mark audio file failed")
		return cause
	}
	o.store.ApplyFile(*failed)
	return cause
}

func (o *Orchestrator) claim(fileID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[fileID]; busy {
		return false
	}
	o.inFlight[fileID] = struct{}{}
	return true
}

func (o *Orchestrator) release(fileID string) {
	o.mu.Lock()
	delete(o.inFlight, fileID)
	o.mu.Unlock()
}

// ProcessResult reports what ProcessAll did
type ProcessResult struct {
	NothingToDo bool
	Candidates  int
	Marked      []string
}

// ProcessAll asks the backend to process every pending or failed file in
// files. Held files are marked processing first; if the trigger fails,
// those still processing go back to pending. Completion arrives later
// through the store's change feed.
func (o *Orchestrator) ProcessAll(ctx context.Context, projectID string, files []models.AudioFile) (*ProcessResult, error) {
	var candidates []models.AudioFile
	for _, f := range files {
		if f.TranscriptionStatus.Processable() {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		o.logger.Info().Str("project_id", projectID).Msg("Nothing to process")
		return &ProcessResult{NothingToDo: true}, nil
	}

	if !o.processing.CompareAndSwap(false, true) {
		return nil, apperrors.AlreadyInProgress("project processing").WithDetail("project_id", projectID)
	}
	defer o.processing.Store(false)

	var marked []string
	for _, f := range candidates {
		if o.store.MarkStatus(f.ID, f.TranscriptionStatus, models.TranscriptionProcessing) {
			marked = append(marked, f.ID)
		}
	}

	if err := o.gw.TriggerProjectProcessing(ctx, projectID); err != nil {
		reverted := 0
		for _, id := range marked {
			if o.store.MarkStatus(id, models.TranscriptionProcessing, models.TranscriptionPending) {
				reverted++
			}
		}
		o.logger.Warn().Err(err).Str("project_id", projectID).Int("reverted", reverted).Msg("Processing trigger failed")
		return nil, err
	}

	o.logger.Info().Str("project_id", projectID).Int("files", len(candidates)).Msg("Processing started")
	return &ProcessResult{Candidates: len(candidates), Marked: marked}, nil
}
