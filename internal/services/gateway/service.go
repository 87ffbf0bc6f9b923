// Package gateway translates the client's project and audio-file operations
// into backend calls and normalizes the results.
package gateway

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/killallgit/somleng/internal/backend"
	"github.com/killallgit/somleng/internal/models"
	apperrors "github.com/killallgit/somleng/pkg/errors"
)

// DefaultSignedURLTTL matches the storage service's default signed URL lifetime
const DefaultSignedURLTTL = time.Hour

// Config tunes the gateway
type Config struct {
	SignedURLTTL time.Duration
}

// Service implements Gateway over a backend.Backend
type Service struct {
	backend backend.Backend
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewService creates a gateway over b
func NewService(b backend.Backend, cfg Config, logger zerolog.Logger) *Service {
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	return &Service{
		backend: b,
		ttl:     ttl,
		logger:  logger.With().Str("component", "gateway").Logger(),
		now:     time.Now,
	}
}

var _ Gateway = (*Service)(nil)

// CreateProject creates a draft project owned by the signed-in user
func (s *Service) CreateProject(ctx context.Context, name, description string) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.ValidationError("name", "project name cannot be empty")
	}

	owner, err := s.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}

	project := &models.Project{
		Name:      name,
		Status:    models.ProjectStatusDraft,
		CreatedBy: owner,
	}
	if description = strings.TrimSpace(description); description != "" {
		project.Description = &description
	}

	created, err := s.backend.Tables.InsertProject(ctx, project)
	if err != nil {
		return nil, normalize("create project", "project", "", err)
	}

	s.logger.Info().Str("project_id", created.ID).Str("name", created.Name).Msg("Created project")
	return created, nil
}

// UpdateProject applies a partial update
func (s *Service) UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error) {
	if id == "" {
		return nil, apperrors.MissingFieldError("id")
	}
	if patch.IsEmpty() {
		return nil, apperrors.ValidationError("patch", "nothing to update")
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, apperrors.ValidationError("name", "project name cannot be empty")
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, apperrors.ValidationError("status", fmt.Sprintf("unknown project status %q", *patch.Status))
	}
	if patch.Progress != nil && (*patch.Progress < 0 || *patch.Progress > 100) {
		return nil, apperrors.ValidationError("progress", "must be between 0 and 100")
	}

	fields := patch.Fields()
	fields["updated_at"] = s.now().UTC()

	updated, err := s.backend.Tables.UpdateProject(ctx, id, fields)
	if err != nil {
		return nil, normalize("update project", "project", id, err)
	}
	return updated, nil
}

// DeleteProject deletes the project; its files cascade on the backend
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.MissingFieldError("id")
	}
	if err := s.backend.Tables.DeleteProject(ctx, id); err != nil {
		return normalize("delete project", "project", id, err)
	}
	s.logger.Info().Str("project_id", id).Msg("Deleted project")
	return nil
}

// GetProject fetches one project
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	if id == "" {
		return nil, apperrors.MissingFieldError("id")
	}
	project, err := s.backend.Tables.GetProject(ctx, id)
	if err != nil {
		return nil, normalize("get project", "project", id, err)
	}
	return project, nil
}

// ListProjects lists projects newest first. An empty owner lists every
// project the session can see.
func (s *Service) ListProjects(ctx context.Context, ownerID string) ([]models.Project, error) {
	projects, err := s.backend.Tables.ListProjects(ctx, ownerID)
	if err != nil {
		return nil, normalize("list projects", "project", ownerID, err)
	}
	return projects, nil
}

// UploadAudioFile stores the bytes, then records the row. When the insert
// fails after the blob was stored the blob is left behind and the whole
// call reports one remote error.
func (s *Service) UploadAudioFile(ctx context.Context, projectID string, upload models.AudioUpload) (*models.AudioFile, error) {
	if projectID == "" {
		return nil, apperrors.MissingFieldError("project_id")
	}
	fileName := filepath.Base(strings.TrimSpace(upload.FileName))
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		return nil, apperrors.MissingFieldError("file_name")
	}
	if upload.Body == nil {
		return nil, apperrors.MissingFieldError("body")
	}

	owner, err := s.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}

	path := StoragePath(projectID, fileName, s.now())
	contentType := upload.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(fileName)
	}

	if err := s.backend.Objects.Upload(ctx, path, upload.Body, contentType); err != nil {
		return nil, normalize("upload audio", "project", projectID, err)
	}

	file := &models.AudioFile{
		ProjectID:           projectID,
		FileName:            fileName,
		FilePathRaw:         path,
		FileSize:            upload.Size,
		Duration:            upload.Duration,
		SampleRate:          upload.SampleRate,
		Channels:            upload.Channels,
		BitDepth:            upload.BitDepth,
		TranscriptionStatus: models.TranscriptionPending,
		CreatedBy:           owner,
	}
	if format := FormatOf(fileName); format != "" {
		file.Format = &format
	}

	created, err := s.backend.Tables.InsertAudioFile(ctx, file)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("project_id", projectID).
			Str("path", path).
			Msg("Audio row insert failed after upload, blob left orphaned")
		return nil, apperrors.RemoteError("upload audio", err).WithDetail("orphaned_path", path)
	}

	s.logger.Info().
		Str("project_id", projectID).
		Str("file_id", created.ID).
		Int64("size", created.FileSize).
		Msg("Uploaded audio file")
	return created, nil
}

// ListAudioFiles lists a project's files newest first
func (s *Service) ListAudioFiles(ctx context.Context, projectID string) ([]models.AudioFile, error) {
	if projectID == "" {
		return nil, apperrors.MissingFieldError("project_id")
	}
	files, err := s.backend.Tables.ListAudioFiles(ctx, projectID)
	if err != nil {
		return nil, normalize("list audio files", "project", projectID, err)
	}
	return files, nil
}

// GetAudioFile fetches one audio file
func (s *Service) GetAudioFile(ctx context.Context, id string) (*models.AudioFile, error) {
	if id == "" {
		return nil, apperrors.MissingFieldError("id")
	}
	file, err := s.backend.Tables.GetAudioFile(ctx, id)
	if err != nil {
		return nil, normalize("get audio file", "audio file", id, err)
	}
	return file, nil
}

// UpdateAudioFileStatus moves a file along its transcription lifecycle.
// Illegal transitions are rejected with a conflict.
func (s *Service) UpdateAudioFileStatus(ctx context.Context, id string, status models.TranscriptionStatus, errorMessage *string) (*models.AudioFile, error) {
	if id == "" {
		return nil, apperrors.MissingFieldError("id")
	}
	if !status.Valid() {
		return nil, apperrors.ValidationError("transcription_status", fmt.Sprintf("unknown status %q", status))
	}

	current, err := s.GetAudioFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.TranscriptionStatus.CanTransitionTo(status) {
		return nil, apperrors.Newf(apperrors.ErrCodeConflict,
			"audio file cannot move from %s to %s", current.TranscriptionStatus, status).
			WithDetail("id", id)
	}

	now := s.now().UTC()
	fields := map[string]any{
		"transcription_status": string(status),
		"updated_at":           now,
	}
	switch status {
	case models.TranscriptionProcessing:
		fields["processing_started_at"] = now
		fields["processing_completed_at"] = nil
		fields["error_message"] = nil
	case models.TranscriptionFailed:
		fields["processing_completed_at"] = now
		fields["error_message"] = errorMessage
	case models.TranscriptionPending:
		fields["processing_started_at"] = nil
		fields["error_message"] = nil
	case models.TranscriptionCompleted:
		fields["processing_completed_at"] = now
	}

	updated, err := s.backend.Tables.UpdateAudioFile(ctx, id, fields)
	if err != nil {
		return nil, normalize("update audio file status", "audio file", id, err)
	}

	s.logger.Debug().Str("file_id", id).Str("status", string(status)).Msg("Updated transcription status")
	return updated, nil
}

// SaveTranscription stores edited content and marks the file completed
func (s *Service) SaveTranscription(ctx context.Context, fileID, content string) (*models.AudioFile, error) {
	if fileID == "" {
		return nil, apperrors.MissingFieldError("id")
	}

	now := s.now().UTC()
	updated, err := s.backend.Tables.UpdateAudioFile(ctx, fileID, map[string]any{
		"transcription_status":    string(models.TranscriptionCompleted),
		"transcription_content":   content,
		"error_message":           nil,
		"processing_completed_at": now,
		"updated_at":              now,
	})
	if err != nil {
		return nil, normalize("save transcription", "audio file", fileID, err)
	}
	return updated, nil
}

// DeleteAudioFile removes the row, then its blobs. Blob removal failures
// are logged only; the row is what listings show.
func (s *Service) DeleteAudioFile(ctx context.Context, id string) error {
	file, err := s.GetAudioFile(ctx, id)
	if err != nil {
		return err
	}

	if err := s.backend.Tables.DeleteAudioFile(ctx, id); err != nil {
		return normalize("delete audio file", "audio file", id, err)
	}

	paths := []string{file.FilePathRaw}
	if file.HasCleaned() {
		paths = append(paths, *file.FilePathCleaned)
	}
	if err := s.backend.Objects.Remove(ctx, paths...); err != nil {
		s.logger.Warn().Err(err).Strs("paths", paths).Msg("Failed to remove audio blobs")
	}

	s.logger.Info().Str("file_id", id).Msg("Deleted audio file")
	return nil
}

// ResolveContentURL issues a signed URL for one variant. A variant the
// backend has not recorded a path for is NotFound.
func (s *Service) ResolveContentURL(ctx context.Context, fileID string, variant models.Variant) (*ContentURL, error) {
	if !variant.Valid() {
		return nil, apperrors.ValidationError("variant", fmt.Sprintf("unknown variant %q", variant))
	}

	file, err := s.GetAudioFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	path := file.PathFor(variant)
	if path == "" {
		return nil, apperrors.NotFound(string(variant)+" audio", fileID).WithDetail("operation", "resolve content url")
	}

	issued := s.now()
	url, err := s.backend.Objects.SignedURL(ctx, path, s.ttl)
	if err != nil {
		return nil, normalize("resolve content url", string(variant)+" audio", fileID, err)
	}

	return &ContentURL{URL: url, ExpiresAt: issued.Add(s.ttl)}, nil
}

// TriggerProjectProcessing asks the pipeline to process the project. Success
// means accepted; status changes arrive through the change feed.
func (s *Service) TriggerProjectProcessing(ctx context.Context, projectID string) error {
	if projectID == "" {
		return apperrors.MissingFieldError("project_id")
	}
	if err := s.backend.Processing.TriggerProjectProcessing(ctx, projectID); err != nil {
		return normalize("trigger processing", "project", projectID, err)
	}
	s.logger.Info().Str("project_id", projectID).Msg("Processing triggered")
	return nil
}

// SubscribeProjectChanges streams snapshots of one project row
func (s *Service) SubscribeProjectChanges(ctx context.Context, projectID string, handlers ProjectHandlers) (Unsubscribe, error) {
	if projectID == "" {
		return nil, apperrors.MissingFieldError("project_id")
	}

	sub := newSubscription("project:"+projectID, s.logger)
	handle := func(event backend.ChangeEvent) error {
		switch event.Type {
		case backend.ChangeDelete:
			id, err := deletedID(event)
			if err != nil {
				return err
			}
			if handlers.OnDelete != nil {
				handlers.OnDelete(id)
			}
		default:
			var project models.Project
			if err := decodeRecord(event, &project); err != nil {
				return err
			}
			if handlers.OnChange != nil {
				handlers.OnChange(project)
			}
		}
		return nil
	}

	filter := backend.Filter{Table: backend.TableProjects, Column: "id", Value: projectID}
	closer, err := s.backend.Feed.Subscribe(ctx, filter, func(event backend.ChangeEvent) {
		sub.deliver(event, handle)
	})
	if err != nil {
		return nil, normalize("subscribe project changes", "project", projectID, err)
	}
	sub.closer = closer

	return sub.dispose, nil
}

// SubscribeAudioFileChanges streams insert/update/delete events for the
// project's files
func (s *Service) SubscribeAudioFileChanges(ctx context.Context, projectID string, handlers AudioFileHandlers) (Unsubscribe, error) {
	if projectID == "" {
		return nil, apperrors.MissingFieldError("project_id")
	}

	sub := newSubscription("audio_files:"+projectID, s.logger)
	handle := func(event backend.ChangeEvent) error {
		switch event.Type {
		case backend.ChangeInsert, backend.ChangeUpdate:
			var file models.AudioFile
			if err := decodeRecord(event, &file); err != nil {
				return err
			}
			if file.ID == "" {
				return fmt.Errorf("%s event without an id", event.Type)
			}
			if event.Type == backend.ChangeInsert {
				if handlers.OnInsert != nil {
					handlers.OnInsert(file)
				}
			} else if handlers.OnUpdate != nil {
				handlers.OnUpdate(file)
			}
		case backend.ChangeDelete:
			id, err := deletedID(event)
			if err != nil {
				return err
			}
			if handlers.OnDelete != nil {
				handlers.OnDelete(id)
			}
		default:
			return fmt.Errorf("unknown change type %q", event.Type)
		}
		return nil
	}

	filter := backend.Filter{Table: backend.TableAudioFiles, Column: "project_id", Value: projectID}
	closer, err := s.backend.Feed.Subscribe(ctx, filter, func(event backend.ChangeEvent) {
		sub.deliver(event, handle)
	})
	if err != nil {
		return nil, normalize("subscribe audio file changes", "project", projectID, err)
	}
	sub.closer = closer

	return sub.dispose, nil
}

// CurrentUserID resolves the signed-in user
func (s *Service) CurrentUserID(ctx context.Context) (string, error) {
	if s.backend.Identity == nil {
		return "", apperrors.Unauthorized("no identity provider configured")
	}
	id, err := s.backend.Identity.UserID(ctx)
	if err != nil {
		return "", normalize("resolve user", "user", "", err)
	}
	return id, nil
}

// StoragePath derives the object path for an upload
func StoragePath(projectID, fileName string, at time.Time) string {
	return fmt.Sprintf("%s/%d-%s", projectID, at.UnixMilli(), fileName)
}

// FormatOf returns the lower-case extension without the dot
func FormatOf(fileName string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
}

// ContentTypeFor guesses an upload content type from the extension
func ContentTypeFor(fileName string) string {
	switch FormatOf(fileName) {
	case "wav":
		return "audio/wav"
	case "":
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(filepath.Ext(fileName)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
