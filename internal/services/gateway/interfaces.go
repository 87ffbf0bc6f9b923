package gateway

import (
	"context"
	"time"

	"github.com/killallgit/somleng/internal/models"
)

// Unsubscribe stops a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// ContentURL is a signed, time-limited read URL for one audio variant
type ContentURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProjectHandlers receive project row changes. OnChange gets the full
// replacement snapshot; OnDelete gets the id of a removed project.
type ProjectHandlers struct {
	OnChange func(project models.Project)
	OnDelete func(id string)
}

// AudioFileHandlers receive per-row changes for one project's files
type AudioFileHandlers struct {
	OnInsert func(file models.AudioFile)
	OnUpdate func(file models.AudioFile)
	OnDelete func(id string)
}

// Gateway is the only component that talks to the backend. Every failure
// is an *errors.AppError: validation codes before any remote call, REMOTE,
// NOT_FOUND or UNAUTHORIZED after one.
type Gateway interface {
	// Projects
	CreateProject(ctx context.Context, name, description string) (*models.Project, error)
	UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]models.Project, error)

	// Audio files
	UploadAudioFile(ctx context.Context, projectID string, upload models.AudioUpload) (*models.AudioFile, error)
	ListAudioFiles(ctx context.Context, projectID string) ([]models.AudioFile, error)
	GetAudioFile(ctx context.Context, id string) (*models.AudioFile, error)
	UpdateAudioFileStatus(ctx context.Context, id string, status models.TranscriptionStatus, errorMessage *string) (*models.AudioFile, error)
	SaveTranscription(ctx context.Context, fileID, content string) (*models.AudioFile, error)
	DeleteAudioFile(ctx context.Context, id string) error
	ResolveContentURL(ctx context.Context, fileID string, variant models.Variant) (*ContentURL, error)

	// Processing
	TriggerProjectProcessing(ctx context.Context, projectID string) error

	// Change feed
	SubscribeProjectChanges(ctx context.Context, projectID string, handlers ProjectHandlers) (Unsubscribe, error)
	SubscribeAudioFileChanges(ctx context.Context, projectID string, handlers AudioFileHandlers) (Unsubscribe, error)

	// Identity
	CurrentUserID(ctx context.Context) (string, error)
}
