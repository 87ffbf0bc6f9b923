// Package backend defines the contract the gateway is written against. Each
// implementation (hosted Supabase, local sqlite) provides rows, objects, a
// change feed, a processing trigger, and the identity of the signed-in user.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/killallgit/somleng/internal/models"
)

// Backend errors
var (
	ErrRowNotFound    = errors.New("row not found")
	ErrObjectNotFound = errors.New("object not found")
	ErrUnauthorized   = errors.New("unauthorized")
)

// Table names as they exist on the backend
const (
	TableProjects   = "projects"
	TableAudioFiles = "audio_files"
)

// Tables provides row access to projects and audio files
type Tables interface {
	InsertProject(ctx context.Context, project *models.Project) (*models.Project, error)
	UpdateProject(ctx context.Context, id string, fields map[string]any) (*models.Project, error)
	DeleteProject(ctx context.Context, id string) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	// ListProjects returns projects newest first; an empty owner lists all
	// projects visible to the session.
	ListProjects(ctx context.Context, ownerID string) ([]models.Project, error)

	InsertAudioFile(ctx context.Context, file *models.AudioFile) (*models.AudioFile, error)
	UpdateAudioFile(ctx context.Context, id string, fields map[string]any) (*models.AudioFile, error)
	DeleteAudioFile(ctx context.Context, id string) error
	GetAudioFile(ctx context.Context, id string) (*models.AudioFile, error)
	// ListAudioFiles returns the project's files newest first
	ListAudioFiles(ctx context.Context, projectID string) ([]models.AudioFile, error)
}

// ObjectStore stores audio blobs and issues time-limited read URLs
type ObjectStore interface {
	Upload(ctx context.Context, path string, body io.Reader, contentType string) error
	SignedURL(ctx context.Context, path string, expiresIn time.Duration) (string, error)
	Remove(ctx context.Context, paths ...string) error
}

// ChangeType is the kind of row change carried by a change event
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Filter selects the rows a subscription observes: Column = Value
type Filter struct {
	Table  string
	Column string
	Value  string
}

// ChangeEvent is one row-level change. Record holds the new row (absent on
// delete); OldRecord holds the previous row where the backend provides it.
type ChangeEvent struct {
	Table           string          `json:"table"`
	Type            ChangeType      `json:"type"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
}

// ChangeFeed opens change subscriptions. deliver is called sequentially in
// commit order for one subscription; Close stops delivery.
type ChangeFeed interface {
	Subscribe(ctx context.Context, filter Filter, deliver func(ChangeEvent)) (io.Closer, error)
}

// ProcessingTrigger asks the processing pipeline to work on a project.
// A nil error means accepted, not completed.
type ProcessingTrigger interface {
	TriggerProjectProcessing(ctx context.Context, projectID string) error
}

// Identity resolves the signed-in user
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// Backend bundles everything the gateway needs
type Backend struct {
	Tables     Tables
	Objects    ObjectStore
	Feed       ChangeFeed
	Processing ProcessingTrigger
	Identity   Identity
}
