package supabase

import (
	"context"
	"fmt"
	"time"

	"github.com/supabase-community/postgrest-go"

	"github.com/killallgit/somleng/internal/backend"
	"github.com/killallgit/somleng/internal/models"
)

// Tables implements backend.Tables over PostgREST
type Tables struct {
	cfg    Config
	tokens TokenSource
}

var _ backend.Tables = (*Tables)(nil)

// projectInsert leaves id and timestamps to the database defaults
type projectInsert struct {
	Name        string               `json:"name"`
	Description *string              `json:"description,omitempty"`
	Status      models.ProjectStatus `json:"status"`
	CreatedBy   string               `json:"created_by"`
}

type audioFileInsert struct {
	ProjectID           string                     `json:"project_id"`
	FileName            string                     `json:"file_name"`
	FilePathRaw         string                     `json:"file_path_raw"`
	FileSize            int64                      `json:"file_size"`
	Duration            *float64                   `json:"duration,omitempty"`
	SampleRate          *int                       `json:"sample_rate,omitempty"`
	Channels            *int                       `json:"channels,omitempty"`
	BitDepth            *int                       `json:"bit_depth,omitempty"`
	Format              *string                    `json:"format,omitempty"`
	TranscriptionStatus models.TranscriptionStatus `json:"transcription_status"`
	CreatedBy           string                     `json:"created_by"`
}

// client builds a PostgREST client carrying the caller's token. The
// library shares headers across requests, so clients are not reused.
func (t *Tables) client(ctx context.Context) (*postgrest.Client, error) {
	headers, _, err := authHeaders(ctx, t.cfg, t.tokens)
	if err != nil {
		return nil, err
	}
	return postgrest.NewClient(t.cfg.URL+restPath, t.cfg.Schema, headers), nil
}

// InsertProject creates a project row
func (t *Tables) InsertProject(ctx context.Context, project *models.Project) (*models.Project, error) {
	c, err := t.client(ctx)
	if err != nil {
		return nil, err
	}
	payload := projectInsert{
		Name:        project.Name,
		Description: project.Description,
		Status:      project.Status,
		CreatedBy:   project.CreatedBy,
	}
	if payload.Status == "" {
		payload.Status = models.ProjectStatusDraft
	}

	var rows []models.Project
	if _, err := c.From(backend.TableProjects).Insert(payload, false, "", "representation", "").ExecuteTo(&rows); err != nil {
		return nil, classify(err, backend.ErrRowNotFound)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert into %s returned no rows", backend.TableProjects)
	}
	return &rows[0], nil
}

// UpdateProject applies fields to one project
func (t *Tables) UpdateProject(ctx context.Context, id string, fields map[string]any) (*models.Project, error) {
	c, err := t.client(ctx)
	if err != nil {
		return nil, err
	}
	var rows []models.Project
	if _, err := c.From(backend.TableProjects).Update(stamp(fields), "representation", "").Eq("id", id).ExecuteTo(&rows); err != nil {
		return nil, classify(err, backend.ErrRowNotFound)
	}
	if len(rows) == 0 {
		return nil, backend.ErrRowNotFound
	}
	return &rows[0], nil
}

// DeleteProject deletes one project; the database cascades to its files
func (t *Tables) DeleteProject(ctx context.Context, id string) error {
	c, err := t.client(ctx)
	if err != nil {
		return err
	}
	var rows []models.Project
	if _, err := c.From(backend.TableProjects).Delete("representation", "").Eq("id", id).ExecuteTo(&rows); err != nil {
		return classify(err, backend.ErrRowNotFound)
	}
	if len(rows) == 0 {
		return backend.ErrRowNotFound
	}
	return nil
}

// GetProject retrieves one project
func (t *Tables) GetProject(ctx context.Context, id string) (*models.Project, error) {
	c, err := t.client(ctx)
	if err != nil {
		return nil, err
	}
	var rows []models.Project
	if _, err := c.From(backend.TableProjects).Select("*", "", false).Eq("id", id).Limit(1, "").ExecuteTo(&rows); err != nil {
		return nil, classify(err, backend.ErrRowNotFound)
	}
	if len(rows) == 0 {
		return nil, backend.ErrRowNotFound
	}
	return &rows[0], nil
}

// ListProjects lists projects newest first
func (t *Tables) ListProjects(ctx context.Context, ownerID string) ([]models.Project, error) {
	c, err := t.client(ctx)
	if err != nil {
		return nil, err
	}
	query := c.From(backend.TableProjects).Select("*", "", false)
	if ownerID != "" {
		query = query.Eq("created_by", ownerID)
	}

	rows := []models.Project{}
	if _, err := query.Order("created_at", &postgrest.OrderOpts{Ascending: false}).ExecuteTo(&rows); err != nil {
		return nil, classify(err, backend.ErrRowNotFound)
	}
	return rows, nil
}

// InsertAudioFile creates an audio file row. Project counters are kept by
// a database trigger.
func (t *Tables) InsertAudioFile(ctx context.Context, file *models.AudioFile) (*models.AudioFile, error) {
	c, err := t.client(ctx)
	if err != nil {
		return nil, err
	}
	payload := audioFileInsert{
		ProjectID:           file.ProjectID,
		FileName:            file.FileName,
		FilePathRaw:         file.FilePathRaw,
		FileSize:            file.FileSize,
		Duration:            file.Duration,
		SampleRate:          file.SampleRate,
		Channels:            file.Channels,
		BitDepth:            file.BitDepth,
		Format:              file.Format,
		TranscriptionStatus: file.TranscriptionStatus,
		CreatedBy:           file.CreatedBy,
	}
	if payload.TranscriptionStatus == "" {
		payload.TranscriptionStatus = models.TranscriptionPending
	}

	var rows []models.AudioFile
	if _, err := c.From(backend.TableAudioFiles).Insert(payload, false, "", "representation", "").ExecuteTo(&rows); err != nil {
		return nil, classify(err, backend.ErrRowNotFound)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert into %s returned no rows", backend.TableAudioFiles)
	}
	return &rows[0], nil
}

// UpdateAudioFile applies fields to one audio file
func (t *Tables) UpdateAudioFile(ctx context.Context, id string, fields map[string]any) (*models.AudioFile, error) {
	c, err := t.client(ctx)
	if err != nil {
		return nil, err
	}
	var rows []models.AudioFile
	if _, err := c.From(backend.TableAudioFiles).Update(stamp(fields), "representation", "").Eq("id", id).ExecuteTo(&rows); err != nil {
		return nil, classify(err, backend.ErrRowNotFound)
	}
	if len(rows) == 0 {
		return nil, backend.ErrRowNotFound
	}
	return &rows[0], nil
}

// DeleteAudioFile deletes one audio file row
func (t *Tables) DeleteAudioFile(ctx context.Context, id string) error {
	c, err := t.client(ctx)
	if err != nil {
		return err
	}
	var rows []models.AudioFile
	if _, err := c.From(backend.TableAudioFiles).Delete("representation", "").Eq("id", id).ExecuteTo(&rows); err != nil {
		return classify(err, backend.ErrRowNotFound)
	}
	if len(rows) == 0 {
		return backend.ErrRowNotFound
	}
	return nil
}

// GetAudioFile retrieves one audio file
func (t *Tables) GetAudioFile(ctx context.Context, id string) (*models.AudioFile, error) {
	c, err := t.client(ctx)
	if err != nil {
		return nil, err
	}
	var rows []models.AudioFile
	if _, err := c.From(backend.TableAudioFiles).Select("*", "", false).Eq("id", id).Limit(1, "").ExecuteTo(&rows); err != nil {
		return nil, classify(err, backend.ErrRowNotFound)
	}
	if len(rows) == 0 {
		return nil, backend.ErrRowNotFound
	}
	return &rows[0], nil
}

// ListAudioFiles lists a project's files newest first
func (t *Tables) ListAudioFiles(ctx context.Context, projectID string) ([]models.AudioFile, error) {
	c, err := t.client(ctx)
	if err != nil {
		return nil, err
	}
	rows := []models.AudioFile{}
	_, err = c.From(backend.TableAudioFiles).
		Select("*", "", false).
		Eq("project_id", projectID).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify(err, backend.ErrRowNotFound)
	}
	return rows, nil
}

// stamp converts time values to RFC 3339 and drops nothing else
func stamp(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if ts, ok := v.(time.Time); ok {
			out[k] = ts.UTC().Format(time.RFC3339Nano)
			continue
		}
		out[k] = v
	}
	return out
}
