package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/killallgit/somleng/internal/backend"
	"github.com/killallgit/somleng/internal/models"
)

// Repository implements backend.Tables on sqlite. Every committed write is
// published to the broadcaster while the write lock is held, so subscribers
// see changes in commit order.
type Repository struct {
	db    *gorm.DB
	feed  *Broadcaster
	write sync.Mutex
}

// NewRepository creates a repository that publishes to feed
func NewRepository(db *gorm.DB, feed *Broadcaster) *Repository {
	return &Repository{db: db, feed: feed}
}

var _ backend.Tables = (*Repository)(nil)

// InsertProject creates a project with a fresh id
func (r *Repository) InsertProject(ctx context.Context, project *models.Project) (*models.Project, error) {
	row := *project
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Status == "" {
		row.Status = models.ProjectStatusDraft
	}

	r.write.Lock()
	defer r.write.Unlock()

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	r.publish(backend.TableProjects, backend.ChangeInsert, &row, nil)
	return &row, nil
}

// UpdateProject applies fields to one project
func (r *Repository) UpdateProject(ctx context.Context, id string, fields map[string]any) (*models.Project, error) {
	r.write.Lock()
	defer r.write.Unlock()

	old, err := r.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}

	result := r.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return nil, fmt.Errorf("updating project: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, backend.ErrRowNotFound
	}

	updated, err := r.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	r.publish(backend.TableProjects, backend.ChangeUpdate, updated, old)
	return updated, nil
}

// DeleteProject deletes a project and cascades to its audio files
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	r.write.Lock()
	defer r.write.Unlock()

	project, err := r.GetProject(ctx, id)
	if err != nil {
		return err
	}

	var files []models.AudioFile
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Find(&files).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&models.AudioFile{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Project{}).Error
	})
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}

	for i := range files {
		r.publish(backend.TableAudioFiles, backend.ChangeDelete, nil, &files[i])
	}
	r.publish(backend.TableProjects, backend.ChangeDelete, nil, project)
	return nil
}

// GetProject retrieves one project
func (r *Repository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var project models.Project
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, backend.ErrRowNotFound
		}
		return nil, fmt.Errorf("getting project: %w", err)
	}
	return &project, nil
}

// ListProjects lists projects newest first
func (r *Repository) ListProjects(ctx context.Context, ownerID string) ([]models.Project, error) {
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if ownerID != "" {
		query = query.Where("created_by = ?", ownerID)
	}

	var projects []models.Project
	if err := query.Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return projects, nil
}

// InsertAudioFile creates an audio file row with a fresh id
func (r *Repository) InsertAudioFile(ctx context.Context, file *models.AudioFile) (*models.AudioFile, error) {
	row := *file
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.TranscriptionStatus == "" {
		row.TranscriptionStatus = models.TranscriptionPending
	}

	r.write.Lock()
	defer r.write.Unlock()

	if _, err := r.GetProject(ctx, row.ProjectID); err != nil {
		return nil, err
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		// the backend keeps the aggregate counters
		updates := map[string]any{
			"total_files": gorm.Expr("total_files + 1"),
			"total_size":  gorm.Expr("total_size + ?", row.FileSize),
			"updated_at":  time.Now().UTC(),
		}
		if row.Duration != nil {
			updates["total_duration"] = gorm.Expr("total_duration + ?", *row.Duration)
		}
		return tx.Model(&models.Project{}).Where("id = ?", row.ProjectID).Updates(updates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("creating audio file: %w", err)
	}

	r.publish(backend.TableAudioFiles, backend.ChangeInsert, &row, nil)
	if project, err := r.GetProject(ctx, row.ProjectID); err == nil {
		r.publish(backend.TableProjects, backend.ChangeUpdate, project, nil)
	}
	return &row, nil
}

// UpdateAudioFile applies fields to one audio file
func (r *Repository) UpdateAudioFile(ctx context.Context, id string, fields map[string]any) (*models.AudioFile, error) {
	r.write.Lock()
	defer r.write.Unlock()

	old, err := r.GetAudioFile(ctx, id)
	if err != nil {
		return nil, err
	}

	result := r.db.WithContext(ctx).Model(&models.AudioFile{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return nil, fmt.Errorf("updating audio file: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, backend.ErrRowNotFound
	}

	updated, err := r.GetAudioFile(ctx, id)
	if err != nil {
		return nil, err
	}
	r.publish(backend.TableAudioFiles, backend.ChangeUpdate, updated, old)
	return updated, nil
}

// DeleteAudioFile deletes one audio file row
func (r *Repository) DeleteAudioFile(ctx context.Context, id string) error {
	r.write.Lock()
	defer r.write.Unlock()

	file, err := r.GetAudioFile(ctx, id)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.AudioFile{}).Error; err != nil {
		return fmt.Errorf("deleting audio file: %w", err)
	}
	r.publish(backend.TableAudioFiles, backend.ChangeDelete, nil, file)
	return nil
}

// GetAudioFile retrieves one audio file
func (r *Repository) GetAudioFile(ctx context.Context, id string) (*models.AudioFile, error) {
	var file models.AudioFile
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&file).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, backend.ErrRowNotFound
		}
		return nil, fmt.Errorf("getting audio file: %w", err)
	}
	return &file, nil
}

// ListAudioFiles lists a project's files newest first
func (r *Repository) ListAudioFiles(ctx context.Context, projectID string) ([]models.AudioFile, error) {
	var files []models.AudioFile
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("listing audio files: %w", err)
	}
	return files, nil
}

func (r *Repository) publish(table string, kind backend.ChangeType, record, old any) {
	if r.feed == nil {
		return
	}

	event := backend.ChangeEvent{
		Table:           table,
		Type:            kind,
		CommitTimestamp: time.Now().UTC(),
	}
	if record != nil {
		event.Record, _ = json.Marshal(record)
	}
	if old != nil {
		event.OldRecord, _ = json.Marshal(old)
	}
	r.feed.Publish(event)
}
