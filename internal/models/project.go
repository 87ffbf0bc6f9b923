package models

import (
	"time"
)

// ProjectStatus is the lifecycle state of a project
type ProjectStatus string

const (
	ProjectStatusDraft      ProjectStatus = "draft"
	ProjectStatusInProgress ProjectStatus = "in_progress"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusArchived   ProjectStatus = "archived"
)

// Valid reports whether s is one of the known project states
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectStatusDraft, ProjectStatusInProgress, ProjectStatusCompleted, ProjectStatusArchived:
		return true
	}
	return false
}

// Project is a named collection of audio files owned by one user.
// The aggregate counters are maintained by the backend; the client only
// bumps them optimistically on upload.
type Project struct {
	ID            string        `json:"id" gorm:"primaryKey;type:text"`
	Name          string        `json:"name" gorm:"not null"`
	Description   *string       `json:"description"`
	Status        ProjectStatus `json:"status" gorm:"type:text;default:draft"`
	Progress      int           `json:"progress" gorm:"default:0"`
	TotalFiles    int           `json:"total_files" gorm:"default:0"`
	TotalSize     int64         `json:"total_size" gorm:"default:0"`
	TotalDuration float64       `json:"total_duration" gorm:"default:0"`
	DatasetPath   *string       `json:"dataset_path"`
	CreatedAt     time.Time     `json:"created_at" gorm:"index"`
	UpdatedAt     time.Time     `json:"updated_at"`
	CreatedBy     string        `json:"created_by" gorm:"index"`
}

// TableName specifies the table name for Project
func (Project) TableName() string {
	return "projects"
}

// ProjectPatch is a partial update of a project. Nil fields are left alone.
type ProjectPatch struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Status      *ProjectStatus `json:"status,omitempty"`
	Progress    *int           `json:"progress,omitempty"`
}

// IsEmpty reports whether the patch changes nothing
func (p ProjectPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.Status == nil && p.Progress == nil
}

// Fields returns the patch as a column map for partial updates
func (p ProjectPatch) Fields() map[string]any {
	fields := make(map[string]any)
	if p.Name != nil {
		fields["name"] = *p.Name
	}
	if p.Description != nil {
		fields["description"] = *p.Description
	}
	if p.Status != nil {
		fields["status"] = string(*p.Status)
	}
	if p.Progress != nil {
		fields["progress"] = *p.Progress
	}
	return fields
}

// AddFile bumps the aggregate counters for one uploaded file
func (p *Project) AddFile(size int64, duration *float64) {
	p.TotalFiles++
	p.TotalSize += size
	if duration != nil {
		p.TotalDuration += *duration
	}
}
