package models

import (
	"io"
	"time"
)

// TranscriptionStatus tracks an audio file through the processing pipeline
type TranscriptionStatus string

const (
	TranscriptionPending    TranscriptionStatus = "pending"
	TranscriptionProcessing TranscriptionStatus = "processing"
	TranscriptionCompleted  TranscriptionStatus = "completed"
	TranscriptionFailed     TranscriptionStatus = "failed"
)

// Valid reports whether s is one of the known transcription states
func (s TranscriptionStatus) Valid() bool {
	switch s {
	case TranscriptionPending, TranscriptionProcessing, TranscriptionCompleted, TranscriptionFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
// pending -> processing -> {completed, failed}, failed -> processing for
// retries. Saving an edited transcription marks a file completed from any
// state, and compensation may put a file back to pending.
func (s TranscriptionStatus) CanTransitionTo(next TranscriptionStatus) bool {
	if s == next {
		return true
	}
	switch next {
	case TranscriptionProcessing:
		return s == TranscriptionPending || s == TranscriptionFailed
	case TranscriptionCompleted:
		return true
	case TranscriptionFailed:
		return s == TranscriptionProcessing
	case TranscriptionPending:
		return s == TranscriptionProcessing
	}
	return false
}

// Processable reports whether a bulk run should pick the file up
func (s TranscriptionStatus) Processable() bool {
	return s == TranscriptionPending || s == TranscriptionFailed
}

// Variant selects one of the stored renditions of an audio file
type Variant string

const (
	VariantRaw     Variant = "raw"
	VariantCleaned Variant = "cleaned"
)

// Valid reports whether v is a known variant
func (v Variant) Valid() bool {
	return v == VariantRaw || v == VariantCleaned
}

// KeySuffix is the short form used in session cache keys
func (v Variant) KeySuffix() string {
	if v == VariantCleaned {
		return "clean"
	}
	return "raw"
}

// AudioFile is one uploaded recording and its transcription state
type AudioFile struct {
	ID                    string              `json:"id" gorm:"primaryKey;type:text"`
	ProjectID             string              `json:"project_id" gorm:"not null;index"`
	FileName              string              `json:"file_name" gorm:"not null"`
	FilePathRaw           string              `json:"file_path_raw" gorm:"not null"`
	FilePathCleaned       *string             `json:"file_path_cleaned"`
	FileSize              int64               `json:"file_size"`
	Duration              *float64            `json:"duration"`
	SampleRate            *int                `json:"sample_rate"`
	Channels              *int                `json:"channels"`
	BitDepth              *int                `json:"bit_depth"`
	Format                *string             `json:"format"`
	TranscriptionStatus   TranscriptionStatus `json:"transcription_status" gorm:"type:text;default:pending;index"`
	TranscriptionContent  *string             `json:"transcription_content"`
	Confidence            *float64            `json:"confidence"`
	ErrorMessage          *string             `json:"error_message"`
	ProcessingStartedAt   *time.Time          `json:"processing_started_at"`
	ProcessingCompletedAt *time.Time          `json:"processing_completed_at"`
	CreatedAt             time.Time           `json:"created_at" gorm:"index"`
	UpdatedAt             time.Time           `json:"updated_at"`
	CreatedBy             string              `json:"created_by"`
}

// TableName specifies the table name for AudioFile
func (AudioFile) TableName() string {
	return "audio_files"
}

// PathFor returns the storage path of the requested variant, or "" when
// that rendition does not exist yet.
func (f *AudioFile) PathFor(v Variant) string {
	if v == VariantCleaned {
		if f.FilePathCleaned == nil {
			return ""
		}
		return *f.FilePathCleaned
	}
	return f.FilePathRaw
}

// HasCleaned reports whether the backend recorded a cleaned rendition
func (f *AudioFile) HasCleaned() bool {
	return f.FilePathCleaned != nil && *f.FilePathCleaned != ""
}

// AudioUpload describes a file about to be uploaded
type AudioUpload struct {
	FileName    string
	Body        io.Reader
	Size        int64
	ContentType string
	Duration    *float64
	SampleRate  *int
	Channels    *int
	BitDepth    *int
}
