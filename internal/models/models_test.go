package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranscriptionStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from TranscriptionStatus
		to   TranscriptionStatus
		want bool
	}{
		{TranscriptionPending, TranscriptionProcessing, true},
		{TranscriptionProcessing, TranscriptionCompleted, true},
		{TranscriptionProcessing, TranscriptionFailed, true},
		{TranscriptionFailed, TranscriptionProcessing, true},
		{TranscriptionProcessing, TranscriptionPending, true},
		{TranscriptionPending, TranscriptionCompleted, true},
		{TranscriptionCompleted, TranscriptionProcessing, false},
		{TranscriptionPending, TranscriptionFailed, false},
		{TranscriptionCompleted, TranscriptionPending, false},
		{TranscriptionFailed, TranscriptionPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTranscriptionStatus_Processable(t *testing.T) {
	assert.True(t, TranscriptionPending.Processable())
	assert.True(t, TranscriptionFailed.Processable())
	assert.False(t, TranscriptionProcessing.Processable())
	assert.False(t, TranscriptionCompleted.Processable())
}

func TestAudioFile_PathFor(t *testing.T) {
	cleaned := "p1/1700000000000-a_cleaned.wav"
	f := AudioFile{FilePathRaw: "p1/1700000000000-a.wav"}

	assert.Equal(t, "p1/1700000000000-a.wav", f.PathFor(VariantRaw))
	assert.Equal(t, "", f.PathFor(VariantCleaned))
	assert.False(t, f.HasCleaned())

	f.FilePathCleaned = &cleaned
	assert.Equal(t, cleaned, f.PathFor(VariantCleaned))
	assert.True(t, f.HasCleaned())
}

func TestVariant_KeySuffix(t *testing.T) {
	assert.Equal(t, "raw", VariantRaw.KeySuffix())
	assert.Equal(t, "clean", VariantCleaned.KeySuffix())
	assert.False(t, Variant("mp3").Valid())
}

func TestProjectPatch_Fields(t *testing.T) {
	name := "Khmer news"
	status := ProjectStatusArchived
	patch := ProjectPatch{Name: &name, Status: &status}

	assert.False(t, patch.IsEmpty())
	assert.Equal(t, map[string]any{"name": "Khmer news", "status": "archived"}, patch.Fields())
	assert.True(t, ProjectPatch{}.IsEmpty())
}

func TestProject_AddFile(t *testing.T) {
	p := Project{TotalFiles: 1, TotalSize: 500, TotalDuration: 2}
	d := 5.0

	p.AddFile(1000, &d)
	assert.Equal(t, 2, p.TotalFiles)
	assert.Equal(t, int64(1500), p.TotalSize)
	assert.Equal(t, 7.0, p.TotalDuration)

	p.AddFile(10, nil)
	assert.Equal(t, 3, p.TotalFiles)
	assert.Equal(t, 7.0, p.TotalDuration)
}
