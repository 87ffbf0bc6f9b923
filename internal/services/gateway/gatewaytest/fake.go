// Package gatewaytest provides an in-memory Gateway for tests. It records
// every call, can be told to fail per operation, and lets a test push
// change events to live subscriptions.
package gatewaytest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/killallgit/somleng/internal/models"
	"github.com/killallgit/somleng/internal/services/gateway"
	apperrors "github.com/killallgit/somleng/pkg/errors"
)

// Operation names as recorded by Calls
const (
	OpCreateProject       = "CreateProject"
	OpUpdateProject       = "UpdateProject"
	OpDeleteProject       = "DeleteProject"
	OpGetProject          = "GetProject"
	OpListProjects        = "ListProjects"
	OpUploadAudioFile     = "UploadAudioFile"
	OpListAudioFiles      = "ListAudioFiles"
	OpGetAudioFile        = "GetAudioFile"
	OpUpdateStatus        = "UpdateAudioFileStatus"
	OpSaveTranscription   = "SaveTranscription"
	OpDeleteAudioFile     = "DeleteAudioFile"
	OpResolveContentURL   = "ResolveContentURL"
	OpTriggerProcessing   = "TriggerProjectProcessing"
	OpSubscribeProject    = "SubscribeProjectChanges"
	OpSubscribeAudioFiles = "SubscribeAudioFileChanges"
	OpCurrentUserID       = "CurrentUserID"
)

type fileSub struct {
	projectID string
	handlers  gateway.AudioFileHandlers
	closed    bool
}

type projectSub struct {
	projectID string
	handlers  gateway.ProjectHandlers
	closed    bool
}

// Fake implements gateway.Gateway in memory
type Fake struct {
	UserID string
	URLTTL time.Duration

	mu        sync.Mutex
	calls     map[string]int
	errs      map[string]error
	projects  map[string]models.Project
	files     map[string]models.AudioFile
	fileSubs  []*fileSub
	projSubs  []*projectSub
	nextID    int
	signCount int
}

// New returns an empty fake for user "user-1"
func New() *Fake {
	return &Fake{
		UserID:   "user-1",
		URLTTL:   time.Hour,
		calls:    make(map[string]int),
		errs:     make(map[string]error),
		projects: make(map[string]models.Project),
		files:    make(map[string]models.AudioFile),
	}
}

var _ gateway.Gateway = (*Fake)(nil)

// FailOn makes every later call to op return err; nil clears it
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// Calls returns how often op was called
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of calls across all operations
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// SeedProject stores p as if it existed on the backend
func (f *Fake) SeedProject(p models.Project) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	f.projects[p.ID] = p
}

// SeedFile stores file as if it existed on the backend
func (f *Fake) SeedFile(file models.AudioFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	if file.TranscriptionStatus == "" {
		file.TranscriptionStatus = models.TranscriptionPending
	}
	f.files[file.ID] = file
}

// File returns the backend's copy of a file
func (f *Fake) File(id string) (models.AudioFile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[id]
	return file, ok
}

// begin records a call and returns the configured failure, if any
func (f *Fake) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.errs[op]
}

func (f *Fake) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

func (f *Fake) CreateProject(ctx context.Context, name, description string) (*models.Project, error) {
	if err := f.begin(OpCreateProject); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.ValidationError("name", "project name cannot be empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := models.Project{
		ID:        f.newID("p"),
		Name:      name,
		Status:    models.ProjectStatusDraft,
		CreatedBy: f.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if description != "" {
		p.Description = &description
	}
	f.projects[p.ID] = p
	return &p, nil
}

func (f *Fake) UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error) {
	if err := f.begin(OpUpdateProject); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, apperrors.NotFound("project", id)
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = patch.Description
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.Progress != nil {
		p.Progress = *patch.Progress
	}
	p.UpdatedAt = time.Now().UTC()
	f.projects[id] = p
	return &p, nil
}

func (f *Fake) DeleteProject(ctx context.Context, id string) error {
	if err := f.begin(OpDeleteProject); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[id]; !ok {
		return apperrors.NotFound("project", id)
	}
	delete(f.projects, id)
	for fid, file := range f.files {
		if file.ProjectID == id {
			delete(f.files, fid)
		}
	}
	return nil
}

func (f *Fake) GetProject(ctx context.Context, id string) (*models.Project, error) {
	if err := f.begin(OpGetProject); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, apperrors.NotFound("project", id)
	}
	return &p, nil
}

func (f *Fake) ListProjects(ctx context.Context, ownerID string) ([]models.Project, error) {
	if err := f.begin(OpListProjects); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Project{}
	for _, p := range f.projects {
		if ownerID == "" || p.CreatedBy == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) UploadAudioFile(ctx context.Context, projectID string, upload models.AudioUpload) (*models.AudioFile, error) {
	if err := f.begin(OpUploadAudioFile); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[projectID]; !ok {
		return nil, apperrors.NotFound("project", projectID)
	}
	now := time.Now().UTC()
	file := models.AudioFile{
		ID:                  f.newID("f"),
		ProjectID:           projectID,
		FileName:            upload.FileName,
		FilePathRaw:         gateway.StoragePath(projectID, upload.FileName, now),
		FileSize:            upload.Size,
		Duration:            upload.Duration,
		TranscriptionStatus: models.TranscriptionPending,
		CreatedAt:           now,
		CreatedBy:           f.UserID,
	}
	f.files[file.ID] = file
	return &file, nil
}

func (f *Fake) ListAudioFiles(ctx context.Context, projectID string) ([]models.AudioFile, error) {
	if err := f.begin(OpListAudioFiles); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.AudioFile{}
	for _, file := range f.files {
		if file.ProjectID == projectID {
			out = append(out, file)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) GetAudioFile(ctx context.Context, id string) (*models.AudioFile, error) {
	if err := f.begin(OpGetAudioFile); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[id]
	if !ok {
		return nil, apperrors.NotFound("audio file", id)
	}
	return &file, nil
}

func (f *Fake) UpdateAudioFileStatus(ctx context.Context, id string, status models.TranscriptionStatus, errorMessage *string) (*models.AudioFile, error) {
	if err := f.begin(OpUpdateStatus); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[id]
	if !ok {
		return nil, apperrors.NotFound("audio file", id)
	}
	if !file.TranscriptionStatus.CanTransitionTo(status) {
		return nil, apperrors.Newf(apperrors.ErrCodeConflict, "cannot move from %s to %s", file.TranscriptionStatus, status)
	}
	file.TranscriptionStatus = status
	file.ErrorMessage = errorMessage
	f.files[id] = file
	return &file, nil
}

func (f *Fake) SaveTranscription(ctx context.Context, fileID, content string) (*models.AudioFile, error) {
	if err := f.begin(OpSaveTranscription); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fileID]
	if !ok {
		return nil, apperrors.NotFound("audio file", fileID)
	}
	file.TranscriptionStatus = models.TranscriptionCompleted
	file.TranscriptionContent = &content
	file.ErrorMessage = nil
	f.files[fileID] = file
	return &file, nil
}

func (f *Fake) DeleteAudioFile(ctx context.Context, id string) error {
	if err := f.begin(OpDeleteAudioFile); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[id]; !ok {
		return apperrors.NotFound("audio file", id)
	}
	delete(f.files, id)
	return nil
}

// ResolveContentURL hands out a distinct URL per call so tests can tell a
// cached URL from a fresh one
func (f *Fake) ResolveContentURL(ctx context.Context, fileID string, variant models.Variant) (*gateway.ContentURL, error) {
	if err := f.begin(OpResolveContentURL); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fileID]
	if !ok {
		return nil, apperrors.NotFound("audio file", fileID)
	}
	path := file.PathFor(variant)
	if path == "" {
		return nil, apperrors.NotFound(string(variant)+" audio", fileID)
	}
	f.signCount++
	return &gateway.ContentURL{
		URL:       fmt.Sprintf("https://storage.test/%s?sig=%d", path, f.signCount),
		ExpiresAt: time.Now().Add(f.URLTTL),
	}, nil
}

func (f *Fake) TriggerProjectProcessing(ctx context.Context, projectID string) error {
	return f.begin(OpTriggerProcessing)
}

func (f *Fake) SubscribeProjectChanges(ctx context.Context, projectID string, handlers gateway.ProjectHandlers) (gateway.Unsubscribe, error) {
	if err := f.begin(OpSubscribeProject); err != nil {
		return nil, err
	}
	sub := &projectSub{projectID: projectID, handlers: handlers}
	f.mu.Lock()
	f.projSubs = append(f.projSubs, sub)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		sub.closed = true
		f.mu.Unlock()
	}, nil
}

func (f *Fake) SubscribeAudioFileChanges(ctx context.Context, projectID string, handlers gateway.AudioFileHandlers) (gateway.Unsubscribe, error) {
	if err := f.begin(OpSubscribeAudioFiles); err != nil {
		return nil, err
	}
	sub := &fileSub{projectID: projectID, handlers: handlers}
	f.mu.Lock()
	f.fileSubs = append(f.fileSubs, sub)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		sub.closed = true
		f.mu.Unlock()
	}, nil
}

func (f *Fake) CurrentUserID(ctx context.Context) (string, error) {
	if err := f.begin(OpCurrentUserID); err != nil {
		return "", err
	}
	return f.UserID, nil
}

// LiveSubscriptions counts open subscriptions of both kinds for a project
func (f *Fake) LiveSubscriptions(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.fileSubs {
		if s.projectID == projectID && !s.closed {
			n++
		}
	}
	for _, s := range f.projSubs {
		if s.projectID == projectID && !s.closed {
			n++
		}
	}
	return n
}

func (f *Fake) liveFileSubs(projectID string) []*fileSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fileSub
	for _, s := range f.fileSubs {
		if s.projectID == projectID && !s.closed {
			out = append(out, s)
		}
	}
	return out
}

func (f *Fake) liveProjectSubs(projectID string) []*projectSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*projectSub
	for _, s := range f.projSubs {
		if s.projectID == projectID && !s.closed {
			out = append(out, s)
		}
	}
	return out
}

// EmitInsert delivers an insert event to the project's live subscriptions
func (f *Fake) EmitInsert(file models.AudioFile) {
	f.EmitInsertOn(file.ProjectID, file)
}

// EmitInsertOn delivers an insert event on projectID's stream whatever
// project the row names, as a misrouted server event would.
func (f *Fake) EmitInsertOn(projectID string, file models.AudioFile) {
	for _, s := range f.liveFileSubs(projectID) {
		if s.handlers.OnInsert != nil {
			s.handlers.OnInsert(file)
		}
	}
}

// EmitUpdate delivers an update event
func (f *Fake) EmitUpdate(file models.AudioFile) {
	for _, s := range f.liveFileSubs(file.ProjectID) {
		if s.handlers.OnUpdate != nil {
			s.handlers.OnUpdate(file)
		}
	}
}

// EmitDelete delivers a delete event for a file of projectID
func (f *Fake) EmitDelete(projectID, fileID string) {
	for _, s := range f.liveFileSubs(projectID) {
		if s.handlers.OnDelete != nil {
			s.handlers.OnDelete(fileID)
		}
	}
}

// EmitProject delivers a project snapshot
func (f *Fake) EmitProject(p models.Project) {
	for _, s := range f.liveProjectSubs(p.ID) {
		if s.handlers.OnChange != nil {
			s.handlers.OnChange(p)
		}
	}
}

// EmitProjectDelete delivers a project delete event
func (f *Fake) EmitProjectDelete(id string) {
	for _, s := range f.liveProjectSubs(id) {
		if s.handlers.OnDelete != nil {
			s.handlers.OnDelete(id)
		}
	}
}
