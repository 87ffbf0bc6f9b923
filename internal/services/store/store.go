// Package store holds the signed-in user's projects and the open project's
// audio files in memory, and reconciles local results and remote change
// events into them through one algorithm.
package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/killallgit/somleng/internal/models"
	"github.com/killallgit/somleng/internal/services/gateway"
	apperrors "github.com/killallgit/somleng/pkg/errors"
)

// DefaultMaxProjects is the number of live projects one owner may have
const DefaultMaxProjects = 3

// Config tunes the store
type Config struct {
	MaxProjects int
}

// ChangeKind says which collection a change touched
type ChangeKind string

const (
	ProjectsChanged ChangeKind = "projects"
	FilesChanged    ChangeKind = "files"
)

// Change describes one applied mutation
type Change struct {
	Kind      ChangeKind
	Op        string
	ProjectID string
	FileID    string
	Remote    bool
}

// Listener is told about every change after it has been applied
type Listener func(Change)

// Store is safe for concurrent use. Change events arrive on feed
// goroutines while user actions run on the caller's.
type Store struct {
	gw          gateway.Gateway
	maxProjects int
	logger      zerolog.Logger

	mu       sync.RWMutex
	projects []models.Project
	files    map[string][]models.AudioFile
	current  string
	view     []gateway.Unsubscribe

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New creates an empty store over gw
func New(gw gateway.Gateway, cfg Config, logger zerolog.Logger) *Store {
	limit := cfg.MaxProjects
	if limit <= 0 {
		limit = DefaultMaxProjects
	}
	return &Store{
		gw:          gw,
		maxProjects: limit,
		logger:      logger.With().Str("component", "store").Logger(),
		files:       make(map[string][]models.AudioFile),
		listeners:   make(map[int]Listener),
	}
}

// Projects returns a copy of the project list, newest first
func (s *Store) Projects() []models.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Project(nil), s.projects...)
}

// Project returns one project from local state
func (s *Store) Project(id string) (models.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.ID == id {
			return p, true
		}
	}
	return models.Project{}, false
}

// AudioFiles returns a copy of the project's file list, newest first
func (s *Store) AudioFiles(projectID string) []models.AudioFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AudioFile(nil), s.files[projectID]...)
}

// AudioFile finds a file in any loaded list
func (s *Store) AudioFile(id string) (models.AudioFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, list := range s.files {
		for _, f := range list {
			if f.ID == id {
				return f, true
			}
		}
	}
	return models.AudioFile{}, false
}

// CurrentProject returns the id of the open project, if any
func (s *Store) CurrentProject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Watch registers l for change notifications
func (s *Store) Watch(l Listener) gateway.Unsubscribe {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

func (s *Store) notify(changes ...Change) {
	s.lmu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.lmu.Unlock()

	for _, c := range changes {
		for _, l := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error().Interface("panic", r).Msg("Store listener panicked")
					}
				}()
				l(c)
			}()
		}
	}
}

// applyProject runs one reconciliation step on the project list
func (s *Store) applyProject(o op, p models.Project, remote bool) bool {
	s.mu.Lock()
	var changed bool
	s.projects, changed = reconcile(s.projects, projectKey, o, p)
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ProjectsChanged, Op: o.String(), ProjectID: p.ID, Remote: remote})
	}
	return changed
}

// applyFile runs one reconciliation step on a project's file list
func (s *Store) applyFile(projectID string, o op, f models.AudioFile, remote bool) bool {
	s.mu.Lock()
	list, changed := reconcile(s.files[projectID], fileKey, o, f)
	if changed {
		s.files[projectID] = list
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: FilesChanged, Op: o.String(), ProjectID: projectID, FileID: f.ID, Remote: remote})
	}
	return changed
}

// removeProject drops a project and its file list. Absent ids are a no-op.
func (s *Store) removeProject(id string, remote bool) {
	s.mu.Lock()
	var changed bool
	s.projects, changed = reconcile(s.projects, projectKey, opRemove, models.Project{ID: id})
	delete(s.files, id)
	var view []gateway.Unsubscribe
	if s.current == id {
		view, s.view, s.current = s.view, nil, ""
	}
	s.mu.Unlock()

	for _, unsub := range view {
		unsub()
	}
	if changed {
		s.notify(Change{Kind: ProjectsChanged, Op: opRemove.String(), ProjectID: id, Remote: remote})
	}
}

// LoadProjects replaces the project list with the backend's snapshot.
// Concurrent loads race; the last to finish wins.
func (s *Store) LoadProjects(ctx context.Context) ([]models.Project, error) {
	owner, err := s.gw.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}
	projects, err := s.gw.ListProjects(ctx, owner)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.projects = append([]models.Project(nil), projects...)
	s.mu.Unlock()

	s.notify(Change{Kind: ProjectsChanged, Op: "load"})
	return append([]models.Project(nil), projects...), nil
}

// CreateProject creates a project unless the owner is at the cap. The cap
// is checked against local state before anything goes to the backend.
func (s *Store) CreateProject(ctx context.Context, name, description string) (*models.Project, error) {
	s.mu.RLock()
	count := len(s.projects)
	s.mu.RUnlock()
	if count >= s.maxProjects {
		return nil, apperrors.LimitExceeded("projects", s.maxProjects)
	}

	project, err := s.gw.CreateProject(ctx, name, description)
	if err != nil {
		return nil, err
	}
	s.applyProject(opUpsert, *project, false)
	return project, nil
}

// UpdateProject applies patch and replaces the local entry with the result
func (s *Store) UpdateProject(ctx context.Context, id string, patch models.ProjectPatch) (*models.Project, error) {
	project, err := s.gw.UpdateProject(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.applyProject(opReplace, *project, false)
	return project, nil
}

// DeleteProject deletes remotely, then locally. A project the backend no
// longer has counts as deleted, so repeating the call is harmless.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	if err := s.gw.DeleteProject(ctx, id); err != nil && !apperrors.Is(err, apperrors.ErrCodeNotFound) {
		return err
	}
	s.removeProject(id, false)
	return nil
}

// AddAudioFile uploads a file, puts it at the top of the project's list and
// bumps the project's counters locally. The counters are a running total
// until the next LoadProjects; deletes never decrement them.
func (s *Store) AddAudioFile(ctx context.Context, projectID string, upload models.AudioUpload) (*models.AudioFile, error) {
	file, err := s.gw.UploadAudioFile(ctx, projectID, upload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.files[projectID], _ = reconcile(s.files[projectID], fileKey, opUpsert, *file)
	bumped := false
	for i := range s.projects {
		if s.projects[i].ID == projectID {
			p := s.projects[i]
			p.AddFile(file.FileSize, upload.Duration)
			s.projects, bumped = reconcile(s.projects, projectKey, opReplace, p)
			break
		}
	}
	s.mu.Unlock()

	changes := []Change{{Kind: FilesChanged, Op: opUpsert.String(), ProjectID: projectID, FileID: file.ID}}
	if bumped {
		changes = append(changes, Change{Kind: ProjectsChanged, Op: opReplace.String(), ProjectID: projectID})
	}
	s.notify(changes...)
	return file, nil
}

// DeleteAudioFile deletes remotely, then removes the file from whichever
// list holds it. Counters are left alone.
func (s *Store) DeleteAudioFile(ctx context.Context, fileID string) error {
	if err := s.gw.DeleteAudioFile(ctx, fileID); err != nil && !apperrors.Is(err, apperrors.ErrCodeNotFound) {
		return err
	}

	s.mu.RLock()
	var owner string
	for projectID, list := range s.files {
		for _, f := range list {
			if f.ID == fileID {
				owner = projectID
			}
		}
	}
	s.mu.RUnlock()

	if owner != "" {
		s.applyFile(owner, opRemove, models.AudioFile{ID: fileID}, false)
	}
	return nil
}

// ApplyFile replaces a held file with a fresher row returned by the
// backend. Files not held are ignored.
func (s *Store) ApplyFile(file models.AudioFile) bool {
	return s.applyFile(file.ProjectID, opReplace, file, false)
}

// MarkStatus flips a held file from one status to another, locally only.
// It does nothing unless the file is currently in from.
func (s *Store) MarkStatus(fileID string, from, to models.TranscriptionStatus) bool {
	s.mu.Lock()
	var (
		target  models.AudioFile
		project string
	)
	for projectID, list := range s.files {
		for _, f := range list {
			if f.ID == fileID && f.TranscriptionStatus == from {
				target, project = f, projectID
			}
		}
	}
	if project == "" {
		s.mu.Unlock()
		return false
	}
	target.TranscriptionStatus = to
	s.files[project], _ = reconcile(s.files[project], fileKey, opReplace, target)
	s.mu.Unlock()

	s.notify(Change{Kind: FilesChanged, Op: opReplace.String(), ProjectID: project, FileID: fileID})
	return true
}

// SubscribeToAudioFileChanges feeds the project's change events through
// reconciliation, then on to handlers. Events for another project are
// dropped.
func (s *Store) SubscribeToAudioFileChanges(ctx context.Context, projectID string, handlers gateway.AudioFileHandlers) (gateway.Unsubscribe, error) {
	return s.subscribeFiles(ctx, projectID, handlers, nil)
}

func (s *Store) subscribeFiles(ctx context.Context, projectID string, handlers gateway.AudioFileHandlers, gate *feedGate) (gateway.Unsubscribe, error) {
	var alive atomic.Bool
	alive.Store(true)

	belongs := func(f models.AudioFile) bool {
		return f.ProjectID == "" || f.ProjectID == projectID
	}

	unsub, err := s.gw.SubscribeAudioFileChanges(ctx, projectID, gateway.AudioFileHandlers{
		OnInsert: func(f models.AudioFile) {
			gate.do(func(bool) {
				if !alive.Load() || !belongs(f) {
					return
				}
				s.applyFile(projectID, opInsert, f, true)
				if handlers.OnInsert != nil {
					handlers.OnInsert(f)
				}
			})
		},
		OnUpdate: func(f models.AudioFile) {
			gate.do(func(replayed bool) {
				if !alive.Load() || !belongs(f) {
					return
				}
				if replayed && s.heldFileNewer(projectID, f) {
					return
				}
				s.applyFile(projectID, opReplace, f, true)
				if handlers.OnUpdate != nil {
					handlers.OnUpdate(f)
				}
			})
		},
		OnDelete: func(id string) {
			gate.do(func(bool) {
				if !alive.Load() {
					return
				}
				s.applyFile(projectID, opRemove, models.AudioFile{ID: id}, true)
				if handlers.OnDelete != nil {
					handlers.OnDelete(id)
				}
			})
		},
	})
	if err != nil {
		return nil, err
	}
	return disposer(&alive, unsub), nil
}

// SubscribeToProjectChanges replaces the held project with every pushed
// snapshot and removes it on a remote delete. onUpdate may be nil.
func (s *Store) SubscribeToProjectChanges(ctx context.Context, projectID string, onUpdate func(models.Project)) (gateway.Unsubscribe, error) {
	return s.subscribeProject(ctx, projectID, onUpdate, nil)
}

func (s *Store) subscribeProject(ctx context.Context, projectID string, onUpdate func(models.Project), gate *feedGate) (gateway.Unsubscribe, error) {
	var alive atomic.Bool
	alive.Store(true)

	unsub, err := s.gw.SubscribeProjectChanges(ctx, projectID, gateway.ProjectHandlers{
		OnChange: func(p models.Project) {
			gate.do(func(replayed bool) {
				if !alive.Load() || p.ID != projectID {
					return
				}
				if replayed && s.heldProjectNewer(p) {
					return
				}
				s.applyProject(opReplace, p, true)
				if onUpdate != nil {
					onUpdate(p)
				}
			})
		},
		OnDelete: func(id string) {
			gate.do(func(bool) {
				if !alive.Load() || id != projectID {
					return
				}
				s.removeProject(id, true)
			})
		},
	})
	if err != nil {
		return nil, err
	}
	return disposer(&alive, unsub), nil
}

// heldFileNewer reports whether the held copy of f was updated after f
func (s *Store) heldFileNewer(projectID string, f models.AudioFile) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, held := range s.files[projectID] {
		if held.ID == f.ID {
			return newer(held.UpdatedAt, f.UpdatedAt)
		}
	}
	return false
}

// heldProjectNewer reports whether the held copy of p was updated after p
func (s *Store) heldProjectNewer(p models.Project) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, held := range s.projects {
		if held.ID == p.ID {
			return newer(held.UpdatedAt, p.UpdatedAt)
		}
	}
	return false
}

func disposer(alive *atomic.Bool, unsub gateway.Unsubscribe) gateway.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			alive.Store(false)
			unsub()
		})
	}
}

// OpenProject makes id the viewed project: it subscribes to both change
// streams, then loads the project and its files concurrently. Events that
// arrive during the load are held back and replayed onto the loaded
// snapshot, so none is lost and a stale one never overwrites it.
func (s *Store) OpenProject(ctx context.Context, id string) (*models.Project, error) {
	if id == "" {
		return nil, apperrors.MissingFieldError("project_id")
	}
	s.CloseProject()

	gate := &feedGate{}
	fileUnsub, err := s.subscribeFiles(ctx, id, gateway.AudioFileHandlers{}, gate)
	if err != nil {
		return nil, err
	}
	projectUnsub, err := s.subscribeProject(ctx, id, nil, gate)
	if err != nil {
		fileUnsub()
		return nil, err
	}

	var (
		project *models.Project
		files   []models.AudioFile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.gw.GetProject(gctx, id)
		project = p
		return err
	})
	g.Go(func() error {
		f, err := s.gw.ListAudioFiles(gctx, id)
		files = f
		return err
	})
	if err := g.Wait(); err != nil {
		fileUnsub()
		projectUnsub()
		return nil, err
	}

	s.mu.Lock()
	s.projects, _ = reconcile(s.projects, projectKey, opUpsert, *project)
	s.files[id] = append([]models.AudioFile(nil), files...)
	s.current = id
	s.view = []gateway.Unsubscribe{fileUnsub, projectUnsub}
	s.mu.Unlock()

	s.logger.Debug().Str("project_id", id).Int("files", len(files)).Msg("Opened project")
	s.notify(
		Change{Kind: ProjectsChanged, Op: "load", ProjectID: id},
		Change{Kind: FilesChanged, Op: "load", ProjectID: id},
	)

	if n := gate.open(); n > 0 {
		s.logger.Debug().Str("project_id", id).Int("events", n).Msg("Replayed events received during load")
	}
	if held, ok := s.Project(id); ok {
		return &held, nil
	}
	return project, nil
}

// CloseProject stops the open project's subscriptions and drops its files
func (s *Store) CloseProject() {
	s.mu.Lock()
	view, current := s.view, s.current
	s.view, s.current = nil, ""
	if current != "" {
		delete(s.files, current)
	}
	s.mu.Unlock()

	for _, unsub := range view {
		unsub()
	}
	if current != "" {
		s.notify(Change{Kind: FilesChanged, Op: "close", ProjectID: current})
	}
}
