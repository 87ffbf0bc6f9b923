package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killallgit/somleng/internal/models"
	"github.com/killallgit/somleng/internal/services/gateway"
	"github.com/killallgit/somleng/internal/services/gateway/gatewaytest"
	apperrors "github.com/killallgit/somleng/pkg/errors"
)

func newStore(t *testing.T) (*Store, *gatewaytest.Fake) {
	t.Helper()
	fake := gatewaytest.New()
	return New(fake, Config{}, zerolog.Nop()), fake
}

func ids[T any](list []T, key func(T) string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, key(item))
	}
	return out
}

func TestReconcile(t *testing.T) {
	a := models.AudioFile{ID: "a", FileName: "a.wav"}
	b := models.AudioFile{ID: "b", FileName: "b.wav"}
	a2 := models.AudioFile{ID: "a", FileName: "renamed.wav"}

	tests := []struct {
		name    string
		list    []models.AudioFile
		op      op
		item    models.AudioFile
		want    []string
		changed bool
	}{
		{"insert new prepends", []models.AudioFile{a}, opInsert, b, []string{"b", "a"}, true},
		{"insert known is dropped", []models.AudioFile{a}, opInsert, a2, []string{"a"}, false},
		{"upsert known replaces", []models.AudioFile{b, a}, opUpsert, a2, []string{"b", "a"}, true},
		{"upsert new prepends", nil, opUpsert, a, []string{"a"}, true},
		{"replace absent is ignored", []models.AudioFile{b}, opReplace, a, []string{"b"}, false},
		{"remove present", []models.AudioFile{b, a}, opRemove, a, []string{"b"}, true},
		{"remove absent", []models.AudioFile{b}, opRemove, a, []string{"b"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := reconcile(tt.list, fileKey, tt.op, tt.item)
			assert.Equal(t, tt.want, ids(got, fileKey))
			assert.Equal(t, tt.changed, changed)
		})
	}

	t.Run("insert known keeps the held copy", func(t *testing.T) {
		got, _ := reconcile([]models.AudioFile{a}, fileKey, opInsert, a2)
		assert.Equal(t, "a.wav", got[0].FileName)
	})
}

func TestStore_LoadProjects(t *testing.T) {
	s, fake := newStore(t)
	now := time.Now()
	fake.SeedProject(models.Project{ID: "old", CreatedBy: "user-1", CreatedAt: now.Add(-time.Hour)})
	fake.SeedProject(models.Project{ID: "new", CreatedBy: "user-1", CreatedAt: now})
	fake.SeedProject(models.Project{ID: "theirs", CreatedBy: "user-2", CreatedAt: now})

	projects, err := s.LoadProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, ids(projects, projectKey))
	assert.Equal(t, []string{"new", "old"}, ids(s.Projects(), projectKey))
}

func TestStore_CreateProjectLimit(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()

	for i := 0; i < DefaultMaxProjects; i++ {
		_, err := s.CreateProject(ctx, "project", "")
		require.NoError(t, err)
	}
	before := fake.TotalCalls()

	_, err := s.CreateProject(ctx, "one too many", "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeLimitExceeded))
	assert.Equal(t, before, fake.TotalCalls(), "the cap must be enforced without a backend call")
	assert.Len(t, s.Projects(), DefaultMaxProjects)
}

func TestStore_CreateProjectPrepends(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	first, err := s.CreateProject(ctx, "first", "")
	require.NoError(t, err)
	second, err := s.CreateProject(ctx, "second", "notes")
	require.NoError(t, err)

	assert.Equal(t, []string{second.ID, first.ID}, ids(s.Projects(), projectKey))
	require.NotNil(t, second.Description)
	assert.Equal(t, "notes", *second.Description)
}

func TestStore_CreateProjectFailureLeavesStateAlone(t *testing.T) {
	s, fake := newStore(t)
	fake.FailOn(gatewaytest.OpCreateProject, apperrors.RemoteError("create project", errors.New("boom")))

	_, err := s.CreateProject(context.Background(), "p", "")
	require.Error(t, err)
	assert.Empty(t, s.Projects())
}

func TestStore_UpdateProject(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "before", "")
	require.NoError(t, err)

	name := "after"
	_, err = s.UpdateProject(ctx, p.ID, models.ProjectPatch{Name: &name})
	require.NoError(t, err)

	held, ok := s.Project(p.ID)
	require.True(t, ok)
	assert.Equal(t, "after", held.Name)
}

func TestStore_DeleteProjectIdempotent(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "doomed", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteProject(ctx, p.ID))
	require.NoError(t, s.DeleteProject(ctx, p.ID), "a second delete finds nothing and succeeds")
	assert.Empty(t, s.Projects())
	assert.Equal(t, 2, fake.Calls(gatewaytest.OpDeleteProject))
}

func TestStore_DeleteProjectThenEchoedDelete(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()
	keep, err := s.CreateProject(ctx, "kept", "")
	require.NoError(t, err)
	p, err := s.CreateProject(ctx, "doomed", "")
	require.NoError(t, err)

	var snapshots int
	unsub, err := s.SubscribeToProjectChanges(ctx, p.ID, func(models.Project) { snapshots++ })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.DeleteProject(ctx, p.ID))
	afterLocal := s.Projects()

	assert.NotPanics(t, func() { fake.EmitProjectDelete(p.ID) })
	assert.Equal(t, afterLocal, s.Projects(), "the echo of a local delete changes nothing")
	assert.Equal(t, []string{keep.ID}, ids(s.Projects(), projectKey))
	assert.Zero(t, snapshots)
}

func TestStore_DeleteProjectRemoteFailure(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "kept", "")
	require.NoError(t, err)

	fake.FailOn(gatewaytest.OpDeleteProject, apperrors.Unauthorized("expired"))
	err = s.DeleteProject(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnauthorized))
	assert.Len(t, s.Projects(), 1)
}

func TestStore_AddAudioFileThenEcho(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()
	fake.SeedProject(models.Project{ID: "p1", CreatedBy: "user-1"})
	_, err := s.OpenProject(ctx, "p1")
	require.NoError(t, err)

	duration := 12.5
	file, err := s.AddAudioFile(ctx, "p1", models.AudioUpload{FileName: "a.wav", Size: 1000, Duration: &duration})
	require.NoError(t, err)

	p, ok := s.Project("p1")
	require.True(t, ok)
	assert.Equal(t, 1, p.TotalFiles)
	assert.Equal(t, int64(1000), p.TotalSize)
	assert.InDelta(t, 12.5, p.TotalDuration, 0.001)

	fake.EmitInsert(*file)

	assert.Equal(t, []string{file.ID}, ids(s.AudioFiles("p1"), fileKey))
	p, _ = s.Project("p1")
	assert.Equal(t, 1, p.TotalFiles, "the echo must not bump counters again")
	assert.Equal(t, int64(1000), p.TotalSize)
}

func TestStore_EchoBeforeLocalResult(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()
	fake.SeedProject(models.Project{ID: "p1"})
	_, err := s.OpenProject(ctx, "p1")
	require.NoError(t, err)

	early := models.AudioFile{ID: "f1", ProjectID: "p1", FileName: "a.wav", TranscriptionStatus: models.TranscriptionPending}
	fake.EmitInsert(early)
	require.Equal(t, []string{"f1"}, ids(s.AudioFiles("p1"), fileKey))

	// The local result for the same row lands afterwards
	s.applyFile("p1", opUpsert, early, false)
	assert.Equal(t, []string{"f1"}, ids(s.AudioFiles("p1"), fileKey))
}

func TestStore_RemoteEventsReconcile(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()
	fake.SeedProject(models.Project{ID: "p1"})
	fake.SeedFile(models.AudioFile{ID: "f1", ProjectID: "p1", FileName: "one.wav"})
	_, err := s.OpenProject(ctx, "p1")
	require.NoError(t, err)

	t.Run("update of a held file replaces it", func(t *testing.T) {
		text := "សួស្តី"
		fake.EmitUpdate(models.AudioFile{ID: "f1", ProjectID: "p1", FileName: "one.wav",
			TranscriptionStatus: models.TranscriptionCompleted, TranscriptionContent: &text})
		f, ok := s.AudioFile("f1")
		require.True(t, ok)
		assert.Equal(t, models.TranscriptionCompleted, f.TranscriptionStatus)
	})

	t.Run("update of an unknown file is ignored", func(t *testing.T) {
		fake.EmitUpdate(models.AudioFile{ID: "ghost", ProjectID: "p1"})
		_, ok := s.AudioFile("ghost")
		assert.False(t, ok)
	})

	t.Run("delete twice", func(t *testing.T) {
		fake.EmitDelete("p1", "f1")
		fake.EmitDelete("p1", "f1")
		assert.Empty(t, s.AudioFiles("p1"))
	})
}

func TestStore_ForeignProjectRowsDropped(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()

	inserts := 0
	unsub, err := s.SubscribeToAudioFileChanges(ctx, "p1", gateway.AudioFileHandlers{
		OnInsert: func(models.AudioFile) { inserts++ },
	})
	require.NoError(t, err)
	defer unsub()

	fake.EmitInsertOn("p1", models.AudioFile{ID: "f1", ProjectID: "p1"})
	fake.EmitInsertOn("p1", models.AudioFile{ID: "f2", ProjectID: "p2"})

	assert.Equal(t, 1, inserts)
	assert.Equal(t, []string{"f1"}, ids(s.AudioFiles("p1"), fileKey))
	assert.Empty(t, s.AudioFiles("p2"))
}

func TestStore_DisposerStopsMutation(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()

	calls := 0
	unsub, err := s.SubscribeToAudioFileChanges(ctx, "p1", gateway.AudioFileHandlers{
		OnInsert: func(models.AudioFile) { calls++ },
	})
	require.NoError(t, err)

	fake.EmitInsert(models.AudioFile{ID: "f1", ProjectID: "p1"})
	unsub()
	unsub()
	fake.EmitInsert(models.AudioFile{ID: "f2", ProjectID: "p1"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"f1"}, ids(s.AudioFiles("p1"), fileKey))
	assert.Equal(t, 0, fake.LiveSubscriptions("p1"))
}

func TestStore_IndependentSubscriptions(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()

	var a, b int
	unsubA, err := s.SubscribeToAudioFileChanges(ctx, "p1", gateway.AudioFileHandlers{OnInsert: func(models.AudioFile) { a++ }})
	require.NoError(t, err)
	unsubB, err := s.SubscribeToAudioFileChanges(ctx, "p1", gateway.AudioFileHandlers{OnInsert: func(models.AudioFile) { b++ }})
	require.NoError(t, err)
	defer unsubB()

	unsubA()
	fake.EmitInsert(models.AudioFile{ID: "f1", ProjectID: "p1"})

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Len(t, s.AudioFiles("p1"), 1)
}

func TestStore_DeleteAudioFileIdempotent(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()
	fake.SeedProject(models.Project{ID: "p1"})
	fake.SeedFile(models.AudioFile{ID: "f1", ProjectID: "p1", FileSize: 10})
	_, err := s.OpenProject(ctx, "p1")
	require.NoError(t, err)
	before, _ := s.Project("p1")

	require.NoError(t, s.DeleteAudioFile(ctx, "f1"))
	require.NoError(t, s.DeleteAudioFile(ctx, "f1"))

	assert.Empty(t, s.AudioFiles("p1"))
	after, _ := s.Project("p1")
	assert.Equal(t, before.TotalFiles, after.TotalFiles, "deletes leave counters alone")
}

func TestStore_MarkStatus(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()
	fake.SeedProject(models.Project{ID: "p1"})
	fake.SeedFile(models.AudioFile{ID: "f1", ProjectID: "p1"})
	_, err := s.OpenProject(ctx, "p1")
	require.NoError(t, err)

	assert.True(t, s.MarkStatus("f1", models.TranscriptionPending, models.TranscriptionProcessing))
	assert.False(t, s.MarkStatus("f1", models.TranscriptionPending, models.TranscriptionProcessing))
	assert.False(t, s.MarkStatus("missing", models.TranscriptionPending, models.TranscriptionProcessing))

	f, _ := s.AudioFile("f1")
	assert.Equal(t, models.TranscriptionProcessing, f.TranscriptionStatus)
	assert.Equal(t, 0, fake.Calls(gatewaytest.OpUpdateStatus), "MarkStatus never reaches the backend")
}

func TestStore_ProjectSubscription(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()
	fake.SeedProject(models.Project{ID: "p1", Name: "before"})
	_, err := s.OpenProject(ctx, "p1")
	require.NoError(t, err)

	fake.EmitProject(models.Project{ID: "p1", Name: "after", Progress: 50})
	p, ok := s.Project("p1")
	require.True(t, ok)
	assert.Equal(t, "after", p.Name)
	assert.Equal(t, 50, p.Progress)

	fake.EmitProjectDelete("p1")
	_, ok = s.Project("p1")
	assert.False(t, ok)
	assert.Empty(t, s.CurrentProject())
	assert.Equal(t, 0, fake.LiveSubscriptions("p1"))
}

func TestStore_OpenAndCloseProject(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()
	fake.SeedProject(models.Project{ID: "p1"})
	fake.SeedProject(models.Project{ID: "p2"})
	fake.SeedFile(models.AudioFile{ID: "f1", ProjectID: "p1"})

	_, err := s.OpenProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", s.CurrentProject())
	assert.Equal(t, 2, fake.LiveSubscriptions("p1"))
	assert.Len(t, s.AudioFiles("p1"), 1)

	_, err = s.OpenProject(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 0, fake.LiveSubscriptions("p1"), "opening another project releases the first")
	assert.Empty(t, s.AudioFiles("p1"))

	s.CloseProject()
	assert.Empty(t, s.CurrentProject())
	assert.Equal(t, 0, fake.LiveSubscriptions("p2"))
}

func TestStore_OpenProjectFailureReleasesSubscriptions(t *testing.T) {
	s, fake := newStore(t)

	_, err := s.OpenProject(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	assert.Equal(t, 0, fake.LiveSubscriptions("missing"))
	assert.Empty(t, s.CurrentProject())

	_, err = s.OpenProject(context.Background(), "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestStore_Watch(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		changes []Change
	)
	stop := s.Watch(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	s.Watch(func(Change) { panic("listener bug") })

	p, err := s.CreateProject(ctx, "watched", "")
	require.NoError(t, err)
	stop()
	_, err = s.CreateProject(ctx, "unwatched", "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 1)
	assert.Equal(t, ProjectsChanged, changes[0].Kind)
	assert.Equal(t, p.ID, changes[0].ProjectID)
	assert.False(t, changes[0].Remote)
}

func TestStore_ConcurrentEventsAndActions(t *testing.T) {
	s, fake := newStore(t)
	ctx := context.Background()
	fake.SeedProject(models.Project{ID: "p1"})
	_, err := s.OpenProject(ctx, "p1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f, err := s.AddAudioFile(ctx, "p1", models.AudioUpload{FileName: "a.wav", Size: 1})
			if err == nil {
				fake.EmitInsert(*f)
			}
		}()
		go func() {
			defer wg.Done()
			_ = s.AudioFiles("p1")
			_ = s.Projects()
		}()
	}
	wg.Wait()

	files := s.AudioFiles("p1")
	assert.Len(t, files, 20)
	seen := map[string]bool{}
	for _, f := range files {
		assert.False(t, seen[f.ID], "duplicate id %s", f.ID)
		seen[f.ID] = true
	}
}

// loadRaceGateway runs during before answering a project load, as if
// other clients wrote while the snapshot was in flight
type loadRaceGateway struct {
	*gatewaytest.Fake
	duringFiles   func()
	duringProject func()
}

func (g *loadRaceGateway) ListAudioFiles(ctx context.Context, projectID string) ([]models.AudioFile, error) {
	files, err := g.Fake.ListAudioFiles(ctx, projectID)
	if err == nil && g.duringFiles != nil {
		g.duringFiles()
	}
	return files, err
}

func (g *loadRaceGateway) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := g.Fake.GetProject(ctx, id)
	if err == nil && g.duringProject != nil {
		g.duringProject()
	}
	return p, err
}

func TestStore_OpenProjectKeepsEventsFromDuringLoad(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC()

	t.Run("insert is kept", func(t *testing.T) {
		fake := gatewaytest.New()
		fake.SeedProject(models.Project{ID: "p1"})
		fake.SeedFile(models.AudioFile{ID: "old", ProjectID: "p1", CreatedAt: base})
		gw := &loadRaceGateway{Fake: fake}
		gw.duringFiles = func() {
			late := models.AudioFile{ID: "late", ProjectID: "p1", CreatedAt: base.Add(time.Second)}
			fake.SeedFile(late)
			fake.EmitInsert(late)
		}
		s := New(gw, Config{}, zerolog.Nop())

		_, err := s.OpenProject(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, []string{"late", "old"}, ids(s.AudioFiles("p1"), fileKey))

		// the same row arriving again stays single
		fake.EmitInsert(models.AudioFile{ID: "late", ProjectID: "p1"})
		assert.Len(t, s.AudioFiles("p1"), 2)
	})

	t.Run("newer update wins over the snapshot", func(t *testing.T) {
		fake := gatewaytest.New()
		fake.SeedProject(models.Project{ID: "p1"})
		fake.SeedFile(models.AudioFile{ID: "f1", ProjectID: "p1", UpdatedAt: base})
		gw := &loadRaceGateway{Fake: fake}
		gw.duringFiles = func() {
			fake.EmitUpdate(models.AudioFile{
				ID: "f1", ProjectID: "p1", UpdatedAt: base.Add(time.Second),
				TranscriptionStatus: models.TranscriptionProcessing,
			})
		}
		s := New(gw, Config{}, zerolog.Nop())

		_, err := s.OpenProject(ctx, "p1")
		require.NoError(t, err)
		held, ok := s.AudioFile("f1")
		require.True(t, ok)
		assert.Equal(t, models.TranscriptionProcessing, held.TranscriptionStatus)
	})

	t.Run("stale update loses to the snapshot", func(t *testing.T) {
		fake := gatewaytest.New()
		fake.SeedProject(models.Project{ID: "p1"})
		fake.SeedFile(models.AudioFile{
			ID: "f1", ProjectID: "p1", UpdatedAt: base,
			TranscriptionStatus: models.TranscriptionCompleted,
		})
		gw := &loadRaceGateway{Fake: fake}
		gw.duringFiles = func() {
			fake.EmitUpdate(models.AudioFile{
				ID: "f1", ProjectID: "p1", UpdatedAt: base.Add(-time.Second),
				TranscriptionStatus: models.TranscriptionProcessing,
			})
		}
		s := New(gw, Config{}, zerolog.Nop())

		_, err := s.OpenProject(ctx, "p1")
		require.NoError(t, err)
		held, ok := s.AudioFile("f1")
		require.True(t, ok)
		assert.Equal(t, models.TranscriptionCompleted, held.TranscriptionStatus)
	})

	t.Run("delete and project snapshot are applied", func(t *testing.T) {
		fake := gatewaytest.New()
		fake.SeedProject(models.Project{ID: "p1", Name: "before", UpdatedAt: base})
		fake.SeedFile(models.AudioFile{ID: "gone", ProjectID: "p1"})
		gw := &loadRaceGateway{Fake: fake}
		gw.duringFiles = func() { fake.EmitDelete("p1", "gone") }
		gw.duringProject = func() {
			fake.EmitProject(models.Project{ID: "p1", Name: "after", UpdatedAt: base.Add(time.Second)})
		}
		s := New(gw, Config{}, zerolog.Nop())

		project, err := s.OpenProject(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "after", project.Name)
		held, _ := s.Project("p1")
		assert.Equal(t, "after", held.Name)
		assert.Empty(t, s.AudioFiles("p1"))
	})
}
