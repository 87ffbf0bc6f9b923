package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supabase-community/gotrue-go/types"

	"github.com/killallgit/somleng/internal/backend"
	"github.com/killallgit/somleng/internal/models"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) AccessToken(ctx context.Context) (string, error) { return s.token, s.err }
func (s staticTokens) UserID(ctx context.Context) (string, error)      { return "user-1", nil }

// fakeProject stands in for a Supabase project's REST and storage APIs
type fakeProject struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	projects []models.Project
	failWith int
	failBody string
}

func (f *fakeProject) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	r.Use(func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		f.mu.Lock()
		f.requests = append(f.requests, c.Request.Clone(context.Background()))
		f.bodies = append(f.bodies, string(body))
		fail, failBody := f.failWith, f.failBody
		f.mu.Unlock()
		if fail != 0 {
			c.Data(fail, "application/json", []byte(failBody))
			c.Abort()
			return
		}
		c.Next()
	})

	r.GET("/rest/v1/projects", func(c *gin.Context) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := []models.Project{}
		for _, p := range f.projects {
			if id := c.Query("id"); id != "" && "eq."+p.ID != id {
				continue
			}
			if owner := c.Query("created_by"); owner != "" && "eq."+p.CreatedBy != owner {
				continue
			}
			out = append(out, p)
		}
		c.JSON(http.StatusOK, out)
	})
	r.POST("/rest/v1/projects", func(c *gin.Context) {
		var in projectInsert
		f.mu.Lock()
		_ = json.Unmarshal([]byte(f.bodies[len(f.bodies)-1]), &in)
		row := models.Project{ID: "p-new", Name: in.Name, Status: in.Status, CreatedBy: in.CreatedBy, CreatedAt: time.Now().UTC()}
		f.projects = append(f.projects, row)
		f.mu.Unlock()
		c.JSON(http.StatusCreated, []models.Project{row})
	})
	r.PATCH("/rest/v1/projects", func(c *gin.Context) {
		c.JSON(http.StatusOK, []models.Project{})
	})

	r.Any("/storage/v1/*rest", func(c *gin.Context) {
		rest := c.Param("rest")
		switch {
		case strings.HasPrefix(rest, "/object/sign/"):
			c.JSON(http.StatusOK, gin.H{"signedURL": "/object/sign/" + strings.TrimPrefix(rest, "/object/sign/") + "?token=abc"})
		case c.Request.Method == http.MethodDelete:
			c.JSON(http.StatusOK, []gin.H{})
		case c.Request.Method == http.MethodPost:
			c.JSON(http.StatusOK, gin.H{"Key": strings.TrimPrefix(rest, "/object/")})
		default:
			c.Status(http.StatusNotFound)
		}
	})
	return r
}

func (f *fakeProject) last() (*http.Request, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func newTestClient(t *testing.T, fake *fakeProject) *Client {
	t.Helper()
	srv := httptest.NewServer(fake.router())
	t.Cleanup(srv.Close)
	return New(Config{URL: srv.URL, AnonKey: "anon"}, staticTokens{token: "tok"}, zerolog.Nop())
}

func TestTables_ListProjects(t *testing.T) {
	fake := &fakeProject{projects: []models.Project{
		{ID: "p1", Name: "A", CreatedBy: "user-1"},
		{ID: "p2", Name: "B", CreatedBy: "someone-else"},
	}}
	c := newTestClient(t, fake)

	projects, err := c.Tables.ListProjects(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "p1", projects[0].ID)

	req, _ := fake.last()
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
	assert.Equal(t, "anon", req.Header.Get("apikey"))
	assert.Equal(t, "eq.user-1", req.URL.Query().Get("created_by"))
}

func TestTables_GetProjectNotFound(t *testing.T) {
	c := newTestClient(t, &fakeProject{})

	_, err := c.Tables.GetProject(context.Background(), "missing")
	assert.ErrorIs(t, err, backend.ErrRowNotFound)
}

func TestTables_InsertProjectOmitsID(t *testing.T) {
	fake := &fakeProject{}
	c := newTestClient(t, fake)

	created, err := c.Tables.InsertProject(context.Background(), &models.Project{Name: "Field", CreatedBy: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "p-new", created.ID)
	assert.Equal(t, models.ProjectStatusDraft, created.Status)

	req, body := fake.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.NotContains(t, body, `"id"`)
	assert.NotContains(t, body, "created_at")
}

func TestTables_UpdateMissingRow(t *testing.T) {
	c := newTestClient(t, &fakeProject{})

	_, err := c.Tables.UpdateProject(context.Background(), "gone", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, backend.ErrRowNotFound)
}

func TestTables_ExpiredJWT(t *testing.T) {
	c := newTestClient(t, &fakeProject{
		failWith: http.StatusUnauthorized,
		failBody: `{"code":"PGRST301","message":"JWT expired"}`,
	})

	_, err := c.Tables.ListProjects(context.Background(), "")
	assert.ErrorIs(t, err, backend.ErrUnauthorized)
}

func TestTables_TokenError(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:0", AnonKey: "anon"}, staticTokens{err: errors.New("not signed in")}, zerolog.Nop())

	_, err := c.Tables.ListProjects(context.Background(), "")
	assert.EqualError(t, err, "not signed in")
}

func TestObjects_SignedURL(t *testing.T) {
	fake := &fakeProject{}
	c := newTestClient(t, fake)

	url, err := c.Objects.SignedURL(context.Background(), "p1/1-a.wav", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, "/storage/v1/object/sign/audio-files/p1/1-a.wav?token=abc"), url)

	_, body := fake.last()
	assert.JSONEq(t, `{"expiresIn":3600}`, body)
}

func TestObjects_Upload(t *testing.T) {
	fake := &fakeProject{}
	c := newTestClient(t, fake)

	err := c.Objects.Upload(context.Background(), "p1/1-a.wav", strings.NewReader("RIFF"), "audio/wav")
	require.NoError(t, err)

	req, body := fake.last()
	assert.Equal(t, "/storage/v1/object/audio-files/p1/1-a.wav", req.URL.Path)
	assert.Equal(t, "RIFF", body)
	assert.Equal(t, "false", req.Header.Get("x-upsert"))
	assert.Equal(t, "audio/wav", req.Header.Get("Content-Type"))
}

func TestObjects_NotFound(t *testing.T) {
	c := newTestClient(t, &fakeProject{
		failWith: http.StatusBadRequest,
		failBody: `{"statusCode":"404","error":"not_found","message":"Object not found"}`,
	})

	_, err := c.Objects.SignedURL(context.Background(), "p1/nope.wav", time.Minute)
	assert.ErrorIs(t, err, backend.ErrObjectNotFound)
}

func TestObjects_RemoveNothing(t *testing.T) {
	fake := &fakeProject{}
	c := newTestClient(t, fake)

	require.NoError(t, c.Objects.Remove(context.Background()))
	assert.Empty(t, fake.requests)
}

func TestTrigger(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotAuth string
	status := http.StatusAccepted
	setStatus := func(code int) {
		mu.Lock()
		status = code
		mu.Unlock()
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
		code := status
		mu.Unlock()
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"detail":"nope"}`))
	}))
	defer srv.Close()

	trigger := NewTrigger(srv.URL+"/", staticTokens{token: "tok"}, nil)

	t.Run("accepted", func(t *testing.T) {
		require.NoError(t, trigger.TriggerProjectProcessing(context.Background(), "p1"))
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "/project/process/p1", gotPath)
		assert.Equal(t, "Bearer tok", gotAuth)
	})

	t.Run("unauthorized", func(t *testing.T) {
		setStatus(http.StatusForbidden)
		err := trigger.TriggerProjectProcessing(context.Background(), "p1")
		assert.ErrorIs(t, err, backend.ErrUnauthorized)
	})

	t.Run("server error", func(t *testing.T) {
		setStatus(http.StatusInternalServerError)
		err := trigger.TriggerProjectProcessing(context.Background(), "p1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, backend.ErrUnauthorized)
		assert.Contains(t, err.Error(), "500")
	})

	t.Run("not configured", func(t *testing.T) {
		err := NewTrigger("", staticTokens{token: "tok"}, nil).TriggerProjectProcessing(context.Background(), "p1")
		assert.Error(t, err)
	})
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(errors.New("(PGRST116) JSON object requested, multiple (or no) rows returned"), backend.ErrRowNotFound), backend.ErrRowNotFound)
	assert.ErrorIs(t, classify(errors.New("(42501) new row violates row-level security policy"), backend.ErrRowNotFound), backend.ErrUnauthorized)

	plain := errors.New("(23505) duplicate key")
	assert.Equal(t, plain, classify(plain, backend.ErrRowNotFound))
	assert.NoError(t, classify(nil, backend.ErrRowNotFound))
}

func TestParseCommitTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 1, 10, 0, 0, 123000000, time.UTC)
	assert.Equal(t, want, parseCommitTimestamp("2024-05-01T10:00:00.123Z"))
	assert.Equal(t, want, parseCommitTimestamp("2024-05-01T10:00:00.123+00:00"))
	assert.True(t, parseCommitTimestamp("garbage").IsZero())
}

func TestAuthCredentials(t *testing.T) {
	a := NewAuth("https://x.supabase.co/", "anon")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	assert.Equal(t, "https://x.supabase.co", a.url)

	userID := uuid.New()
	creds := a.credentials(types.Session{
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresIn:    3600,
		User:         types.User{ID: userID, Email: "me@example.com"},
	})
	assert.Equal(t, userID.String(), creds.UserID)
	assert.Equal(t, "me@example.com", creds.Email)
	assert.Equal(t, now.Add(time.Hour), creds.ExpiresAt)

	creds = a.credentials(types.Session{AccessToken: "a", ExpiresAt: now.Add(time.Minute).Unix()})
	assert.Equal(t, now.Add(time.Minute), creds.ExpiresAt)

	assert.ErrorIs(t, authError(errors.New("response status code 400: invalid_grant")), backend.ErrUnauthorized)
	assert.NotErrorIs(t, authError(errors.New("dial tcp: refused")), backend.ErrUnauthorized)
}
