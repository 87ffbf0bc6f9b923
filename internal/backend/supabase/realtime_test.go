package supabase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killallgit/somleng/internal/backend"
)

// phoenixServer accepts one channel join per connection, then pushes the
// scripted change payloads.
type phoenixServer struct {
	reject  bool
	changes []string

	mu       sync.Mutex
	joins    []map[string]any
	left     chan struct{}
	leftOnce sync.Once
}

func (p *phoenixServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}

		switch msg.Event {
		case eventJoin:
			var payload map[string]any
			_ = json.Unmarshal(msg.Payload, &payload)
			p.mu.Lock()
			p.joins = append(p.joins, payload)
			p.mu.Unlock()

			status := `{"status":"ok","response":{}}`
			if p.reject {
				status = `{"status":"error","response":{"reason":"invalid access token"}}`
			}
			p.write(ctx, conn, msg.Topic, eventReply, status, msg.Ref)
			if p.reject {
				continue
			}
			for _, change := range p.changes {
				p.write(ctx, conn, "realtime:other:x", eventChanges, change, "")
				p.write(ctx, conn, msg.Topic, eventChanges, change, "")
			}
		case eventLeave:
			p.leftOnce.Do(func() { close(p.left) })
		}
	}
}

func (p *phoenixServer) write(ctx context.Context, conn *websocket.Conn, topic, event, payload, ref string) {
	msg, _ := json.Marshal(phxMessage{Topic: topic, Event: event, Payload: json.RawMessage(payload), Ref: ref})
	_ = conn.Write(ctx, websocket.MessageText, msg)
}

func newRealtime(t *testing.T, p *phoenixServer) *Realtime {
	t.Helper()
	p.left = make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(p.handler))
	t.Cleanup(srv.Close)
	c := New(Config{URL: srv.URL, AnonKey: "anon", Heartbeat: time.Hour}, staticTokens{token: "tok"}, zerolog.Nop())
	return c.Realtime
}

func changeJSON(kind, projectID, id string) string {
	return `{"data":{"type":"` + kind + `","table":"audio_files","commit_timestamp":"2024-05-01T10:00:00Z",` +
		`"record":{"id":"` + id + `","project_id":"` + projectID + `"},"old_record":{}}}`
}

func TestRealtime_DeliversInOrder(t *testing.T) {
	p := &phoenixServer{changes: []string{
		changeJSON("INSERT", "p1", "f1"),
		changeJSON("UPDATE", "p2", "f9"),
		changeJSON("UPDATE", "p1", "f1"),
		`{"data":{"type":"DELETE","table":"audio_files","commit_timestamp":"2024-05-01T10:00:01Z","record":null,"old_record":{"id":"f1"}}}`,
	}}
	rt := newRealtime(t, p)

	events := make(chan backend.ChangeEvent, 10)
	closer, err := rt.Subscribe(context.Background(),
		backend.Filter{Table: backend.TableAudioFiles, Column: "project_id", Value: "p1"},
		func(e backend.ChangeEvent) { events <- e })
	require.NoError(t, err)
	defer closer.Close()

	var got []backend.ChangeType
	for i := 0; i < 3; i++ {
		select {
		case e := <-events:
			got = append(got, e.Type)
			assert.Equal(t, backend.TableAudioFiles, e.Table)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}
	assert.Equal(t, []backend.ChangeType{backend.ChangeInsert, backend.ChangeUpdate, backend.ChangeDelete}, got)

	p.mu.Lock()
	require.Len(t, p.joins, 1)
	join := p.joins[0]
	p.mu.Unlock()
	assert.Equal(t, "tok", join["access_token"])
	cfg := join["config"].(map[string]any)["postgres_changes"].([]any)[0].(map[string]any)
	assert.Equal(t, "project_id=eq.p1", cfg["filter"])
	assert.Equal(t, "audio_files", cfg["table"])
}

func TestRealtime_CloseLeavesChannel(t *testing.T) {
	p := &phoenixServer{}
	rt := newRealtime(t, p)

	closer, err := rt.Subscribe(context.Background(),
		backend.Filter{Table: backend.TableProjects, Column: "id", Value: "p1"},
		func(backend.ChangeEvent) {})
	require.NoError(t, err)

	require.NoError(t, closer.Close())
	require.NoError(t, closer.Close())

	select {
	case <-p.left:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw phx_leave")
	}
}

func TestRealtime_JoinRejected(t *testing.T) {
	p := &phoenixServer{reject: true}
	rt := newRealtime(t, p)

	_, err := rt.Subscribe(context.Background(),
		backend.Filter{Table: backend.TableProjects, Column: "id", Value: "p1"},
		func(backend.ChangeEvent) {})
	assert.ErrorIs(t, err, backend.ErrUnauthorized)
}

func TestRealtime_SocketURL(t *testing.T) {
	rt := &Realtime{cfg: Config{URL: "https://abc.supabase.co", AnonKey: "k"}}
	u, err := rt.socketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://abc.supabase.co/realtime/v1/websocket?apikey=k&vsn=1.0.0", u)
}
