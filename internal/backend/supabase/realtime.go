package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/killallgit/somleng/internal/backend"
)

const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"

	joinTimeout = 10 * time.Second
	readLimit   = 4 << 20
)

// Realtime implements backend.ChangeFeed over the Supabase Realtime
// websocket. Each subscription owns one connection and one channel.
type Realtime struct {
	cfg    Config
	tokens TokenSource
	logger zerolog.Logger
}

var _ backend.ChangeFeed = (*Realtime)(nil)

// phxMessage is one Phoenix channel frame
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Type            string          `json:"type"`
		Table           string          `json:"table"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
		CommitTimestamp string          `json:"commit_timestamp"`
	} `json:"data"`
}

// socketURL turns https://x.supabase.co into wss://x.supabase.co/realtime/v1/websocket
func (r *Realtime) socketURL() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid supabase url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + realtimePath
	u.RawQuery = url.Values{"apikey": {r.cfg.AnonKey}, "vsn": {"1.0.0"}}.Encode()
	return u.String(), nil
}

// Subscribe joins a channel observing filter and delivers its changes from
// a single reader goroutine.
func (r *Realtime) Subscribe(ctx context.Context, filter backend.Filter, deliver func(backend.ChangeEvent)) (io.Closer, error) {
	token, err := r.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	wsURL, err := r.socketURL()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("apikey", r.cfg.AnonKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	ch := &channel{
		conn:    conn,
		topic:   fmt.Sprintf("realtime:%s:%s", filter.Table, filter.Value),
		filter:  filter,
		deliver: deliver,
		logger: r.logger.With().
			Str("table", filter.Table).
			Str("filter", filter.Column+"="+filter.Value).
			Logger(),
		done: make(chan struct{}),
	}

	if err := ch.join(ctx, token); err != nil {
		conn.CloseNow()
		return nil, err
	}

	go ch.readLoop()
	go ch.heartbeat(r.cfg.Heartbeat)
	ch.logger.Debug().Msg("Realtime channel joined")
	return ch, nil
}

// channel is one joined Phoenix channel
type channel struct {
	conn    *websocket.Conn
	topic   string
	filter  backend.Filter
	deliver func(backend.ChangeEvent)
	logger  zerolog.Logger

	ref       atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func (c *channel) nextRef() string {
	return strconv.FormatInt(c.ref.Add(1), 10)
}

func (c *channel) send(ctx context.Context, topic, event string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	ref := c.nextRef()
	msg, err := json.Marshal(phxMessage{Topic: topic, Event: event, Payload: body, Ref: ref})
	if err != nil {
		return "", err
	}
	return ref, c.conn.Write(ctx, websocket.MessageText, msg)
}

// join sends phx_join and waits for its reply
func (c *channel) join(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	payload := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{{
				"event":  "*",
				"schema": "public",
				"table":  c.filter.Table,
				"filter": fmt.Sprintf("%s=eq.%s", c.filter.Column, c.filter.Value),
			}},
		},
		"access_token": token,
	}
	ref, err := c.send(ctx, c.topic, eventJoin, payload)
	if err != nil {
		return fmt.Errorf("realtime join: %w", err)
	}

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("realtime join: %w", err)
		}
		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Event != eventReply || msg.Ref != ref {
			continue
		}

		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("realtime join: invalid reply: %w", err)
		}
		if reply.Status == "ok" {
			return nil
		}
		cause := fmt.Errorf("realtime join rejected: %s", strings.TrimSpace(string(reply.Response)))
		if match(cause, backend.ErrRowNotFound) == backend.ErrUnauthorized ||
			strings.Contains(strings.ToLower(string(reply.Response)), "token") {
			return &wrapped{sentinel: backend.ErrUnauthorized, cause: cause}
		}
		return cause
	}
}

func (c *channel) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn().Err(err).Msg("Realtime connection lost")
			}
			return
		}

		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring malformed realtime frame")
			continue
		}
		if msg.Topic != c.topic {
			continue
		}

		switch msg.Event {
		case eventChanges:
			event, ok := c.decodeChange(msg.Payload)
			if !ok {
				continue
			}
			select {
			case <-c.done:
				return
			default:
			}
			c.deliver(event)
		case eventError, eventClose:
			c.logger.Warn().Str("event", msg.Event).Msg("Realtime channel closed by server")
		}
	}
}

func (c *channel) decodeChange(raw json.RawMessage) (backend.ChangeEvent, bool) {
	var payload changePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Debug().Err(err).Msg("Ignoring malformed change payload")
		return backend.ChangeEvent{}, false
	}
	data := payload.Data

	event := backend.ChangeEvent{
		Table:           data.Table,
		Type:            backend.ChangeType(strings.ToUpper(data.Type)),
		Record:          nonEmpty(data.Record),
		OldRecord:       nonEmpty(data.OldRecord),
		CommitTimestamp: parseCommitTimestamp(data.CommitTimestamp),
	}
	if event.Table == "" {
		event.Table = c.filter.Table
	}
	if event.Table != c.filter.Table || !c.matches(event) {
		return backend.ChangeEvent{}, false
	}
	return event, true
}

// matches re-applies the filter where the row carries the column. Deletes
// usually only carry the primary key and pass through.
func (c *channel) matches(event backend.ChangeEvent) bool {
	row := event.Record
	if row == nil {
		row = event.OldRecord
	}
	if row == nil {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return true
	}
	value, ok := fields[c.filter.Column]
	if !ok || value == nil {
		return true
	}
	return fmt.Sprint(value) == c.filter.Value
}

func (c *channel) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, err := c.send(ctx, "phoenix", eventHeartbeat, map[string]any{})
			cancel()
			if err != nil {
				c.logger.Debug().Err(err).Msg("Realtime heartbeat failed")
				return
			}
		}
	}
}

// Close leaves the channel and drops the connection. It does not wait for
// the reader, so a deliver callback may close its own subscription.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = c.send(ctx, c.topic, eventLeave, map[string]any{})
		cancel()
		go c.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})
	return nil
}

func nonEmpty(raw json.RawMessage) json.RawMessage {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == "{}" {
		return nil
	}
	return raw
}

func parseCommitTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999Z07", "2006-01-02 15:04:05.999999Z07"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
