// Package supabase implements the backend contract against a hosted
// Supabase project: PostgREST rows, Storage objects, Realtime change feeds
// and an external processing endpoint.
package supabase

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/killallgit/somleng/internal/backend"
)

const (
	restPath     = "/rest/v1"
	storagePath  = "/storage/v1"
	realtimePath = "/realtime/v1/websocket"
)

// TokenSource supplies the signed-in user's credentials per request
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	UserID(ctx context.Context) (string, error)
}

// Config holds the project coordinates
type Config struct {
	URL                string
	AnonKey            string
	Schema             string
	Bucket             string
	Heartbeat          time.Duration
	Timeout            time.Duration
	ProcessingEndpoint string
	ProcessingTimeout  time.Duration
}

// Client is the hosted backend
type Client struct {
	cfg    Config
	tokens TokenSource
	logger zerolog.Logger

	Tables   *Tables
	Objects  *Objects
	Realtime *Realtime
	Trigger  *Trigger
}

// New wires the hosted backend over tokens
func New(cfg Config, tokens TokenSource, logger zerolog.Logger) *Client {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger = logger.With().Str("component", "supabase").Logger()

	return &Client{
		cfg:      cfg,
		tokens:   tokens,
		logger:   logger,
		Tables:   &Tables{cfg: cfg, tokens: tokens},
		Objects:  &Objects{cfg: cfg, tokens: tokens},
		Realtime: &Realtime{cfg: cfg, tokens: tokens, logger: logger},
		Trigger:  NewTrigger(cfg.ProcessingEndpoint, tokens, &http.Client{Timeout: cfg.ProcessingTimeout}),
	}
}

// Backend exposes the client through the backend contract
func (c *Client) Backend() backend.Backend {
	return backend.Backend{
		Tables:     c.Tables,
		Objects:    c.Objects,
		Feed:       c.Realtime,
		Processing: c.Trigger,
		Identity:   c.tokens,
	}
}

// authHeaders builds the headers every Supabase API call needs
func authHeaders(ctx context.Context, cfg Config, tokens TokenSource) (map[string]string, string, error) {
	token, err := tokens.AccessToken(ctx)
	if err != nil {
		return nil, "", err
	}
	return map[string]string{
		"apikey":        cfg.AnonKey,
		"Authorization": "Bearer " + token,
	}, token, nil
}

// classify maps an error message from the Supabase libraries onto the
// backend sentinels. The libraries flatten HTTP status into text.
func classify(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if sentinel := match(err, notFound); sentinel != nil {
		return &wrapped{sentinel: sentinel, cause: err}
	}
	return err
}

// match returns the sentinel err's text corresponds to, or nil
func match(err error, notFound error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "pgrst301"), strings.Contains(msg, "pgrst302"),
		strings.Contains(msg, "jwt"), strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "(42501)"):
		return backend.ErrUnauthorized
	case strings.Contains(msg, "pgrst116"), strings.Contains(msg, "not found"), strings.Contains(msg, "not_found"):
		return notFound
	}
	return nil
}

// wrapped matches its sentinel with errors.Is and keeps the original text
type wrapped struct {
	sentinel error
	cause    error
}

func (w *wrapped) Error() string   { return w.sentinel.Error() + ": " + w.cause.Error() }
func (w *wrapped) Unwrap() []error { return []error{w.sentinel, w.cause} }
