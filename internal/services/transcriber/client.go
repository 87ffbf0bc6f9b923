// Package transcriber is a client for the Khmer speech recognition service
package transcriber

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrUnsupportedFormat is returned for anything but WAV audio
	ErrUnsupportedFormat = errors.New("only wav files are supported")

	// ErrServiceUnavailable indicates the service failed or was unreachable
	ErrServiceUnavailable = errors.New("asr service unavailable")

	// ErrRejected indicates the service refused the audio
	ErrRejected = errors.New("asr service rejected the audio")

	// ErrInvalidResponse indicates the service answered with something unexpected
	ErrInvalidResponse = errors.New("invalid response from asr service")
)

// Config holds configuration for the ASR client
type Config struct {
	URL string // Default: http://localhost:8000

	Timeout      time.Duration // Default: 2m, inference on long clips is slow
	MaxRetries   int           // Default: 3
	RetryBackoff time.Duration // Default: 1s

	RequestsPerMinute int // Default: 60
}

// Client talks to the ASR service
type Client struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	config      Config
	logger      zerolog.Logger
}

type transcribeRequest struct {
	AudioBytes string `json:"audio_bytes"`
	Filename   string `json:"filename"`
}

type transcribeResponse struct {
	Transcription string `json:"transcription"`
	Filename      string `json:"filename"`
	Status        string `json:"status"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Health is the service's health report
type Health struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

// NewClient creates a new ASR client
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:8000"
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60
	}

	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		config:      cfg,
		logger:      logger.With().Str("component", "transcriber").Logger(),
	}
}

// Transcribe sends one WAV clip and returns the recognised text
func (c *Client) Transcribe(ctx context.Context, fileName string, audio []byte) (string, error) {
	if !strings.EqualFold(filepath.Ext(fileName), ".wav") {
		return "", fmt.Errorf("%s: %w", fileName, ErrUnsupportedFormat)
	}

	body, err := json.Marshal(transcribeRequest{
		AudioBytes: base64.StdEncoding.EncodeToString(audio),
		Filename:   fileName,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	backoff := c.config.RetryBackoff
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		text, err := c.transcribe(ctx, body)
		if err == nil {
			c.logger.Debug().Str("file", fileName).Int("bytes", len(audio)).Msg("Transcribed audio")
			return text, nil
		}
		if !errors.Is(err, ErrServiceUnavailable) {
			return "", err
		}

		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Str("file", fileName).Msg("ASR request failed, retrying")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) transcribe(ctx context.Context, body []byte) (string, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrServiceUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d: %s", ErrServiceUnavailable, resp.StatusCode, detail(data))
	default:
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, detail(data))
	}

	var out transcribeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if out.Status != "" && out.Status != "success" {
		return "", fmt.Errorf("%w: status %q", ErrInvalidResponse, out.Status)
	}
	return strings.TrimSpace(out.Transcription), nil
}

// Health asks the service whether its model is loaded
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &h, nil
}

// detail pulls the error message out of a FastAPI-style error body
func detail(data []byte) string {
	var e errorResponse
	if json.Unmarshal(data, &e) == nil && e.Detail != "" {
		return e.Detail
	}
	if len(data) > 200 {
		data = data[:200]
	}
	return strings.TrimSpace(string(data))
}
