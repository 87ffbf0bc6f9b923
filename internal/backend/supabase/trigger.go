package supabase

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/killallgit/somleng/internal/backend"
)

// Trigger asks the external processing service to work on a project
type Trigger struct {
	endpoint string
	tokens   TokenSource
	client   *http.Client
}

// NewTrigger targets endpoint; a nil client gets a 30 second timeout
func NewTrigger(endpoint string, tokens TokenSource, client *http.Client) *Trigger {
	if client == nil {
		client = &http.Client{}
	}
	if client.Timeout <= 0 {
		client.Timeout = 30 * time.Second
	}
	return &Trigger{
		endpoint: strings.TrimRight(endpoint, "/"),
		tokens:   tokens,
		client:   client,
	}
}

var _ backend.ProcessingTrigger = (*Trigger)(nil)

// TriggerProjectProcessing posts to {endpoint}/project/process/{id}
func (t *Trigger) TriggerProjectProcessing(ctx context.Context, projectID string) error {
	if t.endpoint == "" {
		return fmt.Errorf("processing endpoint not configured")
	}
	token, err := t.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	target := t.endpoint + "/project/process/" + url.PathEscape(projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("processing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("processing service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &wrapped{sentinel: backend.ErrUnauthorized, cause: cause}
	case http.StatusNotFound:
		return &wrapped{sentinel: backend.ErrRowNotFound, cause: cause}
	}
	return cause
}
