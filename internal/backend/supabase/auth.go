package supabase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/supabase-community/gotrue-go/types"
	supabasego "github.com/supabase-community/supabase-go"

	"github.com/killallgit/somleng/internal/backend"
	"github.com/killallgit/somleng/internal/services/session"
)

// Auth signs users in and out through Supabase Auth
type Auth struct {
	url     string
	anonKey string
	now     func() time.Time
}

// NewAuth targets the project at url
func NewAuth(url, anonKey string) *Auth {
	return &Auth{url: strings.TrimRight(url, "/"), anonKey: anonKey, now: time.Now}
}

func (a *Auth) client() (*supabasego.Client, error) {
	c, err := supabasego.NewClient(a.url, a.anonKey, nil)
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	return c, nil
}

// SignIn exchanges an email and password for credentials
func (a *Auth) SignIn(ctx context.Context, email, password string) (*session.Credentials, error) {
	c, err := a.client()
	if err != nil {
		return nil, err
	}
	s, err := c.SignInWithEmailPassword(email, password)
	if err != nil {
		return nil, authError(err)
	}
	return a.credentials(s), nil
}

// Refresh trades a refresh token for fresh credentials
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*session.Credentials, error) {
	c, err := a.client()
	if err != nil {
		return nil, err
	}
	s, err := c.RefreshToken(refreshToken)
	if err != nil {
		return nil, authError(err)
	}
	return a.credentials(s), nil
}

// SignOut revokes the access token server-side
func (a *Auth) SignOut(ctx context.Context, accessToken string) error {
	c, err := a.client()
	if err != nil {
		return err
	}
	if err := c.Auth.WithToken(accessToken).Logout(); err != nil {
		return authError(err)
	}
	return nil
}

func (a *Auth) credentials(s types.Session) *session.Credentials {
	creds := &session.Credentials{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		UserID:       s.User.ID.String(),
		Email:        s.User.Email,
	}
	switch {
	case s.ExpiresAt > 0:
		creds.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	case s.ExpiresIn > 0:
		creds.ExpiresAt = a.now().Add(time.Duration(s.ExpiresIn) * time.Second).UTC()
	}
	return creds
}

// gotrue reports failures as "response status code N: body"
func authError(err error) error {
	msg := err.Error()
	for _, code := range []string{"code 400", "code 401", "code 403", "code 422"} {
		if strings.Contains(msg, code) {
			return &wrapped{sentinel: backend.ErrUnauthorized, cause: err}
		}
	}
	return fmt.Errorf("auth request failed: %w", err)
}

// RefreshingTokens serves tokens from the session and refreshes them once
// they expire, persisting the new pair.
type RefreshingTokens struct {
	session *session.Session
	auth    *Auth
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewRefreshingTokens wraps s with refresh through auth
func NewRefreshingTokens(s *session.Session, auth *Auth, logger zerolog.Logger) *RefreshingTokens {
	return &RefreshingTokens{session: s, auth: auth, logger: logger}
}

var _ TokenSource = (*RefreshingTokens)(nil)

// AccessToken returns a live token, refreshing an expired one
func (r *RefreshingTokens) AccessToken(ctx context.Context) (string, error) {
	token, err := r.session.AccessToken(ctx)
	if err == nil {
		return token, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another caller may have refreshed while we waited
	if token, retryErr := r.session.AccessToken(ctx); retryErr == nil {
		return token, nil
	}

	creds, credsErr := r.session.Credentials()
	if credsErr != nil || creds.RefreshToken == "" {
		return "", err
	}

	fresh, refreshErr := r.auth.Refresh(ctx, creds.RefreshToken)
	if refreshErr != nil {
		r.logger.Warn().Err(refreshErr).Msg("Token refresh failed")
		return "", err
	}
	if fresh.Email == "" {
		fresh.Email = creds.Email
	}
	if err := r.session.Save(*fresh); err != nil {
		return "", err
	}
	r.logger.Debug().Msg("Access token refreshed")
	return fresh.AccessToken, nil
}

// UserID returns the signed-in user's id
func (r *RefreshingTokens) UserID(ctx context.Context) (string, error) {
	return r.session.UserID(ctx)
}
