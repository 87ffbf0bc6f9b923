package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/killallgit/somleng/internal/backend"
	"github.com/killallgit/somleng/internal/backend/local"
	"github.com/killallgit/somleng/internal/backend/supabase"
	"github.com/killallgit/somleng/internal/services/actions"
	"github.com/killallgit/somleng/internal/services/content"
	"github.com/killallgit/somleng/internal/services/gateway"
	"github.com/killallgit/somleng/internal/services/session"
	"github.com/killallgit/somleng/internal/services/store"
	"github.com/killallgit/somleng/internal/services/transcriber"
	"github.com/killallgit/somleng/internal/services/urlcache"
	"github.com/killallgit/somleng/pkg/config"
	"github.com/killallgit/somleng/pkg/download"
	"github.com/killallgit/somleng/pkg/ffmpeg"
	"github.com/killallgit/somleng/pkg/log"
)

// app holds the services one command invocation works with
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	session *session.Session
	auth    *supabase.Auth
	local   *local.Local

	gateway *gateway.Service
	store   *store.Store
	content *content.Service
	actions *actions.Orchestrator
	asr     *transcriber.Client
}

// newApp wires the configured backend and everything layered on it
func newApp() (*app, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}
	logger := log.WithComponent("cli")

	sess, err := session.Open(cfg.Session.Path, log.Logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, session: sess}

	if cfg.ASR.URL != "" {
		a.asr = transcriber.NewClient(transcriber.Config{URL: cfg.ASR.URL, Timeout: cfg.ASR.Timeout}, log.Logger)
	}

	var b backend.Backend
	switch cfg.Backend {
	case config.BackendLocal:
		var tr local.Transcriber
		if a.asr != nil {
			tr = a.asr
		}
		l, err := local.New(local.Config{
			DatabasePath:    cfg.Local.DatabasePath,
			StorageDir:      cfg.Local.StorageDir,
			ProcessingDelay: cfg.Local.ProcessingDelay,
			UserID:          cfg.Local.UserID,
			Verbose:         cfg.Local.Verbose,
		}, tr, log.Logger)
		if err != nil {
			_ = sess.Close()
			return nil, err
		}
		a.local = l
		b = l.Backend()
	default:
		a.auth = supabase.NewAuth(cfg.Supabase.URL, cfg.Supabase.AnonKey)
		tokens := supabase.NewRefreshingTokens(sess, a.auth, log.WithComponent("auth"))
		b = supabase.New(supabase.Config{
			URL:                cfg.Supabase.URL,
			AnonKey:            cfg.Supabase.AnonKey,
			Schema:             cfg.Supabase.Schema,
			Bucket:             cfg.Supabase.StorageBucket,
			Heartbeat:          cfg.Supabase.RealtimeHeartbeat,
			Timeout:            cfg.Supabase.Timeout,
			ProcessingEndpoint: cfg.Processing.Endpoint,
			ProcessingTimeout:  cfg.Processing.Timeout,
		}, tokens, log.Logger).Backend()
	}

	a.gateway = gateway.NewService(b, gateway.Config{SignedURLTTL: cfg.Supabase.SignedURLTTL}, log.Logger)
	a.store = store.New(a.gateway, store.Config{MaxProjects: cfg.Projects.MaxPerOwner}, log.Logger)
	a.content = content.New(a.gateway, urlcache.New(sess.Cache(), log.Logger), download.NewDownloader(download.DefaultOptions()), log.Logger)

	deps := actions.Dependencies{
		Store:   a.store,
		Gateway: a.gateway,
		Content: a.content,
	}
	if a.asr != nil {
		deps.Transcriber = a.asr
	}
	if cfg.Upload.ProbeAudio {
		deps.Prober = ffmpeg.New(cfg.Upload.FFprobePath, 0)
	}
	a.actions = actions.New(deps, actions.Config{
		UploadConcurrency: cfg.Upload.Concurrency,
		UploadRate:        cfg.Upload.RateLimit,
		MaxUploadSize:     cfg.Upload.MaxSize,
	}, log.Logger)

	return a, nil
}

// Close releases the backend and the session file
func (a *app) Close() error {
	a.store.CloseProject()
	var errs []error
	if a.local != nil {
		errs = append(errs, a.local.Close())
	}
	errs = append(errs, a.session.Close())
	return errors.Join(errs...)
}

// withApp adapts a command body that needs the wired services. The
// context is cancelled on interrupt.
func withApp(run func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("Shutdown incomplete")
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, a, cmd, args)
	}
}

// openProjectOf makes the project holding fileID the viewed one, so the
// store holds the file.
func (a *app) openProjectOf(ctx context.Context, fileID string) error {
	file, err := a.gateway.GetAudioFile(ctx, fileID)
	if err != nil {
		return err
	}
	if _, err := a.store.OpenProject(ctx, file.ProjectID); err != nil {
		return fmt.Errorf("open project %s: %w", file.ProjectID, err)
	}
	return nil
}
