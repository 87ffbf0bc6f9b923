package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/killallgit/somleng/internal/services/store"
)

var watchCmd = &cobra.Command{
	Use:   "watch <project-id>",
	Short: "Follow a project's files as they change",
	Long: `Open a project and print every change to it as it is reconciled,
whether it came from this machine or another client. Runs until
interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runWatch),
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// watchLine is one printed change
type watchLine struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Op        string    `json:"op"`
	Remote    bool      `json:"remote"`
	ProjectID string    `json:"project_id"`
	FileID    string    `json:"file_id,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	Status    string    `json:"status,omitempty"`
}

func runWatch(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	projectID := args[0]

	lines := make(chan watchLine, 64)
	unwatch := a.store.Watch(func(c store.Change) {
		line := watchLine{
			Time:      time.Now(),
			Kind:      string(c.Kind),
			Op:        c.Op,
			Remote:    c.Remote,
			ProjectID: c.ProjectID,
			FileID:    c.FileID,
		}
		if c.Kind == store.FilesChanged {
			if f, ok := a.store.AudioFile(c.FileID); ok {
				line.FileName = f.FileName
				line.Status = string(f.TranscriptionStatus)
			}
		} else if pr, ok := a.store.Project(c.ProjectID); ok {
			line.Status = string(pr.Status)
		}
		select {
		case lines <- line:
		default:
			a.logger.Warn().Str("file_id", c.FileID).Msg("Watch output behind, dropping change")
		}
	})
	defer unwatch()

	project, err := a.store.OpenProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := p.Project(*project, a.store.AudioFiles(projectID)); err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Watching for changes, press Ctrl+C to stop")

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			if done, err := p.record(line); done {
				if err != nil {
					return err
				}
				continue
			}
			source := "local"
			if line.Remote {
				source = "remote"
			}
			subject := line.ProjectID
			if line.FileID != "" {
				subject = line.FileID
				if line.FileName != "" {
					subject += " " + line.FileName
				}
			}
			fmt.Fprintf(out, "%s  %-8s %-8s %-6s %s %s\n",
				line.Time.Format(time.TimeOnly), line.Kind, line.Op, source, subject, line.Status)
		}
	}
}
