package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/killallgit/somleng/internal/models"
	"github.com/killallgit/somleng/internal/services/store"
	apperrors "github.com/killallgit/somleng/pkg/errors"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Transcribe audio files",
}

var processFileCmd = &cobra.Command{
	Use:   "file <file-id>",
	Short: "Transcribe one file now",
	Long: `Transcribe one pending or failed file through the ASR service. The
cleaned audio is used when the file has been cleaned, the raw audio
otherwise. A failure marks the file failed so it can be retried.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runProcessFile),
}

var processAllCmd = &cobra.Command{
	Use:   "all <project-id>",
	Short: "Ask the backend to process every pending or failed file",
	Long: `Mark every pending or failed file of the project as processing and
trigger the backend pipeline. Results arrive through the change feed;
use --wait to stay until every file has settled.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runProcessAll),
}

var processHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the ASR service is reachable",
	Args:  cobra.NoArgs,
	RunE:  withApp(runProcessHealth),
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.AddCommand(processFileCmd, processAllCmd, processHealthCmd)

	processAllCmd.Flags().Bool("wait", false, "wait until no file is processing")
	processAllCmd.Flags().Duration("timeout", 30*time.Minute, "give up waiting after this long")
}

func runProcessFile(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if err := a.openProjectOf(ctx, args[0]); err != nil {
		return err
	}
	file, err := a.actions.ProcessOne(ctx, args[0])
	if err != nil {
		return err
	}
	text := ""
	if file.TranscriptionContent != nil {
		text = *file.TranscriptionContent
	}
	return p.Message(file, "%s: %s", file.FileName, text)
}

func runProcessAll(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	projectID := args[0]
	if _, err := a.store.OpenProject(ctx, projectID); err != nil {
		return err
	}

	// watch before triggering so no completion is missed
	settled := make(chan struct{}, 1)
	unwatch := a.store.Watch(func(c store.Change) {
		if c.ProjectID != projectID || c.Kind != store.FilesChanged {
			return
		}
		select {
		case settled <- struct{}{}:
		default:
		}
	})
	defer unwatch()

	result, err := a.actions.ProcessAll(ctx, projectID, a.store.AudioFiles(projectID))
	if err != nil {
		return err
	}
	if result.NothingToDo {
		return p.Message(result, "Nothing to process")
	}

	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		return p.Message(result, "Processing started for %d file(s)", result.Candidates)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for countStatus(a.store.AudioFiles(projectID), models.TranscriptionProcessing) > 0 {
		select {
		case <-settled:
		case <-ctx.Done():
			return fmt.Errorf("waiting for processing: %w", ctx.Err())
		}
	}

	files := a.store.AudioFiles(projectID)
	if done, err := p.structured(files); done {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Processing finished: %d completed, %d failed\n",
		countStatus(files, models.TranscriptionCompleted), countStatus(files, models.TranscriptionFailed))
	return nil
}

func runProcessHealth(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if a.asr == nil {
		return apperrors.ConfigError("asr.url", "no transcription service configured")
	}
	health, err := a.asr.Health(ctx)
	if err != nil {
		return err
	}
	return p.Message(health, "ASR service %s (model %s)", health.Status, health.Model)
}

func countStatus(files []models.AudioFile, status models.TranscriptionStatus) int {
	n := 0
	for _, f := range files {
		if f.TranscriptionStatus == status {
			n++
		}
	}
	return n
}
