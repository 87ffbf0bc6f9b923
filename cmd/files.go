package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/killallgit/somleng/internal/models"
	"github.com/killallgit/somleng/internal/services/actions"
	apperrors "github.com/killallgit/somleng/pkg/errors"
)

var filesCmd = &cobra.Command{
	Use:     "files",
	Aliases: []string{"file"},
	Short:   "Manage a project's audio files",
}

var filesListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List the audio files of a project",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runFilesList),
}

var filesUploadCmd = &cobra.Command{
	Use:   "upload <project-id> <path>...",
	Short: "Upload WAV files, folders or zip archives",
	Long: `Upload every .wav file found in the given paths. Paths may be WAV
files, folders (searched recursively) or zip archives. Other files are
skipped. A failed file does not stop the rest of the batch.

Example:
  somleng files upload 4f1c... ./recordings ./more.zip`,
	Args: cobra.MinimumNArgs(2),
	RunE: withApp(runFilesUpload),
}

var filesDeleteCmd = &cobra.Command{
	Use:   "delete <file-id>",
	Short: "Delete an audio file",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runFilesDelete),
}

var filesURLCmd = &cobra.Command{
	Use:   "url <file-id>",
	Short: "Print a signed URL for a file's audio",
	Long: `Print a signed URL for a file's audio. URLs are cached for the
session. Asking for the cleaned variant of a file that has not been
cleaned yet returns the raw audio.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runFilesURL),
}

var filesTranscriptCmd = &cobra.Command{
	Use:   "transcript <file-id>",
	Short: "Print or replace a file's transcription",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runFilesTranscript),
}

var filesDownloadCmd = &cobra.Command{
	Use:   "download <file-id> <dest>",
	Short: "Download a file's audio",
	Args:  cobra.ExactArgs(2),
	RunE:  withApp(runFilesDownload),
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(filesListCmd, filesUploadCmd, filesDeleteCmd, filesURLCmd, filesTranscriptCmd, filesDownloadCmd)

	filesURLCmd.Flags().String("variant", string(models.VariantCleaned), "audio variant (raw, cleaned)")
	filesDownloadCmd.Flags().String("variant", string(models.VariantCleaned), "audio variant (raw, cleaned)")
	filesTranscriptCmd.Flags().String("set", "", "replace the transcription with this text")
}

func runFilesList(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if _, err := a.store.OpenProject(ctx, args[0]); err != nil {
		return err
	}
	return p.Files(a.store.AudioFiles(args[0]))
}

func runFilesUpload(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	projectID := args[0]
	if _, err := a.store.OpenProject(ctx, projectID); err != nil {
		return err
	}

	showBar := p.format == formatTable && term.IsTerminal(int(os.Stderr.Fd()))
	var bar *progressbar.ProgressBar
	report, err := a.actions.UploadBatch(ctx, projectID, args[1:], func(up actions.UploadProgress) {
		if !showBar {
			a.logger.Debug().Int("done", up.Done).Int("total", up.Total).Str("file", up.FileName).Msg("Uploaded")
			return
		}
		if bar == nil {
			bar = progressbar.NewOptions(up.Total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("Uploading"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(up.Done)
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	if done, err := p.structured(uploadSummary(report)); done {
		return err
	}
	var size int64
	for _, f := range report.Uploaded {
		size += f.FileSize
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Uploaded %d file(s), %s\n", len(report.Uploaded), humanize.Bytes(uint64(size)))
	for _, s := range report.Skipped {
		fmt.Fprintf(out, "  skipped  %s\n", s)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(out, "  failed   %s: %v\n", f.Source, f.Err)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d of %d uploads failed", len(report.Failed), len(report.Failed)+len(report.Uploaded))
	}
	return nil
}

// uploadSummary is the structured form of an upload report
func uploadSummary(r *actions.UploadReport) map[string]any {
	failed := make([]map[string]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		failed = append(failed, map[string]string{"source": f.Source, "error": f.Err.Error()})
	}
	return map[string]any{
		"uploaded": r.Uploaded,
		"failed":   failed,
		"skipped":  r.Skipped,
	}
}

func runFilesDelete(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if err := a.store.DeleteAudioFile(ctx, args[0]); err != nil {
		return err
	}
	a.content.Invalidate(ctx, args[0])
	return p.Message(map[string]string{"deleted": args[0]}, "Deleted audio file %s", args[0])
}

func variantFlag(cmd *cobra.Command) (models.Variant, error) {
	raw, _ := cmd.Flags().GetString("variant")
	v := models.Variant(raw)
	if !v.Valid() {
		return "", apperrors.ValidationError("variant", "must be raw or cleaned")
	}
	return v, nil
}

func runFilesURL(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	variant, err := variantFlag(cmd)
	if err != nil {
		return err
	}
	file, err := a.gateway.GetAudioFile(ctx, args[0])
	if err != nil {
		return err
	}
	resolved, err := a.content.URL(ctx, *file, variant)
	if err != nil {
		return err
	}
	return p.Message(map[string]any{
		"url":     resolved.URL,
		"variant": resolved.Variant,
		"cached":  resolved.Cached,
	}, "%s", resolved.URL)
}

func runFilesTranscript(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	file, err := a.gateway.GetAudioFile(ctx, args[0])
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("set") {
		text, _ := cmd.Flags().GetString("set")
		if file, err = a.gateway.SaveTranscription(ctx, file.ID, text); err != nil {
			return err
		}
	}

	if file.TranscriptionContent == nil {
		msg := fmt.Sprintf("No transcription yet (status %s)", file.TranscriptionStatus)
		if file.ErrorMessage != nil {
			msg += ": " + *file.ErrorMessage
		}
		return p.Message(map[string]any{"id": file.ID, "status": file.TranscriptionStatus, "error": file.ErrorMessage}, "%s", msg)
	}
	return p.Message(map[string]any{
		"id":            file.ID,
		"status":        file.TranscriptionStatus,
		"transcription": *file.TranscriptionContent,
	}, "%s", *file.TranscriptionContent)
}

func runFilesDownload(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	variant, err := variantFlag(cmd)
	if err != nil {
		return err
	}
	file, err := a.gateway.GetAudioFile(ctx, args[0])
	if err != nil {
		return err
	}
	data, got, err := a.content.Fetch(ctx, *file, variant)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", args[1], err)
	}
	return p.Message(map[string]any{"path": args[1], "variant": got, "bytes": len(data)},
		"Saved %s audio to %s (%s)", got, args[1], humanize.Bytes(uint64(len(data))))
}
