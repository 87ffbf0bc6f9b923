package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/killallgit/somleng/internal/models"
)

// Output formats accepted by -o
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// printer renders command results in the chosen format
type printer struct {
	out    io.Writer
	format string
}

func newPrinter(cmd *cobra.Command) (*printer, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case formatTable, formatJSON, formatYAML:
	default:
		return nil, fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
	return &printer{out: cmd.OutOrStdout(), format: format}, nil
}

// structured writes v as JSON or YAML. It reports false for table output,
// which each caller renders itself.
func (p *printer) structured(v any) (bool, error) {
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		// round trip through JSON so field names match the json tags
		data, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(generic)
	}
	return false, nil
}

// record writes one entry of an open-ended stream: a JSON line, or a YAML
// document behind its own separator. It reports false for table output.
func (p *printer) record(v any) (bool, error) {
	switch p.format {
	case formatJSON:
		return true, json.NewEncoder(p.out).Encode(v)
	case formatYAML:
		if _, err := fmt.Fprintln(p.out, "---"); err != nil {
			return true, err
		}
		return p.structured(v)
	}
	return false, nil
}

func (p *printer) Projects(projects []models.Project) error {
	if done, err := p.structured(projects); done {
		return err
	}
	if len(projects) == 0 {
		fmt.Fprintln(p.out, "No projects")
		return nil
	}
	w := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tFILES\tSIZE\tDURATION\tCREATED")
	for _, pr := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			pr.ID, pr.Name, pr.Status, pr.TotalFiles,
			humanize.Bytes(uint64(max(pr.TotalSize, 0))),
			formatSeconds(pr.TotalDuration),
			humanize.Time(pr.CreatedAt))
	}
	return w.Flush()
}

func (p *printer) Project(project models.Project, files []models.AudioFile) error {
	if done, err := p.structured(struct {
		models.Project
		Files []models.AudioFile `json:"files"`
	}{project, files}); done {
		return err
	}
	fmt.Fprintf(p.out, "Project:      %s (%s)\n", project.Name, project.ID)
	if project.Description != nil && *project.Description != "" {
		fmt.Fprintf(p.out, "Description:  %s\n", *project.Description)
	}
	fmt.Fprintf(p.out, "Status:       %s (%d%%)\n", project.Status, project.Progress)
	fmt.Fprintf(p.out, "Files:        %d, %s, %s\n", project.TotalFiles,
		humanize.Bytes(uint64(max(project.TotalSize, 0))), formatSeconds(project.TotalDuration))
	fmt.Fprintln(p.out)
	return p.Files(files)
}

func (p *printer) Files(files []models.AudioFile) error {
	if done, err := p.structured(files); done {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(p.out, "No audio files")
		return nil
	}
	w := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSIZE\tDURATION\tSTATUS\tCLEANED\tUPLOADED")
	for _, f := range files {
		duration := "-"
		if f.Duration != nil {
			duration = formatSeconds(*f.Duration)
		}
		cleaned := "no"
		if f.HasCleaned() {
			cleaned = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.FileName,
			humanize.Bytes(uint64(max(f.FileSize, 0))),
			duration, f.TranscriptionStatus, cleaned,
			humanize.Time(f.CreatedAt))
	}
	return w.Flush()
}

// Message prints a one-line confirmation, or v in structured formats
func (p *printer) Message(v any, format string, args ...any) error {
	if done, err := p.structured(v); done {
		return err
	}
	_, err := fmt.Fprintf(p.out, format+"\n", args...)
	return err
}

func formatSeconds(s float64) string {
	if s <= 0 {
		return "0s"
	}
	d := time.Duration(s * float64(time.Second)).Round(time.Second)
	if d == 0 {
		return "<1s"
	}
	return d.String()
}
