package actions

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/killallgit/somleng/internal/models"
	apperrors "github.com/killallgit/somleng/pkg/errors"
)

// UploadProgress is reported after each file of a batch finishes
type UploadProgress struct {
	Done     int
	Total    int
	FileName string
	Err      error
}

// UploadFailure is one file of a batch that did not upload
type UploadFailure struct {
	Source string
	Err    error
}

// UploadReport summarises a batch
type UploadReport struct {
	Uploaded []models.AudioFile
	Failed   []UploadFailure
	Skipped  []string
}

// entry is one WAV file found in a source
type entry struct {
	source string // path shown to the user
	name   string // file name sent to the backend
	size   int64
	open   func() (io.ReadCloser, error)
}

// UploadBatch uploads every .wav file found in sources, which may be WAV
// files, directories or zip archives. Other files are skipped. Per-file
// failures are collected in the report rather than stopping the batch.
func (o *Orchestrator) UploadBatch(ctx context.Context, projectID string, sources []string, progress func(UploadProgress)) (*UploadReport, error) {
	if projectID == "" {
		return nil, apperrors.MissingFieldError("project_id")
	}

	report := &UploadReport{}
	var entries []entry
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	for _, src := range sources {
		found, skipped, closer, err := collect(src)
		if err != nil {
			return nil, apperrors.ValidationError("sources", err.Error())
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		entries = append(entries, found...)
		report.Skipped = append(report.Skipped, skipped...)
	}
	if len(entries) == 0 {
		return report, apperrors.ValidationError("sources", "no .wav files found")
	}

	limit := rate.Inf
	if o.cfg.UploadRate > 0 {
		limit = rate.Limit(o.cfg.UploadRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	var (
		mu   sync.Mutex
		done int
	)
	type result struct {
		file    *models.AudioFile
		failure *UploadFailure
	}

	p := pool.NewWithResults[result]().WithMaxGoroutines(o.cfg.UploadConcurrency)
	for _, e := range entries {
		p.Go(func() result {
			file, err := o.uploadOne(ctx, limiter, projectID, e)

			mu.Lock()
			done++
			if progress != nil {
				progress(UploadProgress{Done: done, Total: len(entries), FileName: e.name, Err: err})
			}
			mu.Unlock()

			if err != nil {
				o.logger.Warn().Err(err).Str("source", e.source).Msg("Upload failed")
				return result{failure: &UploadFailure{Source: e.source, Err: err}}
			}
			return result{file: file}
		})
	}

	for _, r := range p.Wait() {
		if r.failure != nil {
			report.Failed = append(report.Failed, *r.failure)
			continue
		}
		report.Uploaded = append(report.Uploaded, *r.file)
	}
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Source < report.Failed[j].Source })

	o.logger.Info().
		Str("project_id", projectID).
		Int("uploaded", len(report.Uploaded)).
		Int("failed", len(report.Failed)).
		Int("skipped", len(report.Skipped)).
		Msg("Batch upload finished")
	return report, nil
}

func (o *Orchestrator) uploadOne(ctx context.Context, limiter *rate.Limiter, projectID string, e entry) (*models.AudioFile, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if o.cfg.MaxUploadSize > 0 && e.size > o.cfg.MaxUploadSize {
		return nil, apperrors.ValidationError("file", fmt.Sprintf("%s is larger than %d bytes", e.name, o.cfg.MaxUploadSize))
	}

	rc, err := e.open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", e.source, err)
	}
	// e.size is only what the header or an earlier stat said
	var body io.Reader = rc
	if o.cfg.MaxUploadSize > 0 {
		body = io.LimitReader(rc, o.cfg.MaxUploadSize+1)
	}
	data, err := io.ReadAll(body)
	_ = rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.source, err)
	}
	if o.cfg.MaxUploadSize > 0 && int64(len(data)) > o.cfg.MaxUploadSize {
		return nil, apperrors.ValidationError("file", fmt.Sprintf("%s is larger than %d bytes", e.name, o.cfg.MaxUploadSize))
	}

	upload := models.AudioUpload{
		FileName:    e.name,
		Body:        bytes.NewReader(data),
		Size:        int64(len(data)),
		ContentType: "audio/wav",
	}
	if o.prober != nil {
		meta, err := o.prober.ProbeBytes(ctx, e.name, data)
		if err != nil {
			// metadata is optional; the backend fills it in later
			o.logger.Debug().Err(err).Str("source", e.source).Msg("Could not probe audio")
		} else {
			upload.Duration = meta.DurationPtr()
			upload.SampleRate = meta.SampleRatePtr()
			upload.Channels = meta.ChannelsPtr()
			upload.BitDepth = meta.BitDepthPtr()
		}
	}

	return o.store.AddAudioFile(ctx, projectID, upload)
}

// collect expands one source into WAV entries. The returned closer, if
// any, must stay open until the entries have been read.
func collect(src string) ([]entry, []string, io.Closer, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, nil, nil, err
	}

	switch {
	case info.IsDir():
		entries, skipped, err := collectDir(src)
		return entries, skipped, nil, err
	case strings.EqualFold(filepath.Ext(src), ".zip"):
		return collectZip(src)
	case isWAV(src):
		return []entry{fileEntry(src, info.Size())}, nil, nil, nil
	}
	return nil, []string{src}, nil, nil
}

func collectDir(dir string) ([]entry, []string, error) {
	var (
		entries []entry
		skipped []string
	)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if !isWAV(p) {
			skipped = append(skipped, p)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, fileEntry(p, info.Size()))
		return nil
	})
	return entries, skipped, err
}

func collectZip(src string) ([]entry, []string, io.Closer, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", src, err)
	}

	var (
		entries []entry
		skipped []string
	)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		base := path.Base(f.Name)
		// archives made on macOS carry resource forks
		if strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(base, ".") {
			continue
		}
		display := src + "!" + f.Name
		if !isWAV(base) {
			skipped = append(skipped, display)
			continue
		}
		entries = append(entries, entry{
			source: display,
			name:   base,
			size:   int64(f.UncompressedSize64),
			open:   func() (io.ReadCloser, error) { return f.Open() },
		})
	}
	return entries, skipped, r, nil
}

func fileEntry(p string, size int64) entry {
	return entry{
		source: p,
		name:   filepath.Base(p),
		size:   size,
		open:   func() (io.ReadCloser, error) { return os.Open(p) },
	}
}

func isWAV(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".wav")
}

// Errors joins a report's failures, or returns nil when there are none
func (r *UploadReport) Errors() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.Source, f.Err))
	}
	return errors.Join(errs...)
}
