package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Prober extracts audio metadata with ffprobe, falling back to reading
// the WAV header itself when ffprobe is not installed
type Prober struct {
	ffprobePath string
	timeout     time.Duration
	available   bool
}

// New creates a prober. An empty path means "ffprobe" on PATH.
func New(ffprobePath string, timeout time.Duration) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &Prober{ffprobePath: ffprobePath, timeout: timeout}
	p.available = p.ValidateBinary() == nil
	return p
}

// ValidateBinary checks that ffprobe can be found
func (p *Prober) ValidateBinary() error {
	if _, err := exec.LookPath(p.ffprobePath); err != nil {
		return fmt.Errorf("%w: %s", ErrFFprobeNotFound, p.ffprobePath)
	}
	return nil
}

// Available reports whether ffprobe was found at construction
func (p *Prober) Available() bool {
	return p.available
}

// ffprobeOutput represents the JSON structure returned by ffprobe
type ffprobeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		Bitrate    string `json:"bit_rate"`
		FormatName string `json:"format_name"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType        string `json:"codec_type"`
	CodecName        string `json:"codec_name"`
	SampleRate       string `json:"sample_rate"`
	Channels         int    `json:"channels"`
	BitsPerSample    int    `json:"bits_per_sample"`
	BitsPerRawSample string `json:"bits_per_raw_sample"`
	Duration         string `json:"duration"`
}

// ProbeFile returns the metadata of the audio file at path
func (p *Prober) ProbeFile(ctx context.Context, path string) (*AudioMetadata, error) {
	if !p.available {
		return p.probeWAVFile(path)
	}
	return p.run(ctx, path, nil)
}

// ProbeBytes returns the metadata of an in-memory audio file. name is
// only used in error messages and to pick the fallback parser.
func (p *Prober) ProbeBytes(ctx context.Context, name string, data []byte) (*AudioMetadata, error) {
	if !p.available {
		if !isWAV(name) {
			return nil, fmt.Errorf("%w: %s", ErrFFprobeNotFound, name)
		}
		meta, err := ParseWAV(bytes.NewReader(data))
		if err != nil {
			return nil, NewProcessingError("wav_header", name, err, "")
		}
		return meta, nil
	}
	meta, err := p.run(ctx, name, bytes.NewReader(data))
	if err == nil && meta.Size == 0 {
		meta.Size = int64(len(data))
	}
	return meta, err
}

// run invokes ffprobe on path, or on stdin when stdin is set
func (p *Prober) run(ctx context.Context, path string, stdin io.Reader) (*AudioMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	input := path
	if stdin != nil {
		input = "pipe:0"
	}
	args := []string{
		"-v", "quiet",
		"-show_format",
		"-show_streams",
		"-select_streams", "a:0", // Select first audio stream
		"-of", "json",
		input,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, NewProcessingError("metadata_extraction", path, err, stderr.String())
	}

	var output ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return nil, NewProcessingError("metadata_parsing", path, err, "")
	}
	return parseMetadata(&output, path)
}

func (p *Prober) probeWAVFile(path string) (*AudioMetadata, error) {
	if !isWAV(path) {
		return nil, fmt.Errorf("%w: %s", ErrFFprobeNotFound, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, NewProcessingError("open", path, err, "")
	}
	defer f.Close()

	meta, err := ParseWAV(f)
	if err != nil {
		return nil, NewProcessingError("wav_header", path, err, "")
	}
	if info, err := f.Stat(); err == nil {
		meta.Size = info.Size()
	}
	return meta, nil
}

// parseMetadata converts ffprobe output to AudioMetadata
func parseMetadata(output *ffprobeOutput, filePath string) (*AudioMetadata, error) {
	metadata := &AudioMetadata{Format: output.Format.FormatName}

	if output.Format.Duration != "" {
		if duration, err := strconv.ParseFloat(output.Format.Duration, 64); err == nil {
			metadata.Duration = duration
		}
	}
	if output.Format.Size != "" {
		if size, err := strconv.ParseInt(output.Format.Size, 10, 64); err == nil {
			metadata.Size = size
		}
	}
	if output.Format.Bitrate != "" {
		if bitrate, err := strconv.Atoi(output.Format.Bitrate); err == nil {
			metadata.Bitrate = bitrate
		}
	}

	found := false
	for _, stream := range output.Streams {
		if stream.CodecType != "audio" {
			continue
		}
		found = true
		metadata.Codec = stream.CodecName
		metadata.Channels = stream.Channels
		if stream.SampleRate != "" {
			if sampleRate, err := strconv.Atoi(stream.SampleRate); err == nil {
				metadata.SampleRate = sampleRate
			}
		}
		metadata.BitDepth = stream.BitsPerSample
		if metadata.BitDepth == 0 && stream.BitsPerRawSample != "" {
			if bits, err := strconv.Atoi(stream.BitsPerRawSample); err == nil {
				metadata.BitDepth = bits
			}
		}
		// Use stream duration if format duration is not available
		if metadata.Duration == 0 && stream.Duration != "" {
			if duration, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
				metadata.Duration = duration
			}
		}
		break
	}

	if !found {
		return nil, NewProcessingError("metadata_validation", filePath, ErrInvalidAudioFile, "")
	}
	if metadata.Duration == 0 {
		return nil, NewProcessingError("metadata_validation", filePath,
			errors.New("could not determine audio duration"), "")
	}
	return metadata, nil
}

func isWAV(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".wav")
}
