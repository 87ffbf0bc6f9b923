package ffmpeg

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// ParseWAV reads the RIFF header of a WAV stream and derives its duration
// from the data chunk size. It stops reading at the data chunk.
func ParseWAV(r io.Reader) (*AudioMetadata, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		meta       AudioMetadata
		blockAlign int
		byteRate   int
		haveFormat bool
	)
	meta.Format = "wav"
	meta.Size = int64(binary.LittleEndian.Uint32(riff[4:8])) + 8

	for {
		var header [8]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, fmt.Errorf("%w: no data chunk", ErrInvalidAudioFile)
		}
		id := string(header[0:4])
		size := int64(binary.LittleEndian.Uint32(header[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too short", ErrInvalidAudioFile)
			}
			chunk := make([]byte, size)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidAudioFile, err)
			}
			format := binary.LittleEndian.Uint16(chunk[0:2])
			meta.Channels = int(binary.LittleEndian.Uint16(chunk[2:4]))
			meta.SampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			byteRate = int(binary.LittleEndian.Uint32(chunk[8:12]))
			blockAlign = int(binary.LittleEndian.Uint16(chunk[12:14]))
			meta.BitDepth = int(binary.LittleEndian.Uint16(chunk[14:16]))
			meta.Bitrate = byteRate * 8
			meta.Codec = codecName(format, meta.BitDepth)
			haveFormat = true
		case "data":
			if !haveFormat {
				return nil, fmt.Errorf("%w: data before fmt", ErrInvalidAudioFile)
			}
			if byteRate > 0 {
				meta.Duration = float64(size) / float64(byteRate)
			} else if blockAlign > 0 && meta.SampleRate > 0 {
				meta.Duration = float64(size/int64(blockAlign)) / float64(meta.SampleRate)
			}
			return &meta, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return nil, fmt.Errorf("%w: truncated %q chunk", ErrInvalidAudioFile, id)
			}
		}
		// chunks are word aligned
		if id == "fmt " && size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidAudioFile, err)
			}
		}
	}
}

func codecName(format uint16, bits int) string {
	switch format {
	case wavFormatPCM, wavFormatExtensible:
		if bits == 8 {
			return "pcm_u8"
		}
		return fmt.Sprintf("pcm_s%dle", bits)
	case wavFormatFloat:
		return fmt.Sprintf("pcm_f%dle", bits)
	}
	return fmt.Sprintf("wav_0x%04x", format)
}
