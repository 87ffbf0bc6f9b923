package ffmpeg

// AudioMetadata is what a probe learned about one audio file
type AudioMetadata struct {
	Duration   float64 `json:"duration"`    // Duration in seconds
	SampleRate int     `json:"sample_rate"` // Sample rate in Hz
	Channels   int     `json:"channels"`    // Number of audio channels
	BitDepth   int     `json:"bit_depth"`   // Bits per sample, 0 when unknown
	Bitrate    int     `json:"bitrate"`     // Bitrate in bits per second
	Format     string  `json:"format"`      // Container format (wav, mp3, etc.)
	Codec      string  `json:"codec"`       // Audio codec
	Size       int64   `json:"size"`        // File size in bytes
}

// DurationPtr returns the duration as an optional column value
func (m *AudioMetadata) DurationPtr() *float64 {
	if m == nil || m.Duration <= 0 {
		return nil
	}
	d := m.Duration
	return &d
}

// SampleRatePtr returns the sample rate as an optional column value
func (m *AudioMetadata) SampleRatePtr() *int {
	return positive(m, func(m *AudioMetadata) int { return m.SampleRate })
}

// ChannelsPtr returns the channel count as an optional column value
func (m *AudioMetadata) ChannelsPtr() *int {
	return positive(m, func(m *AudioMetadata) int { return m.Channels })
}

// BitDepthPtr returns the bit depth as an optional column value
func (m *AudioMetadata) BitDepthPtr() *int {
	return positive(m, func(m *AudioMetadata) int { return m.BitDepth })
}

func positive(m *AudioMetadata, get func(*AudioMetadata) int) *int {
	if m == nil {
		return nil
	}
	v := get(m)
	if v <= 0 {
		return nil
	}
	return &v
}
