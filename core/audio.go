package core

import "time"

type AudioEncodingFormat int

const (
	PCM  AudioEncodingFormat = iota // Pulse-code modulation, 16-bit little-endian.
	ULAW                            // μ-law encoding, 8-bit.
	ALAW                            // A-law encoding, 8-bit.
)

// AudioChunk is one decoded frame of call audio. Sequence numbers are
// assigned per call in arrival order and must be preserved end-to-end.
type AudioChunk struct {
	Data       []byte              // Raw audio data.
	Sequence   uint64              // Monotonic per-call sequence number.
	SampleRate int                 // Sample rate of the audio data.
	Channels   int                 // Number of audio channels.
	Format     AudioEncodingFormat // Encoding format of the audio data.
	Timestamp  time.Time           // Arrival timestamp of the chunk.
}

func (ac AudioChunk) DurationSeconds() float64 {
	if ac.SampleRate == 0 || ac.Channels == 0 {
		return 0.0
	}
	bytesPerSample := 2
	if ac.Format == ULAW || ac.Format == ALAW {
		bytesPerSample = 1
	}
	totalSamples := len(ac.Data) / (bytesPerSample * ac.Channels)
	return float64(totalSamples) / float64(ac.SampleRate)
}
