package session

import (
	"encoding/base64"
	"time"

	"voicegate/core"
)

// FrameDecoder decodes transport-framed audio payloads for one call and
// assigns monotonic sequence numbers in arrival order. Not safe for
// concurrent use; each call's media arrives on a single socket reader.
type FrameDecoder struct {
	sampleRate int
	format     core.AudioEncodingFormat
	seq        uint64
}

// NewFrameDecoder creates a decoder for the telephony media format, 8 kHz
// mono μ-law unless the stream's start message says otherwise.
func NewFrameDecoder(format core.AudioEncodingFormat, sampleRate int) *FrameDecoder {
	if sampleRate == 0 {
		sampleRate = 8000
	}
	return &FrameDecoder{sampleRate: sampleRate, format: format}
}

// Decode turns one base64 media payload into an AudioChunk. A malformed
// payload yields a DecodeError; the caller drops the frame and continues.
// The sequence counter advances only for frames that decode.
func (d *FrameDecoder) Decode(rawPayload string) (core.AudioChunk, error) {
	if rawPayload == "" {
		return core.AudioChunk{}, &core.DecodeError{Reason: "empty payload"}
	}
	data, err := base64.StdEncoding.DecodeString(rawPayload)
	if err != nil {
		return core.AudioChunk{}, &core.DecodeError{Reason: "malformed payload", Err: err}
	}
	if len(data) == 0 {
		return core.AudioChunk{}, &core.DecodeError{Reason: "empty frame"}
	}

	d.seq++
	return core.AudioChunk{
		Data:       data,
		Sequence:   d.seq,
		SampleRate: d.sampleRate,
		Channels:   1,
		Format:     d.format,
		Timestamp:  time.Now(),
	}, nil
}

// Decoded reports how many frames have decoded successfully.
func (d *FrameDecoder) Decoded() uint64 {
	return d.seq
}
