package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"voicegate/core"

	"github.com/zaf/g711"
)

// PCM constants
const (
	pcmMax = 32767  // Max 16-bit PCM value
	pcmMin = -32768 // Min 16-bit PCM value
)

// PCMToULaw converts a 16-bit PCM sample to 8-bit µ-law using ITU-T G.711 standard
func PCMToULaw(sample int16) byte {
	return g711.EncodeUlawFrame(sample)
}

// ULawToPCM converts an 8-bit µ-law byte to 16-bit PCM using ITU-T G.711 standard
func ULawToPCM(u byte) int16 {
	return g711.DecodeUlawFrame(u)
}

// PCMBytesToULaw converts PCM bytes to µ-law
func PCMBytesToULaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	return g711.EncodeUlaw(pcm), nil
}

// ULawBytesToPCM converts µ-law bytes to PCM bytes
func ULawBytesToPCM(uBytes []byte) []byte {
	return g711.DecodeUlaw(uBytes)
}

// PCMBytesToALaw converts PCM bytes to A-law
func PCMBytesToALaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	return g711.EncodeAlaw(pcm), nil
}

// ALawBytesToPCM converts A-law bytes to PCM bytes
func ALawBytesToPCM(aBytes []byte) []byte {
	return g711.DecodeAlaw(aBytes)
}

// ResamplePCMBytes resamples 16-bit mono PCM between sample rates using
// linear interpolation. Telephony audio is narrowband already, so linear
// quality is sufficient for the 8 kHz to 16 kHz hop the recognizer needs.
func ResamplePCMBytes(pcm []byte, inputRate, outputRate int) ([]byte, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: %d -> %d", inputRate, outputRate)
	}
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	if inputRate == outputRate || len(pcm) == 0 {
		return pcm, nil
	}

	inSamples := len(pcm) / 2
	outSamples := inSamples * outputRate / inputRate
	out := make([]byte, outSamples*2)

	ratio := float64(inputRate) / float64(outputRate)
	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
		s1 := s0
		if idx+1 < inSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:]))
		}

		v := float64(s0) + (float64(s1)-float64(s0))*frac
		if v > pcmMax {
			v = pcmMax
		} else if v < pcmMin {
			v = pcmMin
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out, nil
}

// ConvertAudioChunk converts audio data between encodings and sample rates.
// Mono only; the media stream and the recognizer both run single-channel.
func ConvertAudioChunk(
	input core.AudioChunk,
	targetFormat core.AudioEncodingFormat,
	targetSampleRate int,
) (core.AudioChunk, error) {
	if input.Format == targetFormat && input.SampleRate == targetSampleRate {
		return input, nil
	}

	// First convert everything to PCM as intermediate format
	if input.Format != core.PCM {
		pcm, err := convertToPCM(input)
		if err != nil {
			return core.AudioChunk{}, err
		}
		input.Data = pcm
		input.Format = core.PCM
	}

	if input.SampleRate != targetSampleRate {
		resampled, err := ResamplePCMBytes(input.Data, input.SampleRate, targetSampleRate)
		if err != nil {
			return core.AudioChunk{}, err
		}
		input.Data = resampled
		input.SampleRate = targetSampleRate
	}

	if targetFormat != core.PCM {
		converted, err := convertFromPCM(input.Data, targetFormat)
		if err != nil {
			return core.AudioChunk{}, err
		}
		input.Data = converted
		input.Format = targetFormat
	}

	return input, nil
}

// convertToPCM converts supported encodings to PCM
func convertToPCM(input core.AudioChunk) ([]byte, error) {
	switch input.Format {
	case core.ULAW:
		return ULawBytesToPCM(input.Data), nil
	case core.ALAW:
		return ALawBytesToPCM(input.Data), nil
	default:
		return nil, errors.New("unsupported format for PCM conversion")
	}
}

// convertFromPCM converts PCM to target encoding
func convertFromPCM(pcm []byte, targetFormat core.AudioEncodingFormat) ([]byte, error) {
	switch targetFormat {
	case core.ULAW:
		return PCMBytesToULaw(pcm)
	case core.ALAW:
		return PCMBytesToALaw(pcm)
	default:
		return nil, errors.New("unsupported target format")
	}
}
