// Package audio converts between captured linear samples and the realtime wire
// format: mono, 24 kHz, signed 16-bit little-endian PCM, base64-encoded for
// JSON transport.
//
// All functions are pure and safe for concurrent use.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// SampleRate is the fixed sample rate of the upstream voice service.
	SampleRate = 24000

	// Channels is the channel count of the wire format.
	Channels = 1

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
)

// ErrMalformedAudio is returned when a payload cannot be decoded into whole
// PCM16 samples.
var ErrMalformedAudio = errors.New("audio: malformed payload")

// FloatToPCM16 converts linear samples in [-1, 1] to little-endian PCM16.
// Out-of-range samples are clipped to the representable extremes; negative
// values scale by 32768 and positive values by 32767 so that both -1 and 1
// map exactly onto the int16 limits.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat converts little-endian PCM16 to linear samples in [-1, 1).
// It returns [ErrMalformedAudio] when pcm holds a partial sample.
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of samples", ErrMalformedAudio, len(pcm))
	}
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = float32(sampleAt(pcm, i)) / 32768
	}
	return out, nil
}

// Encode converts captured samples recorded at sampleRate into a base64 wire
// payload. Input at any rate other than [SampleRate] is resampled first.
func Encode(samples []float32, sampleRate int) (string, error) {
	if sampleRate <= 0 {
		return "", fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	pcm := FloatToPCM16(samples)
	if sampleRate != SampleRate {
		pcm = ResampleMono16(pcm, sampleRate, SampleRate)
	}
	return EncodePCM(pcm)
}

// EncodePCM base64-encodes PCM16 that is already in the wire format.
func EncodePCM(pcm []byte) (string, error) {
	if len(pcm)%BytesPerSample != 0 {
		return "", fmt.Errorf("%w: %d bytes is not a whole number of samples", ErrMalformedAudio, len(pcm))
	}
	return base64.StdEncoding.EncodeToString(pcm), nil
}

// DecodePCM decodes a base64 wire payload into raw PCM16 bytes.
func DecodePCM(payload string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedAudio, err)
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of samples", ErrMalformedAudio, len(pcm))
	}
	return pcm, nil
}

// Decode converts a base64 wire payload into a playback buffer of linear
// samples at [SampleRate] mono.
func Decode(payload string) ([]float32, error) {
	pcm, err := DecodePCM(payload)
	if err != nil {
		return nil, err
	}
	return PCM16ToFloat(pcm)
}

// Duration returns the playback length of wire-format PCM16.
func Duration(pcm []byte) time.Duration {
	samples := len(pcm) / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}
