// Package wavfile reads and writes the WAV files used by the dial-in client:
// arbitrary PCM WAV input is normalised to mono PCM16, and reply audio in the
// wire format is written back out as a 16-bit mono WAV.
package wavfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/concierge/pkg/audio"
)

// ErrInvalidFile is returned when the input is not a decodable PCM WAV file.
var ErrInvalidFile = errors.New("wavfile: not a valid PCM wav file")

// Clip is a decoded, mono, 16-bit recording.
type Clip struct {
	// PCM is little-endian int16 mono audio.
	PCM []byte

	// SampleRate is the rate PCM was recorded at.
	SampleRate int
}

// Samples returns the clip as linear samples in [-1, 1).
func (c Clip) Samples() []float32 {
	// PCM is always whole samples, so the conversion cannot fail.
	s, _ := audio.PCM16ToFloat(c.PCM)
	return s
}

// Read decodes a PCM WAV file. Stereo input is downmixed; bit depths other
// than 16 are rescaled to 16 bits.
func Read(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, ErrInvalidFile
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("wavfile: decode: %w", err)
	}

	channels := int(dec.NumChans)
	if channels != 1 && channels != 2 {
		return Clip{}, fmt.Errorf("wavfile: %d channels not supported", channels)
	}
	depth := int(dec.BitDepth)
	if depth <= 0 || depth > 32 {
		return Clip{}, fmt.Errorf("wavfile: bit depth %d not supported", depth)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(to16(v, depth)))
	}
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return Clip{PCM: pcm, SampleRate: int(dec.SampleRate)}, nil
}

// Write encodes mono PCM16 at sampleRate as a WAV file.
func Write(w io.WriteSeeker, pcm []byte, sampleRate int) error {
	if len(pcm)%audio.BytesPerSample != 0 {
		return fmt.Errorf("wavfile: %w", audio.ErrMalformedAudio)
	}
	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wavfile: write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wavfile: close encoder: %w", err)
	}
	return nil
}

// to16 rescales a sample of the given bit depth to int16.
func to16(v, depth int) int16 {
	switch {
	case depth == 16:
	case depth == 8:
		// 8-bit WAV is unsigned.
		v = (v - 128) << 8
	case depth > 16:
		v >>= depth - 16
	default:
		v <<= 16 - depth
	}
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}
