package wavfile_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/concierge/pkg/audio/wavfile"
)

func pcmOf(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestWriteRead_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reply.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want := pcmOf(0, 1000, -1000, 32767, -32768)
	if err := wavfile.Write(f, want, 24000); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()

	clip, err := wavfile.Read(in)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if clip.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", clip.SampleRate)
	}
	if !bytes.Equal(clip.PCM, want) {
		t.Errorf("PCM = %v, want %v", clip.PCM, want)
	}
	if got := len(clip.Samples()); got != 5 {
		t.Errorf("len(Samples) = %d, want 5", got)
	}
}

func TestRead_InvalidFile(t *testing.T) {
	t.Parallel()

	_, err := wavfile.Read(bytes.NewReader([]byte("definitely not a riff header")))
	if !errors.Is(err, wavfile.ErrInvalidFile) {
		t.Errorf("err = %v, want ErrInvalidFile", err)
	}
}

func TestWrite_RejectsPartialSample(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "bad.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := wavfile.Write(f, []byte{1, 2, 3}, 24000); err == nil {
		t.Error("expected error for odd-length pcm")
	}
}
