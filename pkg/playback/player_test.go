package playback_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/concierge/pkg/audio"
	"github.com/MrWong99/concierge/pkg/playback"
)

func TestPlayer_HandsOffInOrder(t *testing.T) {
	t.Parallel()

	s := playback.NewSequencer()
	var (
		mu     sync.Mutex
		played []string
		busy   bool
	)
	finished := make(chan struct{})
	sink := playback.SinkFunc(func(_ context.Context, c playback.Chunk) error {
		mu.Lock()
		if busy {
			t.Error("sink re-entered before previous chunk returned")
		}
		busy = true
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		busy = false
		if c.Final {
			close(finished)
		} else {
			played = append(played, c.Delta)
		}
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- playback.NewPlayer(s, sink).Run(ctx) }()

	for _, d := range []string{"1", "2", "3", "4", "5"} {
		s.Append("r1", d)
	}
	s.Complete("r1")

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("player did not reach the final chunk")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := len(played); got != 5 {
		t.Fatalf("played %d chunks, want 5", got)
	}
	for i, d := range played {
		if want := string(rune('1' + i)); d != want {
			t.Errorf("played[%d] = %q, want %q", i, d, want)
		}
	}
}

func TestPlayer_SinkErrorDoesNotStopPlayback(t *testing.T) {
	t.Parallel()

	s := playback.NewSequencer()
	var buf bytes.Buffer
	finals := make(chan string, 1)
	sink := &playback.PCMSink{W: &buf, OnFinal: func(id string) { finals <- id }}

	good, err := audio.EncodePCM([]byte{0x01, 0x00, 0x02, 0x00})
	if err != nil {
		t.Fatalf("EncodePCM: %v", err)
	}
	s.Append("r1", "!!not base64!!")
	s.Append("r1", good)
	s.Complete("r1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = playback.NewPlayer(s, sink).Run(ctx) }()

	select {
	case id := <-finals:
		if id != "r1" {
			t.Errorf("OnFinal(%q), want r1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("final chunk never played")
	}
	cancel()

	if got, want := buf.Bytes(), []byte{0x01, 0x00, 0x02, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("sink wrote %v, want %v", got, want)
	}
}
