package playback_test

import (
	"reflect"
	"sync"
	"testing"

	"github.com/MrWong99/concierge/pkg/playback"
)

func deltas(chunks []playback.Chunk) []string {
	var out []string
	for _, c := range chunks {
		if !c.Final {
			out = append(out, c.ResponseID+":"+c.Delta)
		}
	}
	return out
}

func TestSequencer_PreservesArrivalOrder(t *testing.T) {
	t.Parallel()

	s := playback.NewSequencer()
	for _, d := range []string{"a", "b", "c", "d"} {
		if !s.Append("r1", d) {
			t.Fatalf("Append(%q) = false", d)
		}
	}

	var got []string
	for {
		c, ok := s.Next()
		if !ok {
			break
		}
		got = append(got, c.Delta)
		if c.Seq != len(got)-1 {
			t.Errorf("Seq = %d, want %d", c.Seq, len(got)-1)
		}
	}
	if want := []string{"a", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestSequencer_NewResponseSupersedesStreaming(t *testing.T) {
	t.Parallel()

	var superseded []string
	s := playback.NewSequencer(playback.OnSupersede(func(id string, dropped int) {
		superseded = append(superseded, id)
		if dropped != 2 {
			t.Errorf("dropped = %d, want 2", dropped)
		}
	}))
	s.Append("r1", "x1")
	s.Append("r1", "x2")
	s.Append("r2", "y1")
	s.Append("r2", "y2")

	if s.Complete("r1") {
		t.Error("Complete(r1) after supersede = true, want false")
	}
	if s.Append("r1", "x3") {
		t.Error("Append to superseded r1 = true, want false")
	}

	got := deltas(s.Drain(0))
	if want := []string{"r2:y1", "r2:y2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("drained = %v, want %v", got, want)
	}
	if want := []string{"r1"}; !reflect.DeepEqual(superseded, want) {
		t.Errorf("superseded = %v, want %v", superseded, want)
	}
}

func TestSequencer_CompletedResponseStaysAhead(t *testing.T) {
	t.Parallel()

	s := playback.NewSequencer()
	s.Append("r1", "a")
	s.Complete("r1")
	s.Append("r2", "b")

	chunks := s.Drain(0)
	want := []playback.Chunk{
		{ResponseID: "r1", Seq: 0, Delta: "a"},
		{ResponseID: "r1", Seq: 1, Final: true},
		{ResponseID: "r2", Seq: 0, Delta: "b"},
	}
	if !reflect.DeepEqual(chunks, want) {
		t.Errorf("Drain = %+v, want %+v", chunks, want)
	}
}

func TestSequencer_PartialDrainKeepsRemainder(t *testing.T) {
	t.Parallel()

	s := playback.NewSequencer()
	s.Append("r1", "a")
	s.Append("r1", "b")
	s.Append("r1", "c")

	if got := deltas(s.Drain(2)); !reflect.DeepEqual(got, []string{"r1:a", "r1:b"}) {
		t.Errorf("first Drain = %v", got)
	}
	if n := s.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}

	// Superseding now drops only what was not handed out yet.
	s.Append("r2", "z")
	if got := deltas(s.Drain(0)); !reflect.DeepEqual(got, []string{"r2:z"}) {
		t.Errorf("second Drain = %v", got)
	}
}

func TestSequencer_StaleCompletionIsNoop(t *testing.T) {
	t.Parallel()

	s := playback.NewSequencer()
	if s.Complete("nope") {
		t.Error("Complete(unknown) = true")
	}
	s.Append("r1", "a")
	s.Complete("r1")
	if s.Complete("r1") {
		t.Error("second Complete(r1) = true")
	}
	if s.Append("r1", "late") {
		t.Error("Append after Complete = true")
	}
	if n := s.Len(); n != 2 {
		t.Errorf("Len = %d, want 2 (fragment + final)", n)
	}
}

func TestSequencer_ReadySignalsAvailability(t *testing.T) {
	t.Parallel()

	s := playback.NewSequencer()
	select {
	case <-s.Ready():
		t.Fatal("Ready signalled on empty sequencer")
	default:
	}
	s.Append("r1", "a")
	select {
	case <-s.Ready():
	default:
		t.Fatal("Ready not signalled after Append")
	}
}

func TestSequencer_Reset(t *testing.T) {
	t.Parallel()

	s := playback.NewSequencer()
	s.Append("r1", "a")
	s.Complete("r1")
	s.Append("r2", "b")
	s.Reset()

	if n := s.Len(); n != 0 {
		t.Errorf("Len after Reset = %d", n)
	}
	if _, ok := s.Live(); ok {
		t.Error("Live after Reset reports a response")
	}
	// Retired ids are forgotten with the session.
	if !s.Append("r1", "again") {
		t.Error("Append(r1) after Reset = false")
	}
}

func TestSequencer_ConcurrentAppendAndDrain(t *testing.T) {
	t.Parallel()

	s := playback.NewSequencer()
	const n = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range n {
			s.Append("r1", string(rune('a'+i%26)))
		}
		s.Complete("r1")
	}()

	var got []playback.Chunk
	for {
		c, ok := s.Next()
		if !ok {
			<-s.Ready()
			continue
		}
		got = append(got, c)
		if c.Final {
			break
		}
	}
	wg.Wait()

	if len(got) != n+1 {
		t.Fatalf("got %d chunks, want %d", len(got), n+1)
	}
	for i, c := range got {
		if c.Seq != i {
			t.Fatalf("chunk %d has Seq %d", i, c.Seq)
		}
	}
}
