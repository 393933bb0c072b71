// Package playback orders streamed response audio for playout.
//
// A [Sequencer] collects base64 PCM fragments keyed by response id and hands
// them out strictly in arrival order. Only one response is streaming at a
// time: a fragment for a new id while another response is still streaming
// supersedes it, dropping whatever of the old response has not been handed
// out yet. Responses that were already completed are never superseded; they
// stay queued ahead of the new one.
//
// A [Player] drains a Sequencer in the background, one chunk at a time.
package playback

import (
	"log/slog"
	"sync"
)

// retiredCap bounds how many finished response ids are remembered for stale
// detection.
const retiredCap = 16

// Chunk is one unit handed out by a [Sequencer].
type Chunk struct {
	// ResponseID identifies the spoken reply the chunk belongs to.
	ResponseID string `json:"responseId"`

	// Seq is the zero-based position of the chunk within its response.
	Seq int `json:"seq"`

	// Delta is a base64 PCM16 fragment. Empty for Final chunks.
	Delta string `json:"delta,omitempty"`

	// Final marks the end of a completed response. It carries no audio.
	Final bool `json:"final,omitempty"`
}

type bufferState int

const (
	streaming bufferState = iota
	done
)

type buffer struct {
	id     string
	state  bufferState
	chunks []Chunk
	seq    int
}

func (b *buffer) push(c Chunk) {
	c.ResponseID = b.id
	c.Seq = b.seq
	b.seq++
	b.chunks = append(b.chunks, c)
}

// SequencerOption configures a [Sequencer].
type SequencerOption func(*Sequencer)

// OnSupersede registers a callback invoked for each streaming response
// discarded because a newer one started, with the number of undelivered
// chunks it lost. It runs with the sequencer
// lock held and must not call back into the sequencer.
func OnSupersede(fn func(responseID string, dropped int)) SequencerOption {
	return func(s *Sequencer) { s.onSupersede = fn }
}

// Sequencer buffers response audio and hands it out in FIFO order.
// It is safe for concurrent use.
type Sequencer struct {
	onSupersede func(string, int)
	ready       chan struct{}

	mu      sync.Mutex
	queue   []*buffer // oldest first; live is always the tail when set
	live    *buffer
	retired map[string]struct{}
	ring    []string
}

// NewSequencer returns an empty Sequencer.
func NewSequencer(opts ...SequencerOption) *Sequencer {
	s := &Sequencer{
		ready:   make(chan struct{}, 1),
		retired: make(map[string]struct{}, retiredCap),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ready returns a channel that receives a value whenever new chunks become
// available. At most one signal is pending at a time, so consumers must drain
// with [Sequencer.Next] until it reports false before waiting again.
func (s *Sequencer) Ready() <-chan struct{} { return s.ready }

// Append adds a fragment to the response identified by id. It reports false
// when the fragment was ignored because id belongs to a response that has
// already finished or been superseded.
func (s *Sequencer) Append(id, delta string) bool {
	s.mu.Lock()
	if _, stale := s.retired[id]; stale {
		s.mu.Unlock()
		slog.Debug("playback: dropping fragment for retired response", "response_id", id)
		return false
	}

	if s.live != nil && s.live.id != id {
		s.supersede()
	}
	if s.live == nil {
		s.live = &buffer{id: id}
		s.queue = append(s.queue, s.live)
	}
	s.live.push(Chunk{Delta: delta})
	s.mu.Unlock()

	s.signal()
	return true
}

// Complete marks the response identified by id as finished and queues its
// Final chunk. Completing a response that is not the live one is a no-op and
// reports false.
func (s *Sequencer) Complete(id string) bool {
	s.mu.Lock()
	if s.live == nil || s.live.id != id {
		s.mu.Unlock()
		slog.Debug("playback: ignoring stale completion", "response_id", id)
		return false
	}
	s.live.state = done
	s.live.push(Chunk{Final: true})
	s.retire(id)
	s.live = nil
	s.mu.Unlock()

	s.signal()
	return true
}

// Next removes and returns the oldest undelivered chunk.
func (s *Sequencer) Next() (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next()
}

// Drain removes and returns up to n undelivered chunks in order. An n of zero
// or less drains everything. The result is nil when nothing is pending.
func (s *Sequencer) Drain(n int) []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Chunk
	for n <= 0 || len(out) < n {
		c, ok := s.next()
		if !ok {
			break
		}
		out = append(out, c)
	}
	return out
}

// Len returns the number of undelivered chunks.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.queue {
		n += len(b.chunks)
	}
	return n
}

// Live returns the id of the response currently streaming, if any.
func (s *Sequencer) Live() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		return "", false
	}
	return s.live.id, true
}

// Reset discards every buffer and forgets retired ids. Used when the
// upstream session ends.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.live = nil
	clear(s.retired)
	s.ring = s.ring[:0]
}

// next must be called with s.mu held.
func (s *Sequencer) next() (Chunk, bool) {
	for len(s.queue) > 0 {
		b := s.queue[0]
		if len(b.chunks) == 0 {
			// Only the live buffer can be empty; it is always the tail.
			return Chunk{}, false
		}
		c := b.chunks[0]
		b.chunks[0] = Chunk{}
		b.chunks = b.chunks[1:]
		if c.Final {
			s.queue[0] = nil
			s.queue = s.queue[1:]
		}
		return c, true
	}
	return Chunk{}, false
}

// supersede must be called with s.mu held and s.live set.
func (s *Sequencer) supersede() {
	old := s.live
	dropped := len(old.chunks)
	s.queue = s.queue[:len(s.queue)-1]
	s.live = nil
	s.retire(old.id)
	slog.Debug("playback: response superseded", "response_id", old.id, "dropped", dropped)
	if s.onSupersede != nil {
		s.onSupersede(old.id, dropped)
	}
}

// retire must be called with s.mu held.
func (s *Sequencer) retire(id string) {
	if len(s.ring) == retiredCap {
		delete(s.retired, s.ring[0])
		s.ring = s.ring[1:]
	}
	s.ring = append(s.ring, id)
	s.retired[id] = struct{}{}
}

func (s *Sequencer) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
