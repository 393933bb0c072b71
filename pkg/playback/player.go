package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/concierge/pkg/audio"
)

// Sink receives chunks from a [Player], one at a time and in order.
type Sink interface {
	Play(ctx context.Context, c Chunk) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, c Chunk) error

// Play calls f(ctx, c).
func (f SinkFunc) Play(ctx context.Context, c Chunk) error { return f(ctx, c) }

// Player drains a [Sequencer] in the background. A chunk is not taken from
// the sequencer until the sink has returned for the previous one.
type Player struct {
	seq  *Sequencer
	sink Sink
}

// NewPlayer creates a Player that feeds chunks from seq into sink.
func NewPlayer(seq *Sequencer, sink Sink) *Player {
	return &Player{seq: seq, sink: sink}
}

// Run plays chunks as they become available until ctx is cancelled. Sink
// errors are logged and do not stop playback.
func (p *Player) Run(ctx context.Context) error {
	for {
		for {
			c, ok := p.seq.Next()
			if !ok {
				break
			}
			if err := p.sink.Play(ctx, c); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("playback: sink failed", "response_id", c.ResponseID, "seq", c.Seq, "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.seq.Ready():
		}
	}
}

// PCMSink decodes chunks to raw PCM16 and writes them to W.
type PCMSink struct {
	W io.Writer

	// OnFinal, if set, is called when a response's Final chunk is played.
	OnFinal func(responseID string)
}

// Play implements [Sink].
func (s *PCMSink) Play(_ context.Context, c Chunk) error {
	if c.Final {
		if s.OnFinal != nil {
			s.OnFinal(c.ResponseID)
		}
		return nil
	}
	pcm, err := audio.DecodePCM(c.Delta)
	if err != nil {
		return fmt.Errorf("playback: decode %s/%d: %w", c.ResponseID, c.Seq, err)
	}
	if _, err := s.W.Write(pcm); err != nil {
		return fmt.Errorf("playback: write: %w", err)
	}
	return nil
}
