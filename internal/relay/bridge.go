package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/concierge/internal/observe"
	"github.com/MrWong99/concierge/pkg/playback"
)

// Snapshot is the result of one poll.
type Snapshot struct {
	// IsSessionCreated reports whether session.created has been received on
	// the current transport.
	IsSessionCreated bool `json:"isSessionCreated"`

	// Responses are the non-audio upstream events received since the last
	// poll, in arrival order. Never nil.
	Responses []json.RawMessage `json:"responses"`

	// Audio holds the response audio ready for playback, in playback order.
	// Never nil.
	Audio []playback.Chunk `json:"audio"`
}

// Bridge adapts a [Connection] to a request/response client. Each queued
// event is delivered to exactly one poll.
type Bridge struct {
	conn    *Connection
	metrics *observe.Metrics
}

// NewBridge returns a Bridge over conn. A nil m uses [observe.DefaultMetrics].
func NewBridge(conn *Connection, m *observe.Metrics) *Bridge {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Bridge{conn: conn, metrics: m}
}

// Connection returns the underlying connection.
func (b *Bridge) Connection() *Connection { return b.conn }

// Poll opens the session if needed and drains everything received since the
// previous poll.
func (b *Bridge) Poll(ctx context.Context) (Snapshot, error) {
	if err := b.conn.Connect(ctx); err != nil {
		status := "error"
		if errors.Is(err, ErrConnectTimeout) || errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		b.metrics.RecordPoll(ctx, status)
		return Snapshot{}, err
	}

	ready, events := b.conn.TakePending()
	audio := b.conn.Sequencer().Drain(0)
	if events == nil {
		events = []json.RawMessage{}
	}
	if audio == nil {
		audio = []playback.Chunk{}
	}
	b.metrics.RecordPoll(ctx, "ok")
	return Snapshot{IsSessionCreated: ready, Responses: events, Audio: audio}, nil
}

// Forward validates that raw is a typed JSON event and sends it upstream.
// It never opens a connection.
func (b *Bridge) Forward(ctx context.Context, raw json.RawMessage) error {
	typ, err := outboundType(raw)
	if err != nil {
		b.metrics.RecordForward(ctx, "invalid")
		return err
	}
	if err := b.conn.Send(ctx, raw); err != nil {
		status := "error"
		if errors.Is(err, ErrNotReady) {
			status = "not_ready"
		}
		b.metrics.RecordForward(ctx, status)
		return fmt.Errorf("forward %s: %w", typ, err)
	}
	b.metrics.RecordForward(ctx, "ok")
	return nil
}

// Teardown closes the session. It always succeeds.
func (b *Bridge) Teardown() error {
	return b.conn.Close()
}
