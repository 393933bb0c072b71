// Package relay keeps one realtime voice session open against the upstream
// service on behalf of clients that can only poll.
//
// A [Connection] owns the single upstream WebSocket. Its receive goroutine is
// the only writer of the pending event queue and of the response
// [playback.Sequencer]: audio fragments are routed to the sequencer, every
// other event is queued verbatim. A [Bridge] exposes the pull interface on
// top: Poll connects on demand and drains the queue, Forward relays client
// events upstream and Teardown closes the session.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/concierge/internal/observe"
	"github.com/MrWong99/concierge/internal/resilience"
	"github.com/MrWong99/concierge/pkg/playback"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultWriteTimeout   = 10 * time.Second

	// readLimit bounds a single upstream message. Audio deltas and session
	// payloads routinely exceed the library default of 32 KiB.
	readLimit = 8 << 20
)

// State is the lifecycle position of a [Connection].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config describes the upstream session.
type Config struct {
	// URL is the realtime WebSocket endpoint without query parameters.
	URL string

	// Model is passed as the model query parameter.
	Model string

	// APIKey is sent as a bearer token.
	APIKey string

	// ConnectTimeout bounds the transport handshake. Defaults to 5s.
	ConnectTimeout time.Duration

	// Instructions are sent in the session.update that follows
	// session.created.
	Instructions string

	// Voice optionally overrides the upstream default voice.
	Voice string
}

// Option is a functional option for [NewConnection].
type Option func(*Connection)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Connection) { c.metrics = m }
}

// WithBreaker guards dials with cb. While it is open, Connect fails fast with
// an error wrapping both [ErrTransport] and [resilience.ErrCircuitOpen].
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Connection) { c.breaker = cb }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connection) { c.httpClient = hc }
}

// WithSequencer routes response audio into seq instead of a private one.
func WithSequencer(seq *playback.Sequencer) Option {
	return func(c *Connection) { c.seq = seq }
}

// OnDrop registers a callback invoked in its own goroutine after the upstream
// closed the transport without being asked to.
func OnDrop(fn func(error)) Option {
	return func(c *Connection) { c.onDrop = fn }
}

// Connection is the process-wide upstream session. All methods are safe for
// concurrent use.
type Connection struct {
	url            string
	apiKey         string
	connectTimeout time.Duration
	voice          string
	metrics        *observe.Metrics
	breaker        *resilience.CircuitBreaker
	httpClient     *http.Client
	seq            *playback.Sequencer
	onDrop         func(error)
	dials          singleflight.Group

	// writeMu orders outbound frames. It is taken after mu, never before.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	epoch        uint64 // bumped whenever a transport is released
	conn         *websocket.Conn
	cancelDial   context.CancelFunc
	cancelRecv   context.CancelFunc
	recvDone     chan struct{}
	sessionReady bool
	session      SessionInfo
	instructions string
	pending      []json.RawMessage
}

// NewConnection creates an idle Connection. Nothing is dialed until
// [Connection.Connect].
func NewConnection(cfg Config, opts ...Option) (*Connection, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse url: %w", err)
	}
	if cfg.Model != "" {
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	c := &Connection{
		url:            u.String(),
		apiKey:         cfg.APIKey,
		connectTimeout: cfg.ConnectTimeout,
		voice:          cfg.Voice,
		instructions:   cfg.Instructions,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.seq == nil {
		m := c.metrics
		c.seq = playback.NewSequencer(playback.OnSupersede(func(string, int) {
			m.SupersededResponses.Add(context.Background(), 1)
		}))
	}
	return c, nil
}

// Sequencer returns the sequencer that receives response audio.
func (c *Connection) Sequencer() *playback.Sequencer { return c.seq }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionReady reports whether session.created has been received on the
// current transport.
func (c *Connection) SessionReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionReady
}

// Session returns the announced session, if any.
func (c *Connection) Session() (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.sessionReady
}

// SetInstructions replaces the instructions sent to the next session. The
// current session, if any, keeps its instructions.
func (c *Connection) SetInstructions(instructions string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instructions = instructions
}

// Connect ensures the transport is open. It returns immediately when it
// already is, and joins the in-flight attempt when one is running, so
// concurrent callers cause a single dial. A failed attempt leaves the
// connection idle and returns an error wrapping [ErrConnectTimeout] or
// [ErrTransport]. If ctx ends first Connect returns ctx's error while the
// shared attempt carries on for the other callers.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	if open {
		return nil
	}

	ch := c.dials.DoChan("dial", func() (any, error) {
		return nil, c.dial()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dial runs one connection attempt. It is only ever called through the
// singleflight group.
func (c *Connection) dial() error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()
	c.state = StateConnecting
	c.cancelDial = cancel
	epoch := c.epoch
	c.mu.Unlock()

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "relay.dial")
	conn, err := c.open(ctx)
	observe.EndSpan(span, err)
	elapsed := time.Since(start).Seconds()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelDial = nil

	closed := epoch != c.epoch
	if err == nil && closed {
		conn.CloseNow()
		err = errors.New("closed while connecting")
	}
	if err != nil {
		if !closed {
			c.state = StateIdle
		}
		status := observe.DialError
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			status = observe.DialBreakerOpen
			err = fmt.Errorf("relay: connect: %w: %w", ErrTransport, err)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			status = observe.DialTimeout
			err = fmt.Errorf("relay: connect: %w after %v", ErrConnectTimeout, c.connectTimeout)
		default:
			err = fmt.Errorf("relay: connect: %w: %w", ErrTransport, err)
		}
		c.metrics.RecordDial(context.Background(), status, elapsed)
		slog.Warn("relay: upstream connect failed", "status", status, "err", err)
		return err
	}

	conn.SetReadLimit(readLimit)
	recvCtx, recvCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.conn = conn
	c.state = StateOpen
	c.cancelRecv = recvCancel
	c.recvDone = done
	c.metrics.RecordDial(context.Background(), observe.DialOK, elapsed)
	c.metrics.ActiveSessions.Add(context.Background(), 1)
	slog.Info("relay: upstream connected", "elapsed", time.Since(start))

	go c.receiveLoop(recvCtx, conn, epoch, done)
	return nil
}

// open performs the WebSocket handshake, through the breaker when one is set.
func (c *Connection) open(ctx context.Context) (*websocket.Conn, error) {
	dial := func() (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
			HTTPClient: c.httpClient,
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + c.apiKey},
				"OpenAI-Beta":   []string{"realtime=v1"},
			},
		})
		return conn, err
	}
	if c.breaker == nil {
		return dial()
	}
	return resilience.Call(c.breaker, dial)
}

// receiveLoop reads events until the transport fails or recvCtx is
// cancelled by Close.
func (c *Connection) receiveLoop(ctx context.Context, conn *websocket.Conn, epoch uint64, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.dropped(epoch, err)
			return
		}
		c.dispatch(ctx, conn, epoch, data)
	}
}

func (c *Connection) dispatch(ctx context.Context, conn *websocket.Conn, epoch uint64, data []byte) {
	evt, err := ParseEvent(data)
	if err != nil {
		c.metrics.MalformedEvents.Add(ctx, 1)
		slog.Warn("relay: dropping malformed upstream event", "err", err)
		return
	}
	c.metrics.RecordInboundEvent(ctx, evt.EventType())

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}

	switch e := evt.(type) {
	case SessionCreated:
		c.sessionReady = true
		c.session = e.Session
		update := newSessionUpdate(c.instructions, c.voice)
		// Client events admitted from here on queue behind the update.
		c.writeMu.Lock()
		c.mu.Unlock()

		slog.Info("relay: session created", "session_id", e.Session.ID)
		err := c.writeJSON(conn, update)
		c.writeMu.Unlock()
		if err != nil {
			slog.Warn("relay: session.update failed", "err", err)
		}
		return

	case AudioDelta:
		if c.seq.Append(e.ResponseID, e.Delta) {
			c.metrics.AudioFragments.Add(ctx, 1)
		}

	case AudioDone:
		c.seq.Complete(e.ResponseID)

	case Unrecognized:
		if e.Type == TypeError {
			slog.Warn("relay: upstream reported an error", "event", string(e.Raw))
		}
		c.pending = append(c.pending, e.Raw)
	}
	c.mu.Unlock()
}

// dropped cleans up after the upstream closed the transport on its own.
func (c *Connection) dropped(epoch uint64, cause error) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	conn, cancel := c.releaseLocked()
	c.mu.Unlock()

	cancel()
	conn.CloseNow()
	slog.Warn("relay: upstream connection lost", "status", websocket.CloseStatus(cause), "err", cause)

	if c.onDrop != nil {
		go c.onDrop(cause)
	}
}

// releaseLocked resets all session state and detaches the transport. The
// caller must close the returned conn and call cancel after unlocking.
func (c *Connection) releaseLocked() (*websocket.Conn, context.CancelFunc) {
	conn, cancel := c.conn, c.cancelRecv
	if conn != nil {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	c.epoch++
	c.state = StateIdle
	c.conn = nil
	c.cancelRecv = nil
	c.recvDone = nil
	c.sessionReady = false
	c.session = SessionInfo{}
	c.pending = nil
	c.seq.Reset()
	if cancel == nil {
		cancel = func() {}
	}
	return conn, cancel
}

// Send forwards a client event upstream verbatim. It fails with [ErrNotReady]
// unless the transport is open and session.created has been received.
func (c *Connection) Send(ctx context.Context, raw json.RawMessage) error {
	c.mu.Lock()
	conn, ready := c.conn, c.state == StateOpen && c.sessionReady
	c.mu.Unlock()
	if !ready {
		return ErrNotReady
	}

	// A cancelled write context tears the WebSocket down, so the caller's
	// cancellation must not reach the transport.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultWriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(wctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("relay: send: %w: %w", ErrTransport, err)
	}
	return nil
}

func (c *Connection) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// TakePending returns the queued non-audio events and clears the queue,
// together with the current session readiness.
func (c *Connection) TakePending() (ready bool, events []json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	events, c.pending = c.pending, nil
	return c.sessionReady, events
}

// Close releases the transport, cancels an in-flight dial and clears the
// queue and all response buffers. It returns once the receive goroutine has
// exited. Close is idempotent and safe from any state.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	done := c.recvDone
	conn, cancel := c.releaseLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	cancel()
	if done != nil {
		<-done
	}
	return nil
}
