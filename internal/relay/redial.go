package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default redial parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Dialer is the part of [Connection] the [Redialer] drives.
type Dialer interface {
	Connect(ctx context.Context) error
}

// Redialer re-establishes the upstream session after an unexpected drop so
// that the next poll finds an open transport instead of paying for the
// handshake itself.
//
// Drops are reported through [Redialer.NotifyDisconnect], typically wired to
// the connection's [OnDrop] hook. [Redialer.Run] then retries with
// exponential backoff until a dial succeeds or MaxRetries is exhausted.
// Client-initiated teardown is not a drop and is never redialed.
//
// All methods are safe for concurrent use.
type Redialer struct {
	dialer      Dialer
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func()

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
}

// RedialerConfig configures a [Redialer].
type RedialerConfig struct {
	// Dialer establishes the connection.
	Dialer Dialer

	// MaxRetries is the maximum number of attempts per drop. Defaults to 10.
	MaxRetries int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 30s.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful redial. May be nil.
	OnReconnect func()
}

// NewRedialer creates a [Redialer]. It does nothing until [Redialer.Run].
func NewRedialer(cfg RedialerConfig) *Redialer {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Redialer{
		dialer:       cfg.Dialer,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// NotifyDisconnect signals that the connection was lost. Signals that arrive
// while one is already pending are coalesced.
func (r *Redialer) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Run handles disconnect notifications until ctx is done or Stop is called.
func (r *Redialer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.redial(ctx)
		}
	}
}

// Stop makes Run return. Safe to call multiple times.
func (r *Redialer) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Redialer) redial(ctx context.Context) {
	wait := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		err := r.dialer.Connect(ctx)
		if err == nil {
			slog.Info("relay: upstream redialed", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}
		slog.Warn("relay: redial attempt failed",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", wait,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(wait):
		}

		wait *= 2
		if wait > r.maxBackoff {
			wait = r.maxBackoff
		}
	}

	slog.Error("relay: giving up on redial", "max_retries", r.maxRetries)
}
