// Package vad decides when a speaker has stopped talking so that a recording
// turn can be ended automatically.
//
// The [Endpointer] consumes a live energy signal (see audio.Level) and runs a
// small state machine: energy at or above the threshold keeps the speaker in
// the Speaking state and cancels any pending silence timer; energy below the
// threshold starts a single quiet timer. If the timer runs out uninterrupted
// the endpointer signals end-of-utterance exactly once and then stays quiet
// until it is re-armed.
//
// An Endpointer is safe for concurrent use.
package vad

import (
	"sync"
	"time"
)

// Default endpointing parameters.
const (
	DefaultThreshold     = 10.0
	DefaultQuietDuration = 1500 * time.Millisecond
)

// Config holds the endpointing parameters.
type Config struct {
	// Threshold is the energy at or above which a sample counts as speech.
	// Energy uses the 0–255 scale produced by audio.Level. Defaults to 10.
	Threshold float64

	// QuietDuration is how long energy must stay below Threshold before the
	// utterance is considered finished. Defaults to 1.5s.
	QuietDuration time.Duration

	// Window is the number of samples in the rolling energy average. Values
	// below 2 disable smoothing.
	Window int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.QuietDuration <= 0 {
		c.QuietDuration = DefaultQuietDuration
	}
	if c.Window < 1 {
		c.Window = 1
	}
	return c
}

// Timer is the subset of [time.Timer] the endpointer needs.
type Timer interface {
	Stop() bool
}

// Clock schedules the quiet timer. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Option is a functional option for [New].
type Option func(*Endpointer)

// WithClock overrides the clock used for the quiet timer.
func WithClock(c Clock) Option {
	return func(e *Endpointer) { e.clock = c }
}

// OnEnd registers a callback invoked (from the timer goroutine) each time
// end-of-utterance fires.
func OnEnd(fn func()) Option {
	return func(e *Endpointer) { e.onEnd = fn }
}

// Endpointer detects the end of a spoken utterance from sustained silence.
type Endpointer struct {
	cfg   Config
	clock Clock
	onEnd func()
	ended chan struct{}

	mu       sync.Mutex
	state    State
	speaking bool
	timer    Timer
	gen      uint64 // invalidates timers that were stopped too late
	window   []float64
	next     int
	sum      float64
}

// New creates an armed Endpointer.
func New(cfg Config, opts ...Option) *Endpointer {
	cfg = cfg.withDefaults()
	e := &Endpointer{
		cfg:    cfg,
		clock:  realClock{},
		ended:  make(chan struct{}, 1),
		window: make([]float64, 0, cfg.Window),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the effective configuration, defaults applied.
func (e *Endpointer) Config() Config { return e.cfg }

// Ended returns a channel that receives one value each time end-of-utterance
// fires. It has a buffer of one; while a signal is unread, further signals
// are dropped.
func (e *Endpointer) Ended() <-chan struct{} { return e.ended }

// State returns the current state.
func (e *Endpointer) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Observe feeds one energy sample into the endpointer and returns its
// classification.
func (e *Endpointer) Observe(energy float64) VADEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	level := e.smooth(energy)
	if level >= e.cfg.Threshold {
		e.cancelTimer()
		if e.state == StateSilencePending {
			e.state = StateSpeaking
		}
		if e.speaking {
			return VADEvent{Type: VADSpeechContinue, Energy: level}
		}
		e.speaking = true
		return VADEvent{Type: VADSpeechStart, Energy: level}
	}

	e.speaking = false
	if e.state == StateSpeaking {
		e.startTimer()
	}
	return VADEvent{Type: VADSilence, Energy: level}
}

// Arm re-enables end-of-utterance detection after it fired. Arming an
// endpointer that has not fired is a no-op.
func (e *Endpointer) Arm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateEnded {
		e.state = StateSpeaking
	}
}

// Reset cancels any pending timer, clears the rolling average and re-arms.
func (e *Endpointer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelTimer()
	e.state = StateSpeaking
	e.speaking = false
	e.window = e.window[:0]
	e.next = 0
	e.sum = 0
}

// Stop cancels any pending timer without firing it.
func (e *Endpointer) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelTimer()
	if e.state == StateSilencePending {
		e.state = StateSpeaking
	}
}

// smooth adds energy to the rolling window and returns the average.
// Must be called with e.mu held.
func (e *Endpointer) smooth(energy float64) float64 {
	if e.cfg.Window == 1 {
		return energy
	}
	if len(e.window) < e.cfg.Window {
		e.window = append(e.window, energy)
	} else {
		e.sum -= e.window[e.next]
		e.window[e.next] = energy
		e.next = (e.next + 1) % e.cfg.Window
	}
	e.sum += energy
	return e.sum / float64(len(e.window))
}

// startTimer must be called with e.mu held and no timer pending.
func (e *Endpointer) startTimer() {
	e.gen++
	gen := e.gen
	e.state = StateSilencePending
	e.timer = e.clock.AfterFunc(e.cfg.QuietDuration, func() { e.fire(gen) })
}

// cancelTimer must be called with e.mu held.
func (e *Endpointer) cancelTimer() {
	if e.timer == nil {
		return
	}
	e.timer.Stop()
	e.timer = nil
	e.gen++
}

func (e *Endpointer) fire(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.state != StateSilencePending {
		e.mu.Unlock()
		return
	}
	e.state = StateEnded
	e.timer = nil
	cb := e.onEnd
	e.mu.Unlock()

	select {
	case e.ended <- struct{}{}:
	default:
	}
	if cb != nil {
		cb()
	}
}
