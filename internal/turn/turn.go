// Package turn implements the turn-based call: one recorded utterance in, one
// spoken reply out.
//
// A [Pipeline] runs three stages in order: transcription, chat completion and
// speech synthesis. Each stage is behind a small interface so that tests can
// substitute fakes; [OpenAI] implements all three. Every stage call goes
// through its own circuit breaker and records latency and outcome metrics.
package turn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/concierge/internal/observe"
	"github.com/MrWong99/concierge/internal/resilience"
)

const (
	defaultTimeout = 60 * time.Second
	providerName   = "openai"
)

// Stage kinds used for metrics, spans and breaker names.
const (
	KindSTT = "stt"
	KindLLM = "llm"
	KindTTS = "tts"
)

var (
	// ErrNoSpeech is returned when the transcript of the upload is empty.
	ErrNoSpeech = errors.New("turn: no transcription text received")

	// ErrNoReply is returned when the chat completion has no text.
	ErrNoReply = errors.New("turn: no assistant message received")
)

// Transcriber converts recorded speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// Responder produces the assistant's reply to a user message.
type Responder interface {
	Respond(ctx context.Context, text string) (string, error)
}

// Synthesizer renders text as encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Result is the outcome of one turn.
type Result struct {
	// UserMessage is the transcript of the uploaded audio.
	UserMessage string `json:"userMessage"`

	// AssistantMessage is the reply text.
	AssistantMessage string `json:"assistantMessage"`

	// AudioResponse is the spoken reply, base64-encoded MP3.
	AudioResponse string `json:"audioResponse"`
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTimeout bounds a whole turn. Defaults to 60s.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithBreakers guards each stage with its own breaker built from cfg. The
// breaker names are cfg.Name suffixed with the stage kind.
func WithBreakers(cfg resilience.CircuitBreakerConfig) Option {
	return func(p *Pipeline) {
		prefix := cfg.Name
		if prefix == "" {
			prefix = "turn"
		}
		for _, kind := range []string{KindSTT, KindLLM, KindTTS} {
			c := cfg
			c.Name = prefix + "-" + kind
			p.breakers[kind] = resilience.NewCircuitBreaker(c)
		}
	}
}

// Pipeline runs turn-based exchanges. It is safe for concurrent use.
type Pipeline struct {
	stt      Transcriber
	llm      Responder
	tts      Synthesizer
	timeout  time.Duration
	metrics  *observe.Metrics
	breakers map[string]*resilience.CircuitBreaker
}

// New creates a Pipeline from its three stages.
func New(stt Transcriber, llm Responder, tts Synthesizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		stt:      stt,
		llm:      llm,
		tts:      tts,
		timeout:  defaultTimeout,
		breakers: make(map[string]*resilience.CircuitBreaker, 3),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Breakers returns the per-stage breakers, keyed by stage kind. Empty unless
// [WithBreakers] was used.
func (p *Pipeline) Breakers() map[string]*resilience.CircuitBreaker {
	return p.breakers
}

// Run transcribes audio, asks for a reply and synthesizes it. filename is
// passed to the transcriber as a format hint.
func (p *Pipeline) Run(ctx context.Context, audio io.Reader, filename string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "turn.run")
	start := time.Now()
	res, err := p.run(ctx, audio, filename)
	p.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(ctx).Warn("turn failed", "err", err, "elapsed", time.Since(start))
		return Result{}, err
	}
	observe.Logger(ctx).Debug("turn complete", "elapsed", time.Since(start))
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, audio io.Reader, filename string) (Result, error) {
	userText, err := stage(ctx, p, KindSTT, p.metrics.STTDuration, func(ctx context.Context) (string, error) {
		return p.stt.Transcribe(ctx, audio, filename)
	})
	if err != nil {
		return Result{}, fmt.Errorf("turn: transcribe: %w", err)
	}
	if userText == "" {
		return Result{}, ErrNoSpeech
	}
	slog.Debug("turn: transcribed", "chars", len(userText))

	reply, err := stage(ctx, p, KindLLM, p.metrics.LLMDuration, func(ctx context.Context) (string, error) {
		return p.llm.Respond(ctx, userText)
	})
	if err != nil {
		return Result{}, fmt.Errorf("turn: respond: %w", err)
	}
	if reply == "" {
		return Result{}, ErrNoReply
	}

	speech, err := stage(ctx, p, KindTTS, p.metrics.TTSDuration, func(ctx context.Context) ([]byte, error) {
		return p.tts.Synthesize(ctx, reply)
	})
	if err != nil {
		return Result{}, fmt.Errorf("turn: synthesize: %w", err)
	}

	return Result{
		UserMessage:      userText,
		AssistantMessage: reply,
		AudioResponse:    base64.StdEncoding.EncodeToString(speech),
	}, nil
}

// stage runs one provider call with its breaker, span and metrics.
func stage[R any](ctx context.Context, p *Pipeline, kind string, hist metric.Float64Histogram, fn func(context.Context) (R, error)) (R, error) {
	ctx, span := observe.StartSpan(ctx, "turn."+kind)
	start := time.Now()

	call := func() (R, error) { return fn(ctx) }
	var (
		res R
		err error
	)
	if cb := p.breakers[kind]; cb != nil {
		res, err = resilience.Call(cb, call)
	} else {
		res, err = call()
	}

	hist.Record(ctx, time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
		p.metrics.RecordProviderError(ctx, providerName, kind)
	}
	p.metrics.RecordProviderRequest(ctx, providerName, kind, status)
	observe.EndSpan(span, err)
	return res, err
}
