// Package app wires the concierge subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the upstream connection,
// the polling bridge, the turn pipeline and the HTTP surface, Run serves until
// the context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithTurner,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/concierge/internal/api"
	"github.com/MrWong99/concierge/internal/config"
	"github.com/MrWong99/concierge/internal/health"
	"github.com/MrWong99/concierge/internal/observe"
	"github.com/MrWong99/concierge/internal/relay"
	"github.com/MrWong99/concierge/internal/resilience"
	"github.com/MrWong99/concierge/internal/turn"
)

// ErrTurnUnavailable is returned by turn requests when no provider API key is
// configured.
var ErrTurnUnavailable = errors.New("app: turn pipeline not configured")

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	breaker  *resilience.CircuitBreaker
	conn     *relay.Connection
	bridge   *relay.Bridge
	redialer *relay.Redialer
	turner   api.Turner
	handler  http.Handler

	// clientConfig is swapped on reload.
	clientConfig atomic.Pointer[api.ClientConfig]

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTurner injects a turn runner instead of building the OpenAI pipeline.
func WithTurner(t api.Turner) Option {
	return func(a *App) { a.turner = t }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.ApplyConfig] adjust the level of the logger that
// main installed.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It does not dial upstream; the first poll does.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(cfg.Server.LogLevel.Level())
	}
	a.storeClientConfig(cfg)

	// ── 1. Upstream connection ───────────────────────────────────────────
	if err := a.initRelay(); err != nil {
		return nil, fmt.Errorf("app: init relay: %w", err)
	}

	// ── 2. Turn pipeline ─────────────────────────────────────────────────
	if a.turner == nil {
		if err := a.initTurn(); err != nil {
			return nil, fmt.Errorf("app: init turn: %w", err)
		}
	}

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

func (a *App) initRelay() error {
	rc := a.cfg.Realtime
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "upstream",
		MaxFailures:  rc.Breaker.MaxFailures,
		ResetTimeout: rc.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})

	opts := []relay.Option{
		relay.WithMetrics(a.metrics),
		relay.WithBreaker(a.breaker),
	}
	var redialer *relay.Redialer
	if rc.Reconnect.Enabled {
		opts = append(opts, relay.OnDrop(func(error) { redialer.NotifyDisconnect() }))
	}

	conn, err := relay.NewConnection(relay.Config{
		URL:            rc.BaseURL,
		Model:          rc.Model,
		APIKey:         rc.APIKey,
		ConnectTimeout: rc.ConnectTimeout,
		Instructions:   rc.Instructions,
		Voice:          rc.Voice,
	}, opts...)
	if err != nil {
		return err
	}
	if rc.Reconnect.Enabled {
		redialer = relay.NewRedialer(relay.RedialerConfig{
			Dialer:     conn,
			MaxRetries: rc.Reconnect.MaxRetries,
			Backoff:    rc.Reconnect.Backoff,
			MaxBackoff: rc.Reconnect.MaxBackoff,
		})
		a.redialer = redialer
	}
	a.conn = conn
	a.bridge = relay.NewBridge(conn, a.metrics)
	a.closers = append(a.closers, a.bridge.Teardown)
	return nil
}

func (a *App) initTurn() error {
	tc := a.cfg.Turn
	if tc.APIKey == "" {
		slog.Warn("turn pipeline disabled: no api key")
		a.turner = unavailableTurner{}
		return nil
	}

	client, err := turn.NewOpenAI(turn.OpenAIConfig{
		APIKey:             tc.APIKey,
		BaseURL:            tc.BaseURL,
		TranscriptionModel: tc.TranscriptionModel,
		ChatModel:          tc.ChatModel,
		SpeechModel:        tc.SpeechModel,
		Voice:              tc.Voice,
		SystemPrompt:       tc.SystemPrompt,
	})
	if err != nil {
		return err
	}
	a.turner = turn.New(client, client, client,
		turn.WithMetrics(a.metrics),
		turn.WithTimeout(tc.Timeout),
		turn.WithBreakers(resilience.CircuitBreakerConfig{
			Name:         "turn",
			MaxFailures:  tc.Breaker.MaxFailures,
			ResetTimeout: tc.Breaker.ResetTimeout,
		}),
	)
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()

	api.NewRealtimeHandler(a.bridge,
		api.WithClientConfig(func() api.ClientConfig { return *a.clientConfig.Load() }),
	).Register(mux)
	api.NewChatHandler(a.turner, a.cfg.Turn.MaxUploadBytes).Register(mux)

	health.New(
		health.Required("config", func() string { return a.cfg.Realtime.APIKey }),
		health.Checker{Name: "upstream-breaker", Check: a.breaker.Check},
	).Register(mux)

	mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, observe.MetricsHandler())

	a.handler = observe.Middleware(a.metrics)(mux)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Bridge returns the polling bridge.
func (a *App) Bridge() *relay.Bridge { return a.bridge }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled. The listener is closed on
// return.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if a.redialer != nil {
		go a.redialer.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	// In-flight polls get a moment to finish before Shutdown tears the
	// session down.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "err", err)
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a new configuration and
// logs the keys that only take effect after a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.InstructionsChanged {
		a.conn.SetInstructions(d.NewInstructions)
		slog.Info("realtime instructions updated; applies to the next session")
	}
	if d.EndpointingChanged || d.PollIntervalChanged {
		a.storeClientConfig(new)
		slog.Info("client settings updated",
			"threshold", new.Endpointing.Threshold,
			"quiet_duration", new.Endpointing.QuietDuration,
			"poll_interval", new.Server.PollInterval,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "keys", d.RestartRequired)
	}
}

func (a *App) storeClientConfig(cfg *config.Config) {
	cc := api.NewClientConfig(cfg.Endpointing.Threshold, cfg.Endpointing.QuietDuration, cfg.Server.PollInterval)
	a.clientConfig.Store(&cc)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop redialing first so a teardown is not undone.
		if a.redialer != nil {
			a.redialer.Stop()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// unavailableTurner fails every turn. It keeps /api/chat routable while the
// provider is not configured.
type unavailableTurner struct{}

func (unavailableTurner) Run(context.Context, io.Reader, string) (turn.Result, error) {
	return turn.Result{}, ErrTurnUnavailable
}
