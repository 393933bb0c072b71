package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/concierge/internal/observe"
	"github.com/MrWong99/concierge/internal/relay"
	"github.com/MrWong99/concierge/pkg/audio"
)

// defaultMaxEventBytes bounds a forwarded client event. Audio append frames
// carry base64 PCM, so this is generous.
const defaultMaxEventBytes = 4 << 20

// Relay is the part of [relay.Bridge] the realtime routes need.
type Relay interface {
	Poll(ctx context.Context) (relay.Snapshot, error)
	Forward(ctx context.Context, raw json.RawMessage) error
	Teardown() error
}

var _ Relay = (*relay.Bridge)(nil)

// ClientConfig is served to polling clients so they capture, endpoint and
// poll the way the server expects.
type ClientConfig struct {
	Threshold       float64 `json:"threshold"`
	QuietDurationMs int64   `json:"quietDurationMs"`
	SampleRate      int     `json:"sampleRate"`
	PollIntervalMs  int64   `json:"pollIntervalMs"`
}

// NewClientConfig builds a ClientConfig from durations.
func NewClientConfig(threshold float64, quiet, poll time.Duration) ClientConfig {
	return ClientConfig{
		Threshold:       threshold,
		QuietDurationMs: quiet.Milliseconds(),
		SampleRate:      audio.SampleRate,
		PollIntervalMs:  poll.Milliseconds(),
	}
}

// RealtimeOption configures a [RealtimeHandler].
type RealtimeOption func(*RealtimeHandler)

// WithClientConfig sets the source of GET /api/realtime/config. It is called
// per request so that reloaded settings are served immediately.
func WithClientConfig(fn func() ClientConfig) RealtimeOption {
	return func(h *RealtimeHandler) { h.clientConfig = fn }
}

// WithMaxEventBytes bounds the size of a forwarded event body.
func WithMaxEventBytes(n int64) RealtimeOption {
	return func(h *RealtimeHandler) {
		if n > 0 {
			h.maxEventBytes = n
		}
	}
}

// RealtimeHandler serves the polling interface of the realtime session.
type RealtimeHandler struct {
	relay         Relay
	clientConfig  func() ClientConfig
	maxEventBytes int64
}

// NewRealtimeHandler creates a handler over r.
func NewRealtimeHandler(r Relay, opts ...RealtimeOption) *RealtimeHandler {
	h := &RealtimeHandler{
		relay:         r,
		maxEventBytes: defaultMaxEventBytes,
	}
	for _, o := range opts {
		o(h)
	}
	if h.clientConfig == nil {
		cc := NewClientConfig(10, 1500*time.Millisecond, time.Second)
		h.clientConfig = func() ClientConfig { return cc }
	}
	return h
}

// Register adds the realtime routes to mux.
func (h *RealtimeHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/realtime", h.Poll)
	mux.HandleFunc("POST /api/realtime", h.Send)
	mux.HandleFunc("DELETE /api/realtime", h.Close)
	mux.HandleFunc("GET /api/realtime/config", h.Config)
}

// Poll connects on demand and returns everything received since the last
// poll.
func (h *RealtimeHandler) Poll(w http.ResponseWriter, r *http.Request) {
	snap, err := h.relay.Poll(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, relay.ErrConnectTimeout) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		observe.Logger(r.Context()).Warn("api: poll failed", "err", err, "status", status)
		writeError(w, status, "Failed to establish WebSocket connection")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Send forwards the request body upstream verbatim.
func (h *RealtimeHandler) Send(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "event too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read event")
		return
	}

	err = h.relay.Forward(r.Context(), body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, statusBody{Status: "sent"})
	case errors.Is(err, relay.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, relay.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "WebSocket not connected or session not created")
	case errors.Is(err, relay.ErrTransport):
		observe.Logger(r.Context()).Warn("api: forward failed", "err", err)
		writeError(w, http.StatusBadGateway, "Error sending message")
	default:
		observe.Logger(r.Context()).Error("api: forward failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Error sending message")
	}
}

// Close tears the session down. It always succeeds.
func (h *RealtimeHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.relay.Teardown(); err != nil {
		observe.Logger(r.Context()).Warn("api: teardown", "err", err)
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "closed"})
}

// Config returns the current client settings.
func (h *RealtimeHandler) Config(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.clientConfig())
}
