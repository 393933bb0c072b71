package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/concierge/internal/api"
	"github.com/MrWong99/concierge/internal/relay"
	"github.com/MrWong99/concierge/pkg/playback"
)

// fakeRelay is a scripted [api.Relay].
type fakeRelay struct {
	snap       relay.Snapshot
	pollErr    error
	forwardErr error
	forwarded  []json.RawMessage
	teardowns  atomic.Int32
}

func (f *fakeRelay) Poll(context.Context) (relay.Snapshot, error) {
	return f.snap, f.pollErr
}

func (f *fakeRelay) Forward(_ context.Context, raw json.RawMessage) error {
	f.forwarded = append(f.forwarded, raw)
	return f.forwardErr
}

func (f *fakeRelay) Teardown() error {
	f.teardowns.Add(1)
	return nil
}

func newRealtimeServer(t *testing.T, r api.Relay, opts ...api.RealtimeOption) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	api.NewRealtimeHandler(r, opts...).Register(mux)
	return mux
}

func serve(mux http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %q", rec.Body.String())
	}
	return body.Error
}

func TestRealtime_Poll(t *testing.T) {
	t.Parallel()

	fr := &fakeRelay{snap: relay.Snapshot{
		IsSessionCreated: true,
		Responses:        []json.RawMessage{json.RawMessage(`{"type":"response.done"}`)},
		Audio:            []playback.Chunk{{ResponseID: "r1", Seq: 0, Delta: "AAAA"}},
	}}
	rec := serve(newRealtimeServer(t, fr), http.MethodGet, "/api/realtime", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	want := `{"isSessionCreated":true,"responses":[{"type":"response.done"}],"audio":[{"responseId":"r1","seq":0,"delta":"AAAA"}]}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Errorf("body = %s; want %s", got, want)
	}
}

func TestRealtime_PollErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "connect timeout", err: fmt.Errorf("relay: connect: %w", relay.ErrConnectTimeout), want: http.StatusGatewayTimeout},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "transport", err: fmt.Errorf("relay: connect: %w: 401", relay.ErrTransport), want: http.StatusBadGateway},
		{name: "other", err: errors.New("boom"), want: http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(newRealtimeServer(t, &fakeRelay{pollErr: tc.err}), http.MethodGet, "/api/realtime", nil)
			if rec.Code != tc.want {
				t.Errorf("status = %d; want %d", rec.Code, tc.want)
			}
			if msg := decodeError(t, rec); msg == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestRealtime_Send(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "forwarded", want: http.StatusOK},
		{name: "malformed", err: fmt.Errorf("%w: missing type", relay.ErrMalformedEvent), want: http.StatusBadRequest},
		{name: "not ready", err: fmt.Errorf("forward x: %w", relay.ErrNotReady), want: http.StatusServiceUnavailable},
		{name: "transport", err: fmt.Errorf("forward x: %w", relay.ErrTransport), want: http.StatusBadGateway},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fr := &fakeRelay{forwardErr: tc.err}
			event := []byte(`{"type":"input_audio_buffer.append","audio":"AAAA"}`)
			rec := serve(newRealtimeServer(t, fr), http.MethodPost, "/api/realtime", event)

			if rec.Code != tc.want {
				t.Errorf("status = %d; want %d", rec.Code, tc.want)
			}
			if len(fr.forwarded) != 1 || !bytes.Equal(fr.forwarded[0], event) {
				t.Errorf("forwarded = %q; want the body verbatim", fr.forwarded)
			}
		})
	}
}

func TestRealtime_SendTooLarge(t *testing.T) {
	t.Parallel()

	fr := &fakeRelay{}
	mux := newRealtimeServer(t, fr, api.WithMaxEventBytes(16))
	rec := serve(mux, http.MethodPost, "/api/realtime", []byte(`{"type":"input_audio_buffer.append","audio":"AAAAAAAA"}`))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d; want 413", rec.Code)
	}
	if len(fr.forwarded) != 0 {
		t.Error("oversized event was forwarded")
	}
}

func TestRealtime_Delete(t *testing.T) {
	t.Parallel()

	fr := &fakeRelay{}
	mux := newRealtimeServer(t, fr)
	for range 2 {
		rec := serve(mux, http.MethodDelete, "/api/realtime", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d; want 200", rec.Code)
		}
	}
	if n := fr.teardowns.Load(); n != 2 {
		t.Errorf("teardowns = %d; want 2", n)
	}
}

func TestRealtime_Config(t *testing.T) {
	t.Parallel()

	var threshold atomic.Int64
	threshold.Store(10)
	mux := newRealtimeServer(t, &fakeRelay{}, api.WithClientConfig(func() api.ClientConfig {
		return api.NewClientConfig(float64(threshold.Load()), 1500*time.Millisecond, time.Second)
	}))

	rec := serve(mux, http.MethodGet, "/api/realtime/config", nil)
	want := `{"threshold":10,"quietDurationMs":1500,"sampleRate":24000,"pollIntervalMs":1000}`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Errorf("body = %s; want %s", got, want)
	}

	// Reloaded values are served immediately.
	threshold.Store(25)
	rec = serve(mux, http.MethodGet, "/api/realtime/config", nil)
	var cc api.ClientConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cc.Threshold != 25 {
		t.Errorf("threshold = %v; want 25", cc.Threshold)
	}
}

func TestRealtime_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	rec := serve(newRealtimeServer(t, &fakeRelay{}), http.MethodPut, "/api/realtime", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d; want 405", rec.Code)
	}
}
