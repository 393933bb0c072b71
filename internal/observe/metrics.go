// Package observe provides application-wide observability primitives for the
// concierge relay: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served by
// [MetricsHandler] on the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all concierge metrics.
const meterName = "github.com/MrWong99/concierge"

// Dial outcomes recorded on [Metrics.UpstreamDials].
const (
	DialOK          = "ok"
	DialTimeout     = "timeout"
	DialError       = "error"
	DialBreakerOpen = "breaker_open"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Turn pipeline latency ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks chat completion latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end latency of one turn-based exchange.
	TurnDuration metric.Float64Histogram

	// --- Upstream realtime session ---

	// ConnectDuration tracks how long establishing the upstream transport
	// took, successful or not.
	ConnectDuration metric.Float64Histogram

	// UpstreamDials counts transport dials. Use with attribute:
	//   attribute.String("status", DialOK|DialTimeout|DialError|DialBreakerOpen)
	UpstreamDials metric.Int64Counter

	// InboundEvents counts events received from upstream. Use with attribute:
	//   attribute.String("type", ...)
	InboundEvents metric.Int64Counter

	// MalformedEvents counts inbound payloads that could not be parsed.
	MalformedEvents metric.Int64Counter

	// AudioFragments counts response audio fragments handed to the sequencer.
	AudioFragments metric.Int64Counter

	// SupersededResponses counts streaming responses discarded because a
	// newer response started.
	SupersededResponses metric.Int64Counter

	// ForwardedEvents counts client events sent upstream. Use with attribute:
	//   attribute.String("status", ...)
	ForwardedEvents metric.Int64Counter

	// Polls counts client polls. Use with attribute:
	//   attribute.String("status", ...)
	Polls metric.Int64Counter

	// --- Provider calls (turn pipeline) ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live upstream sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "concierge.stt.duration", "Latency of speech-to-text transcription."},
		{&met.LLMDuration, "concierge.llm.duration", "Latency of chat completion."},
		{&met.TTSDuration, "concierge.tts.duration", "Latency of text-to-speech synthesis."},
		{&met.TurnDuration, "concierge.turn.duration", "End-to-end latency of a turn-based exchange."},
		{&met.ConnectDuration, "concierge.upstream.connect.duration", "Time spent establishing the upstream transport."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.UpstreamDials, "concierge.upstream.dials", "Upstream transport dials by status."},
		{&met.InboundEvents, "concierge.upstream.events", "Inbound upstream events by type."},
		{&met.MalformedEvents, "concierge.upstream.malformed_events", "Inbound upstream payloads that could not be parsed."},
		{&met.AudioFragments, "concierge.audio.fragments", "Response audio fragments routed to the sequencer."},
		{&met.SupersededResponses, "concierge.audio.superseded_responses", "Streaming responses discarded by a newer response."},
		{&met.ForwardedEvents, "concierge.relay.forwarded_events", "Client events forwarded upstream by status."},
		{&met.Polls, "concierge.relay.polls", "Client polls by status."},
		{&met.ProviderRequests, "concierge.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.ProviderErrors, "concierge.provider.errors", "Total provider errors by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("concierge.active_sessions",
		metric.WithDescription("Number of live upstream sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("concierge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDial records one upstream dial outcome and how long it took.
func (m *Metrics) RecordDial(ctx context.Context, status string, seconds float64) {
	m.UpstreamDials.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status != DialBreakerOpen {
		m.ConnectDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordInboundEvent records one event received from upstream.
func (m *Metrics) RecordInboundEvent(ctx context.Context, eventType string) {
	m.InboundEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordForward records one client event forwarded upstream.
func (m *Metrics) RecordForward(ctx context.Context, status string) {
	m.ForwardedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPoll records one client poll.
func (m *Metrics) RecordPoll(ctx context.Context, status string) {
	m.Polls.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
