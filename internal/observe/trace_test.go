package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// installTracer registers an in-memory tracer as the global provider for the
// duration of the test. Tests using it must not run in parallel.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLog redirects the default logger into a buffer.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	installTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q; want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "relay.poll")
		cid := CorrelationID(ctx)
		span.End()
		if !traceIDPattern.MatchString(cid) {
			t.Fatalf("CorrelationID = %q; want 32 hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
}

func TestEndSpan(t *testing.T) {
	exp := installTracer(t)

	_, ok := StartSpan(context.Background(), "turn.stt")
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "turn.tts")
	EndSpan(failed, errors.New("upstream refused"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d; want 2", len(spans))
	}
	if spans[0].Name != "turn.stt" || spans[0].Status.Code == codes.Error {
		t.Errorf("first span = %q %v; want turn.stt without error", spans[0].Name, spans[0].Status)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "upstream refused" {
		t.Errorf("failed span status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("failed span has no recorded error event")
	}
}

func TestLogger(t *testing.T) {
	installTracer(t)
	buf := captureLog(t)

	Logger(context.Background()).Info("no span")
	ctx, span := StartSpan(context.Background(), "relay.forward")
	Logger(ctx).Info("with span")
	span.End()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("logged %d lines; want 2:\n%s", len(lines), buf)
	}
	if strings.Contains(lines[0], "trace_id") {
		t.Errorf("line without span carries trace_id: %s", lines[0])
	}
	for _, key := range []string{"trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(lines[1], key) {
			t.Errorf("line with span missing %q: %s", key, lines[1])
		}
	}
}
