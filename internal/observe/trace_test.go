package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withRecordedSpans installs an in-memory tracer provider globally for the
// duration of the test and returns its exporter.
func withRecordedSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects slog.Default to a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID_NoSpanMeansEmpty(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}
}

func TestStartSpan_ProducesCorrelatedSpan(t *testing.T) {
	exp := withRecordedSpans(t)

	ctx, span := StartSpan(context.Background(), "gateway.connection")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Errorf("correlation ID = %q, want 32 hex chars", cid)
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q contains non-hex characters", cid)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "gateway.connection" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}

func TestCorrelationID_DistinctPerSpan(t *testing.T) {
	withRecordedSpans(t)

	seen := make(map[string]struct{}, 100)
	for range 100 {
		ctx, span := StartSpan(context.Background(), "gateway.connection")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := seen[cid]; dup {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = struct{}{}
	}
}

func TestLogger_AnnotatesWithSpanContext(t *testing.T) {
	withRecordedSpans(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "gateway.session")
	defer span.End()

	Logger(ctx).Info("relay started")

	line := buf.String()
	if !strings.Contains(line, "trace_id=") || !strings.Contains(line, "span_id=") {
		t.Errorf("log line missing trace annotations: %s", line)
	}
}

func TestLogger_PlainWithoutSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("relay started")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log line should have no trace_id without a span: %s", buf.String())
	}
}
