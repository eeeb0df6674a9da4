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

// installTracer swaps in a synchronous in-memory tracer provider for the
// duration of the test.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
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

func TestCorrelationID(t *testing.T) {
	installTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("without span: got %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "frame")
		id := CorrelationID(ctx)
		span.End()
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("got %q, want 32 lowercase hex digits", id)
		}
		if seen[id] {
			t.Fatalf("trace ID %s issued twice", id)
		}
		seen[id] = true
	}
}

func TestStartSpan_Exports(t *testing.T) {
	exp := installTracer(t)

	_, span := StartSpan(context.Background(), "segment.store")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "segment.store" {
		t.Errorf("got span %q, want %q", spans[0].Name, "segment.store")
	}
}

func TestLoggerFrom(t *testing.T) {
	installTracer(t)

	tests := []struct {
		name     string
		withSpan bool
		want     []string
		absent   []string
	}{
		{name: "span", withSpan: true, want: []string{"channel=porch", "trace_id=", "span_id="}},
		{name: "no span", want: []string{"channel=porch"}, absent: []string{"trace_id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			base := slog.New(slog.NewTextHandler(&buf, nil)).With("channel", "porch")
			ctx := context.Background()
			if tt.withSpan {
				c, s := StartSpan(ctx, "deliver")
				defer s.End()
				ctx = c
			}
			LoggerFrom(ctx, base).Info("segment")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output %q lacks %q", out, w)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(out, a) {
					t.Errorf("output %q contains %q", out, a)
				}
			}
		})
	}
}

func TestLoggerFrom_NilBase(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	LoggerFrom(context.Background(), nil).Info("fallback")
	if !strings.Contains(buf.String(), "msg=fallback") {
		t.Errorf("got %q, want default logger output", buf.String())
	}
}
