package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestNewLoggerAddsTraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("info", &buf)

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.InfoContext(ctx, "hello", "k", "v")
	span.End()

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["trace_id"] != span.SpanContext().TraceID().String() {
		t.Fatalf("expected trace id in record, got %v", rec["trace_id"])
	}
	if rec["k"] != "v" {
		t.Fatalf("expected attribute carried, got %v", rec["k"])
	}
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestFanoutHandlerWritesToAll(t *testing.T) {
	var a, b bytes.Buffer
	h := fanoutHandler{
		slog.NewJSONHandler(&a, nil),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}
	logger := slog.New(h).With("component", "test")
	logger.Info("info line")
	logger.Error("error line")

	if !strings.Contains(a.String(), "info line") || !strings.Contains(a.String(), "error line") {
		t.Fatalf("first handler missing records: %s", a.String())
	}
	if strings.Contains(b.String(), "info line") || !strings.Contains(b.String(), "component=test") {
		t.Fatalf("second handler level/attrs wrong: %s", b.String())
	}
}
