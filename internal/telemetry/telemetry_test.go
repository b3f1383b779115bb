package telemetry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/agrimarket/treelot/internal/config"
	"github.com/agrimarket/treelot/internal/telemetry"
)

func TestNewNopProvider(t *testing.T) {
	p := telemetry.NewNopProvider()

	if p.TracerProvider == nil || p.MeterProvider == nil || p.LoggerProvider == nil || p.Logger == nil {
		t.Fatalf("NewNopProvider() left a provider nil: %+v", p)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestSetup_WithoutEndpoint(t *testing.T) {
	var buf bytes.Buffer
	p, err := telemetry.Setup(context.Background(), config.TelemetryConfig{ServiceName: "treelotd-test"}, &buf)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	p.Logger.Info("hello", slog.String("lot_id", "lot-1"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line %q is not JSON: %v", buf.String(), err)
	}
	if line["service"] != "treelotd-test" || line["lot_id"] != "lot-1" {
		t.Errorf("log line = %v", line)
	}
}

func TestSetup_LogLevel(t *testing.T) {
	var buf bytes.Buffer
	p, err := telemetry.Setup(context.Background(), config.TelemetryConfig{ServiceName: "treelotd-test", LogLevel: "warn"}, &buf)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	p.Logger.Info("bid accepted")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}
	p.Logger.Warn("notification dropped")
	if !bytes.Contains(buf.Bytes(), []byte("notification dropped")) {
		t.Errorf("warn line missing: %q", buf.String())
	}
}

func TestLogWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	if got := telemetry.LogWithTrace(context.Background(), logger); got != logger {
		t.Error("LogWithTrace() without a span should return the logger unchanged")
	}

	p := telemetry.NewNopProvider()
	ctx, span := p.TracerProvider.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()

	telemetry.LogWithTrace(ctx, logger).InfoContext(ctx, "traced")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if line["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", line["trace_id"], span.SpanContext().TraceID())
	}
	if line["span_id"] != span.SpanContext().SpanID().String() {
		t.Errorf("span_id = %v, want %s", line["span_id"], span.SpanContext().SpanID())
	}
}
