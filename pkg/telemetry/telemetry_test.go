// ABOUTME: Tests for the no-op telemetry and the SDK provider writing to an in-memory stdout exporter

package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	tel.RecordHistogram(ctx, "test.histogram", 1.5, attribute.String("key", "value"))
	tel.RecordCounter(ctx, "test.counter", 10, attribute.String("key", "value"))

	spanCtx, span := tel.StartSpan(ctx, "test.span", attribute.String("test", "value"))
	if spanCtx == nil {
		t.Error("StartSpan returned nil context")
	}
	if span == nil {
		t.Error("StartSpan returned nil span")
	}
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	tel, err := New(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, ok := tel.(*NoopTelemetry); !ok {
		t.Errorf("Expected *NoopTelemetry for disabled config, got %T", tel)
	}
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = 2

	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("Expected error for invalid config")
	}
}

func TestProviderExportsToWriter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.BatchTimeout = time.Hour

	var out bytes.Buffer
	tel, err := New(context.Background(), cfg, WithWriter(&out))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, ok := tel.(*TelemetryProvider); !ok {
		t.Fatalf("Expected *TelemetryProvider, got %T", tel)
	}

	ctx := context.Background()
	spanCtx, span := tel.StartSpan(ctx, "storage.get", attribute.String(AttrOperationType, OpTypeGet))
	RecordDuration(spanCtx, tel, MetricRequestDuration, time.Now(), attribute.String(AttrStatus, StatusSuccess))
	tel.RecordCounter(spanCtx, MetricRequests, 1, attribute.String(AttrOperationType, OpTypeGet))
	RecordBytes(spanCtx, tel, MetricReclaimedBytes, 219)
	span.End()

	// Shutdown flushes the batcher and the periodic reader
	if err := tel.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	exported := out.String()
	for _, want := range []string{"storage.get", MetricRequests, MetricRequestDuration, MetricReclaimedBytes} {
		if !strings.Contains(exported, want) {
			t.Errorf("Expected exported telemetry to mention %q", want)
		}
	}
}

func TestProviderServesPrometheusMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporters = []string{ExporterPrometheus}
	cfg.PrometheusAddr = "127.0.0.1:0"

	tel, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	provider := tel.(*TelemetryProvider)
	defer provider.Shutdown(context.Background())

	addr := provider.MetricsAddr()
	if addr == nil {
		t.Fatal("Expected a metrics address with the prometheus exporter")
	}

	tel.RecordCounter(context.Background(), MetricRequests, 3, attribute.String(AttrOperationType, OpTypeAppend))

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("Failed to scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read metrics: %v", err)
	}

	// Prometheus names replace the dots of instrument names
	want := strings.ReplaceAll(MetricRequests, ".", "_")
	if !strings.Contains(string(body), want) {
		t.Errorf("Expected scrape to contain %q, got:\n%s", want, body)
	}
}

func TestProviderPrometheusListenFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporters = []string{ExporterPrometheus}
	cfg.PrometheusAddr = "256.0.0.1:bad"

	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("Expected error for an unusable prometheus address")
	}
}
