// ABOUTME: OpenTelemetry exporter factory for metric and trace exporters (stdout, OTLP, Prometheus)
// ABOUTME: Maps configured exporter names onto SDK exporters

package telemetry

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

// createMetricExporters creates metric exporters based on configuration.
// OTLP is trace-only here. Pushed metrics go to stdout; the prometheus
// exporter is a pull reader and is set up by createPrometheusEndpoint.
func createMetricExporters(cfg Config, out io.Writer) ([]metric.Exporter, error) {
	var exporters []metric.Exporter

	if cfg.HasExporter(ExporterStdout) {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		exporters = append(exporters, exporter)
	}

	return exporters, nil
}

// createTraceExporters creates trace exporters based on configuration.
func createTraceExporters(ctx context.Context, cfg Config, out io.Writer) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter

	for _, name := range cfg.Exporters {
		switch name {
		case ExporterOTLP:
			exporter, err := otlptracegrpc.New(
				ctx,
				otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithTimeout(cfg.ExportTimeout),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		case ExporterStdout:
			exporter, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)
		}
	}

	return exporters, nil
}

// prometheusEndpoint is a pull exporter: a metric reader registered on its
// own registry and the HTTP server scraping it
type prometheusEndpoint struct {
	reader   *otelprom.Exporter
	listener net.Listener
	server   *http.Server
}

// createPrometheusEndpoint starts serving /metrics on cfg.PrometheusAddr
func createPrometheusEndpoint(cfg Config) (*prometheusEndpoint, error) {
	registry := prometheus.NewRegistry()
	reader, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.PrometheusAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.PrometheusAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go server.Serve(listener)

	return &prometheusEndpoint{reader: reader, listener: listener, server: server}, nil
}

func (e *prometheusEndpoint) shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}
