// ABOUTME: OpenTelemetry SDK provider implementing Telemetry with metric and trace providers
// ABOUTME: Handles provider lifecycle, resource attributes, sampling and instrument caching

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/KevoDB/flashstore"

// TelemetryProvider implements Telemetry on the OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer
	prometheus     *prometheusEndpoint

	histograms sync.Map // name -> metric.Float64Histogram
	counters   sync.Map // name -> metric.Int64Counter
}

// Option configures New
type Option func(*options)

type options struct {
	out io.Writer
}

// WithWriter directs the stdout exporters to w
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.out = w
	}
}

// New creates a Telemetry for cfg. A disabled config yields a no-op.
func New(ctx context.Context, cfg Config, opts ...Option) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	resource := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	metricExporters, err := createMetricExporters(cfg, o.out)
	if err != nil {
		return nil, err
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(resource)}

	var prom *prometheusEndpoint
	if cfg.HasExporter(ExporterPrometheus) {
		prom, err = createPrometheusEndpoint(cfg)
		if err != nil {
			return nil, err
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(prom.reader))
	}

	for _, exporter := range metricExporters {
		metricOpts = append(metricOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(cfg.BatchTimeout),
			sdkmetric.WithTimeout(cfg.ExportTimeout),
		)))
	}

	traceExporters, err := createTraceExporters(ctx, cfg, o.out)
	if err != nil {
		if prom != nil {
			prom.shutdown(ctx)
		}
		return nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, exporter := range traceExporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}

	p := &TelemetryProvider{
		config:         cfg,
		meterProvider:  sdkmetric.NewMeterProvider(metricOpts...),
		tracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		prometheus:     prom,
	}
	p.meter = p.meterProvider.Meter(instrumentationName)
	p.tracer = p.tracerProvider.Tracer(instrumentationName)
	return p, nil
}

// RecordHistogram implements Telemetry
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	h, ok := p.histograms.Load(name)
	if !ok {
		created, err := p.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		h, _ = p.histograms.LoadOrStore(name, created)
	}
	h.(metric.Float64Histogram).Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter implements Telemetry
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	c, ok := p.counters.Load(name)
	if !ok {
		created, err := p.meter.Int64Counter(name)
		if err != nil {
			return
		}
		c, _ = p.counters.LoadOrStore(name, created)
	}
	c.(metric.Int64Counter).Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan implements Telemetry
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// MetricsAddr returns the address serving /metrics, or nil without the
// prometheus exporter
func (p *TelemetryProvider) MetricsAddr() net.Addr {
	if p.prometheus == nil {
		return nil
	}
	return p.prometheus.listener.Addr()
}

// Shutdown flushes pending spans and metrics and stops both providers
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	errs := []error{
		p.tracerProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
	}
	if p.prometheus != nil {
		errs = append(errs, p.prometheus.shutdown(ctx))
	}
	return errors.Join(errs...)
}
