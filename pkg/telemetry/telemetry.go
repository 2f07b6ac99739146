// ABOUTME: Core telemetry abstraction over OpenTelemetry for flashstore request instrumentation
// ABOUTME: Provides metric recording, tracing and lifecycle management with a no-op implementation

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the instrumentation surface used by the storage service.
// Components record metrics and spans through it without depending on the
// OpenTelemetry SDK directly.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes and stops all providers.
	Shutdown(ctx context.Context) error
}

// NoopTelemetry is a Telemetry that records nothing.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

// RecordHistogram is a no-op.
func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

// RecordCounter is a no-op.
func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and the span already in it.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records the time elapsed since start, in seconds, in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes records a byte count in a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// Attribute keys
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrStatus        = "status"
	AttrErrorType     = "error.type"
	AttrRequestID     = "request.id"
	AttrRegion        = "flash.region"
)

// Attribute values
const (
	OpTypeAppend     = "append"
	OpTypeGet        = "get"
	OpTypeInvalidate = "invalidate"
	OpTypeGC         = "gc"

	StatusSuccess = "success"
	StatusError   = "error"

	ComponentStorage = "storage"
	ComponentFlash   = "flash"
	ComponentGRPC    = "grpc"
)

// Metric names
const (
	MetricRequestDuration = "flashstore.request.duration"
	MetricRequests        = "flashstore.requests"
	MetricReclaimedBytes  = "flashstore.gc.reclaimed_bytes"
)
