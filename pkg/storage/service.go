// Package storage implements the storage service: a call/reply loop that
// executes key/value requests against the hashed log on flash.
package storage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/hashlog"
	"github.com/KevoDB/flashstore/pkg/keyhash"
	"github.com/KevoDB/flashstore/pkg/stats"
	"github.com/KevoDB/flashstore/pkg/telemetry"
	"github.com/KevoDB/flashstore/pkg/text"
)

// Engine is the part of the hashed log the service drives
type Engine interface {
	AppendKey(hash uint64, value []byte) (hashlog.SuccessCode, error)
	GetKey(hash uint64, buf []byte) (hashlog.SuccessCode, int, error)
	InvalidateKey(hash uint64) (hashlog.SuccessCode, error)
	GarbageCollect() (int, error)
}

var _ Engine = (*hashlog.Engine)(nil)

// Service dispatches storage requests to an Engine. Handle must not be
// called concurrently; Serve guarantees this by handling one request at a
// time.
type Service struct {
	engine    Engine
	logger    log.Logger
	stats     stats.Collector
	telemetry telemetry.Telemetry

	// value buffer reused by every Get
	valueBuf [text.MaxValueSize]byte
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(logger log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithStats sets the statistics collector
func WithStats(collector stats.Collector) Option {
	return func(s *Service) {
		s.stats = collector
	}
}

// WithTelemetry sets the telemetry sink
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Service) {
		s.telemetry = tel
	}
}

// NewService creates a service over engine
func NewService(engine Engine, opts ...Option) *Service {
	s := &Service{
		engine:    engine,
		logger:    log.GetDefaultLogger().WithField("component", "storage"),
		stats:     stats.NewAtomicCollector(),
		telemetry: telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve answers requests on responder until ctx is done or the channel is
// closed. Per-request failures are replied as error codes and never stop
// the loop.
func (s *Service) Serve(ctx context.Context, responder *Responder) error {
	s.logger.Info("storage service ready")
	return responder.ReplyRecv(ctx, s.Handle)
}

// Stats returns a snapshot of the service statistics
func (s *Service) Stats() map[string]interface{} {
	return s.stats.GetStats()
}

// Handle executes one request and returns its reply
func (s *Service) Handle(ctx context.Context, req Request) Reply {
	if req == nil {
		s.logger.Error("received nil request")
		return failed(hashlog.ErrCorruptData)
	}

	start := time.Now()
	op := req.Op()

	logger := s.logger
	if id := RequestID(ctx); id != "" {
		logger = logger.WithField("request_id", id)
	}
	logger.Debug("processing request %v", req)

	ctx, span := s.telemetry.StartSpan(ctx, "storage."+string(op),
		attribute.String(telemetry.AttrOperationType, string(op)))
	defer span.End()

	reply := s.dispatch(req)

	status := telemetry.StatusSuccess
	if !reply.OK() {
		status = telemetry.StatusError
		s.stats.TrackError(reply.Err.String())
		span.SetAttributes(attribute.String(telemetry.AttrErrorType, reply.Err.String()))
	}
	s.stats.TrackOperationWithLatency(op, uint64(time.Since(start).Nanoseconds()))

	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperationType, string(op)),
		attribute.String(telemetry.AttrStatus, status),
	}
	telemetry.RecordDuration(ctx, s.telemetry, telemetry.MetricRequestDuration, start, attrs...)
	s.telemetry.RecordCounter(ctx, telemetry.MetricRequests, 1, attrs...)

	logger.Debug("response %v", reply)
	return reply
}

func (s *Service) dispatch(req Request) Reply {
	switch r := req.(type) {
	case AppendKey:
		code, err := s.engine.AppendKey(keyhash.Sum(r.Key.Bytes()), r.Value.Bytes())
		if err != nil {
			return s.fail(err)
		}
		return Reply{Response: KeyAppended{Code: code}}

	case Get:
		_, n, err := s.engine.GetKey(keyhash.Sum(r.Key.Bytes()), s.valueBuf[:])
		if err != nil {
			return s.fail(err)
		}
		value, err := text.NewValue(s.valueBuf[:n])
		if err != nil {
			s.logger.Warn("stored value for %q is not text: %v", r.Key, err)
			return failed(hashlog.ErrCorruptData)
		}
		return Reply{Response: Value{Value: value}}

	case InvalidateKey:
		code, err := s.engine.InvalidateKey(keyhash.Sum(r.Key.Bytes()))
		if err != nil {
			return s.fail(err)
		}
		return Reply{Response: KeyInvalidated{Code: code}}

	case GarbageCollect:
		reclaimed, err := s.engine.GarbageCollect()
		if err != nil {
			return s.fail(err)
		}
		s.stats.TrackReclaimed(uint64(reclaimed))
		s.logger.Info("garbage collection reclaimed %d bytes", reclaimed)
		return Reply{Response: GarbageCollected{Reclaimed: uint64(reclaimed)}}

	default:
		s.logger.Error("unsupported request type %T", req)
		return failed(hashlog.ErrCorruptData)
	}
}

// fail converts an engine error to a reply. Errors without a code only
// come from misbehaving backends and are reported as corrupt data.
func (s *Service) fail(err error) Reply {
	code, ok := hashlog.CodeOf(err)
	if !ok {
		s.logger.Error("engine returned an uncoded error: %v", err)
		return failed(hashlog.ErrCorruptData)
	}
	if code != hashlog.ErrKeyNotFound && code != hashlog.ErrKeyAlreadyExists {
		s.logger.Warn("request failed: %v", err)
	}
	return failed(code)
}
