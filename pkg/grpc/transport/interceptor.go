package transport

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/storage"
	"github.com/KevoDB/flashstore/pkg/telemetry"
)

// RequestIDHeader is the metadata key carrying the request id in both
// directions
const RequestIDHeader = "x-request-id"

// requestIDInterceptor takes the request id from the incoming metadata, or
// assigns a new one, attaches it to the context and echoes it in the
// response header.
func requestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(RequestIDHeader); len(ids) > 0 {
				id = ids[0]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}

		ctx = storage.WithRequestID(ctx, id)
		// SetHeader only fails when headers were already sent
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, id))
		return handler(ctx, req)
	}
}

// rateLimitInterceptor rejects requests beyond the token bucket with
// ResourceExhausted instead of queueing them in front of the storage loop
func rateLimitInterceptor(limiter *rate.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !limiter.Allow() {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

// observeInterceptor logs every call and records it as a span
func observeInterceptor(tel telemetry.Telemetry, logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		id := storage.RequestID(ctx)

		ctx, span := tel.StartSpan(ctx, "grpc"+info.FullMethod,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentGRPC),
			attribute.String(telemetry.AttrRequestID, id))
		defer span.End()

		resp, err := handler(ctx, req)

		code := status.Code(err)
		span.SetAttributes(attribute.String(telemetry.AttrStatus, code.String()))
		l := logger.WithFields(map[string]interface{}{
			"request_id": id,
			"method":     info.FullMethod,
			"code":       code.String(),
			"duration":   time.Since(start).String(),
		})
		if err != nil {
			l.Warn("request failed: %v", err)
		} else {
			l.Debug("request served")
		}
		return resp, err
	}
}
