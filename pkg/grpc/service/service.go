// Package service exposes the storage call/reply channel as a gRPC service.
//
// Every RPC becomes exactly one storage request. Engine failures travel in
// the response's error field; gRPC status codes are reserved for invalid
// arguments and for a storage loop that is no longer answering.
package service

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/hashlog"
	"github.com/KevoDB/flashstore/pkg/ipc"
	"github.com/KevoDB/flashstore/pkg/stats"
	"github.com/KevoDB/flashstore/pkg/storage"
	"github.com/KevoDB/flashstore/pkg/text"
)

// StorageServiceServer implements StorageServer on a storage channel
type StorageServiceServer struct {
	client *storage.Client
	stats  stats.Provider
	logger log.Logger
}

var _ StorageServer = (*StorageServiceServer)(nil)

// NewStorageServiceServer creates a server forwarding to caller. statsProvider
// answers Stats and may be nil.
func NewStorageServiceServer(caller *storage.Caller, statsProvider stats.Provider, logger log.Logger) *StorageServiceServer {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &StorageServiceServer{
		client: storage.NewClient(caller),
		stats:  statsProvider,
		logger: logger.WithField("component", "grpc"),
	}
}

func parseKey(s string) (text.Key, error) {
	key, err := text.KeyFromString(s)
	if err != nil {
		return key, status.Errorf(codes.InvalidArgument, "invalid key: %v", err)
	}
	return key, nil
}

func parseValue(s string) (text.Value, error) {
	value, err := text.ValueFromString(s)
	if err != nil {
		return value, status.Errorf(codes.InvalidArgument, "invalid value: %v", err)
	}
	return value, nil
}

// engineError splits err into an engine error code for the response body
// and a transport error for the gRPC status
func (s *StorageServiceServer) engineError(err error) (hashlog.ErrorCode, error) {
	var code hashlog.ErrorCode
	switch {
	case errors.As(err, &code):
		return code, nil
	case errors.Is(err, ipc.ErrClosed):
		return 0, status.Error(codes.Unavailable, "storage service is not running")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 0, status.FromContextError(err).Err()
	default:
		s.logger.Error("storage call failed: %v", err)
		return 0, status.Errorf(codes.Internal, "storage call failed: %v", err)
	}
}

// AppendKey implements StorageServer
func (s *StorageServiceServer) AppendKey(ctx context.Context, req *AppendKeyRequest) (*AppendKeyResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}
	value, err := parseValue(req.Value)
	if err != nil {
		return nil, err
	}

	code, err := s.client.AppendKey(ctx, key, value)
	if err != nil {
		errCode, err := s.engineError(err)
		if err != nil {
			return nil, err
		}
		return &AppendKeyResponse{Error: errCode}, nil
	}
	return &AppendKeyResponse{Code: code}, nil
}

// Get implements StorageServer
func (s *StorageServiceServer) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}

	value, err := s.client.Get(ctx, key)
	if err != nil {
		errCode, err := s.engineError(err)
		if err != nil {
			return nil, err
		}
		return &GetResponse{Error: errCode}, nil
	}
	return &GetResponse{Value: value.String()}, nil
}

// InvalidateKey implements StorageServer
func (s *StorageServiceServer) InvalidateKey(ctx context.Context, req *InvalidateKeyRequest) (*InvalidateKeyResponse, error) {
	key, err := parseKey(req.Key)
	if err != nil {
		return nil, err
	}

	code, err := s.client.InvalidateKey(ctx, key)
	if err != nil {
		errCode, err := s.engineError(err)
		if err != nil {
			return nil, err
		}
		return &InvalidateKeyResponse{Error: errCode}, nil
	}
	return &InvalidateKeyResponse{Code: code}, nil
}

// GarbageCollect implements StorageServer
func (s *StorageServiceServer) GarbageCollect(ctx context.Context, _ *GarbageCollectRequest) (*GarbageCollectResponse, error) {
	reclaimed, err := s.client.GarbageCollect(ctx)
	if err != nil {
		errCode, err := s.engineError(err)
		if err != nil {
			return nil, err
		}
		return &GarbageCollectResponse{Error: errCode}, nil
	}
	return &GarbageCollectResponse{Reclaimed: reclaimed}, nil
}

// Stats implements StorageServer. It reads counters only and never reaches
// the storage loop.
func (s *StorageServiceServer) Stats(_ context.Context, _ *StatsRequest) (*StatsResponse, error) {
	if s.stats == nil {
		return nil, status.Error(codes.Unimplemented, "statistics are not enabled")
	}
	return &StatsResponse{Stats: s.stats.GetStats()}, nil
}
