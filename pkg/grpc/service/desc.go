package service

import (
	"context"

	"google.golang.org/grpc"

	"github.com/KevoDB/flashstore/pkg/grpc/codec"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "flashstore.Storage"

// Method names
const (
	MethodAppendKey      = "AppendKey"
	MethodGet            = "Get"
	MethodInvalidateKey  = "InvalidateKey"
	MethodGarbageCollect = "GarbageCollect"
	MethodStats          = "Stats"
)

// FullMethod returns the gRPC path of method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// StorageServer is the server API of the storage service
type StorageServer interface {
	AppendKey(context.Context, *AppendKeyRequest) (*AppendKeyResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	InvalidateKey(context.Context, *InvalidateKeyRequest) (*InvalidateKeyResponse, error)
	GarbageCollect(context.Context, *GarbageCollectRequest) (*GarbageCollectResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

func unary[Req, Resp any](method string, call func(StorageServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StorageServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(StorageServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the storage service to grpc.Server
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StorageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodAppendKey, StorageServer.AppendKey),
		unary(MethodGet, StorageServer.Get),
		unary(MethodInvalidateKey, StorageServer.InvalidateKey),
		unary(MethodGarbageCollect, StorageServer.GarbageCollect),
		unary(MethodStats, StorageServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flashstore/storage",
}

// RegisterStorageServer registers srv with s
func RegisterStorageServer(s grpc.ServiceRegistrar, srv StorageServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// StorageClient is the client API of the storage service. Every call uses
// the JSON codec.
type StorageClient struct {
	cc grpc.ClientConnInterface
}

// NewStorageClient creates a client on cc
func NewStorageClient(cc grpc.ClientConnInterface) *StorageClient {
	return &StorageClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codec.Name)}, opts...)
	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendKey calls Storage.AppendKey
func (c *StorageClient) AppendKey(ctx context.Context, in *AppendKeyRequest, opts ...grpc.CallOption) (*AppendKeyResponse, error) {
	return invoke[AppendKeyResponse](ctx, c.cc, MethodAppendKey, in, opts)
}

// Get calls Storage.Get
func (c *StorageClient) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	return invoke[GetResponse](ctx, c.cc, MethodGet, in, opts)
}

// InvalidateKey calls Storage.InvalidateKey
func (c *StorageClient) InvalidateKey(ctx context.Context, in *InvalidateKeyRequest, opts ...grpc.CallOption) (*InvalidateKeyResponse, error) {
	return invoke[InvalidateKeyResponse](ctx, c.cc, MethodInvalidateKey, in, opts)
}

// GarbageCollect calls Storage.GarbageCollect
func (c *StorageClient) GarbageCollect(ctx context.Context, in *GarbageCollectRequest, opts ...grpc.CallOption) (*GarbageCollectResponse, error) {
	return invoke[GarbageCollectResponse](ctx, c.cc, MethodGarbageCollect, in, opts)
}

// Stats calls Storage.Stats
func (c *StorageClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	return invoke[StatsResponse](ctx, c.cc, MethodStats, in, opts)
}
