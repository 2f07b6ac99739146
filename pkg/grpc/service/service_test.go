package service

import (
	"context"
	"net"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/flash"
	"github.com/KevoDB/flashstore/pkg/hashlog"
	"github.com/KevoDB/flashstore/pkg/iomux"
	"github.com/KevoDB/flashstore/pkg/ipc"
	"github.com/KevoDB/flashstore/pkg/stats"
	"github.com/KevoDB/flashstore/pkg/storage"
	"github.com/KevoDB/flashstore/pkg/text"
)

const bufSize = 1024 * 1024

// startServer boots a storage service on a memory device and serves it over
// an in-process gRPC connection
func startServer(t *testing.T, regions int) (*StorageClient, *storage.Caller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	muxCaller, muxResponder := ipc.NewChannel[iomux.Request, iomux.Response]()
	go iomux.NewService(iomux.DefaultPinMap, log.Discard()).Serve(ctx, muxResponder)

	dev, err := flash.NewMemoryDevice(uint32(regions * flash.SectorSize))
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}
	collector := stats.NewAtomicCollector()
	p := storage.NewPlatform(muxCaller, dev, 0, regions)
	p.Logger = log.Discard()
	p.Stats = collector

	svc, err := storage.Start(ctx, p)
	if err != nil {
		t.Fatalf("failed to start storage: %v", err)
	}
	caller, responder := storage.NewChannel()
	go svc.Serve(ctx, responder)

	return dial(t, NewStorageServiceServer(caller, collector, log.Discard())), caller
}

func dial(t *testing.T, srv StorageServer) *StorageClient {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	RegisterStorageServer(server, srv)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial bufnet: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewStorageClient(conn)
}

func TestAppendGetInvalidate(t *testing.T) {
	client, _ := startServer(t, 2)
	ctx := context.Background()

	appended, err := client.AppendKey(ctx, &AppendKeyRequest{Key: "ONE", Value: "#"})
	if err != nil {
		t.Fatalf("AppendKey failed: %v", err)
	}
	if appended.Error != 0 || appended.Code != hashlog.SuccessWritten {
		t.Fatalf("expected Written, got %+v", appended)
	}

	got, err := client.Get(ctx, &GetRequest{Key: "ONE"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Error != 0 || got.Value != "#" {
		t.Fatalf("expected value %q, got %+v", "#", got)
	}

	dup, err := client.AppendKey(ctx, &AppendKeyRequest{Key: "ONE", Value: "other"})
	if err != nil {
		t.Fatalf("AppendKey failed: %v", err)
	}
	if dup.Error != hashlog.ErrKeyAlreadyExists {
		t.Errorf("expected KeyAlreadyExists, got %+v", dup)
	}

	invalidated, err := client.InvalidateKey(ctx, &InvalidateKeyRequest{Key: "ONE"})
	if err != nil {
		t.Fatalf("InvalidateKey failed: %v", err)
	}
	if invalidated.Code != hashlog.SuccessWritten {
		t.Errorf("expected Written, got %+v", invalidated)
	}

	missing, err := client.Get(ctx, &GetRequest{Key: "ONE"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if missing.Error != hashlog.ErrKeyNotFound {
		t.Errorf("expected KeyNotFound, got %+v", missing)
	}

	collected, err := client.GarbageCollect(ctx, &GarbageCollectRequest{})
	if err != nil {
		t.Fatalf("GarbageCollect failed: %v", err)
	}
	if want := uint64(hashlog.ObjectSize(1)); collected.Reclaimed != want {
		t.Errorf("expected %d bytes reclaimed, got %d", want, collected.Reclaimed)
	}
}

func TestInvalidArguments(t *testing.T) {
	client, _ := startServer(t, 1)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"key too long", func() error {
			_, err := client.Get(ctx, &GetRequest{Key: strings.Repeat("k", text.MaxKeySize+1)})
			return err
		}},
		{"value too long", func() error {
			_, err := client.AppendKey(ctx, &AppendKeyRequest{Key: "k", Value: strings.Repeat("v", text.MaxValueSize+1)})
			return err
		}},
		{"invalidate key too long", func() error {
			_, err := client.InvalidateKey(ctx, &InvalidateKeyRequest{Key: strings.Repeat("k", text.MaxKeySize+1)})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if status.Code(err) != codes.InvalidArgument {
				t.Errorf("expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestStats(t *testing.T) {
	client, _ := startServer(t, 1)
	ctx := context.Background()

	if _, err := client.AppendKey(ctx, &AppendKeyRequest{Key: "a", Value: "b"}); err != nil {
		t.Fatalf("AppendKey failed: %v", err)
	}
	if _, err := client.Get(ctx, &GetRequest{Key: "missing"}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	resp, err := client.Stats(ctx, &StatsRequest{})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	// numbers come back as float64 through JSON
	if v, ok := resp.Stats["append_ops"].(float64); !ok || v != 1 {
		t.Errorf("expected append_ops 1, got %v", resp.Stats["append_ops"])
	}
	errs, ok := resp.Stats["errors"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected errors map, got %T", resp.Stats["errors"])
	}
	if v, _ := errs["KeyNotFound"].(float64); v != 1 {
		t.Errorf("expected one KeyNotFound error, got %v", errs["KeyNotFound"])
	}
}

func TestStatsDisabled(t *testing.T) {
	caller, _ := storage.NewChannel()
	client := dial(t, NewStorageServiceServer(caller, nil, log.Discard()))

	_, err := client.Stats(context.Background(), &StatsRequest{})
	if status.Code(err) != codes.Unimplemented {
		t.Errorf("expected Unimplemented, got %v", err)
	}
}

func TestStorageClosed(t *testing.T) {
	caller, responder := storage.NewChannel()
	responder.Close()
	client := dial(t, NewStorageServiceServer(caller, nil, log.Discard()))

	_, err := client.Get(context.Background(), &GetRequest{Key: "a"})
	if status.Code(err) != codes.Unavailable {
		t.Errorf("expected Unavailable, got %v", err)
	}
}

func TestFullMethod(t *testing.T) {
	if got := FullMethod(MethodGet); got != "/flashstore.Storage/Get" {
		t.Errorf("unexpected method path %q", got)
	}
}
