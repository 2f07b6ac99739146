package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/grpc/service"
	"github.com/KevoDB/flashstore/pkg/hashlog"
	"github.com/KevoDB/flashstore/pkg/storage"
)

// stubStorage answers every call without a storage loop and remembers the
// request ids it saw
type stubStorage struct {
	mu  sync.Mutex
	ids []string
}

func (s *stubStorage) seen(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, storage.RequestID(ctx))
}

func (s *stubStorage) lastID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return ""
	}
	return s.ids[len(s.ids)-1]
}

func (s *stubStorage) AppendKey(ctx context.Context, _ *service.AppendKeyRequest) (*service.AppendKeyResponse, error) {
	s.seen(ctx)
	return &service.AppendKeyResponse{Code: hashlog.SuccessWritten}, nil
}

func (s *stubStorage) Get(ctx context.Context, req *service.GetRequest) (*service.GetResponse, error) {
	s.seen(ctx)
	return &service.GetResponse{Value: "value-of-" + req.Key}, nil
}

func (s *stubStorage) InvalidateKey(ctx context.Context, _ *service.InvalidateKeyRequest) (*service.InvalidateKeyResponse, error) {
	s.seen(ctx)
	return &service.InvalidateKeyResponse{Code: hashlog.SuccessWritten}, nil
}

func (s *stubStorage) GarbageCollect(ctx context.Context, _ *service.GarbageCollectRequest) (*service.GarbageCollectResponse, error) {
	s.seen(ctx)
	return &service.GarbageCollectResponse{}, nil
}

func (s *stubStorage) Stats(ctx context.Context, _ *service.StatsRequest) (*service.StatsResponse, error) {
	s.seen(ctx)
	return &service.StatsResponse{Stats: map[string]interface{}{}}, nil
}

func startTestServer(t *testing.T, options ServerOptions) (*Server, *stubStorage) {
	t.Helper()
	if options.Address == "" {
		options.Address = "127.0.0.1:0"
	}
	options.Logger = log.Discard()

	server, err := NewServer(options)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	stub := &stubStorage{}
	service.RegisterStorageServer(server, stub)

	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Stop(ctx)
	})
	return server, stub
}

func dialTestServer(t *testing.T, server *Server, options DialOptions) *service.StorageClient {
	t.Helper()
	conn, err := Dial(server.Addr().String(), options)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return service.NewStorageClient(conn)
}

func TestServerAssignsRequestID(t *testing.T) {
	server, stub := startTestServer(t, ServerOptions{})
	client := dialTestServer(t, server, DialOptions{})

	var header metadata.MD
	resp, err := client.Get(context.Background(), &service.GetRequest{Key: "a"}, grpc.Header(&header))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if resp.Value != "value-of-a" {
		t.Errorf("unexpected value %q", resp.Value)
	}

	ids := header.Get(RequestIDHeader)
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("expected a request id header, got %v", ids)
	}
	if stub.lastID() != ids[0] {
		t.Errorf("handler saw request id %q, header carries %q", stub.lastID(), ids[0])
	}
}

func TestServerKeepsCallerRequestID(t *testing.T) {
	server, stub := startTestServer(t, ServerOptions{})
	client := dialTestServer(t, server, DialOptions{})

	ctx := metadata.AppendToOutgoingContext(context.Background(), RequestIDHeader, "req-42")
	var header metadata.MD
	if _, err := client.AppendKey(ctx, &service.AppendKeyRequest{Key: "a", Value: "b"}, grpc.Header(&header)); err != nil {
		t.Fatalf("AppendKey failed: %v", err)
	}
	if stub.lastID() != "req-42" {
		t.Errorf("expected request id req-42, got %q", stub.lastID())
	}
	if ids := header.Get(RequestIDHeader); len(ids) != 1 || ids[0] != "req-42" {
		t.Errorf("expected echoed request id, got %v", ids)
	}
}

func TestServerRateLimit(t *testing.T) {
	server, _ := startTestServer(t, ServerOptions{RateLimit: 0.001, RateBurst: 1})
	client := dialTestServer(t, server, DialOptions{})
	ctx := context.Background()

	if _, err := client.GarbageCollect(ctx, &service.GarbageCollectRequest{}); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	_, err := client.GarbageCollect(ctx, &service.GarbageCollectRequest{})
	if status.Code(err) != codes.ResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %v", err)
	}
}

func TestServerStartTwice(t *testing.T) {
	server, _ := startTestServer(t, ServerOptions{})
	if err := server.Start(); err == nil {
		t.Error("expected error starting a running server")
	}
}

func TestServerListenFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer lis.Close()

	server, err := NewServer(ServerOptions{Address: lis.Addr().String(), Logger: log.Discard()})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := server.Start(); err == nil {
		t.Error("expected error listening on a busy address")
	}
	if server.Addr() != nil {
		t.Errorf("expected no address, got %v", server.Addr())
	}
}

// writeSelfSigned writes a self-signed certificate for 127.0.0.1 and its key
func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "flashstore-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatalf("failed to write certificate: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return certFile, keyFile
}

func TestServerTLS(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir())

	server, _ := startTestServer(t, ServerOptions{
		TLSEnabled: true,
		CertFile:   certFile,
		KeyFile:    keyFile,
	})
	client := dialTestServer(t, server, DialOptions{
		TLSEnabled: true,
		TLS:        TLSConfig{CAFile: certFile},
	})

	if _, err := client.Get(context.Background(), &service.GetRequest{Key: "secure"}); err != nil {
		t.Fatalf("Get over TLS failed: %v", err)
	}
}

func TestLoadTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir)

	if _, err := LoadServerTLSConfig(certFile, "", ""); err == nil {
		t.Error("expected error without a key file")
	}
	if _, err := LoadServerTLSConfig(certFile, keyFile, filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("expected error for a missing CA file")
	}

	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := LoadClientTLSConfig("", "", garbage, false); err == nil {
		t.Error("expected error for an unparsable CA file")
	}

	cfg, err := LoadServerTLSConfig(certFile, keyFile, certFile)
	if err != nil {
		t.Fatalf("failed to load server config: %v", err)
	}
	if cfg.ClientCAs == nil {
		t.Error("expected client CAs when a CA file is given")
	}

	if _, err := NewServer(ServerOptions{TLSEnabled: true, Logger: log.Discard()}); err == nil {
		t.Error("expected NewServer to fail without certificates")
	}
}
