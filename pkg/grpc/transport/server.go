package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/telemetry"
)

// ServerOptions configures a Server
type ServerOptions struct {
	// Address to listen on, e.g. "localhost:50051"
	Address string

	TLSEnabled bool
	CertFile   string
	KeyFile    string
	CAFile     string

	// RateLimit is the sustained requests per second accepted; zero or
	// less disables limiting
	RateLimit float64
	// RateBurst is the number of requests accepted above the rate
	RateBurst int

	Logger    log.Logger
	Telemetry telemetry.Telemetry
}

// Server is a gRPC server with the keepalive settings, credentials and
// interceptors every flashstore endpoint uses
type Server struct {
	options  ServerOptions
	server   *grpc.Server
	listener net.Listener
	logger   log.Logger
	mu       sync.Mutex
	started  bool
}

// NewServer builds the gRPC server. Services are registered on it with
// RegisterService before Start or Serve.
func NewServer(options ServerOptions) (*Server, error) {
	logger := options.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	logger = logger.WithField("component", "grpc")
	tel := options.Telemetry
	if tel == nil {
		tel = telemetry.NewNoop()
	}

	var serverOpts []grpc.ServerOption

	if options.TLSEnabled {
		tlsConfig, err := LoadServerTLSConfig(options.CertFile, options.KeyFile, options.CAFile)
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	keepaliveParams := keepalive.ServerParameters{
		MaxConnectionIdle:     60 * time.Second,
		MaxConnectionAge:      5 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Second,
		Time:                  15 * time.Second,
		Timeout:               5 * time.Second,
	}

	keepalivePolicy := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}

	interceptors := []grpc.UnaryServerInterceptor{
		requestIDInterceptor(),
		observeInterceptor(tel, logger),
	}
	if options.RateLimit > 0 {
		burst := options.RateBurst
		if burst <= 0 {
			burst = 1
			logger.Warn("rate limit burst is zero or negative, setting to 1")
		}
		interceptors = append(interceptors,
			rateLimitInterceptor(rate.NewLimiter(rate.Limit(options.RateLimit), burst)))
	}

	serverOpts = append(serverOpts,
		grpc.KeepaliveParams(keepaliveParams),
		grpc.KeepaliveEnforcementPolicy(keepalivePolicy),
		grpc.ChainUnaryInterceptor(interceptors...),
	)

	return &Server{
		options: options,
		server:  grpc.NewServer(serverOpts...),
		logger:  logger,
	}, nil
}

// RegisterService implements grpc.ServiceRegistrar
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.server.RegisterService(desc, impl)
}

func (s *Server) listen() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", s.options.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.options.Address, err)
	}
	s.listener = listener
	s.started = true
	return listener, nil
}

// Start starts the server and returns immediately
func (s *Server) Start() error {
	listener, err := s.listen()
	if err != nil {
		return err
	}

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("gRPC server error: %v", err)
		}
	}()

	s.logger.Info("gRPC server listening on %s (tls=%v)", listener.Addr(), s.options.TLSEnabled)
	return nil
}

// Serve starts the server and blocks until it's stopped
func (s *Server) Serve() error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	s.logger.Info("gRPC server listening on %s (tls=%v)", listener.Addr(), s.options.TLSEnabled)
	return s.server.Serve(listener)
}

// Addr returns the listening address, or nil before the server started
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the server gracefully, forcing it down when ctx is done first
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.server.Stop()
	}

	s.started = false
	return nil
}

