package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/config"
	"github.com/KevoDB/flashstore/pkg/flash"
	"github.com/KevoDB/flashstore/pkg/grpc/service"
	grpctransport "github.com/KevoDB/flashstore/pkg/grpc/transport"
	"github.com/KevoDB/flashstore/pkg/iomux"
	"github.com/KevoDB/flashstore/pkg/ipc"
	"github.com/KevoDB/flashstore/pkg/stats"
	"github.com/KevoDB/flashstore/pkg/storage"
	"github.com/KevoDB/flashstore/pkg/telemetry"
)

// Node runs the services of one flashstore instance: the pin multiplexer,
// the storage loop on the configured flash part and, in server mode, the
// gRPC endpoint in front of it
type Node struct {
	cfg    *config.Config
	logger log.Logger

	device    flash.Device
	stats     *stats.AtomicCollector
	telemetry telemetry.Telemetry

	storage *storage.Caller
	cancel  context.CancelFunc
	stopped chan struct{}
	stopErr error

	server *grpctransport.Server
}

// NewNode creates a node for cfg. Nothing is opened until Open.
func NewNode(cfg *config.Config, logger log.Logger) *Node {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Node{
		cfg:       cfg,
		logger:    logger,
		stats:     stats.NewAtomicCollector(),
		telemetry: telemetry.NewNoop(),
	}
}

// openDevice opens the flash part described by cfg. An empty image path
// selects a volatile in-memory part.
func openDevice(cfg *config.Config) (flash.Device, error) {
	if cfg.FlashImage == "" {
		return flash.NewMemoryDevice(cfg.FlashSize)
	}
	return flash.OpenFileDevice(cfg.FlashImage, cfg.FlashSize)
}

// Open boots the services. A failure leaves nothing running.
func (n *Node) Open(ctx context.Context) error {
	device, err := openDevice(n.cfg)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, n.cfg.Telemetry)
	if err != nil {
		closeDevice(device)
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if p, ok := tel.(*telemetry.TelemetryProvider); ok && p.MetricsAddr() != nil {
		n.logger.Info("serving metrics on http://%s/metrics", p.MetricsAddr())
	}

	// the services outlive ctx, which only bounds startup
	runCtx, cancel := context.WithCancel(context.Background())

	muxCaller, muxResponder := ipc.NewChannel[iomux.Request, iomux.Response]()
	mux := iomux.NewService(iomux.DefaultPinMap, n.logger.WithField("component", "iomux"))
	go mux.Serve(runCtx, muxResponder)

	p := storage.NewPlatform(muxCaller, device, n.cfg.BaseSector, n.cfg.StorageRegions)
	p.Logger = n.logger
	p.Stats = n.stats
	p.Telemetry = tel

	svc, err := storage.Start(ctx, p)
	if err != nil {
		cancel()
		tel.Shutdown(context.Background())
		closeDevice(device)
		return err
	}

	caller, responder := storage.NewChannel()
	stopped := make(chan struct{})
	go func() {
		n.stopErr = svc.Serve(runCtx, responder)
		close(stopped)
	}()

	n.device = device
	n.telemetry = tel
	n.storage = caller
	n.cancel = cancel
	n.stopped = stopped
	return nil
}

// Store returns a store talking to the storage loop directly
func (n *Node) Store() Store {
	return &localStore{
		client: storage.NewClient(n.storage),
		stats:  n.stats,
	}
}

// StartServer starts the gRPC endpoint without blocking
func (n *Node) StartServer() error {
	server, err := grpctransport.NewServer(grpctransport.ServerOptions{
		Address:    n.cfg.ListenAddr,
		TLSEnabled: n.cfg.TLSEnabled,
		CertFile:   n.cfg.TLSCertFile,
		KeyFile:    n.cfg.TLSKeyFile,
		CAFile:     n.cfg.TLSCAFile,
		RateLimit:  n.cfg.RateLimit,
		RateBurst:  n.cfg.RateBurst,
		Logger:     n.logger,
		Telemetry:  n.telemetry,
	})
	if err != nil {
		return err
	}
	service.RegisterStorageServer(server,
		service.NewStorageServiceServer(n.storage, n.stats, n.logger))

	if err := server.Start(); err != nil {
		return err
	}
	n.server = server
	return nil
}

// Addr returns the gRPC listening address, or nil when not serving
func (n *Node) Addr() net.Addr {
	if n.server == nil {
		return nil
	}
	return n.server.Addr()
}

// Stopped is closed once the storage loop has exited
func (n *Node) Stopped() <-chan struct{} {
	return n.stopped
}

// Err returns the storage loop's exit error once Stopped is closed
func (n *Node) Err() error {
	return n.stopErr
}

// Shutdown stops the endpoint, then the storage loop, and closes the
// flash part once no request can reach it
func (n *Node) Shutdown(ctx context.Context) error {
	var errs []error

	if n.server != nil {
		if err := n.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop gRPC server: %w", err))
		}
		n.server = nil
	}

	if n.cancel != nil {
		n.storage.Close()
		n.cancel()
		// the loop returns once the request in hand is answered
		select {
		case <-n.stopped:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("storage loop did not stop: %w", ctx.Err()))
		}
		n.cancel = nil
	}

	if err := n.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
	}

	if n.device != nil {
		if err := closeDevice(n.device); err != nil {
			errs = append(errs, fmt.Errorf("failed to close flash device: %w", err))
		}
		n.device = nil
	}

	return errors.Join(errs...)
}

func closeDevice(dev flash.Device) error {
	if c, ok := dev.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
