package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/flash"
	"github.com/KevoDB/flashstore/pkg/flashctl"
	"github.com/KevoDB/flashstore/pkg/hashlog"
	"github.com/KevoDB/flashstore/pkg/iomux"
	"github.com/KevoDB/flashstore/pkg/keyhash"
	"github.com/KevoDB/flashstore/pkg/stats"
	"github.com/KevoDB/flashstore/pkg/telemetry"
)

// Platform holds the resources granted to the storage service before it
// starts. The service owns all of them for the rest of its life.
type Platform struct {
	// IOMux is the channel to the pin multiplexing service
	IOMux *iomux.Caller
	// Peripheral is the SPI block wired to the flash part
	Peripheral iomux.Peripheral
	// Device is the flash part
	Device flash.Device

	// StorageRegion holds one region of the log while it is being worked on
	StorageRegion []byte
	// ScratchpadRegion backs partial page writes; only the first
	// flash.PageSize bytes are used
	ScratchpadRegion []byte

	// BaseSector is the first sector of the storage partition
	BaseSector uint32
	// Regions is the number of sectors in the storage partition
	Regions int

	Logger    log.Logger
	Stats     stats.Collector
	Telemetry telemetry.Telemetry
}

// NewPlatform allocates both memory windows for dev with the storage
// partition covering regions sectors from baseSector
func NewPlatform(mux *iomux.Caller, dev flash.Device, baseSector uint32, regions int) Platform {
	return Platform{
		IOMux:            mux,
		Peripheral:       iomux.SPI0,
		Device:           dev,
		StorageRegion:    make([]byte, flashctl.RegionSize),
		ScratchpadRegion: make([]byte, flashctl.RegionSize),
		BaseSector:       baseSector,
		Regions:          regions,
	}
}

// Start runs the startup sequence: configure the SPI pins, build the flash
// controller and the engine, and seed the engine's main key. Any failure is
// fatal to the service and is returned.
func Start(ctx context.Context, p Platform) (*Service, error) {
	logger := p.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if p.Stats == nil {
		p.Stats = stats.NewAtomicCollector()
	}
	if p.Telemetry == nil {
		p.Telemetry = telemetry.NewNoop()
	}

	if p.Device == nil {
		return nil, errors.New("no flash device")
	}
	if p.IOMux == nil {
		return nil, errors.New("no iomux channel")
	}

	if err := iomux.Configure(ctx, p.IOMux, p.Peripheral); err != nil {
		return nil, fmt.Errorf("failed to configure %s pins: %w", p.Peripheral, err)
	}

	ctl, err := flashctl.New(p.Device, p.ScratchpadRegion,
		flashctl.WithBaseSector(p.BaseSector),
		flashctl.WithLogger(logger.WithField("component", "flashctl")),
		flashctl.WithStats(p.Stats),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flash controller: %w", err)
	}

	if p.Regions <= 0 || p.Regions > ctl.Regions() {
		return nil, fmt.Errorf("storage partition of %d regions does not fit the %d sectors above base sector %d",
			p.Regions, ctl.Regions(), p.BaseSector)
	}

	engine, err := hashlog.New(ctl, p.StorageRegion, p.Regions*flashctl.RegionSize,
		hashlog.WithLogger(logger.WithField("component", "hashlog")))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	if _, err := engine.Initialise(keyhash.Sentinel()); err != nil {
		return nil, fmt.Errorf("failed to initialise engine: %w", err)
	}

	logger.Info("storage ready: %d regions of %d bytes from sector %d",
		p.Regions, flashctl.RegionSize, p.BaseSector)

	return NewService(engine,
		WithLogger(logger.WithField("component", "storage")),
		WithStats(p.Stats),
		WithTelemetry(p.Telemetry),
	), nil
}

// Run starts the service and serves requests on responder. It only returns
// on a startup failure, when ctx is done or when the channel is closed.
func Run(ctx context.Context, p Platform, responder *Responder) error {
	svc, err := Start(ctx, p)
	if err != nil {
		return err
	}
	return svc.Serve(ctx, responder)
}
