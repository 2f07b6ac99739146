// Package flashctl adapts a page/sector oriented flash.Device to the
// region oriented hashlog.FlashController contract.
//
// Region r occupies hardware sector BaseSector+r, so a read of region r at
// offset o is served from byte (BaseSector+r)*RegionSize+o. With the default
// single region at sector 0 this is the plain region-number-plus-offset
// addressing of the storage window. Reads are issued one page at a time.
// Writes are split at page boundaries; a chunk covering a whole page is
// programmed directly, any shorter chunk is merged into the page already on
// flash through the scratchpad (read-modify-write) at its offset within the
// page, so the bytes around it are reprogrammed with their current values.
package flashctl

import (
	"fmt"

	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/flash"
	"github.com/KevoDB/flashstore/pkg/hashlog"
	"github.com/KevoDB/flashstore/pkg/stats"
)

// RegionSize is the size of one log region, which is one erase sector
const RegionSize = flash.SectorSize

// Controller implements hashlog.FlashController over a flash.Device. It is
// not safe for concurrent use; the storage loop serialises every call.
type Controller struct {
	dev        flash.Device
	scratch    []byte
	baseSector uint32
	logger     log.Logger
	stats      stats.Collector
}

var _ hashlog.FlashController = (*Controller)(nil)

// Option configures a Controller
type Option func(*Controller)

// WithBaseSector places region 0 at the given hardware sector
func WithBaseSector(sector uint32) Option {
	return func(c *Controller) {
		c.baseSector = sector
	}
}

// WithLogger sets the controller logger
func WithLogger(logger log.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithStats records flash activity in collector
func WithStats(collector stats.Collector) Option {
	return func(c *Controller) {
		c.stats = collector
	}
}

// New creates a controller. Only the first flash.PageSize bytes of
// scratchpad are used; a shorter scratchpad fails with ErrBufferTooSmall.
func New(dev flash.Device, scratchpad []byte, opts ...Option) (*Controller, error) {
	if len(scratchpad) < flash.PageSize {
		return nil, fmt.Errorf("%w: scratchpad is %d bytes, need %d",
			hashlog.ErrBufferTooSmall, len(scratchpad), flash.PageSize)
	}

	c := &Controller{
		dev:     dev,
		scratch: scratchpad[:flash.PageSize],
		logger:  log.GetDefaultLogger().WithField("component", "flashctl"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.baseSector >= flash.Sectors(dev) {
		return nil, fmt.Errorf("base sector %d is beyond the %d sectors of the device",
			c.baseSector, flash.Sectors(dev))
	}
	return c, nil
}

// Regions returns the number of regions available from the base sector to
// the end of the device
func (c *Controller) Regions() int {
	return int(flash.Sectors(c.dev) - c.baseSector)
}

func (c *Controller) base() int {
	return int(c.baseSector) * RegionSize
}

// ReadRegion implements hashlog.FlashController
func (c *Controller) ReadRegion(regionNumber int, offset int, buf []byte) error {
	if regionNumber < 0 || offset < 0 {
		return fmt.Errorf("%w: region=%d offset=%d", hashlog.ErrReadFail, regionNumber, offset)
	}

	addr := c.base() + regionNumber*RegionSize + offset
	c.logger.Debug("read region=%d addr=0x%X len=%d", regionNumber, addr, len(buf))

	for done := 0; done < len(buf); done += flash.PageSize {
		end := done + flash.PageSize
		if end > len(buf) {
			end = len(buf)
		}
		if err := c.dev.Read(uint32(addr+done), buf[done:end]); err != nil {
			return fmt.Errorf("%w: addr=0x%X: %v", hashlog.ErrReadFail, addr+done, err)
		}
	}

	if c.stats != nil {
		c.stats.TrackBytes(false, uint64(len(buf)))
	}
	return nil
}

// Write implements hashlog.FlashController
func (c *Controller) Write(address int, buf []byte) error {
	if address < 0 {
		return fmt.Errorf("%w: address=%d", hashlog.ErrWriteFail, address)
	}

	addr := c.base() + address
	c.logger.Debug("write addr=0x%X len=%d", addr, len(buf))

	for len(buf) > 0 {
		pageOff := addr % flash.PageSize
		n := flash.PageSize - pageOff
		if n > len(buf) {
			n = len(buf)
		}

		if err := c.programPage(addr-pageOff, pageOff, buf[:n]); err != nil {
			return err
		}

		addr += n
		buf = buf[n:]
	}
	return nil
}

// programPage programs chunk at pageOff within the page starting at page
func (c *Controller) programPage(page, pageOff int, chunk []byte) error {
	rmw := len(chunk) < flash.PageSize
	if rmw {
		if err := c.dev.Read(uint32(page), c.scratch); err != nil {
			return fmt.Errorf("%w: read-modify-write of page 0x%X: %v", hashlog.ErrReadFail, page, err)
		}
		c.logger.Debug("read-modify-write page=0x%X offset=%d len=%d", page, pageOff, len(chunk))
	}
	copy(c.scratch[pageOff:], chunk)

	if err := c.dev.WritePage(uint32(page), c.scratch); err != nil {
		return fmt.Errorf("%w: page 0x%X: %v", hashlog.ErrWriteFail, page, err)
	}

	if c.stats != nil {
		c.stats.TrackPageProgram(rmw)
		c.stats.TrackBytes(true, uint64(len(chunk)))
	}
	return nil
}

// EraseRegion implements hashlog.FlashController
func (c *Controller) EraseRegion(regionNumber int) error {
	if regionNumber < 0 {
		return fmt.Errorf("%w: region=%d", hashlog.ErrEraseFail, regionNumber)
	}

	sector := c.baseSector + uint32(regionNumber)
	c.logger.Debug("erase region=%d sector=%d", regionNumber, sector)
	if err := c.dev.EraseSector(sector); err != nil {
		return fmt.Errorf("%w: sector %d: %v", hashlog.ErrEraseFail, sector, err)
	}

	if c.stats != nil {
		c.stats.TrackErase()
	}
	return nil
}
