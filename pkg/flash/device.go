// Package flash models the NOR flash part behind the storage service.
//
// A Device reads arbitrary byte ranges, programs at most one page at a time
// and erases whole sectors. Programming can only clear bits: the stored byte
// becomes old AND new, so a page must be erased before 0 bits can become 1
// again. Erasing sets every byte of the sector to ErasedByte.
package flash

import (
	"errors"
	"fmt"
)

const (
	// PageSize is the program granularity in bytes
	PageSize = 256
	// SectorSize is the erase granularity in bytes, a whole number of pages
	SectorSize = 4096
	// ErasedByte is the value of every byte of a freshly erased sector
	ErasedByte = 0xFF
)

var (
	// ErrOutOfRange is returned for accesses beyond the end of the device
	ErrOutOfRange = errors.New("flash access out of range")
	// ErrPageBoundary is returned when a program operation would cross a page boundary
	ErrPageBoundary = errors.New("flash program crosses page boundary")
	// ErrClosed is returned by devices that have been closed
	ErrClosed = errors.New("flash device closed")
)

// Device is the hardware primitive consumed by the flash controller.
type Device interface {
	// Read fills buf with the bytes starting at addr
	Read(addr uint32, buf []byte) error
	// WritePage programs buf at addr. buf must not extend past the end of
	// the page containing addr.
	WritePage(addr uint32, buf []byte) error
	// EraseSector erases the sector with the given index
	EraseSector(index uint32) error
	// Size returns the device capacity in bytes
	Size() uint32
}

func checkRange(size, addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(size) {
		return fmt.Errorf("%w: addr=0x%X len=%d size=%d", ErrOutOfRange, addr, n, size)
	}
	return nil
}

func checkPage(size, addr uint32, n int) error {
	if err := checkRange(size, addr, n); err != nil {
		return err
	}
	if int(addr%PageSize)+n > PageSize {
		return fmt.Errorf("%w: addr=0x%X len=%d", ErrPageBoundary, addr, n)
	}
	return nil
}

func checkSector(size, index uint32) error {
	if (uint64(index)+1)*SectorSize > uint64(size) {
		return fmt.Errorf("%w: sector %d size=%d", ErrOutOfRange, index, size)
	}
	return nil
}

// Sectors returns the number of whole sectors on dev
func Sectors(dev Device) uint32 {
	return dev.Size() / SectorSize
}
