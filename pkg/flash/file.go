package flash

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
)

// FileDevice keeps the flash contents in an image file so they survive
// process restarts. It applies the same program/erase rules as MemoryDevice.
type FileDevice struct {
	file   *os.File
	size   uint32
	closed atomic.Bool
}

// OpenFileDevice opens the image at path, creating an erased image of the
// given size if it does not exist. An existing image must have exactly that size.
func OpenFileDevice(path string, size uint32) (*FileDevice, error) {
	if size == 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("device size %d is not a positive multiple of %d", size, SectorSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat flash image: %w", err)
	}

	dev := &FileDevice{file: file, size: size}

	switch {
	case stat.Size() == 0:
		for i := uint32(0); i < size/SectorSize; i++ {
			if err := dev.EraseSector(i); err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to format flash image: %w", err)
			}
		}
	case stat.Size() != int64(size):
		file.Close()
		return nil, fmt.Errorf("flash image %s is %d bytes, expected %d", path, stat.Size(), size)
	}

	return dev, nil
}

// Read implements Device
func (f *FileDevice) Read(addr uint32, buf []byte) error {
	if f.closed.Load() {
		return ErrClosed
	}
	if err := checkRange(f.size, addr, len(buf)); err != nil {
		return err
	}
	if _, err := f.file.ReadAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("failed to read flash image: %w", err)
	}
	return nil
}

// WritePage implements Device
func (f *FileDevice) WritePage(addr uint32, buf []byte) error {
	if f.closed.Load() {
		return ErrClosed
	}
	if err := checkPage(f.size, addr, len(buf)); err != nil {
		return err
	}

	current := make([]byte, len(buf))
	if _, err := f.file.ReadAt(current, int64(addr)); err != nil {
		return fmt.Errorf("failed to read flash image: %w", err)
	}
	for i, b := range buf {
		current[i] &= b
	}

	if _, err := f.file.WriteAt(current, int64(addr)); err != nil {
		return fmt.Errorf("failed to program flash image: %w", err)
	}
	return f.file.Sync()
}

// EraseSector implements Device
func (f *FileDevice) EraseSector(index uint32) error {
	if f.closed.Load() {
		return ErrClosed
	}
	if err := checkSector(f.size, index); err != nil {
		return err
	}

	sector := make([]byte, SectorSize)
	for i := range sector {
		sector[i] = ErasedByte
	}
	if _, err := f.file.WriteAt(sector, int64(index)*SectorSize); err != nil {
		return fmt.Errorf("failed to erase flash image sector %d: %w", index, err)
	}
	return f.file.Sync()
}

// Size implements Device
func (f *FileDevice) Size() uint32 {
	return f.size
}

// Close releases the image file
func (f *FileDevice) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return errors.New("flash device already closed")
	}
	return f.file.Close()
}
