package flash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Image layout, before compression:
//   - magic (8 bytes)
//   - device size (4 bytes, little endian)
//   - page size (4 bytes)
//   - sector size (4 bytes)
//   - raw device contents
const imageMagic = "NORIMG01"

const imageHeaderSize = len(imageMagic) + 12

// ErrInvalidImage is returned when an image cannot be restored onto a device
var ErrInvalidImage = errors.New("invalid flash image")

// DumpImage writes a zstd-compressed copy of the whole device to w
func DumpImage(w io.Writer, dev Device) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	header := make([]byte, imageHeaderSize)
	copy(header, imageMagic)
	binary.LittleEndian.PutUint32(header[8:12], dev.Size())
	binary.LittleEndian.PutUint32(header[12:16], PageSize)
	binary.LittleEndian.PutUint32(header[16:20], SectorSize)
	if _, err := enc.Write(header); err != nil {
		enc.Close()
		return fmt.Errorf("failed to write image header: %w", err)
	}

	sector := make([]byte, SectorSize)
	for i := uint32(0); i < Sectors(dev); i++ {
		if err := dev.Read(i*SectorSize, sector); err != nil {
			enc.Close()
			return fmt.Errorf("failed to read sector %d: %w", i, err)
		}
		if _, err := enc.Write(sector); err != nil {
			enc.Close()
			return fmt.Errorf("failed to write sector %d: %w", i, err)
		}
	}

	return enc.Close()
}

// RestoreImage replaces the contents of dev with an image produced by DumpImage.
// Every sector is erased and then reprogrammed page by page; pages that are
// entirely erased in the image are skipped.
func RestoreImage(r io.Reader, dev Device) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	header := make([]byte, imageHeaderSize)
	if _, err := io.ReadFull(dec, header); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if string(header[:8]) != imageMagic {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidImage, header[:8])
	}
	size := binary.LittleEndian.Uint32(header[8:12])
	pageSize := binary.LittleEndian.Uint32(header[12:16])
	sectorSize := binary.LittleEndian.Uint32(header[16:20])
	if size != dev.Size() || pageSize != PageSize || sectorSize != SectorSize {
		return fmt.Errorf("%w: image geometry size=%d page=%d sector=%d does not match device size=%d page=%d sector=%d",
			ErrInvalidImage, size, pageSize, sectorSize, dev.Size(), PageSize, SectorSize)
	}

	erasedPage := bytes.Repeat([]byte{ErasedByte}, PageSize)
	sector := make([]byte, SectorSize)
	for i := uint32(0); i < Sectors(dev); i++ {
		if _, err := io.ReadFull(dec, sector); err != nil {
			return fmt.Errorf("%w: sector %d: %v", ErrInvalidImage, i, err)
		}
		if err := dev.EraseSector(i); err != nil {
			return fmt.Errorf("failed to erase sector %d: %w", i, err)
		}
		for off := 0; off < SectorSize; off += PageSize {
			page := sector[off : off+PageSize]
			if bytes.Equal(page, erasedPage) {
				continue
			}
			if err := dev.WritePage(i*SectorSize+uint32(off), page); err != nil {
				return fmt.Errorf("failed to program sector %d: %w", i, err)
			}
		}
	}

	return nil
}
